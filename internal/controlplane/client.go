package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://dev.adtask.ai"
	DefaultTimeout = 15 * time.Second

	apiPrefix = "/api/"
)

var (
	ErrAuthRejected = errors.New("control plane rejected the credential")
	ErrTransient    = errors.New("transient control plane failure")
)

// GatewayError is every failed call to the control plane. Status is zero for
// transport failures, in which case Cause holds the underlying error.
type GatewayError struct {
	Method     string
	Path       string
	Status     int
	Code       string
	Message    string
	Body       []byte
	RetryAfter time.Duration
	Cause      error
}

func (e *GatewayError) Error() string {
	target := strings.TrimSpace(e.Method + " " + e.Path)
	if e.Status == 0 {
		return fmt.Sprintf("control plane %s: %v", target, e.Cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("control plane %s: http %d %s: %s", target, e.Status, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("control plane %s: http %d: %s", target, e.Status, e.Message)
	}
	return fmt.Sprintf("control plane %s: http %d", target, e.Status)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrAuthRejected:
		return e.AuthRejected()
	case ErrTransient:
		return e.Transient()
	}
	return false
}

func (e *GatewayError) AuthRejected() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func (e *GatewayError) Transient() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500 && e.Status <= 599:
		return true
	}
	return false
}

// IsAuthRejected reports whether err is a 401/403 from the control plane.
func IsAuthRejected(err error) bool {
	return errors.Is(err, ErrAuthRejected)
}

// Client is the only component that talks to the control plane. It attaches
// the Authorization header of the credential passed to each call and never
// retries; callers own retry policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if httpClient.Timeout <= 0 {
		bounded := *httpClient
		bounded.Timeout = DefaultTimeout
		httpClient = &bounded
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call performs one request against the control plane. body may be nil, a
// url.Values (sent form-encoded) or any JSON-serialisable value. A 2xx reply
// returns its raw body; anything else is a *GatewayError.
func (c *Client) Call(ctx context.Context, method, path string, body any, cred Credential) (json.RawMessage, error) {
	authorization := cred.Authorization()
	if authorization == "" {
		return nil, ErrMissingCredential
	}
	return c.do(ctx, method, path, body, authorization)
}

func (c *Client) do(ctx context.Context, method, path string, body any, authorization string) (json.RawMessage, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	requestPath := strings.TrimLeft(strings.TrimSpace(path), "/")

	var (
		bodyReader  io.Reader
		contentType string
	)
	if body != nil && method != http.MethodGet {
		switch typed := body.(type) {
		case url.Values:
			bodyReader = strings.NewReader(typed.Encode())
			contentType = "application/x-www-form-urlencoded"
		case json.RawMessage:
			bodyReader = bytes.NewReader(typed)
			contentType = "application/json"
		default:
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+requestPath, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Method: method, Path: requestPath, Cause: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &GatewayError{Method: method, Path: requestPath, Cause: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if len(bytes.TrimSpace(payload)) == 0 {
			return nil, nil
		}
		return json.RawMessage(payload), nil
	}

	code, message := decodeErrorPayload(payload)
	return nil, &GatewayError{
		Method:     method,
		Path:       requestPath,
		Status:     resp.StatusCode,
		Code:       code,
		Message:    message,
		Body:       payload,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// decodeErrorPayload understands {detail}, {error}, {code, message} bodies.
// A list-valued detail keeps its first entry's msg.
func decodeErrorPayload(payload []byte) (string, string) {
	var body struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", strings.TrimSpace(string(payload))
	}
	message := body.Message
	if detail := rawString(body.Detail); detail != "" {
		message = detail
	} else if len(body.Detail) > 0 {
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(body.Detail, &items) == nil && len(items) > 0 && items[0].Msg != "" {
			message = items[0].Msg
		}
	}
	if message == "" {
		message = rawString(body.Error)
	}
	code := body.Code
	if code == "" && message != "" && rawString(body.Error) != "" && rawString(body.Error) != message {
		code = rawString(body.Error)
	}
	return code, message
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func correlationID() string {
	return fmt.Sprintf("engagesync_%d", time.Now().UnixNano())
}
