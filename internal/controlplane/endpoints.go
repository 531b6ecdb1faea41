package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrAuthURLMissing = errors.New("control plane returned no authorization url")

const (
	pathToken           = "auth/token"
	pathOAuthStatus     = "reddit-oauth/status"
	pathOAuthAuthURL    = "reddit-oauth/auth-url"
	pathOAuthCallback   = "reddit-oauth/callback"
	pathOAuthRefresh    = "reddit-oauth/refresh"
	pathRules           = "reddit-automation/rules"
	pathStart           = "reddit-automation/start"
	pathStop            = "reddit-automation/stop"
	pathStatus          = "reddit-automation/status"
	pathActivateAccount = "reddit-automation/activate-account"
)

// Login exchanges a username/password pair for a bearer token. It satisfies
// Exchanger.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("grant_type", "password")
	raw, err := c.do(ctx, http.MethodPost, pathToken, form, "")
	if err != nil {
		return "", err
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", fmt.Errorf("%w: token response carried no access_token", ErrMissingCredential)
	}
	return payload.AccessToken, nil
}

// OAuthStatus returns the raw, shape-unstable account status payload.
func (c *Client) OAuthStatus(ctx context.Context, cred Credential) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodGet, pathOAuthStatus, nil, cred)
}

// AuthURL asks the control plane for an authorization URL that will redirect
// to redirectURI.
func (c *Client) AuthURL(ctx context.Context, cred Credential, redirectURI string) (string, error) {
	path := pathOAuthAuthURL
	if redirectURI != "" {
		path += "?" + url.Values{"redirect_uri": {redirectURI}}.Encode()
	}
	raw, err := c.Call(ctx, http.MethodGet, path, nil, cred)
	if err != nil {
		return "", err
	}
	return extractAuthURL(raw)
}

func extractAuthURL(raw json.RawMessage) (string, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthURLMissing, err)
	}
	for _, key := range []string{"authorizationUrl", "url", "auth_url"} {
		if value := rawString(payload[key]); value != "" {
			return value, nil
		}
	}
	return "", ErrAuthURLMissing
}

// OAuthCallback hands an authorization code to the control plane. A 2xx
// reply means the account is now connected; the body may describe it.
func (c *Client) OAuthCallback(ctx context.Context, cred Credential, code, state, redirectURI string) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodPost, pathOAuthCallback, map[string]string{
		"code":         code,
		"state":        state,
		"redirect_uri": redirectURI,
	}, cred)
}

func (c *Client) RefreshToken(ctx context.Context, cred Credential) error {
	_, err := c.Call(ctx, http.MethodPost, pathOAuthRefresh, nil, cred)
	return err
}

func (c *Client) ListRules(ctx context.Context, cred Credential) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodGet, pathRules, nil, cred)
}

func (c *Client) CreateRule(ctx context.Context, cred Credential, rule any) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodPost, pathRules, rule, cred)
}

func (c *Client) ToggleRule(ctx context.Context, cred Credential, id string, enabled bool) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodPut, rulePath(id)+"/toggle", map[string]bool{"enabled": enabled}, cred)
}

func (c *Client) DeleteRule(ctx context.Context, cred Credential, id string) error {
	_, err := c.Call(ctx, http.MethodDelete, rulePath(id), nil, cred)
	return err
}

// StartAutomation starts the global run state. forceAccount, when set, pins
// the account the control plane should run as.
func (c *Client) StartAutomation(ctx context.Context, cred Credential, forceAccount string) (json.RawMessage, error) {
	var body any
	if forceAccount != "" {
		body = map[string]string{"force_reddit_account": forceAccount}
	}
	return c.Call(ctx, http.MethodPost, pathStart, body, cred)
}

func (c *Client) StopAutomation(ctx context.Context, cred Credential) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodPost, pathStop, nil, cred)
}

func (c *Client) AutomationStatus(ctx context.Context, cred Credential) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodGet, pathStatus, nil, cred)
}

func (c *Client) ActivateAccount(ctx context.Context, cred Credential, username, userID string) (json.RawMessage, error) {
	body := map[string]string{"reddit_username": username}
	if userID != "" {
		body["reddit_user_id"] = userID
	}
	return c.Call(ctx, http.MethodPost, pathActivateAccount, body, cred)
}

func rulePath(id string) string {
	return pathRules + "/" + url.PathEscape(strings.TrimSpace(id))
}
