package controlplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallAttachesBearerAuthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reddit-oauth/status", r.URL.Path)
		assert.Equal(t, "Bearer tok_1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"connected":true,"reddit_username":"alice"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	raw, err := client.OAuthStatus(context.Background(), BearerCredential("tok_1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":true,"reddit_username":"alice"}`, string(raw))
}

func TestCallAttachesBasicAuthorization(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, want, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	raw, err := client.Call(context.Background(), http.MethodGet, "reddit-automation/status", nil, BasicCredential("alice", "s3cret"))
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCallRejectsEmptyCredentialWithoutNetwork(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.Call(context.Background(), http.MethodGet, "reddit-oauth/status", nil, Credential{})
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCallClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status       int
		body         string
		authRejected bool
		transient    bool
		message      string
	}{
		{status: http.StatusUnauthorized, body: `{"detail":"Could not validate credentials"}`, authRejected: true, message: "Could not validate credentials"},
		{status: http.StatusForbidden, body: `{"error":"forbidden"}`, authRejected: true, message: "forbidden"},
		{status: http.StatusTooManyRequests, body: `{"code":"rate_limited","message":"slow down"}`, transient: true, message: "slow down"},
		{status: http.StatusBadGateway, body: `upstream down`, transient: true, message: "upstream down"},
		{status: http.StatusUnprocessableEntity, body: `{"detail":[{"msg":"field required"}]}`, message: "field required"},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, server.Client())
			_, err := client.ListRules(context.Background(), BearerCredential("tok"))
			require.Error(t, err)

			var gatewayErr *GatewayError
			require.True(t, errors.As(err, &gatewayErr))
			assert.Equal(t, tc.status, gatewayErr.Status)
			assert.Equal(t, tc.body, string(gatewayErr.Body))
			assert.Equal(t, tc.message, gatewayErr.Message)
			assert.Equal(t, tc.authRejected, errors.Is(err, ErrAuthRejected))
			assert.Equal(t, tc.transient, errors.Is(err, ErrTransient))
		})
	}
}

func TestCallTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client := NewClient(baseURL, &http.Client{Timeout: time.Second})
	_, err := client.OAuthStatus(context.Background(), BearerCredential("tok"))
	require.Error(t, err)

	var gatewayErr *GatewayError
	require.True(t, errors.As(err, &gatewayErr))
	assert.Zero(t, gatewayErr.Status)
	assert.NotNil(t, gatewayErr.Cause)
	assert.ErrorIs(t, err, ErrTransient)
	assert.False(t, IsAuthRejected(err))
}

func TestCallTimeoutIsTransportFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, &http.Client{Timeout: 50 * time.Millisecond})
	_, err := client.OAuthStatus(context.Background(), BearerCredential("tok"))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestCallNeverRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.AutomationStatus(context.Background(), BearerCredential("tok"))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoginExchangesFormCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "alice", r.PostForm.Get("username"))
		assert.Equal(t, "s3cret", r.PostForm.Get("password"))
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		_, _ = w.Write([]byte(`{"access_token":"tok_alice","token_type":"bearer"}`))
	}))
	defer server.Close()

	token, err := NewClient(server.URL, server.Client()).Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "tok_alice", token)
}

func TestLoginSurfacesDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Incorrect username or password"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, server.Client()).Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "Incorrect username or password")
}

func TestAuthURLKeysAndRedirect(t *testing.T) {
	for _, key := range []string{"authorizationUrl", "url", "auth_url"} {
		t.Run(key, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/reddit-oauth/auth-url", r.URL.Path)
				assert.Equal(t, "http://127.0.0.1:8787/cb", r.URL.Query().Get("redirect_uri"))
				_ = json.NewEncoder(w).Encode(map[string]string{key: "https://www.reddit.com/api/v1/authorize?state=s1"})
			}))
			defer server.Close()

			got, err := NewClient(server.URL, server.Client()).AuthURL(context.Background(), BearerCredential("tok"), "http://127.0.0.1:8787/cb")
			require.NoError(t, err)
			assert.Equal(t, "https://www.reddit.com/api/v1/authorize?state=s1", got)
		})
	}
}

func TestAuthURLMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, server.Client()).AuthURL(context.Background(), BearerCredential("tok"), "")
	assert.ErrorIs(t, err, ErrAuthURLMissing)
}

func TestToggleRuleSendsEnabledFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/reddit-automation/rules/rule_1/toggle", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"enabled":true}`, string(body))
		_, _ = w.Write([]byte(`{"id":"rule_1","enabled":true}`))
	}))
	defer server.Close()

	raw, err := NewClient(server.URL, server.Client()).ToggleRule(context.Background(), BearerCredential("tok"), "rule_1", true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"rule_1","enabled":true}`, string(raw))
}

func TestStartAutomationForcedAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reddit-automation/start", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"force_reddit_account":"alice"}`, string(body))
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, server.Client()).StartAutomation(context.Background(), BearerCredential("tok"), "alice")
	require.NoError(t, err)
}
