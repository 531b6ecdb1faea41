package controlplane

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchanger struct {
	token string
	err   error
	calls int
}

func (f *fakeExchanger) Login(ctx context.Context, username, password string) (string, error) {
	f.calls++
	return f.token, f.err
}

func TestCredentialAuthorizationPrefersToken(t *testing.T) {
	promoted := BasicCredential("alice", "pw").Promote("tok")
	assert.Equal(t, "Bearer tok", promoted.Authorization())
	assert.True(t, promoted.CanReexchange())
	assert.Equal(t, "Basic YWxpY2U6cHc=", BasicCredential("alice", "pw").Authorization())
	assert.Empty(t, Credential{Mode: ModeBasic, Username: "alice"}.Authorization())
}

func TestCredentialValidate(t *testing.T) {
	assert.NoError(t, BearerCredential("tok").Validate())
	assert.NoError(t, BasicCredential("alice", "pw").Validate())
	assert.ErrorIs(t, BearerCredential(" ").Validate(), ErrMissingCredential)
	assert.ErrorIs(t, BasicCredential("alice", "").Validate(), ErrMissingCredential)
	assert.ErrorIs(t, Credential{}.Validate(), ErrMissingCredential)
}

func TestCredentialFormattingRedactsSecrets(t *testing.T) {
	cred := BasicCredential("alice", "hunter2").Promote("tok_secret")
	for _, formatted := range []string{
		fmt.Sprintf("%v", cred),
		fmt.Sprintf("%+v", cred),
		fmt.Sprintf("%#v", cred),
		cred.String(),
	} {
		assert.NotContains(t, formatted, "hunter2")
		assert.NotContains(t, formatted, "tok_secret")
	}
}

func TestSessionLoginPromotesBasicCredential(t *testing.T) {
	session := NewSession()
	exchanger := &fakeExchanger{token: "tok_1"}

	cred, err := session.Login(context.Background(), exchanger, BasicCredential("alice", "pw"))
	require.NoError(t, err)
	assert.Equal(t, ModeBearer, cred.Mode)
	assert.Equal(t, "Bearer tok_1", cred.Authorization())

	current, err := session.Current()
	require.NoError(t, err)
	assert.Equal(t, cred, current)

	exchanger.token = "tok_2"
	renewed, err := session.Reauthenticate(context.Background(), exchanger)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_2", renewed.Authorization())
	assert.Equal(t, 2, exchanger.calls)
}

func TestSessionLoginFailureKeepsPreviousCredential(t *testing.T) {
	session := NewSession()
	require.NoError(t, session.Set(BearerCredential("tok_old")))

	_, err := session.Login(context.Background(), &fakeExchanger{err: errors.New("boom")}, BasicCredential("alice", "pw"))
	require.Error(t, err)

	current, err := session.Current()
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_old", current.Authorization())
}

func TestSessionBearerLoginSkipsExchange(t *testing.T) {
	session := NewSession()
	exchanger := &fakeExchanger{}
	_, err := session.Login(context.Background(), exchanger, BearerCredential("tok"))
	require.NoError(t, err)
	assert.Zero(t, exchanger.calls)

	_, err = session.Reauthenticate(context.Background(), exchanger)
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestSessionClear(t *testing.T) {
	session := NewSession()
	require.NoError(t, session.Set(BearerCredential("tok")))
	session.Clear()
	_, err := session.Current()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestBackoffDelay(t *testing.T) {
	backoff := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoff.Delay(1, nil))
	assert.Equal(t, 200*time.Millisecond, backoff.Delay(2, nil))
	assert.Equal(t, 800*time.Millisecond, backoff.Delay(4, nil))
	assert.Equal(t, time.Second, backoff.Delay(10, nil))
	assert.Equal(t, 500*time.Millisecond, backoff.Delay(1, &GatewayError{Status: 429, RetryAfter: 500 * time.Millisecond}))
	assert.Equal(t, time.Second, backoff.Delay(1, &GatewayError{Status: 429, RetryAfter: time.Minute}))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&GatewayError{Status: 503}))
	assert.True(t, Retryable(&GatewayError{Cause: errors.New("dial tcp: connection refused")}))
	assert.False(t, Retryable(&GatewayError{Status: 401}))
	assert.False(t, Retryable(&GatewayError{Status: 400}))
	assert.False(t, Retryable(&GatewayError{Cause: context.Canceled}))
	assert.False(t, Retryable(nil))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}
