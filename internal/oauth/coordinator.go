package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/controlplane"
)

var (
	ErrInvalidCallback = errors.New("invalid oauth callback")
	ErrUnknownAttempt  = errors.New("unknown oauth attempt")
)

const (
	DefaultTimeout          = 10 * time.Minute
	DefaultLivenessInterval = time.Second
)

// Gateway is the part of the control plane the handshake talks to.
type Gateway interface {
	AuthURL(ctx context.Context, cred controlplane.Credential, redirectURI string) (string, error)
	OAuthCallback(ctx context.Context, cred controlplane.Credential, code, state, redirectURI string) (json.RawMessage, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

// Callback is what the callback surface received from the provider.
type Callback struct {
	State string
	Code  string
	Error string
}

func CallbackFromQuery(query url.Values) Callback {
	return Callback{
		State: strings.TrimSpace(query.Get("state")),
		Code:  strings.TrimSpace(query.Get("code")),
		Error: strings.TrimSpace(query.Get("error")),
	}
}

type Options struct {
	// CallbackURL is forced as the redirect_uri of every authorization URL.
	CallbackURL      string
	Timeout          time.Duration
	LivenessInterval time.Duration
	Logger           Logger
	Now              func() time.Time
	NewState         func() string
}

// Coordinator drives handshake attempts and reports each terminal outcome
// exactly once through its hub.
type Coordinator struct {
	gateway          Gateway
	hub              *Hub
	callbackURL      string
	timeout          time.Duration
	livenessInterval time.Duration
	logger           Logger
	now              func() time.Time
	newState         func() string

	mu      sync.Mutex
	pending map[string]*Attempt
}

func NewCoordinator(gateway Gateway, hub *Hub, opts Options) *Coordinator {
	if hub == nil {
		hub = NewHub()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = DefaultLivenessInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewState == nil {
		opts.NewState = uuid.NewString
	}
	return &Coordinator{
		gateway:          gateway,
		hub:              hub,
		callbackURL:      strings.TrimSpace(opts.CallbackURL),
		timeout:          opts.Timeout,
		livenessInterval: opts.LivenessInterval,
		logger:           opts.Logger,
		now:              opts.Now,
		newState:         opts.NewState,
		pending:          map[string]*Attempt{},
	}
}

func (c *Coordinator) Hub() *Hub {
	return c.hub
}

func (c *Coordinator) CallbackURL() string {
	return c.callbackURL
}

// Start requests an authorization URL and opens it on surface. The returned
// attempt is either awaiting the user or already failed; in the latter case
// the error explains why. Callers wait on Attempt.Done or Attempt.Wait.
func (c *Coordinator) Start(ctx context.Context, cred controlplane.Credential, surface Surface) (*Attempt, error) {
	if surface == nil {
		surface = NewDetachedSurface(nil)
	}
	attempt := newAttempt(cred, surface, c.now())
	attempt.advance(StateRequesting, StateIdle)

	rawURL, err := c.gateway.AuthURL(ctx, cred, c.callbackURL)
	if err != nil {
		reason := ReasonRequestFailed
		if errors.Is(err, controlplane.ErrAuthURLMissing) {
			reason = ReasonAuthURLMissing
		}
		c.fail(attempt, reason, err)
		return attempt, err
	}
	authURL, state, err := c.prepareAuthURL(rawURL)
	if err != nil {
		c.fail(attempt, ReasonAuthURLMissing, err)
		return attempt, err
	}

	c.mu.Lock()
	if _, taken := c.pending[state]; taken {
		c.mu.Unlock()
		err := fmt.Errorf("%w: state %q already in use", ErrInvalidCallback, state)
		c.fail(attempt, ReasonInvalidCallback, err)
		return attempt, err
	}
	attempt.mu.Lock()
	attempt.state = state
	attempt.authURL = authURL
	attempt.mu.Unlock()
	c.pending[state] = attempt
	c.mu.Unlock()

	if err := surface.Open(ctx, authURL); err != nil {
		c.fail(attempt, ReasonSurfaceUnavailable, err)
		return attempt, err
	}
	attempt.advance(StateAwaitingUser, StateRequesting)
	go c.monitor(attempt)
	return attempt, nil
}

// HandleCallback routes a callback to its attempt by state token. A missing
// code or provider error fails that attempt. A state that matches no pending
// attempt fails the only pending attempt when there is exactly one, since
// the callback can only belong to it.
func (c *Coordinator) HandleCallback(ctx context.Context, callback Callback) (*Attempt, error) {
	attempt := c.claim(callback.State)
	if attempt == nil {
		err := fmt.Errorf("%w: state does not match a pending handshake", ErrInvalidCallback)
		if only := c.claimOnly(); only != nil {
			c.fail(only, ReasonInvalidCallback, err)
			return only, err
		}
		return nil, err
	}
	if callback.Error != "" || callback.Code == "" {
		err := fmt.Errorf("%w: missing authorization code", ErrInvalidCallback)
		if callback.Error != "" {
			err = fmt.Errorf("%w: provider returned %s", ErrInvalidCallback, callback.Error)
		}
		c.fail(attempt, ReasonInvalidCallback, err)
		return attempt, err
	}
	if !attempt.advance(StateExchanging, StateAwaitingUser, StateRequesting) {
		return attempt, fmt.Errorf("%w: handshake is %s", ErrInvalidCallback, attempt.Status())
	}

	raw, err := c.gateway.OAuthCallback(ctx, attempt.cred, callback.Code, callback.State, c.callbackURL)
	if err != nil {
		c.finish(attempt, StateFailed, ReasonExchangeRejected, nil, err, StateExchanging)
		return attempt, err
	}
	var account *accounts.ConnectedAccount
	if found := accounts.Normalize(raw); len(found) > 0 {
		account = &found[0]
	}
	c.finish(attempt, StateCompleted, "", account, nil, StateExchanging)
	return attempt, nil
}

// Cancel fails a pending attempt because its surface went away.
func (c *Coordinator) Cancel(state string) error {
	attempt := c.claim(state)
	if attempt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAttempt, state)
	}
	c.finish(attempt, StateFailed, ReasonCancelled, nil, ErrSurfaceClosed, StateRequesting, StateAwaitingUser)
	return nil
}

// Pending lists attempts that have not yet received a callback.
func (c *Coordinator) Pending() []Snapshot {
	c.mu.Lock()
	attempts := make([]*Attempt, 0, len(c.pending))
	for _, attempt := range c.pending {
		attempts = append(attempts, attempt)
	}
	c.mu.Unlock()
	out := make([]Snapshot, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, attempt.Snapshot())
	}
	return out
}

// monitor fails the attempt when the user abandons the surface or the
// handshake outlives its timeout. It stops once the callback arrives.
func (c *Coordinator) monitor(attempt *Attempt) {
	ticker := time.NewTicker(c.livenessInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	for {
		select {
		case <-attempt.done:
			return
		case <-deadline.C:
			if c.release(attempt) {
				c.finish(attempt, StateFailed, ReasonTimeout, nil, context.DeadlineExceeded, StateAwaitingUser)
			}
			return
		case <-ticker.C:
			if attempt.Status() != StateAwaitingUser {
				continue
			}
			if !attempt.surface.Alive() && c.release(attempt) {
				c.finish(attempt, StateFailed, ReasonCancelled, nil, ErrSurfaceClosed, StateAwaitingUser)
				return
			}
		}
	}
}

// claim removes and returns the pending attempt for state. State tokens are
// single-use, so a second callback with the same token finds nothing.
func (c *Coordinator) claim(state string) *Attempt {
	state = strings.TrimSpace(state)
	if state == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	attempt, ok := c.pending[state]
	if !ok {
		return nil
	}
	delete(c.pending, state)
	return attempt
}

func (c *Coordinator) claimOnly() *Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) != 1 {
		return nil
	}
	for state, attempt := range c.pending {
		delete(c.pending, state)
		return attempt
	}
	return nil
}

// release removes attempt from the pending set if it is still there.
func (c *Coordinator) release(attempt *Attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := attempt.StateToken()
	if current, ok := c.pending[state]; ok && current == attempt {
		delete(c.pending, state)
		return true
	}
	return false
}

func (c *Coordinator) fail(attempt *Attempt, reason Reason, err error) {
	c.release(attempt)
	c.finish(attempt, StateFailed, reason, nil, err)
}

// finish records the terminal outcome, publishes it, then closes the
// surface. Only the first caller for an attempt has any effect.
func (c *Coordinator) finish(attempt *Attempt, status State, reason Reason, account *accounts.ConnectedAccount, err error, from ...State) {
	if !attempt.terminate(status, reason, account, err, c.now(), from...) {
		return
	}
	snapshot := attempt.Snapshot()
	delivered := c.hub.Publish(Notification{
		Type:    TypeOAuthDone,
		OK:      status == StateCompleted,
		State:   snapshot.State,
		Reason:  reason,
		Account: snapshot.Account,
		At:      c.now(),
	})
	if !delivered {
		c.logf("oauth attempt %s finished with no listener; buffered for polling", snapshot.State)
	}
	if status == StateFailed {
		c.logf("oauth attempt %s failed: %s: %v", snapshot.State, reason, err)
	}
	if closeErr := attempt.surface.Close(); closeErr != nil {
		c.logf("close authorization surface: %v", closeErr)
	}
	close(attempt.done)
}

// prepareAuthURL forces redirect_uri to the callback address and makes sure
// the URL carries a state token, generating one when upstream did not.
func (c *Coordinator) prepareAuthURL(raw string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %q", controlplane.ErrAuthURLMissing, raw)
	}
	query := parsed.Query()
	if c.callbackURL != "" {
		query.Set("redirect_uri", c.callbackURL)
	}
	state := strings.TrimSpace(query.Get("state"))
	if state == "" {
		state = c.newState()
		query.Set("state", state)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), state, nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
