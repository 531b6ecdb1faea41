package oauth

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/controlplane"
)

type State string

const (
	StateIdle         State = "idle"
	StateRequesting   State = "requesting"
	StateAwaitingUser State = "awaiting_user"
	StateExchanging   State = "exchanging"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Reason string

const (
	ReasonInvalidCallback    Reason = "invalid_callback"
	ReasonExchangeRejected   Reason = "exchange_rejected"
	ReasonCancelled          Reason = "cancelled"
	ReasonTimeout            Reason = "timeout"
	ReasonAuthURLMissing     Reason = "auth_url_missing"
	ReasonRequestFailed      Reason = "request_failed"
	ReasonSurfaceUnavailable Reason = "surface_unavailable"
)

// Snapshot is a point-in-time copy of an attempt.
type Snapshot struct {
	State            string                     `json:"state"`
	Status           State                      `json:"status"`
	Reason           Reason                     `json:"reason,omitempty"`
	AuthorizationURL string                     `json:"authorizationUrl,omitempty"`
	Account          *accounts.ConnectedAccount `json:"account,omitempty"`
	StartedAt        time.Time                  `json:"startedAt"`
	FinishedAt       *time.Time                 `json:"finishedAt,omitempty"`
	Error            string                     `json:"error,omitempty"`
}

// Attempt is one handshake. It moves Idle -> Requesting -> AwaitingUser ->
// Exchanging -> Completed, or to Failed from any non-terminal state.
type Attempt struct {
	mu         sync.Mutex
	state      string
	status     State
	reason     Reason
	authURL    string
	account    *accounts.ConnectedAccount
	err        error
	startedAt  time.Time
	finishedAt time.Time

	cred    controlplane.Credential
	surface Surface
	done    chan struct{}
}

func newAttempt(cred controlplane.Credential, surface Surface, now time.Time) *Attempt {
	return &Attempt{
		status:    StateIdle,
		startedAt: now,
		cred:      cred,
		surface:   surface,
		done:      make(chan struct{}),
	}
}

// StateToken is the single-use correlation token of the attempt.
func (a *Attempt) StateToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attempt) Status() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := Snapshot{
		State:            a.state,
		Status:           a.status,
		Reason:           a.reason,
		AuthorizationURL: a.authURL,
		StartedAt:        a.startedAt,
	}
	if a.account != nil {
		account := *a.account
		snapshot.Account = &account
	}
	if a.status.Terminal() {
		finished := a.finishedAt
		snapshot.FinishedAt = &finished
	}
	if a.err != nil {
		snapshot.Error = a.err.Error()
	}
	return snapshot
}

// Done is closed once the attempt reaches a terminal state.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt is terminal or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-a.done:
		return a.Snapshot(), nil
	case <-ctx.Done():
		return a.Snapshot(), ctx.Err()
	}
}

// advance moves a non-terminal attempt from one of the from states to to.
func (a *Attempt) advance(to State, from ...State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !inStates(a.status, from) {
		return false
	}
	a.status = to
	return true
}

// terminate records the terminal outcome once. It reports false when the
// attempt had already left the from states.
func (a *Attempt) terminate(status State, reason Reason, account *accounts.ConnectedAccount, err error, now time.Time, from ...State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() || (len(from) > 0 && !inStates(a.status, from)) {
		return false
	}
	a.status = status
	a.reason = reason
	a.account = account
	a.err = err
	a.finishedAt = now
	return true
}

func inStates(state State, states []State) bool {
	for _, candidate := range states {
		if state == candidate {
			return true
		}
	}
	return false
}
