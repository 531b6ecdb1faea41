package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/engagesync/internal/controlplane"
)

var (
	ErrCredentialsInvalid = errors.New("credentials invalid")
	ErrTransientFailure   = errors.New("transient upstream failure")
)

// StatusSource fetches the raw account status payload.
type StatusSource interface {
	OAuthStatus(ctx context.Context, cred controlplane.Credential) (json.RawMessage, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

// View is the account list to display.
type View struct {
	Accounts []ConnectedAccount `json:"accounts"`
	// Stale is set when the upstream could not be reached and Accounts is the
	// cached list.
	Stale bool `json:"stale,omitempty"`
}

type Reconciler struct {
	source     StatusSource
	store      *Store
	normalizer *Normalizer
	logger     Logger
}

type ReconcilerOptions struct {
	Normalizer *Normalizer
	Logger     Logger
}

func NewReconciler(source StatusSource, store *Store, opts ReconcilerOptions) *Reconciler {
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = NewNormalizer()
	}
	if store == nil {
		store = NewStore(nil)
	}
	return &Reconciler{
		source:     source,
		store:      store,
		normalizer: normalizer,
		logger:     opts.Logger,
	}
}

func (r *Reconciler) Store() *Store {
	return r.store
}

// Reconcile folds a raw status payload into the cache. A payload with
// accounts returns those accounts deduplicated; a payload without any returns
// the cache unchanged. When persisting fails the fresh accounts are still
// returned alongside the error.
func (r *Reconciler) Reconcile(raw []byte) ([]ConnectedAccount, error) {
	fresh := r.normalizer.Normalize(raw)
	if len(fresh) == 0 {
		return r.store.List()
	}
	var persistErr error
	for _, account := range fresh {
		if err := r.store.Upsert(account); err != nil && persistErr == nil {
			persistErr = fmt.Errorf("cache %s: %w", account.Key(), err)
		}
	}
	return Dedupe(fresh), persistErr
}

// Refresh fetches the upstream status with cred and reconciles it. A
// rejected credential returns ErrCredentialsInvalid and an empty view. Any
// other gateway failure returns the cached list marked stale together with
// ErrTransientFailure. In both cases the cache is left untouched.
func (r *Reconciler) Refresh(ctx context.Context, cred controlplane.Credential) (View, error) {
	if r.source == nil {
		return View{}, fmt.Errorf("%w: no status source configured", ErrTransientFailure)
	}
	raw, err := r.source.OAuthStatus(ctx, cred)
	if err != nil {
		if controlplane.IsAuthRejected(err) {
			return View{}, fmt.Errorf("%w: %w", ErrCredentialsInvalid, err)
		}
		r.logf("account status fetch failed, serving cache: %v", err)
		cached, cacheErr := r.store.List()
		if cacheErr != nil {
			return View{}, fmt.Errorf("%w: %w (cache: %v)", ErrTransientFailure, err, cacheErr)
		}
		return View{Accounts: cached, Stale: true}, fmt.Errorf("%w: %w", ErrTransientFailure, err)
	}
	accounts, err := r.Reconcile(raw)
	return View{Accounts: accounts}, err
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
