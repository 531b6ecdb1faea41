package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/engagesync/internal/durable"
)

const storeKey = "accounts"

var (
	ErrNotFound       = errors.New("account not found")
	ErrInvalidAccount = errors.New("invalid account")
)

// Store is the durable cache of connected accounts, keyed by natural key.
// Each operation is a single load-modify-save under the store lock, so
// concurrent callers see last-writer-wins per natural key.
type Store struct {
	mu      sync.Mutex
	backend durable.Backend
}

func NewStore(backend durable.Backend) *Store {
	if backend == nil {
		backend = durable.NewInMemoryBackend()
	}
	return &Store{backend: backend}
}

// Upsert replaces the record sharing account's natural key in place, or
// appends account when none exists. A record without token metadata keeps
// the metadata already cached for that key.
func (s *Store) Upsert(account ConnectedAccount) error {
	account = account.canonical()
	if account.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidAccount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	key := account.Key()
	replaced := false
	for i := range current {
		if current[i].Key() == key {
			if !account.hasTokenMetadata() {
				account.Refreshable = current[i].Refreshable
				account.TokenExpiresAt = current[i].TokenExpiresAt
			}
			current[i] = account
			replaced = true
			break
		}
	}
	if !replaced {
		current = append(current, account)
	}
	return s.saveLocked(current)
}

// Remove deletes every record whose id is id. It is a local operation and
// does not revoke upstream authorization.
func (s *Store) Remove(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAccount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := current[:0]
	for _, account := range current {
		if account.ID != id {
			kept = append(kept, account)
		}
	}
	if len(kept) == len(current) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.saveLocked(kept)
}

func (s *Store) List() ([]ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked([]ConnectedAccount{})
}

func (s *Store) loadLocked() ([]ConnectedAccount, error) {
	data, err := s.backend.Load(storeKey)
	if err != nil {
		return nil, fmt.Errorf("load account cache: %w", err)
	}
	out := []ConnectedAccount{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode account cache: %w", err)
	}
	if out == nil {
		out = []ConnectedAccount{}
	}
	return out, nil
}

func (s *Store) saveLocked(accounts []ConnectedAccount) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return err
	}
	if err := s.backend.Save(storeKey, data); err != nil {
		return fmt.Errorf("persist account cache: %w", err)
	}
	return nil
}
