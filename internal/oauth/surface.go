package oauth

import (
	"context"
	"errors"
	"sync"
)

var ErrSurfaceClosed = errors.New("authorization surface closed")

// Surface is the context in which the user authorizes: a browser tab, a
// terminal prompt. It runs independently of the initiator, so the
// coordinator polls Alive to notice when the user abandons it.
type Surface interface {
	Open(ctx context.Context, authorizationURL string) error
	Alive() bool
	Close() error
}

// DetachedSurface is a surface owned by another process, such as a browser
// window opened from the authorization URL. It stays alive until Close.
type DetachedSurface struct {
	mu     sync.Mutex
	url    string
	opened bool
	closed bool
	onOpen func(ctx context.Context, authorizationURL string) error
}

// NewDetachedSurface returns a surface that hands the authorization URL to
// onOpen, which may be nil.
func NewDetachedSurface(onOpen func(ctx context.Context, authorizationURL string) error) *DetachedSurface {
	return &DetachedSurface{onOpen: onOpen}
}

func (s *DetachedSurface) Open(ctx context.Context, authorizationURL string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSurfaceClosed
	}
	s.url = authorizationURL
	s.opened = true
	onOpen := s.onOpen
	s.mu.Unlock()
	if onOpen == nil {
		return nil
	}
	return onOpen(ctx, authorizationURL)
}

func (s *DetachedSurface) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.closed
}

func (s *DetachedSurface) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *DetachedSurface) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}
