package controlplane

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrNoSession         = errors.New("no active session")
)

type Mode string

const (
	ModeBasic  Mode = "basic"
	ModeBearer Mode = "bearer"
)

// Credential is the single opaque authorization value of a session. A basic
// credential carries a username/password pair; a bearer credential carries a
// token and keeps the pair only when it was obtained through a login exchange.
type Credential struct {
	Mode     Mode
	Username string
	Password string
	Token    string
}

func BasicCredential(username, password string) Credential {
	return Credential{
		Mode:     ModeBasic,
		Username: strings.TrimSpace(username),
		Password: password,
	}
}

func BearerCredential(token string) Credential {
	return Credential{Mode: ModeBearer, Token: strings.TrimSpace(token)}
}

func (c Credential) Validate() error {
	switch c.Mode {
	case ModeBearer:
		if strings.TrimSpace(c.Token) == "" {
			return fmt.Errorf("%w: bearer token is empty", ErrMissingCredential)
		}
	case ModeBasic:
		if strings.TrimSpace(c.Username) == "" || c.Password == "" {
			return fmt.Errorf("%w: username and password are required", ErrMissingCredential)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrMissingCredential, c.Mode)
	}
	return nil
}

// Authorization returns the header value for c: the bearer token when one is
// present, otherwise the Basic encoding of username:password.
func (c Credential) Authorization() string {
	if token := strings.TrimSpace(c.Token); token != "" {
		return "Bearer " + token
	}
	if c.Username == "" || c.Password == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// Promote turns a basic credential into the bearer credential issued for it.
func (c Credential) Promote(token string) Credential {
	return Credential{
		Mode:     ModeBearer,
		Username: c.Username,
		Password: c.Password,
		Token:    strings.TrimSpace(token),
	}
}

// CanReexchange reports whether the username/password pair is still held.
func (c Credential) CanReexchange() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

func (c Credential) String() string {
	if c.Username != "" {
		return fmt.Sprintf("credential(%s, user=%s, secret=[redacted])", c.Mode, c.Username)
	}
	return fmt.Sprintf("credential(%s, secret=[redacted])", c.Mode)
}

func (c Credential) GoString() string {
	return c.String()
}

// Exchanger trades a username/password pair for a bearer token.
type Exchanger interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// Session holds the credential of the current user. It is read by every
// component and written only through Set, Login, Reauthenticate and Clear.
type Session struct {
	mu   sync.RWMutex
	cred Credential
	set  bool
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Set(cred Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cred = cred
	s.set = true
	s.mu.Unlock()
	return nil
}

func (s *Session) Current() (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return Credential{}, ErrNoSession
	}
	return s.cred, nil
}

func (s *Session) Clear() {
	s.mu.Lock()
	s.cred = Credential{}
	s.set = false
	s.mu.Unlock()
}

// Login stores cred, exchanging a basic credential for a bearer token first.
// The exchange runs without holding the session lock.
func (s *Session) Login(ctx context.Context, exchanger Exchanger, cred Credential) (Credential, error) {
	if err := cred.Validate(); err != nil {
		return Credential{}, err
	}
	if cred.Mode == ModeBasic {
		if exchanger == nil {
			return Credential{}, fmt.Errorf("%w: no token exchanger configured", ErrMissingCredential)
		}
		token, err := exchanger.Login(ctx, cred.Username, cred.Password)
		if err != nil {
			return Credential{}, err
		}
		cred = cred.Promote(token)
	}
	if err := s.Set(cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// Reauthenticate re-runs the login exchange with the retained username and
// password, replacing the current bearer token.
func (s *Session) Reauthenticate(ctx context.Context, exchanger Exchanger) (Credential, error) {
	current, err := s.Current()
	if err != nil {
		return Credential{}, err
	}
	if !current.CanReexchange() {
		return Credential{}, fmt.Errorf("%w: session holds no username/password for re-exchange", ErrMissingCredential)
	}
	return s.Login(ctx, exchanger, BasicCredential(current.Username, current.Password))
}
