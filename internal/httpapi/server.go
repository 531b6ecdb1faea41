package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/controlplane"
	"github.com/agentworkforce/engagesync/internal/oauth"
	"github.com/agentworkforce/engagesync/internal/rules"
)

const (
	CallbackPath     = "/social-accounts/reddit-callback"
	AccountsPagePath = "/social-accounts"

	followupTimeout = 30 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	// OriginPatterns are the hosts allowed to open the events websocket
	// besides the server's own origin.
	OriginPatterns []string
	Logger         Logger
	Now            func() time.Time
}

// Dependencies are the components the local API exposes. Coordinator,
// Reconciler and Rules are required.
type Dependencies struct {
	Session     *controlplane.Session
	Exchanger   controlplane.Exchanger
	Reconciler  *accounts.Reconciler
	Coordinator *oauth.Coordinator
	Rules       *rules.Administrator
}

type Server struct {
	session     *controlplane.Session
	exchanger   controlplane.Exchanger
	reconciler  *accounts.Reconciler
	coordinator *oauth.Coordinator
	rules       *rules.Administrator

	cfg     ServerConfig
	limiter *RateLimiter
	engine  *gin.Engine
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Session == nil {
		deps.Session = controlplane.NewSession()
	}
	s := &Server{
		session:     deps.Session,
		exchanger:   deps.Exchanger,
		reconciler:  deps.Reconciler,
		coordinator: deps.Coordinator,
		rules:       deps.Rules,
		cfg:         cfg,
		limiter:     NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) Session() *controlplane.Session {
	return s.session
}

func (s *Server) routes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(RateLimitMiddleware(s.limiter))
	g.Use(MaxBytesMiddleware(s.cfg.MaxBodyBytes))
	g.SetHTMLTemplate(pageTemplates)

	g.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g.GET(CallbackPath, s.handleCallback)
	g.GET(AccountsPagePath, s.handleAccountsPage)

	v1 := g.Group("/v1")
	v1.POST("/session", s.handleLogin)
	v1.DELETE("/session", s.handleLogout)

	v1.GET("/accounts", s.handleListAccounts)
	v1.DELETE("/accounts", s.handleClearAccounts)
	v1.DELETE("/accounts/:id", s.handleRemoveAccount)

	v1.POST("/oauth/start", s.handleStartHandshake)
	v1.DELETE("/oauth/:state", s.handleCancelHandshake)
	v1.GET("/oauth/notifications", s.handleNotifications)
	v1.GET("/events", s.handleEvents)

	v1.GET("/rules", s.handleListRules)
	v1.POST("/rules", s.handleCreateRule)
	v1.PUT("/rules/:id/toggle", s.handleToggleRule)
	v1.DELETE("/rules/:id", s.handleDeleteRule)

	v1.POST("/automation/start", s.handleStartAutomation)
	v1.POST("/automation/stop", s.handleStopAutomation)
	v1.GET("/automation/status", s.handleAutomationStatus)
	v1.POST("/automation/activate", s.handleActivate)

	g.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})
	return g
}

// credential resolves the credential for a request: an Authorization header
// wins over the session. It writes the error response when none is usable.
func (s *Server) credential(c *gin.Context) (controlplane.Credential, bool) {
	cred, present, authErr := credentialFromRequest(c.Request)
	if authErr != nil {
		writeError(c, authErr.status, authErr.code, authErr.message)
		return controlplane.Credential{}, false
	}
	if present {
		return cred, true
	}
	cred, err := s.session.Current()
	if err != nil {
		respondError(c, err)
		return controlplane.Credential{}, false
	}
	return cred, true
}

// followAttempt re-reconciles once a handshake ends and tells listeners the
// account list may have changed.
func (s *Server) followAttempt(attempt *oauth.Attempt, cred controlplane.Credential) {
	<-attempt.Done()
	snapshot := attempt.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), followupTimeout)
	defer cancel()
	view, err := s.reconciler.Refresh(ctx, cred)
	if err != nil && !errors.Is(err, accounts.ErrTransientFailure) {
		s.logf("handshake %s: reconcile after %s failed: %v", snapshot.State, snapshot.Status, err)
		return
	}
	s.broadcastAccounts(view.Accounts)
}

func (s *Server) broadcastAccounts(list []accounts.ConnectedAccount) {
	if list == nil {
		list = []accounts.ConnectedAccount{}
	}
	s.coordinator.Hub().Broadcast(oauth.Notification{
		Type:     oauth.TypeAccountsChanged,
		OK:       true,
		Accounts: list,
		At:       s.cfg.Now().UTC(),
	})
}

// NotifyAccountsChanged broadcasts the cached account list. It is used when
// the cache changes outside this server.
func (s *Server) NotifyAccountsChanged() {
	list, err := s.reconciler.Store().List()
	if err != nil {
		s.logf("read account cache: %v", err)
		return
	}
	s.broadcastAccounts(list)
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// respondError maps a component error onto a status and error code.
func respondError(c *gin.Context, err error) {
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
			"fields":  verr.Fields,
		})
		return
	}
	switch {
	case errors.Is(err, controlplane.ErrNoSession), errors.Is(err, controlplane.ErrMissingCredential):
		writeError(c, http.StatusUnauthorized, "no_session", err.Error())
	case errors.Is(err, accounts.ErrCredentialsInvalid), errors.Is(err, controlplane.ErrAuthRejected):
		writeError(c, http.StatusUnauthorized, "credentials_invalid", "the control plane rejected the credential")
	case errors.Is(err, rules.ErrNoUsableAccount):
		writeError(c, http.StatusConflict, "no_usable_account", err.Error())
	case errors.Is(err, accounts.ErrNotFound), errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, oauth.ErrUnknownAttempt):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, oauth.ErrInvalidCallback), errors.Is(err, accounts.ErrInvalidAccount):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, controlplane.ErrAuthURLMissing):
		writeError(c, http.StatusBadGateway, "auth_url_missing", err.Error())
	case errors.Is(err, accounts.ErrTransientFailure), errors.Is(err, controlplane.ErrTransient):
		writeError(c, http.StatusBadGateway, "upstream_unavailable", err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal_error", strings.TrimSpace(err.Error()))
	}
}
