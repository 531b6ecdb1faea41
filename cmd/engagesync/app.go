package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/config"
	"github.com/agentworkforce/engagesync/internal/controlplane"
	"github.com/agentworkforce/engagesync/internal/durable"
	"github.com/agentworkforce/engagesync/internal/httpapi"
	"github.com/agentworkforce/engagesync/internal/oauth"
	"github.com/agentworkforce/engagesync/internal/rules"
)

// app is the wired component graph shared by every command.
type app struct {
	cfg         *config.Config
	client      *controlplane.Client
	session     *controlplane.Session
	store       *accounts.Store
	reconciler  *accounts.Reconciler
	coordinator *oauth.Coordinator
	rules       *rules.Administrator
	logger      *log.Logger

	cachePath string
	backends  []durable.Backend
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := log.Default()

	backends := map[string]durable.Backend{}
	open := func(dsn string) (durable.Backend, error) {
		if backend, ok := backends[dsn]; ok {
			return backend, nil
		}
		backend, err := durable.BuildBackendFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("open backend %q: %w", redactDSN(dsn), err)
		}
		backends[dsn] = backend
		return backend, nil
	}
	cacheBackend, err := open(cfg.CacheDSN)
	if err != nil {
		return nil, err
	}
	rulesBackend, err := open(cfg.RulesDSN)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		client:  controlplane.NewClient(cfg.BaseURL, &http.Client{Timeout: cfg.RequestTimeout}),
		session: controlplane.NewSession(),
		logger:  logger,
	}
	for _, backend := range backends {
		a.backends = append(a.backends, backend)
	}
	if fileBackend, ok := cacheBackend.(*durable.JSONFileBackend); ok {
		a.cachePath = fileBackend.Path()
	}

	a.store = accounts.NewStore(cacheBackend)
	a.reconciler = accounts.NewReconciler(a.client, a.store, accounts.ReconcilerOptions{Logger: logger})
	a.coordinator = oauth.NewCoordinator(a.client, oauth.NewHub(), oauth.Options{
		CallbackURL:      cfg.CallbackURL,
		Timeout:          cfg.HandshakeTimeout,
		LivenessInterval: cfg.LivenessInterval,
		Logger:           logger,
	})
	a.rules = rules.NewAdministrator(a.client, rules.NewMirror(rulesBackend, nil), a.store, rules.Options{Logger: logger})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for _, backend := range a.backends {
		if err := durable.Close(backend); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// login establishes the session from flags or ENGAGESYNC_TOKEN,
// ENGAGESYNC_USERNAME and ENGAGESYNC_PASSWORD. A username/password pair is
// exchanged for a bearer token.
func (a *app) login(ctx context.Context, opts *rootOptions) (controlplane.Credential, error) {
	cred, err := resolveCredential(opts)
	if err != nil {
		return controlplane.Credential{}, err
	}
	return a.session.Login(ctx, a.client, cred)
}

func (a *app) server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Dependencies{
		Session:     a.session,
		Exchanger:   a.client,
		Reconciler:  a.reconciler,
		Coordinator: a.coordinator,
		Rules:       a.rules,
	}, httpapi.ServerConfig{
		RateLimit: a.cfg.RateLimit,
		RateBurst: a.cfg.RateBurst,
		Logger:    a.logger,
	})
}

func resolveCredential(opts *rootOptions) (controlplane.Credential, error) {
	token := firstNonEmpty(opts.token, os.Getenv(config.EnvPrefix+"TOKEN"))
	if token != "" {
		return controlplane.BearerCredential(token), nil
	}
	username := firstNonEmpty(opts.username, os.Getenv(config.EnvPrefix+"USERNAME"))
	password := opts.password
	if password == "" {
		password = os.Getenv(config.EnvPrefix + "PASSWORD")
	}
	cred := controlplane.BasicCredential(username, password)
	if err := cred.Validate(); err != nil {
		return controlplane.Credential{}, fmt.Errorf("%w (use --token or --username/--password, or %sTOKEN)", err, config.EnvPrefix)
	}
	return cred, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}

// redactDSN drops the userinfo of a DSN so passwords stay out of errors.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
