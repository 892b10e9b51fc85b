package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxJSONBody = 1 << 20

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     Store
	Sessions  *SessionManager
	Resolver  *Resolver
	OIDC      *OIDCManager
	Demo      *DemoAuthHandler
	Metrics   *Metrics
	Janitor   *Janitor
	RateLimit *RateLimiter
}

type appOptions struct {
	store Store
	fetch DiscoveryFetcher
}

// Option customises NewApp.
type Option func(*appOptions)

// WithStore uses store instead of opening one from config.
func WithStore(store Store) Option {
	return func(o *appOptions) { o.store = store }
}

// WithDiscoveryFetcher replaces provider discovery.
func WithDiscoveryFetcher(fetch DiscoveryFetcher) Option {
	return func(o *appOptions) { o.fetch = fetch }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	sessions, err := NewSessionManager(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics = NewMetrics()
	}

	discovery := NewDiscoveryCache(cfg.OIDC.ClientID, DiscoveryCacheTTL, o.fetch, metrics)
	oidcManager := NewOIDCManager(cfg, discovery, sessions, store, logger)

	var demoTokens *DemoTokenSigner
	if cfg.Demo.RequireSignedToken {
		demoTokens = NewDemoTokenSigner(cfg.Sessions.Secret, cfg.Server.PublicURL)
	}

	strategies := make([]Strategy, 0, 3)
	if cfg.Demo.Enabled {
		strategies = append(strategies, NewDemoHeaderStrategy(demoTokens, logger), SessionDemoUserStrategy{})
	}
	strategies = append(strategies, NewFederatedStrategy(oidcManager, store, metrics, logger))

	janitor, err := NewJanitor(cfg.Sessions.PruneSchedule, store, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  sessions,
		Resolver:  NewResolver(sessions, metrics, logger, strategies...),
		OIDC:      oidcManager,
		Demo:      NewDemoAuthHandler(store, sessions, demoTokens, metrics, logger),
		Metrics:   metrics,
		Janitor:   janitor,
		RateLimit: NewRateLimiter(cfg.Demo.RateLimit),
	}, nil
}

// OpenStore returns the database store when a URL is configured, otherwise an
// in-memory store (development only; Validate enforces a URL in production).
func OpenStore(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if cfg.Sessions.DatabaseURL == "" {
		logger.Warn("no database configured, sessions and users are kept in memory")
		return NewInMemoryStore(), nil
	}
	store, err := OpenDBStore(ctx, cfg.Sessions.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("database store ready", "type", DetectDatabaseType(cfg.Sessions.DatabaseURL))
	return store, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

type userResponse struct {
	*Principal
	Profile *DemoUser `json:"profile,omitempty"`
}

// handleUser returns the resolved principal and the stored account, if any.
func (a *App) handleUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeAuthRequired(w)
		return
	}

	resp := userResponse{Principal: principal}
	user, err := a.Store.GetUser(r.Context(), principal.SubjectID)
	switch {
	case err == nil:
		profile := user.DemoProfile()
		resp.Profile = &profile
	case errors.Is(err, ErrNotFound):
	default:
		a.Logger.Warn("user lookup failed", "error", err, "sub", principal.SubjectID)
	}
	writeJSON(w, resp)
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("unsupported content type %q", ct)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
