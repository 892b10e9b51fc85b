package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	demoBearerPrefix = "Bearer demo_"
	demoUserHeader   = "X-Demo-User"
	tracerName       = "livegate/server"
)

// AuthRequest is the per-request input handed to each strategy.
type AuthRequest struct {
	Header  http.Header
	Session *Session
}

// Strategy resolves a principal from a single credential source. Returning false hands
// the request to the next strategy.
type Strategy interface {
	Source() AuthSource
	Resolve(ctx context.Context, req *AuthRequest) (*Principal, bool)
}

// Resolver evaluates strategies in order; the first match wins.
type Resolver struct {
	strategies []Strategy
	sessions   *SessionManager
	metrics    *Metrics
	logger     *slog.Logger
}

// NewResolver builds a resolver over the given ordered strategies. sessions may be nil,
// in which case strategies see no session.
func NewResolver(sessions *SessionManager, metrics *Metrics, logger *slog.Logger, strategies ...Strategy) *Resolver {
	return &Resolver{
		strategies: strategies,
		sessions:   sessions,
		metrics:    metrics,
		logger:     logger,
	}
}

// Resolve runs the strategy chain against req.
func (rv *Resolver) Resolve(ctx context.Context, req *AuthRequest) (*Principal, bool) {
	for _, s := range rv.strategies {
		if p, ok := s.Resolve(ctx, req); ok {
			p.Source = s.Source()
			rv.metrics.observeResolution(p.Source, true)
			return p, true
		}
	}
	rv.metrics.observeResolution("", false)
	return nil, false
}

// Middleware admits requests with a resolved principal and answers 401 otherwise.
func (rv *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sess *Session
		if rv.sessions != nil {
			loaded, err := rv.sessions.Load(r)
			if err != nil {
				rv.logger.Warn("session lookup failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			}
			sess = loaded
		}

		principal, ok := rv.Resolve(r.Context(), &AuthRequest{Header: r.Header, Session: sess})
		if !ok {
			rv.logger.Debug("auth rejected", "request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path)
			writeAuthRequired(w)
			return
		}

		annotateRequest(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

type principalKey struct{}

// WithPrincipal stores the principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the principal from the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

func writeAuthRequired(w http.ResponseWriter) {
	writeJSONStatus(w, http.StatusUnauthorized, map[string]string{
		"error":   "AUTH_REQUIRED",
		"message": "Unauthorized",
	})
}

// DemoHeaderStrategy accepts `Authorization: Bearer demo_*` together with an X-Demo-User
// JSON profile.
//
// The profile header is a client-supplied identity assertion. Unless signed tokens are
// required, nothing binds it to the bearer value, so any caller can claim any user id.
// Treat this source as a demo bypass and keep it disabled where that matters.
type DemoHeaderStrategy struct {
	tokens *DemoTokenSigner
	logger *slog.Logger
}

// NewDemoHeaderStrategy builds the header strategy. With a non-nil signer the bearer
// must be a token it issued for the same user id.
func NewDemoHeaderStrategy(tokens *DemoTokenSigner, logger *slog.Logger) *DemoHeaderStrategy {
	return &DemoHeaderStrategy{tokens: tokens, logger: logger}
}

func (s *DemoHeaderStrategy) Source() AuthSource { return SourceDemoHeader }

func (s *DemoHeaderStrategy) Resolve(_ context.Context, req *AuthRequest) (*Principal, bool) {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, demoBearerPrefix) {
		return nil, false
	}
	raw := req.Header.Get(demoUserHeader)
	if raw == "" {
		return nil, false
	}

	var user DemoUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.logger.Debug("demo user header unparseable", "error", err)
		return nil, false
	}
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return nil, false
	}

	if s.tokens != nil {
		sub, err := s.tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil || sub != user.ID {
			s.logger.Debug("demo token rejected", "error", err)
			return nil, false
		}
	}

	return &Principal{
		SubjectID:   user.ID,
		Email:       user.Email,
		DisplayName: firstNonEmpty(user.Username, user.FirstName),
	}, true
}

// SessionDemoUserStrategy accepts a demo user stored on the server session by a previous
// demo login. It covers clients whose local storage is unusable.
type SessionDemoUserStrategy struct{}

func (SessionDemoUserStrategy) Source() AuthSource { return SourceDemoSession }

func (SessionDemoUserStrategy) Resolve(_ context.Context, req *AuthRequest) (*Principal, bool) {
	if req.Session == nil || req.Session.DemoUser == nil {
		return nil, false
	}
	u := req.Session.DemoUser
	if strings.TrimSpace(u.ID) == "" {
		return nil, false
	}
	return &Principal{
		SubjectID:   u.ID,
		Email:       u.Email,
		DisplayName: firstNonEmpty(u.FirstName, u.Username),
	}, true
}

// TokenRefresher exchanges a refresh token for a new federated identity.
type TokenRefresher interface {
	Refresh(ctx context.Context, current FederatedIdentity) (FederatedIdentity, error)
}

// FederatedStrategy accepts an OIDC session, refreshing an expired access token once.
type FederatedStrategy struct {
	refresher TokenRefresher
	store     SessionStore
	metrics   *Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewFederatedStrategy wires the refresh collaborator and the store refreshed sessions
// are written back to.
func NewFederatedStrategy(refresher TokenRefresher, store SessionStore, metrics *Metrics, logger *slog.Logger) *FederatedStrategy {
	return &FederatedStrategy{
		refresher: refresher,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

func (s *FederatedStrategy) Source() AuthSource { return SourceFederated }

func (s *FederatedStrategy) Resolve(ctx context.Context, req *AuthRequest) (*Principal, bool) {
	sess := req.Session
	if sess == nil || sess.Federated == nil || sess.Federated.ExpiresAt == 0 {
		return nil, false
	}

	current := *sess.Federated
	if s.now().Unix() <= current.ExpiresAt {
		return principalFromFederated(current)
	}

	if current.RefreshToken == "" {
		s.metrics.observeRefresh("no_refresh_token")
		return nil, false
	}

	ctx, span := s.tracer.Start(ctx, "oidc.refresh_token")
	defer span.End()

	next, err := s.refresher.Refresh(ctx, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		s.metrics.observeRefresh("failed")
		s.logger.Info("token refresh failed", "error", err, "session", shortID(sess.ID))
		return nil, false
	}

	sess.Federated = &next
	if err := s.store.SaveSession(ctx, *sess); err != nil {
		s.logger.Warn("refreshed session not persisted", "error", err, "session", shortID(sess.ID))
	}
	s.metrics.observeRefresh("success")

	return principalFromFederated(next)
}

func principalFromFederated(fed FederatedIdentity) (*Principal, bool) {
	sub, _ := fed.Claims["sub"].(string)
	if sub == "" {
		return nil, false
	}
	email, _ := fed.Claims["email"].(string)
	return &Principal{
		SubjectID:    sub,
		Email:        email,
		DisplayName:  displayNameFromClaims(fed.Claims),
		TokenExpiry:  time.Unix(fed.ExpiresAt, 0),
		RefreshToken: fed.RefreshToken,
	}, true
}

func displayNameFromClaims(claims map[string]any) string {
	first, _ := claims["first_name"].(string)
	last, _ := claims["last_name"].(string)
	if full := strings.TrimSpace(first + " " + last); full != "" {
		return full
	}
	if name, ok := claims["name"].(string); ok {
		return name
	}
	preferred, _ := claims["preferred_username"].(string)
	return preferred
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
