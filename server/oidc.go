package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	callbackPath       = "/api/callback"
	pendingLoginMaxAge = 10 * time.Minute
	discoveryCacheSize = 8
)

var errUnknownHost = errors.New("host not allowed")

// Discovery is the provider metadata the session manager works with.
type Discovery struct {
	Issuer        string
	Endpoint      oauth2.Endpoint
	EndSessionURL string
	Verifier      *oidc.IDTokenVerifier
}

// DiscoveryFetcher loads provider metadata for issuer.
type DiscoveryFetcher func(ctx context.Context, issuer, clientID string) (*Discovery, error)

// FetchDiscovery resolves the issuer's /.well-known/openid-configuration.
func FetchDiscovery(ctx context.Context, issuer, clientID string) (*Discovery, error) {
	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", issuer, err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&extra); err != nil {
		return nil, fmt.Errorf("parse provider metadata: %w", err)
	}

	return &Discovery{
		Issuer:        issuer,
		Endpoint:      op.Endpoint(),
		EndSessionURL: extra.EndSessionEndpoint,
		Verifier:      op.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// DiscoveryCache memoises provider metadata per issuer for a fixed TTL. Concurrent cold
// lookups share one fetch.
type DiscoveryCache struct {
	clientID string
	fetch    DiscoveryFetcher
	cache    *expirable.LRU[string, *Discovery]
	group    singleflight.Group
	metrics  *Metrics
}

// NewDiscoveryCache builds the cache. A nil fetch uses FetchDiscovery.
func NewDiscoveryCache(clientID string, ttl time.Duration, fetch DiscoveryFetcher, metrics *Metrics) *DiscoveryCache {
	if fetch == nil {
		fetch = FetchDiscovery
	}
	return &DiscoveryCache{
		clientID: clientID,
		fetch:    fetch,
		cache:    expirable.NewLRU[string, *Discovery](discoveryCacheSize, nil, ttl),
		metrics:  metrics,
	}
}

// Get returns cached metadata or fetches it.
func (c *DiscoveryCache) Get(ctx context.Context, issuer string) (*Discovery, error) {
	if d, ok := c.cache.Get(issuer); ok {
		return d, nil
	}

	v, err, _ := c.group.Do(issuer, func() (any, error) {
		if d, ok := c.cache.Get(issuer); ok {
			return d, nil
		}
		// The key set behind the verifier keeps this context for later fetches.
		d, err := c.fetch(context.WithoutCancel(ctx), issuer, c.clientID)
		if err != nil {
			c.metrics.observeDiscovery("error")
			return nil, err
		}
		c.metrics.observeDiscovery("success")
		c.cache.Add(issuer, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Discovery), nil
}

// OIDCManager runs the federated login, callback, logout and refresh flows.
type OIDCManager struct {
	cfg          OIDCConfig
	devMode      bool
	allowedHosts map[string]struct{}
	discovery    *DiscoveryCache
	sessions     *SessionManager
	users        UserStore
	logger       *slog.Logger
	now          func() time.Time

	mu         sync.Mutex
	strategies map[string]*oauth2.Config
}

// NewOIDCManager wires the manager.
func NewOIDCManager(cfg Config, discovery *DiscoveryCache, sessions *SessionManager, users UserStore, logger *slog.Logger) *OIDCManager {
	var allowed map[string]struct{}
	if len(cfg.Server.AllowedHosts) > 0 {
		allowed = make(map[string]struct{}, len(cfg.Server.AllowedHosts))
		for _, h := range cfg.Server.AllowedHosts {
			allowed[strings.ToLower(h)] = struct{}{}
		}
	}
	return &OIDCManager{
		cfg:          cfg.OIDC,
		devMode:      cfg.DevMode(),
		allowedHosts: allowed,
		discovery:    discovery,
		sessions:     sessions,
		users:        users,
		logger:       logger,
		now:          time.Now,
		strategies:   make(map[string]*oauth2.Config),
	}
}

func (m *OIDCManager) scheme() string {
	if m.devMode {
		return "http"
	}
	return "https"
}

// strategyFor returns the per-host client config, registering it on first use.
func (m *OIDCManager) strategyFor(ctx context.Context, host string) (*oauth2.Config, *Discovery, error) {
	host = strings.ToLower(host)
	if m.allowedHosts != nil {
		if _, ok := m.allowedHosts[host]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", errUnknownHost, host)
		}
	}

	disc, err := m.discovery.Get(ctx, m.cfg.IssuerURL)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conf, ok := m.strategies[host]; ok {
		return conf, disc, nil
	}
	conf := m.oauthConfig(disc)
	conf.RedirectURL = m.scheme() + "://" + host + callbackPath
	m.strategies[host] = conf
	m.logger.Info("registered login strategy", "host", host, "redirect", conf.RedirectURL)
	return conf, disc, nil
}

func (m *OIDCManager) oauthConfig(disc *Discovery) *oauth2.Config {
	endpoint := disc.Endpoint
	if m.cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       m.cfg.Scopes,
	}
}

// LoginURL builds the authorization redirect for host with the given state parameters.
func (m *OIDCManager) LoginURL(ctx context.Context, host string, pending PendingLogin) (string, error) {
	conf, _, err := m.strategyFor(ctx, host)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(pending.State,
		oauth2.S256ChallengeOption(pending.CodeVerifier),
		oidc.Nonce(pending.Nonce),
		oauth2.SetAuthURLParam("prompt", "login consent"),
	), nil
}

// HandleLogin starts the authorization code flow.
func (m *OIDCManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	pending := PendingLogin{
		State:        NewID(),
		Nonce:        NewID(),
		CodeVerifier: oauth2.GenerateVerifier(),
		Host:         strings.ToLower(r.Host),
		CreatedAt:    m.now(),
	}

	target, err := m.LoginURL(r.Context(), r.Host, pending)
	if err != nil {
		m.writeStrategyError(w, r, err)
		return
	}

	sess := m.sessions.Start(r)
	sess.Pending = &pending
	if err := m.sessions.Save(r.Context(), w, sess); err != nil {
		m.logger.Error("pending login not saved", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// HandleCallback completes the flow. Every failure sends the browser back to login.
func (m *OIDCManager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fail := func(reason string, err error) {
		m.logger.Info("login callback failed", "reason", reason, "error", err, "request_id", RequestIDFromContext(ctx))
		http.Redirect(w, r, "/api/login", http.StatusFound)
	}

	conf, disc, err := m.strategyFor(ctx, r.Host)
	if err != nil {
		fail("strategy", err)
		return
	}

	sess, err := m.sessions.Load(r)
	if err != nil {
		fail("session", err)
		return
	}
	if sess == nil || sess.Pending == nil {
		fail("no_pending_login", nil)
		return
	}
	pending := *sess.Pending

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		fail("provider_error", errors.New(e))
		return
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(pending.State)) != 1 {
		fail("state_mismatch", nil)
		return
	}
	if pending.Host != strings.ToLower(r.Host) || m.now().Sub(pending.CreatedAt) > pendingLoginMaxAge {
		fail("pending_login_stale", nil)
		return
	}
	code := q.Get("code")
	if code == "" {
		fail("missing_code", nil)
		return
	}

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(pending.CodeVerifier))
	if err != nil {
		fail("exchange", err)
		return
	}
	fed, err := m.identityFromToken(ctx, disc, tok, nil, pending.Nonce)
	if err != nil {
		fail("id_token", err)
		return
	}

	if err := m.users.UpsertUser(ctx, userFromClaims(fed.Claims)); err != nil {
		fail("upsert_user", err)
		return
	}

	next := m.sessions.Regenerate(ctx, sess)
	next.Federated = &fed
	if err := m.sessions.Save(ctx, w, next); err != nil {
		fail("save_session", err)
		return
	}

	m.logger.Info("federated login", "sub", fed.Claims["sub"], "request_id", RequestIDFromContext(ctx))
	http.Redirect(w, r, "/", http.StatusFound)
}

// HandleLogout ends the local session and hands off to the provider's end-session endpoint.
func (m *OIDCManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := m.sessions.Load(r)
	if err != nil {
		m.logger.Warn("session load during logout failed", "error", err)
	}
	m.sessions.Destroy(ctx, w, sess)

	target := "/"
	disc, err := m.discovery.Get(ctx, m.cfg.IssuerURL)
	if err != nil {
		m.logger.Warn("end session endpoint unavailable", "error", err)
	} else if disc.EndSessionURL != "" {
		if u, err := url.Parse(disc.EndSessionURL); err == nil {
			q := u.Query()
			q.Set("client_id", m.cfg.ClientID)
			q.Set("post_logout_redirect_uri", m.scheme()+"://"+r.Host)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Refresh runs the refresh-token grant against the provider's token endpoint.
func (m *OIDCManager) Refresh(ctx context.Context, current FederatedIdentity) (FederatedIdentity, error) {
	if current.RefreshToken == "" {
		return FederatedIdentity{}, errors.New("no refresh token")
	}
	disc, err := m.discovery.Get(ctx, m.cfg.IssuerURL)
	if err != nil {
		return FederatedIdentity{}, err
	}

	src := m.oauthConfig(disc).TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return FederatedIdentity{}, fmt.Errorf("refresh grant: %w", err)
	}
	return m.identityFromToken(ctx, disc, tok, &current, "")
}

// identityFromToken builds the stored identity from a token response. Without an
// id_token the previous claims are kept and expiry comes from the token itself.
func (m *OIDCManager) identityFromToken(ctx context.Context, disc *Discovery, tok *oauth2.Token, prev *FederatedIdentity, nonce string) (FederatedIdentity, error) {
	fed := FederatedIdentity{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	switch {
	case rawIDToken != "":
		if disc.Verifier == nil {
			return FederatedIdentity{}, errors.New("no id_token verifier")
		}
		idToken, err := disc.Verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return FederatedIdentity{}, fmt.Errorf("verify id_token: %w", err)
		}
		if nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
			return FederatedIdentity{}, errors.New("nonce mismatch")
		}
		if err := idToken.Claims(&fed.Claims); err != nil {
			return FederatedIdentity{}, fmt.Errorf("parse claims: %w", err)
		}
		fed.ExpiresAt = idToken.Expiry.Unix()
	case prev != nil:
		if tok.Expiry.IsZero() {
			return FederatedIdentity{}, errors.New("token response carries no expiry")
		}
		fed.Claims = make(map[string]any, len(prev.Claims))
		for k, v := range prev.Claims {
			fed.Claims[k] = v
		}
		fed.ExpiresAt = tok.Expiry.Unix()
		fed.Claims["exp"] = fed.ExpiresAt
	default:
		return FederatedIdentity{}, errors.New("id_token missing in response")
	}

	if fed.RefreshToken == "" && prev != nil {
		fed.RefreshToken = prev.RefreshToken
	}
	return fed, nil
}

func (m *OIDCManager) writeStrategyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errUnknownHost) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "unknown_host"})
		return
	}
	m.logger.Error("identity provider unavailable", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": "provider_unavailable"})
}

func userFromClaims(claims map[string]any) User {
	str := func(k string) string {
		v, _ := claims[k].(string)
		return v
	}
	return User{
		ID:              str("sub"),
		Email:           str("email"),
		FirstName:       str("first_name"),
		LastName:        str("last_name"),
		ProfileImageURL: str("profile_image_url"),
	}
}
