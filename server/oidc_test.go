package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testIssuer = "https://issuer.test/oidc"

// fakeProvider is a token endpoint that mints RS256 id_tokens.
type fakeProvider struct {
	t       *testing.T
	key     *rsa.PrivateKey
	server  *httptest.Server
	mu      sync.Mutex
	nonce   string
	idToken bool
	rotate  bool
	fail    bool
	grants  []url.Values
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := &fakeProvider{t: t, key: key, idToken: true}
	p.server = httptest.NewServer(http.HandlerFunc(p.handleToken))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) configure(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProvider) receivedGrants() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.grants...)
}

func (p *fakeProvider) discovery() DiscoveryFetcher {
	verifier := oidc.NewVerifier(testIssuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&p.key.PublicKey}}, &oidc.Config{ClientID: "test-client"})
	return func(context.Context, string, string) (*Discovery, error) {
		return &Discovery{
			Issuer:        testIssuer,
			Endpoint:      oauth2.Endpoint{AuthURL: testIssuer + "/auth", TokenURL: p.server.URL + "/token"},
			EndSessionURL: testIssuer + "/session/end",
			Verifier:      verifier,
		}, nil
	}
}

func (p *fakeProvider) signIDToken(claims map[string]any) string {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: p.key}, nil)
	require.NoError(p.t, err)
	payload, err := json.Marshal(claims)
	require.NoError(p.t, err)
	obj, err := signer.Sign(payload)
	require.NoError(p.t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(p.t, err)
	return raw
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants = append(p.grants, r.PostForm)

	if p.fail {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	now := time.Now()
	resp := map[string]any{
		"access_token": "at-" + r.PostForm.Get("grant_type"),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if r.PostForm.Get("grant_type") == "authorization_code" || p.rotate {
		resp["refresh_token"] = "rt-" + now.Format(time.RFC3339Nano)
	}
	if p.idToken {
		resp["id_token"] = p.signIDToken(map[string]any{
			"iss":               testIssuer,
			"aud":               "test-client",
			"sub":               "fed-42",
			"email":             "fed@example.com",
			"first_name":        "Grace",
			"last_name":         "Hopper",
			"profile_image_url": "https://img.test/g.png",
			"nonce":             p.nonce,
			"iat":               now.Unix(),
			"exp":               now.Add(time.Hour).Unix(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestOIDC(t *testing.T, cfg Config, fetch DiscoveryFetcher) (*OIDCManager, *SessionManager, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	sessions := newTestSessions(t, cfg, store)
	cache := NewDiscoveryCache(cfg.OIDC.ClientID, DiscoveryCacheTTL, fetch, nil)
	return NewOIDCManager(cfg, cache, sessions, store, testLogger()), sessions, store
}

func TestDiscoveryCacheMemoizes(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context, issuer, clientID string) (*Discovery, error) {
		fetches.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &Discovery{Issuer: issuer}, nil
	}
	cache := NewDiscoveryCache("c", time.Hour, fetch, NewMetrics())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := cache.Get(context.Background(), testIssuer)
			assert.NoError(t, err)
			assert.Equal(t, testIssuer, d.Issuer)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fetches.Load())
}

func TestDiscoveryCacheExpires(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context, issuer, clientID string) (*Discovery, error) {
		fetches.Add(1)
		return &Discovery{Issuer: issuer}, nil
	}
	cache := NewDiscoveryCache("c", 20*time.Millisecond, fetch, nil)

	_, err := cache.Get(context.Background(), testIssuer)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), testIssuer)
	require.NoError(t, err)
	require.Equal(t, int32(1), fetches.Load())

	time.Sleep(50 * time.Millisecond)
	_, err = cache.Get(context.Background(), testIssuer)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestDiscoveryCacheDoesNotCacheErrors(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(ctx context.Context, issuer, clientID string) (*Discovery, error) {
		if fetches.Add(1) == 1 {
			return nil, errors.New("provider down")
		}
		return &Discovery{Issuer: issuer}, nil
	}
	cache := NewDiscoveryCache("c", time.Hour, fetch, nil)

	_, err := cache.Get(context.Background(), testIssuer)
	require.Error(t, err)
	_, err = cache.Get(context.Background(), testIssuer)
	require.NoError(t, err)
}

func TestStrategyRegistryIsPerHostAndIdempotent(t *testing.T) {
	m, _, _ := newTestOIDC(t, testConfig(), staticDiscovery("https://issuer.test/token"))
	ctx := context.Background()

	a1, _, err := m.strategyFor(ctx, "live.example.com")
	require.NoError(t, err)
	a2, _, err := m.strategyFor(ctx, "LIVE.example.com")
	require.NoError(t, err)
	b, _, err := m.strategyFor(ctx, "other.example.com")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, "http://live.example.com/api/callback", a1.RedirectURL)
	assert.Len(t, m.strategies, 2)
}

func TestStrategyRegistryHonoursAllowedHosts(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedHosts = []string{"live.example.com"}
	m, _, _ := newTestOIDC(t, cfg, staticDiscovery("https://issuer.test/token"))

	_, _, err := m.strategyFor(context.Background(), "evil.example.com")
	require.ErrorIs(t, err, errUnknownHost)

	req := httptest.NewRequest(http.MethodGet, "http://evil.example.com/api/login", nil)
	rec := httptest.NewRecorder()
	m.HandleLogin(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLoginRedirectsWithPKCE(t *testing.T) {
	m, _, store := newTestOIDC(t, testConfig(), staticDiscovery("https://issuer.test/token"))

	req := httptest.NewRequest(http.MethodGet, "http://live.example.com/api/login", nil)
	rec := httptest.NewRecorder()
	m.HandleLogin(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, "https://issuer.test/oidc/auth", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Equal(t, "login consent", q.Get("prompt"))
	assert.Equal(t, "openid email profile offline_access", q.Get("scope"))
	assert.Equal(t, "http://live.example.com/api/callback", q.Get("redirect_uri"))

	cookie := cookieFrom(rec.Result(), sessionCookieName)
	require.NotNil(t, cookie, "pending login is bound to a session cookie")
	assert.Len(t, store.sessions, 1)
	for _, s := range store.sessions {
		require.NotNil(t, s.Pending)
		assert.Equal(t, q.Get("state"), s.Pending.State)
	}
}

func TestHandleCallbackCompletesLogin(t *testing.T) {
	provider := newFakeProvider(t)
	m, sessions, store := newTestOIDC(t, testConfig(), provider.discovery())

	rec := httptest.NewRecorder()
	m.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "http://live.example.com/api/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, _ := url.Parse(rec.Header().Get("Location"))
	preLogin := cookieFrom(rec.Result(), sessionCookieName)
	require.NotNil(t, preLogin)
	provider.configure(func(p *fakeProvider) { p.nonce = loc.Query().Get("nonce") })

	cb := httptest.NewRequest(http.MethodGet, "http://live.example.com/api/callback?code=abc&state="+url.QueryEscape(loc.Query().Get("state")), nil)
	cb.AddCookie(preLogin)
	rec = httptest.NewRecorder()
	m.HandleCallback(rec, cb)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	grants := provider.receivedGrants()
	require.Len(t, grants, 1)
	assert.NotEmpty(t, grants[0].Get("code_verifier"))

	user, err := store.GetUser(context.Background(), "fed-42")
	require.NoError(t, err)
	assert.Equal(t, "Grace", user.FirstName)
	assert.Equal(t, "https://img.test/g.png", user.ProfileImageURL)

	postLogin := cookieFrom(rec.Result(), sessionCookieName)
	require.NotNil(t, postLogin)
	assert.NotEqual(t, preLogin.Value, postLogin.Value, "session id is regenerated on login")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(postLogin)
	sess, err := sessions.Load(r)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, sess.Federated)
	assert.Equal(t, "fed-42", sess.Federated.Claims["sub"])
	assert.NotEmpty(t, sess.Federated.RefreshToken)
	assert.Greater(t, sess.Federated.ExpiresAt, time.Now().Unix())

	old := httptest.NewRequest(http.MethodGet, "/", nil)
	old.AddCookie(preLogin)
	stale, _ := sessions.Load(old)
	assert.Nil(t, stale, "pre-login session no longer resolves")
}

func TestHandleCallbackFailuresRedirectToLogin(t *testing.T) {
	provider := newFakeProvider(t)
	m, _, _ := newTestOIDC(t, testConfig(), provider.discovery())

	rec := httptest.NewRecorder()
	m.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "http://live.example.com/api/login", nil))
	loc, _ := url.Parse(rec.Header().Get("Location"))
	cookie := cookieFrom(rec.Result(), sessionCookieName)
	nonce := loc.Query().Get("nonce")

	cases := []struct {
		name   string
		query  string
		cookie bool
		nonce  string
	}{
		{"no session", "code=abc&state=" + loc.Query().Get("state"), false, nonce},
		{"state mismatch", "code=abc&state=wrong", true, nonce},
		{"provider error", "error=access_denied&state=" + loc.Query().Get("state"), true, nonce},
		{"missing code", "state=" + loc.Query().Get("state"), true, nonce},
		{"nonce mismatch", "code=abc&state=" + loc.Query().Get("state"), true, "other-nonce"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider.configure(func(p *fakeProvider) { p.nonce = tc.nonce })
			req := httptest.NewRequest(http.MethodGet, "http://live.example.com/api/callback?"+tc.query, nil)
			if tc.cookie {
				req.AddCookie(cookie)
			}
			rec := httptest.NewRecorder()
			m.HandleCallback(rec, req)
			assert.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, "/api/login", rec.Header().Get("Location"))
		})
	}
}

func TestHandleLogoutRedirectsToEndSession(t *testing.T) {
	m, sessions, store := newTestOIDC(t, testConfig(), staticDiscovery("https://issuer.test/token"))

	sess := sessions.Start(httptest.NewRequest(http.MethodGet, "/", nil))
	sess.Federated = &FederatedIdentity{Claims: map[string]any{"sub": "x"}, ExpiresAt: time.Now().Add(time.Hour).Unix()}
	rec := httptest.NewRecorder()
	require.NoError(t, sessions.Save(context.Background(), rec, sess))

	req := httptest.NewRequest(http.MethodGet, "http://live.example.com/api/logout", nil)
	req.AddCookie(cookieFrom(rec.Result(), sessionCookieName))
	rec = httptest.NewRecorder()
	m.HandleLogout(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oidc/session/end", loc.Path)
	assert.Equal(t, "test-client", loc.Query().Get("client_id"))
	assert.Equal(t, "http://live.example.com", loc.Query().Get("post_logout_redirect_uri"))
	assert.Empty(t, store.sessions, "local session is destroyed")

	cleared := cookieFrom(rec.Result(), sessionCookieName)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestRefreshKeepsClaimsWithoutIDToken(t *testing.T) {
	provider := newFakeProvider(t)
	provider.configure(func(p *fakeProvider) { p.idToken = false })
	m, _, _ := newTestOIDC(t, testConfig(), provider.discovery())

	current := FederatedIdentity{
		Claims:       map[string]any{"sub": "fed-42", "email": "fed@example.com"},
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}
	next, err := m.Refresh(context.Background(), current)
	require.NoError(t, err)

	assert.Equal(t, "at-refresh_token", next.AccessToken)
	assert.Equal(t, "rt-old", next.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, "fed-42", next.Claims["sub"])
	assert.Greater(t, next.ExpiresAt, current.ExpiresAt)
	assert.Equal(t, "rt-old", provider.receivedGrants()[0].Get("refresh_token"))
	_, mutated := current.Claims["exp"]
	assert.False(t, mutated, "previous claims map is not modified")
}

func TestRefreshUsesVerifiedIDToken(t *testing.T) {
	provider := newFakeProvider(t)
	provider.configure(func(p *fakeProvider) { p.rotate = true })
	m, _, _ := newTestOIDC(t, testConfig(), provider.discovery())

	next, err := m.Refresh(context.Background(), FederatedIdentity{
		Claims:       map[string]any{"sub": "fed-42"},
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)
	assert.Equal(t, "Grace", next.Claims["first_name"])
	assert.NotEqual(t, "rt-old", next.RefreshToken)
}

func TestRefreshFailure(t *testing.T) {
	provider := newFakeProvider(t)
	provider.configure(func(p *fakeProvider) { p.fail = true })
	m, _, _ := newTestOIDC(t, testConfig(), provider.discovery())

	_, err := m.Refresh(context.Background(), FederatedIdentity{RefreshToken: "rt-old"})
	require.Error(t, err)

	_, err = m.Refresh(context.Background(), FederatedIdentity{})
	require.Error(t, err)
}
