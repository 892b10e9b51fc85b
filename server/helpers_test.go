package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OIDC.ClientID = "test-client"
	cfg.OIDC.IssuerURL = "https://issuer.test/oidc"
	cfg.Sessions.Secret = testSecret
	return cfg
}

func newTestSessions(t *testing.T, cfg Config, store SessionStore) *SessionManager {
	t.Helper()
	sm, err := NewSessionManager(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return sm
}

// staticDiscovery serves fixed endpoints without network access.
func staticDiscovery(tokenURL string) DiscoveryFetcher {
	return func(_ context.Context, issuer, _ string) (*Discovery, error) {
		return &Discovery{
			Issuer: issuer,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://issuer.test/oidc/auth",
				TokenURL: tokenURL,
			},
			EndSessionURL: "https://issuer.test/oidc/session/end",
		}, nil
	}
}

// cookieFrom returns the named cookie set on a response.
func cookieFrom(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
