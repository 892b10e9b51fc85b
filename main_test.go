package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"livegate/client"
	"livegate/server"
)

type stubLoginURL struct {
	url string
	err error
}

func (s *stubLoginURL) LoginURL(ctx context.Context, host string, pending server.PendingLogin) (string, error) {
	return s.url, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunConnectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/authorize":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	if err := runConnect(context.Background(), &stubLoginURL{url: srv.URL + "/authorize"}, "live.example.com", discardLogger(), nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := runConnect(context.Background(), &stubLoginURL{url: srv.URL}, "live.example.com", discardLogger(), nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectLoginURLError(t *testing.T) {
	stub := &stubLoginURL{err: errors.New("unknown host")}
	if err := runConnect(context.Background(), stub, "evil.example.com", discardLogger(), nil); err == nil {
		t.Fatalf("expected error when the login URL cannot be built")
	}
	if err := runConnect(context.Background(), stub, "", discardLogger(), nil); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	answers := strings.Join([]string{
		"y",                        // development mode
		"",                         // listen address
		"https://app.example.com",  // CORS origins
		"https://issuer.test/oidc", // issuer
		"client-123",               // client id
		"",                         // client secret
		"",                         // session secret, generated
		"",                         // database URL
		"",                         // demo enabled
		"n",                        // signed demo tokens
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg, err := runSetup(path, bufio.NewReader(strings.NewReader(answers)), &out, discardLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.OIDC.ClientID != "client-123" {
		t.Fatalf("client id = %q", cfg.OIDC.ClientID)
	}
	if len(cfg.Sessions.Secret) < 32 {
		t.Fatalf("generated secret too short: %d", len(cfg.Sessions.Secret))
	}
	if got := cfg.Server.AllowedOrigins; len(got) != 1 || got[0] != "https://app.example.com" {
		t.Fatalf("allowed origins = %v", got)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, discardLogger()); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected hint to run config init, got %v", err)
	}
}

func TestNormalizeList(t *testing.T) {
	if got := normalizeList(" a, ,b ", nil); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("normalizeList = %v", got)
	}
	if got := normalizeList("", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("fallback not used: %v", got)
	}
}

func TestRunWhoamiSendsStoredCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer demo_tok" || r.Header.Get("X-Demo-User") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sub": "u1", "source": "demo_header"})
	}))
	defer srv.Close()

	store := client.NewCredentialStore(client.NewMemoryStorage(), discardLogger())
	if err := runWhoami(context.Background(), srv.URL, store, io.Discard); err == nil {
		t.Fatalf("expected error without a stored credential")
	}

	store.SetCredential("demo_tok", client.UserProfile{ID: "u1", Username: "alice"})
	var out bytes.Buffer
	if err := runWhoami(context.Background(), srv.URL, store, &out); err != nil {
		t.Fatalf("runWhoami: %v", err)
	}
	if !strings.Contains(out.String(), `"sub": "u1"`) {
		t.Fatalf("unexpected output %s", out.String())
	}
}
