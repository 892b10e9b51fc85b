// Package appmode decides whether the web client runs as an installed app and
// guards the tab-scoped app session flag against embedding by foreign sites.
package appmode

import (
	"log/slog"
	"net/url"
	"strings"

	"livegate/client"
)

const (
	// SessionKey holds the app session flag in tab-scoped storage.
	SessionKey   = "is_app_session"
	sessionValue = "1"

	androidAppReferrer = "android-app://"
)

// Environment reports the presentation signals of the current page.
type Environment interface {
	// DisplayMode is the matched display-mode media feature, e.g. "standalone",
	// "fullscreen" or "browser".
	DisplayMode() string
	// NativeStandalone is the iOS home-screen flag.
	NativeStandalone() bool
	Referrer() string
	Hostname() string
	Path() string
	// IsTopFrame reports whether the page is the top-level browsing context. An error
	// means the top frame could not be inspected.
	IsTopFrame() (bool, error)
}

// Credentials is the part of the credential store the landing redirect needs.
type Credentials interface {
	Token() (string, bool)
	UserProfile() (client.UserProfile, bool)
}

// Config tunes the guard.
type Config struct {
	AllowedDomain  string
	DevHostMarkers []string
	LoginPath      string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		AllowedDomain:  "zoomchatlive.com",
		DevHostMarkers: []string{"localhost", "127.0.0.1", "replit"},
		LoginPath:      "/auth/login",
	}
}

// Guard evaluates the app-mode rules against one page.
type Guard struct {
	cfg     Config
	env     Environment
	session client.Storage
	creds   Credentials
	logger  *slog.Logger
}

// NewGuard wires the guard. session must be tab-scoped storage.
func NewGuard(cfg Config, env Environment, session client.Storage, creds Credentials, logger *slog.Logger) *Guard {
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultConfig().LoginPath
	}
	cfg.AllowedDomain = strings.ToLower(strings.TrimPrefix(cfg.AllowedDomain, "."))
	return &Guard{cfg: cfg, env: env, session: session, creds: creds, logger: logger}
}

// IsStandaloneExecution reports whether the OS presents the page as an installed app.
func (g *Guard) IsStandaloneExecution() bool {
	switch g.env.DisplayMode() {
	case "standalone", "fullscreen":
		return true
	}
	if g.env.NativeStandalone() {
		return true
	}
	return strings.HasPrefix(g.env.Referrer(), androidAppReferrer)
}

// IsEmbeddedInForeignFrame reports whether the page runs inside another frame.
func (g *Guard) IsEmbeddedInForeignFrame() bool {
	top, err := g.env.IsTopFrame()
	if err != nil {
		return true
	}
	return !top
}

// IsReferrerForeign reports whether the page was opened from an unrelated site.
func (g *Guard) IsReferrerForeign() bool {
	ref := g.env.Referrer()
	if ref == "" {
		return false
	}
	host := strings.ToLower(g.env.Hostname())
	if g.isDevHost(host) {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil || u.Hostname() == "" {
		return false
	}
	refHost := strings.ToLower(u.Hostname())
	if refHost == host || g.matchesAllowedDomain(refHost) {
		return false
	}
	return true
}

// InitializeAppSession sets the flag when running standalone outside any frame.
func (g *Guard) InitializeAppSession() bool {
	if g.IsEmbeddedInForeignFrame() {
		g.logger.Info("app session blocked: embedded in frame")
		return false
	}
	if g.IsReferrerForeign() {
		g.logger.Warn("app opened from foreign referrer", "referrer", g.env.Referrer())
	}
	if !g.IsStandaloneExecution() {
		return false
	}
	if err := g.session.Set(SessionKey, sessionValue); err != nil {
		g.logger.Warn("app session flag not stored", "error", err)
		return false
	}
	g.logger.Info("app session activated", "display_mode", g.env.DisplayMode())
	return true
}

// IsAppSession reports the stored flag. It is always false inside a frame.
func (g *Guard) IsAppSession() bool {
	if g.IsEmbeddedInForeignFrame() {
		return false
	}
	v, ok, err := g.session.Get(SessionKey)
	if err != nil {
		g.logger.Warn("app session flag unreadable", "error", err)
		return false
	}
	return ok && v == sessionValue
}

// ClearAppSession removes the flag.
func (g *Guard) ClearAppSession() {
	if err := g.session.Remove(SessionKey); err != nil {
		g.logger.Warn("app session flag not removed", "error", err)
	}
}

// ResolveLandingRedirect returns the login path when an app user lands on the root
// without a stored credential.
func (g *Guard) ResolveLandingRedirect() (string, bool) {
	if g.IsEmbeddedInForeignFrame() {
		return "", false
	}
	if !g.IsAppSession() && !g.IsStandaloneExecution() {
		return "", false
	}
	if p := g.env.Path(); p != "/" && p != "" {
		return "", false
	}
	if g.hasCredential() {
		return "", false
	}
	return g.cfg.LoginPath, true
}

func (g *Guard) hasCredential() bool {
	if g.creds == nil {
		return false
	}
	if _, ok := g.creds.Token(); ok {
		return true
	}
	_, ok := g.creds.UserProfile()
	return ok
}

func (g *Guard) isDevHost(host string) bool {
	for _, marker := range g.cfg.DevHostMarkers {
		if marker != "" && strings.Contains(host, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (g *Guard) matchesAllowedDomain(host string) bool {
	d := g.cfg.AllowedDomain
	if d == "" {
		return false
	}
	return host == d || strings.HasSuffix(host, "."+d)
}
