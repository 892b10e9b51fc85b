package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const sessionCookieName = "livegate.sid"

// SessionManager handles cookie-backed sessions. The cookie carries the session id
// wrapped in an HS256 JWS so forged or foreign ids are rejected before any store lookup.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	key          []byte
	signer       jose.Signer
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) (*SessionManager, error) {
	sameSite := http.SameSiteLaxMode
	secure := false
	if !cfg.DevMode() {
		// Cross-site embedding by the native wrapper needs None, which browsers only accept with Secure.
		sameSite = http.SameSiteNoneMode
		secure = true
	}

	sum := sha256.Sum256([]byte(cfg.Sessions.Secret))
	key := sum[:]
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("session signer: %w", err)
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          SessionTTL,
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		key:          key,
		signer:       signer,
		now:          time.Now,
	}, nil
}

// Load returns the session referenced by the request cookie, or nil when there is none.
func (sm *SessionManager) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	id, err := sm.unsign(cookie.Value)
	if err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		return nil, nil
	}

	sess, ok, err := sm.store.GetSession(r.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if sm.now().After(sess.ExpiresAt) {
		if err := sm.store.DeleteSession(r.Context(), sess.ID); err != nil {
			sm.logger.Warn("expired session delete failed", "error", err)
		}
		return nil, nil
	}
	return &sess, nil
}

// Start returns the request's session or a fresh, unsaved one.
func (sm *SessionManager) Start(r *http.Request) *Session {
	sess, err := sm.Load(r)
	if err != nil {
		sm.logger.Warn("session load failed", "error", err)
	}
	if sess != nil {
		return sess
	}
	return sm.newSession()
}

// Regenerate discards old (if any) and returns a fresh session id. Called whenever the
// authenticated identity changes so a pre-login cookie can never be promoted.
func (sm *SessionManager) Regenerate(ctx context.Context, old *Session) *Session {
	if old != nil {
		if err := sm.store.DeleteSession(ctx, old.ID); err != nil {
			sm.logger.Warn("session delete during regenerate failed", "error", err)
		}
	}
	return sm.newSession()
}

// Save persists the session and (re)issues the cookie. Empty sessions are not stored.
func (sm *SessionManager) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil || sess.Empty() {
		return nil
	}
	if err := sm.store.SaveSession(ctx, *sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	value, err := sm.sign(sess.ID)
	if err != nil {
		return err
	}
	maxAge := int(sess.ExpiresAt.Sub(sm.now()).Seconds())
	if maxAge <= 0 {
		maxAge = int(sm.ttl.Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   maxAge,
	})
	return nil
}

// Destroy deletes the session and clears the cookie.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) {
	if sess != nil {
		if err := sm.store.DeleteSession(ctx, sess.ID); err != nil {
			sm.logger.Warn("session delete failed", "error", err)
		}
	}
	sm.Clear(w)
}

// Clear removes the session cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) newSession() *Session {
	now := sm.now()
	return &Session{
		ID:        NewID(),
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}
}

func (sm *SessionManager) sign(id string) (string, error) {
	obj, err := sm.signer.Sign([]byte(id))
	if err != nil {
		return "", fmt.Errorf("sign session id: %w", err)
	}
	return obj.CompactSerialize()
}

func (sm *SessionManager) unsign(value string) (string, error) {
	obj, err := jose.ParseSigned(value)
	if err != nil {
		return "", err
	}
	if len(obj.Signatures) != 1 || obj.Signatures[0].Header.Algorithm != string(jose.HS256) {
		return "", errors.New("unexpected session cookie signature")
	}
	payload, err := obj.Verify(sm.key)
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		return "", errors.New("empty session id")
	}
	return string(payload), nil
}
