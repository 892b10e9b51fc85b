package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionManagerSaveSetsSignedCookie(t *testing.T) {
	store := NewInMemoryStore()
	manager := newTestSessions(t, testConfig(), store)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	sess := manager.Start(r)
	sess.DemoUser = &DemoUser{ID: "u1"}

	w := httptest.NewRecorder()
	if err := manager.Save(context.Background(), w, sess); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	cookie := cookieFrom(w.Result(), sessionCookieName)
	if cookie == nil {
		t.Fatalf("session cookie missing")
	}
	if cookie.Value == sess.ID {
		t.Fatalf("cookie must carry a signed value, not the raw id")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode || cookie.Secure {
		t.Fatalf("unexpected dev cookie flags: %+v", cookie)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(cookie)
	loaded, err := manager.Load(r2)
	if err != nil || loaded == nil {
		t.Fatalf("Load failed: sess=%v err=%v", loaded, err)
	}
	if loaded.DemoUser == nil || loaded.DemoUser.ID != "u1" {
		t.Fatalf("demo user not round-tripped: %+v", loaded.DemoUser)
	}
}

func TestSessionManagerProductionCookieFlags(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Environment = EnvProduction
	manager := newTestSessions(t, cfg, NewInMemoryStore())

	sess := manager.Start(httptest.NewRequest(http.MethodGet, "/", nil))
	sess.DemoUser = &DemoUser{ID: "u1"}
	w := httptest.NewRecorder()
	if err := manager.Save(context.Background(), w, sess); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	cookie := cookieFrom(w.Result(), sessionCookieName)
	if cookie == nil || !cookie.Secure || cookie.SameSite != http.SameSiteNoneMode {
		t.Fatalf("production cookie must be Secure and SameSite=None: %+v", cookie)
	}
}

func TestSessionManagerSkipsEmptySessions(t *testing.T) {
	store := NewInMemoryStore()
	manager := newTestSessions(t, testConfig(), store)

	sess := manager.Start(httptest.NewRequest(http.MethodGet, "/", nil))
	w := httptest.NewRecorder()
	if err := manager.Save(context.Background(), w, sess); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Fatalf("empty session must not set a cookie")
	}
	if _, ok, _ := store.GetSession(context.Background(), sess.ID); ok {
		t.Fatalf("empty session must not be stored")
	}
}

func TestSessionManagerRejectsForgedCookie(t *testing.T) {
	store := NewInMemoryStore()
	manager := newTestSessions(t, testConfig(), store)
	_ = store.SaveSession(context.Background(), Session{ID: "known", DemoUser: &DemoUser{ID: "u1"}, ExpiresAt: time.Now().Add(time.Hour)})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "known"})
	sess, err := manager.Load(r)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if sess != nil {
		t.Fatalf("unsigned cookie must not load a session")
	}

	other := testConfig()
	other.Sessions.Secret = "another-secret-another-secret-xx"
	foreign := newTestSessions(t, other, store)
	value, err := foreign.sign("known")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: value})
	if sess, _ := manager.Load(r); sess != nil {
		t.Fatalf("cookie signed with another secret must be rejected")
	}
}

func TestSessionManagerDropsExpiredSession(t *testing.T) {
	store := NewInMemoryStore()
	manager := newTestSessions(t, testConfig(), store)

	expired := Session{ID: "old", DemoUser: &DemoUser{ID: "u1"}, ExpiresAt: time.Now().Add(-time.Minute)}
	_ = store.SaveSession(context.Background(), expired)
	value, _ := manager.sign("old")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: value})
	if sess, _ := manager.Load(r); sess != nil {
		t.Fatalf("expired session must not load")
	}
	if _, ok, _ := store.GetSession(context.Background(), "old"); ok {
		t.Fatalf("expired session should be deleted on access")
	}
}

func TestSessionManagerRegenerateIssuesNewID(t *testing.T) {
	store := NewInMemoryStore()
	manager := newTestSessions(t, testConfig(), store)
	old := Session{ID: "pre-login", Pending: &PendingLogin{State: "s"}, ExpiresAt: time.Now().Add(time.Hour)}
	_ = store.SaveSession(context.Background(), old)

	next := manager.Regenerate(context.Background(), &old)
	if next.ID == old.ID {
		t.Fatalf("regenerate must issue a new id")
	}
	if _, ok, _ := store.GetSession(context.Background(), old.ID); ok {
		t.Fatalf("old session should be deleted")
	}
	if got := next.ExpiresAt.Sub(next.CreatedAt); got != SessionTTL {
		t.Fatalf("unexpected ttl %v", got)
	}
}
