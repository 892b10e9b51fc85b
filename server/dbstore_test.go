package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDBStore(t *testing.T) *DBStore {
	t.Helper()
	store, err := OpenDBStore(context.Background(), filepath.Join(t.TempDir(), "livegate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDetectDatabaseType(t *testing.T) {
	assert.Equal(t, DatabaseTypePostgreSQL, DetectDatabaseType("postgres://u:p@db/live"))
	assert.Equal(t, DatabaseTypePostgreSQL, DetectDatabaseType("postgresql://db/live"))
	assert.Equal(t, DatabaseTypeSQLite, DetectDatabaseType("file:live.db"))
	assert.Equal(t, DatabaseTypeSQLite, DetectDatabaseType("/var/lib/livegate/live.db"))
}

func TestDBStoreSessionLifecycle(t *testing.T) {
	store := openTestDBStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := Session{
		ID:        "live",
		DemoUser:  &DemoUser{ID: "u1", Username: "alice"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.SaveSession(ctx, live))

	got, ok, err := store.GetSession(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live", got.ID)
	require.NotNil(t, got.DemoUser)
	assert.Equal(t, "alice", got.DemoUser.Username)

	live.Federated = &FederatedIdentity{Claims: map[string]any{"sub": "fed"}, AccessToken: "at", ExpiresAt: now.Unix()}
	require.NoError(t, store.SaveSession(ctx, live), "saving twice upserts")
	got, _, err = store.GetSession(ctx, "live")
	require.NoError(t, err)
	require.NotNil(t, got.Federated)
	assert.Equal(t, "at", got.Federated.AccessToken)

	expired := Session{ID: "expired", DemoUser: &DemoUser{ID: "u2"}, ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, store.SaveSession(ctx, expired))
	_, ok, err = store.GetSession(ctx, "expired")
	require.NoError(t, err)
	assert.False(t, ok, "expired rows read as missing")

	n, err := store.PruneSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.DeleteSession(ctx, "live"))
	_, ok, err = store.GetSession(ctx, "live")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDBStoreUsers(t *testing.T) {
	store := openTestDBStore(t)
	ctx := context.Background()

	lat := 1.5
	require.NoError(t, store.CreateUser(ctx, User{
		ID:               "u1",
		Username:         "alice",
		Email:            "Alice@Example.com",
		PhoneNumber:      "5550100",
		PhoneCountryCode: "+1",
		PasswordHash:     "hash",
		SignupLatitude:   &lat,
	}))

	err := store.CreateUser(ctx, User{ID: "u2", PhoneNumber: "5550100", PhoneCountryCode: "+1"})
	assert.ErrorIs(t, err, ErrUserExists)

	byPhone, err := store.FindUserByPhone(ctx, "+1", "5550100")
	require.NoError(t, err)
	assert.Equal(t, "u1", byPhone.ID)
	require.NotNil(t, byPhone.SignupLatitude)
	assert.InDelta(t, 1.5, *byPhone.SignupLatitude, 0.0001)

	byEmail, err := store.FindUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.UpsertUser(ctx, User{ID: "fed-1", Email: "fed@example.com", FirstName: "Ada"}))
	require.NoError(t, store.UpsertUser(ctx, User{ID: "fed-1", Email: "fed@example.com", FirstName: "Grace", ProfileImageURL: "https://img.test/g.png"}))
	fed, err := store.GetUser(ctx, "fed-1")
	require.NoError(t, err)
	assert.Equal(t, "Grace", fed.FirstName)
	assert.Equal(t, "https://img.test/g.png", fed.ProfileImageURL)
}

func TestInMemoryStoreMatchesDBStoreSemantics(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	require.NoError(t, store.CreateUser(ctx, User{ID: "u1", Email: "a@example.com", PhoneNumber: "1", PhoneCountryCode: "+1"}))
	assert.ErrorIs(t, store.CreateUser(ctx, User{ID: "u2", Email: "A@example.com"}), ErrUserExists)

	now := time.Now()
	require.NoError(t, store.SaveSession(ctx, Session{ID: "a", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, store.SaveSession(ctx, Session{ID: "b", ExpiresAt: now.Add(time.Hour)}))
	n, err := store.PruneSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJanitorPrunesExpiredSessions(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.SaveSession(ctx, Session{ID: "old", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.SaveSession(ctx, Session{ID: "new", ExpiresAt: now.Add(time.Minute)}))

	j, err := NewJanitor("@every 1h", store, testLogger())
	require.NoError(t, err)
	n, err := j.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = NewJanitor("not a schedule", store, testLogger())
	assert.Error(t, err)
}
