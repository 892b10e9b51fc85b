package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
)

// SessionStore persists server-side sessions keyed by id.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (Session, bool, error)
	SaveSession(ctx context.Context, sess Session) error
	DeleteSession(ctx context.Context, id string) error
	PruneSessions(ctx context.Context, now time.Time) (int, error)
}

// UserStore persists local user records.
type UserStore interface {
	UpsertUser(ctx context.Context, u User) error
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	FindUserByPhone(ctx context.Context, countryCode, phone string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	SessionStore
	UserStore
	Close() error
}

// InMemoryStore keeps ephemeral sessions and users for development and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	users    map[string]User
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]Session),
		users:    make(map[string]User),
	}
}

// NewID generates a random identifier.
func NewID() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("livegate: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// PruneSessions drops every session that expired before now.
func (s *InMemoryStore) PruneSessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// UpsertUser inserts or updates the provider-managed profile fields.
func (s *InMemoryStore) UpsertUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	existing, ok := s.users[u.ID]
	if ok {
		existing.Email = u.Email
		existing.FirstName = u.FirstName
		existing.LastName = u.LastName
		existing.ProfileImageURL = u.ProfileImageURL
		existing.UpdatedAt = now
		s.users[u.ID] = existing
		return nil
	}
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return nil
}

// CreateUser inserts a new demo account, rejecting duplicate phone numbers or emails.
func (s *InMemoryStore) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrUserExists
	}
	for _, existing := range s.users {
		if u.PhoneNumber != "" && existing.PhoneNumber == u.PhoneNumber && existing.PhoneCountryCode == u.PhoneCountryCode {
			return ErrUserExists
		}
		if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
			return ErrUserExists
		}
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return nil
}

// GetUser returns the user with the given id.
func (s *InMemoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// FindUserByPhone looks a user up by phone number.
func (s *InMemoryStore) FindUserByPhone(_ context.Context, countryCode, phone string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.PhoneNumber == phone && u.PhoneCountryCode == countryCode {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// FindUserByEmail looks a user up by email, case-insensitively.
func (s *InMemoryStore) FindUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
