package client

import (
	"context"
	"log/slog"
	"sync"
)

// State is a snapshot of the client's authentication.
type State struct {
	IsAuthenticated bool
	Profile         *UserProfile
	IsLoading       bool
}

// ProfileUpdate carries the editable profile fields. Nil fields are left alone.
type ProfileUpdate struct {
	Username        *string
	Email           *string
	FirstName       *string
	LastName        *string
	ProfileImageURL *string
}

// AuthSession tracks the authentication state derived from the credential store and
// notifies subscribers on every change.
type AuthSession struct {
	auth   *DemoAuthClient
	store  *CredentialStore
	logger *slog.Logger

	initOnce sync.Once

	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int
}

// NewAuthSession starts in the loading state until Init runs.
func NewAuthSession(auth *DemoAuthClient, store *CredentialStore, logger *slog.Logger) *AuthSession {
	return &AuthSession{
		auth:   auth,
		store:  store,
		logger: logger,
		state:  State{IsLoading: true},
		subs:   make(map[int]func(State)),
	}
}

// Init reads the stored credential once. Later calls do nothing.
func (s *AuthSession) Init() {
	s.initOnce.Do(s.reload)
}

// State returns the current snapshot.
func (s *AuthSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Subscribe registers fn for state changes and returns a function that removes it.
func (s *AuthSession) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Login signs in with a phone number. Failures are logged and reported as false.
func (s *AuthSession) Login(ctx context.Context, phone, countryCode, password string) bool {
	return s.run(func() error {
		_, err := s.auth.Login(ctx, phone, countryCode, password)
		return err
	})
}

// LoginWithEmail signs in with an email address.
func (s *AuthSession) LoginWithEmail(ctx context.Context, email, password string) bool {
	return s.run(func() error {
		_, err := s.auth.LoginWithEmail(ctx, email, password)
		return err
	})
}

// Signup creates an account and signs in.
func (s *AuthSession) Signup(ctx context.Context, username, phone, countryCode, password string, location *LocationHint) bool {
	return s.run(func() error {
		_, err := s.auth.Signup(ctx, username, phone, countryCode, password, location)
		return err
	})
}

// Logout clears the credential. A failed server call does not keep the user signed in.
func (s *AuthSession) Logout(ctx context.Context) {
	if err := s.auth.Logout(ctx); err != nil {
		s.logger.Warn("server logout failed", "error", err)
	}
	s.reload()
}

// UpdateProfile applies the non-nil fields of u to the stored profile.
func (s *AuthSession) UpdateProfile(u ProfileUpdate) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"username", u.Username},
		{"email", u.Email},
		{"firstName", u.FirstName},
		{"lastName", u.LastName},
		{"profileImageUrl", u.ProfileImageURL},
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if err := s.store.UpdateUserProfileField(f.name, *f.value); err != nil {
			return err
		}
	}
	s.reload()
	return nil
}

func (s *AuthSession) run(fn func() error) bool {
	s.update(func(st *State) { st.IsLoading = true })
	err := fn()
	if err != nil {
		s.logger.Warn("demo auth failed", "error", err)
	}
	s.reload()
	return err == nil
}

func (s *AuthSession) reload() {
	next := State{}
	if s.store.HasCredential() {
		p, _ := s.store.UserProfile()
		next.IsAuthenticated = true
		next.Profile = &p
	}
	s.update(func(st *State) { *st = next })
}

func (s *AuthSession) update(mutate func(*State)) {
	s.mu.Lock()
	mutate(&s.state)
	snapshot := copyState(s.state)
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(copyState(snapshot))
	}
}

func copyState(st State) State {
	if st.Profile != nil {
		p := *st.Profile
		st.Profile = &p
	}
	return st
}
