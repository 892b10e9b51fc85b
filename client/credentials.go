package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Storage keys for the demo credential pair.
const (
	TokenKey = "demo_token"
	UserKey  = "demo_user"
)

// ErrWriteNotPersisted reports a write that did not read back.
var ErrWriteNotPersisted = errors.New("write did not persist")

// UserProfile is the cached demo profile.
type UserProfile struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email,omitempty"`
	PhoneNumber      string `json:"phoneNumber"`
	PhoneCountryCode string `json:"phoneCountryCode"`
	FirstName        string `json:"firstName,omitempty"`
	LastName         string `json:"lastName,omitempty"`
	ProfileImageURL  string `json:"profileImageUrl,omitempty"`
}

// CredentialStore keeps the demo bearer token and profile in durable storage.
//
// Writes are verified by reading them back. A failed write is logged, counted and
// passed to the OnWriteFailure hook; it is never returned to the caller.
type CredentialStore struct {
	storage Storage
	logger  *slog.Logger

	mu            sync.Mutex
	onWriteFailed func(key string, err error)
	writeFailures atomic.Int64
}

// NewCredentialStore wraps storage.
func NewCredentialStore(storage Storage, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{storage: storage, logger: logger}
}

// OnWriteFailure registers a diagnostics hook. Passing nil removes it. The hook runs
// with the store locked and must not call back into it.
func (c *CredentialStore) OnWriteFailure(fn func(key string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWriteFailed = fn
}

// WriteFailures returns how many writes failed verification since creation.
func (c *CredentialStore) WriteFailures() int64 {
	return c.writeFailures.Load()
}

// Token returns the stored bearer token.
func (c *CredentialStore) Token() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(TokenKey)
}

// SetToken stores the bearer token.
func (c *CredentialStore) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(TokenKey, token)
}

// ClearToken removes the credential pair.
func (c *CredentialStore) ClearToken() {
	c.clear()
}

// UserProfile returns the stored profile. An unreadable profile counts as absent.
func (c *CredentialStore) UserProfile() (UserProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readProfile()
}

// SetUserProfile stores the profile.
func (c *CredentialStore) SetUserProfile(p UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeProfile(p)
}

// ClearUserProfile removes the credential pair.
func (c *CredentialStore) ClearUserProfile() {
	c.clear()
}

// SetCredential stores token and profile together.
func (c *CredentialStore) SetCredential(token string, p UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(TokenKey, token)
	c.writeProfile(p)
}

// HasCredential reports whether both halves of the pair are present.
func (c *CredentialStore) HasCredential() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, hasToken := c.read(TokenKey)
	_, hasProfile := c.readProfile()
	return hasToken && hasProfile
}

// UpdateUserProfileField sets one profile field by its JSON name. It is a no-op when no
// profile is stored and fails for unknown fields or mismatched value types.
func (c *CredentialStore) UpdateUserProfileField(field string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.readProfile()
	if !ok {
		return nil
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}
	if !knownProfileField(field) {
		return fmt.Errorf("unknown profile field %q", field)
	}
	if field == "id" {
		return errors.New("profile id cannot be changed")
	}
	fields[field] = value

	raw, err = json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode profile field %s: %w", field, err)
	}
	var updated UserProfile
	if err := json.Unmarshal(raw, &updated); err != nil {
		return fmt.Errorf("profile field %s: %w", field, err)
	}
	c.writeProfile(updated)
	c.logger.Debug("updated profile field", "field", field)
	return nil
}

func knownProfileField(field string) bool {
	switch field {
	case "id", "username", "email", "phoneNumber", "phoneCountryCode", "firstName", "lastName", "profileImageUrl":
		return true
	}
	return false
}

func (c *CredentialStore) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range []string{TokenKey, UserKey} {
		if err := c.storage.Remove(key); err != nil {
			c.logger.Warn("credential remove failed", "key", key, "error", err)
		}
	}
}

func (c *CredentialStore) read(key string) (string, bool) {
	v, ok, err := c.storage.Get(key)
	if err != nil {
		c.logger.Warn("credential read failed", "key", key, "error", err)
		return "", false
	}
	return v, ok && v != ""
}

func (c *CredentialStore) readProfile() (UserProfile, bool) {
	raw, ok := c.read(UserKey)
	if !ok {
		return UserProfile{}, false
	}
	var p UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		c.logger.Warn("stored profile unreadable", "error", err)
		return UserProfile{}, false
	}
	return p, p.ID != ""
}

func (c *CredentialStore) writeProfile(p UserProfile) {
	raw, err := json.Marshal(p)
	if err != nil {
		c.writeFailed(UserKey, err)
		return
	}
	c.write(UserKey, string(raw))
}

func (c *CredentialStore) write(key, value string) {
	if err := c.storage.Set(key, value); err != nil {
		c.writeFailed(key, err)
		return
	}
	got, ok, err := c.storage.Get(key)
	switch {
	case err != nil:
		c.writeFailed(key, err)
	case !ok || got != value:
		c.writeFailed(key, ErrWriteNotPersisted)
	}
}

func (c *CredentialStore) writeFailed(key string, err error) {
	c.writeFailures.Add(1)
	c.logger.Warn("credential write not verified", "key", key, "error", err)
	if c.onWriteFailed != nil {
		c.onWriteFailed(key, err)
	}
}
