package server

import "time"

// AuthSource names the credential source a principal was resolved from.
type AuthSource string

const (
	SourceDemoHeader  AuthSource = "demo_header"
	SourceDemoSession AuthSource = "demo_session"
	SourceFederated   AuthSource = "federated"
)

// Principal is the resolved identity attached to a request. It only lives for one
// request and is a projection of whichever credential source matched.
type Principal struct {
	SubjectID    string     `json:"sub"`
	Email        string     `json:"email,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	TokenExpiry  time.Time  `json:"token_expiry,omitempty"`
	RefreshToken string     `json:"-"`
	Source       AuthSource `json:"source"`
}

// DemoUser is the client-held demo profile. It arrives in the X-Demo-User header and is
// also kept on the server session after a demo login.
type DemoUser struct {
	ID               string  `json:"id"`
	Username         string  `json:"username,omitempty"`
	Email            string  `json:"email,omitempty"`
	PhoneNumber      string  `json:"phoneNumber,omitempty"`
	PhoneCountryCode string  `json:"phoneCountryCode,omitempty"`
	FirstName        string  `json:"firstName,omitempty"`
	LastName         string  `json:"lastName,omitempty"`
	ProfileImageURL  *string `json:"profileImageUrl,omitempty"`
}

// FederatedIdentity is the OIDC part of a session. It is replaced as a whole on refresh.
type FederatedIdentity struct {
	Claims       map[string]any `json:"claims"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    int64          `json:"expires_at"`
}

// PendingLogin tracks an outstanding authorization redirect.
type PendingLogin struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	Host         string    `json:"host"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session captures a browser session bound to a cookie.
type Session struct {
	ID        string             `json:"-"`
	DemoUser  *DemoUser          `json:"demoUser,omitempty"`
	Federated *FederatedIdentity `json:"federated,omitempty"`
	Pending   *PendingLogin      `json:"pending,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"-"`
}

// Empty reports whether the session carries nothing worth persisting.
func (s *Session) Empty() bool {
	return s.DemoUser == nil && s.Federated == nil && s.Pending == nil
}

// User is the local account record, keyed by the provider subject or a generated id.
type User struct {
	ID               string
	Email            string
	Username         string
	FirstName        string
	LastName         string
	ProfileImageURL  string
	PhoneNumber      string
	PhoneCountryCode string
	PasswordHash     string
	SignupLatitude   *float64
	SignupLongitude  *float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DemoProfile projects the user into the profile shape the client stores.
func (u User) DemoProfile() DemoUser {
	p := DemoUser{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		PhoneNumber:      u.PhoneNumber,
		PhoneCountryCode: u.PhoneCountryCode,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
	}
	if u.ProfileImageURL != "" {
		img := u.ProfileImageURL
		p.ProfileImageURL = &img
	}
	return p
}
