package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/segmentio/ksuid"
)

const (
	demoTokenPrefix = "demo_"
	maxResponseBody = 1 << 20
)

// StatusError is returned when the server answers a demo exchange with a non-2xx status.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("demo auth: status %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("demo auth: status %d", e.StatusCode)
}

// LocationHint is an optional signup position.
type LocationHint struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
}

type phoneAuthRequest struct {
	PhoneNumber      string        `json:"phoneNumber"`
	PhoneCountryCode string        `json:"phoneCountryCode"`
	Password         string        `json:"password"`
	IsLogin          bool          `json:"isLogin"`
	Username         string        `json:"username,omitempty"`
	GPSData          *LocationHint `json:"gpsData"`
}

type emailAuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	UserProfile
	Token string `json:"token"`
}

// DemoAuthClient performs the demo login and signup exchanges and records the
// resulting credential.
type DemoAuthClient struct {
	baseURL string
	http    *http.Client
	store   *CredentialStore
	logger  *slog.Logger
}

// NewDemoAuthClient targets the server at baseURL. A nil httpClient uses http.DefaultClient.
func NewDemoAuthClient(baseURL string, httpClient *http.Client, store *CredentialStore, logger *slog.Logger) *DemoAuthClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DemoAuthClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		store:   store,
		logger:  logger,
	}
}

// Login exchanges phone credentials for a demo profile.
func (c *DemoAuthClient) Login(ctx context.Context, phone, countryCode, password string) (UserProfile, error) {
	return c.exchange(ctx, "/api/demo/auth", phoneAuthRequest{
		PhoneNumber:      phone,
		PhoneCountryCode: countryCode,
		Password:         password,
		IsLogin:          true,
	}, "user")
}

// Signup creates an account and signs in.
func (c *DemoAuthClient) Signup(ctx context.Context, username, phone, countryCode, password string, location *LocationHint) (UserProfile, error) {
	return c.exchange(ctx, "/api/demo/auth", phoneAuthRequest{
		PhoneNumber:      phone,
		PhoneCountryCode: countryCode,
		Password:         password,
		Username:         username,
		GPSData:          location,
	}, username)
}

// LoginWithEmail exchanges email credentials for a demo profile.
func (c *DemoAuthClient) LoginWithEmail(ctx context.Context, email, password string) (UserProfile, error) {
	return c.exchange(ctx, "/api/demo/auth/email", emailAuthRequest{Email: email, Password: password}, "admin")
}

// Logout clears the local credential and asks the server to drop its session.
func (c *DemoAuthClient) Logout(ctx context.Context) error {
	c.store.ClearToken()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/demo/logout", nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("demo logout: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *DemoAuthClient) exchange(ctx context.Context, path string, body any, fallbackUsername string) (UserProfile, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return UserProfile{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return UserProfile{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return UserProfile{}, fmt.Errorf("demo auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&e)
		return UserProfile{}, &StatusError{StatusCode: resp.StatusCode, Code: e.Error}
	}

	var out authResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return UserProfile{}, fmt.Errorf("decode response: %w", err)
	}
	if out.ID == "" {
		return UserProfile{}, errors.New("demo auth: response has no user id")
	}

	profile := out.UserProfile
	profile.Username = firstNonEmpty(profile.Username, profile.FirstName, fallbackUsername)

	token := out.Token
	if token == "" {
		token = NewDemoToken()
	}
	c.store.SetCredential(token, profile)
	c.logger.Info("demo credential stored", "user_id", profile.ID)
	return profile, nil
}

// NewDemoToken mints an opaque bearer: "demo_" and a KSUID (timestamp plus 128 random bits).
func NewDemoToken() string {
	return demoTokenPrefix + ksuid.New().String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
