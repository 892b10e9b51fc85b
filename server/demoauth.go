package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown account or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// LocationHint is the optional coarse position captured at signup.
type LocationHint struct {
	Lat      float64 `json:"lat" validate:"latitude"`
	Lng      float64 `json:"lng" validate:"longitude"`
	Accuracy float64 `json:"accuracy" validate:"gte=0"`
}

type demoAuthRequest struct {
	PhoneNumber      string        `json:"phoneNumber" validate:"required,numeric,min=4,max=20"`
	PhoneCountryCode string        `json:"phoneCountryCode" validate:"required,max=6"`
	Password         string        `json:"password" validate:"required,min=6,max=72"`
	IsLogin          bool          `json:"isLogin"`
	Username         string        `json:"username" validate:"required_if=IsLogin false,omitempty,min=2,max=32"`
	GPSData          *LocationHint `json:"gpsData" validate:"omitempty"`
}

type demoEmailRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=72"`
}

type demoAuthResponse struct {
	DemoUser
	Token string `json:"token,omitempty"`
}

// DemoAuthHandler serves the phone and email demo login/signup exchange.
type DemoAuthHandler struct {
	users    UserStore
	sessions *SessionManager
	tokens   *DemoTokenSigner
	validate *validator.Validate
	metrics  *Metrics
	logger   *slog.Logger
}

// NewDemoAuthHandler wires the handler. tokens is nil unless signed demo tokens are required.
func NewDemoAuthHandler(users UserStore, sessions *SessionManager, tokens *DemoTokenSigner, metrics *Metrics, logger *slog.Logger) *DemoAuthHandler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &DemoAuthHandler{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		validate: validate,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandlePhone handles POST /api/demo/auth.
func (h *DemoAuthHandler) HandlePhone(w http.ResponseWriter, r *http.Request) {
	var req demoAuthRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.PhoneCountryCode = strings.TrimSpace(req.PhoneCountryCode)
	req.Username = strings.TrimSpace(req.Username)
	if !h.check(w, &req) {
		return
	}

	var (
		user User
		err  error
		kind = "signup"
	)
	if req.IsLogin {
		kind = "login"
		user, err = h.loginByPhone(r.Context(), req)
	} else {
		user, err = h.signup(r.Context(), req)
	}
	if err != nil {
		h.fail(w, r, kind, err)
		return
	}

	status := http.StatusOK
	if !req.IsLogin {
		status = http.StatusCreated
	}
	h.complete(w, r, kind, status, user)
}

// HandleEmail handles POST /api/demo/auth/email.
func (h *DemoAuthHandler) HandleEmail(w http.ResponseWriter, r *http.Request) {
	var req demoEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !h.check(w, &req) {
		return
	}

	user, err := h.users.FindUserByEmail(r.Context(), req.Email)
	if err == nil {
		err = checkPassword(user, req.Password)
	}
	if err != nil {
		h.fail(w, r, "email_login", err)
		return
	}
	h.complete(w, r, "email_login", http.StatusOK, user)
}

// HandleLogout handles POST /api/demo/logout.
func (h *DemoAuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Load(r)
	if err != nil {
		h.logger.Warn("session load during demo logout failed", "error", err)
	}
	h.sessions.Destroy(r.Context(), w, sess)
	w.WriteHeader(http.StatusNoContent)
}

func (h *DemoAuthHandler) loginByPhone(ctx context.Context, req demoAuthRequest) (User, error) {
	user, err := h.users.FindUserByPhone(ctx, req.PhoneCountryCode, req.PhoneNumber)
	if err != nil {
		return User{}, err
	}
	if err := checkPassword(user, req.Password); err != nil {
		return User{}, err
	}
	return user, nil
}

func (h *DemoAuthHandler) signup(ctx context.Context, req demoAuthRequest) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	user := User{
		ID:               uuid.NewString(),
		Username:         req.Username,
		PhoneNumber:      req.PhoneNumber,
		PhoneCountryCode: req.PhoneCountryCode,
		PasswordHash:     string(hash),
	}
	if req.GPSData != nil {
		lat, lng := req.GPSData.Lat, req.GPSData.Lng
		user.SignupLatitude = &lat
		user.SignupLongitude = &lng
	}
	if err := h.users.CreateUser(ctx, user); err != nil {
		return User{}, err
	}
	return user, nil
}

func checkPassword(user User, password string) error {
	if user.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// complete binds the demo user to a fresh session and answers with the profile.
func (h *DemoAuthHandler) complete(w http.ResponseWriter, r *http.Request, kind string, status int, user User) {
	ctx := r.Context()
	old, err := h.sessions.Load(r)
	if err != nil {
		h.logger.Warn("session load during demo login failed", "error", err)
	}

	profile := user.DemoProfile()
	sess := h.sessions.Regenerate(ctx, old)
	sess.DemoUser = &profile
	if err := h.sessions.Save(ctx, w, sess); err != nil {
		h.fail(w, r, kind, err)
		return
	}

	resp := demoAuthResponse{DemoUser: profile}
	if h.tokens != nil {
		token, err := h.tokens.Issue(user.ID)
		if err != nil {
			h.fail(w, r, kind, err)
			return
		}
		resp.Token = token
	}

	h.metrics.observeDemoExchange(kind, "success")
	h.logger.Info("demo auth", "kind", kind, "user_id", user.ID, "request_id", RequestIDFromContext(ctx))
	writeJSONStatus(w, status, resp)
}

func (h *DemoAuthHandler) fail(w http.ResponseWriter, r *http.Request, kind string, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidCredentials):
		h.metrics.observeDemoExchange(kind, "invalid_credentials")
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{
			"error":   "INVALID_CREDENTIALS",
			"message": "Invalid credentials",
		})
	case errors.Is(err, ErrUserExists):
		h.metrics.observeDemoExchange(kind, "conflict")
		writeJSONStatus(w, http.StatusConflict, map[string]string{
			"error":   "USER_EXISTS",
			"message": "An account with these details already exists",
		})
	default:
		h.metrics.observeDemoExchange(kind, "error")
		h.logger.Error("demo auth failed", "kind", kind, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{
			"error":   "SERVER_ERROR",
			"message": "Internal server error",
		})
	}
}

func (h *DemoAuthHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(r, v); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":   "INVALID_REQUEST",
			"message": "Request body must be valid JSON",
		})
		return false
	}
	return true
}

func (h *DemoAuthHandler) check(w http.ResponseWriter, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}

	var fields []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
	}
	writeJSONStatus(w, http.StatusBadRequest, map[string]any{
		"error":   "INVALID_REQUEST",
		"message": "Request validation failed",
		"fields":  fields,
	})
	return false
}
