package server

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const demoTokenPrefix = "demo_"

var errDemoTokenFormat = errors.New("demo token must start with demo_")

// DemoTokenSigner issues and verifies `demo_<jwt>` bearer tokens that bind a demo
// bearer to one user id.
type DemoTokenSigner struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewDemoTokenSigner derives a key from the session secret that is distinct from the
// cookie signing key.
func NewDemoTokenSigner(secret, issuer string) *DemoTokenSigner {
	sum := sha256.Sum256([]byte("demo-token:" + secret))
	return &DemoTokenSigner{
		key:    sum[:],
		issuer: issuer,
		ttl:    SessionTTL,
		now:    time.Now,
	}
}

// Issue mints a token for userID.
func (s *DemoTokenSigner) Issue(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign demo token: %w", err)
	}
	return demoTokenPrefix + signed, nil
}

// Verify checks signature, issuer and expiry and returns the subject.
func (s *DemoTokenSigner) Verify(token string) (string, error) {
	raw, ok := strings.CutPrefix(token, demoTokenPrefix)
	if !ok {
		return "", errDemoTokenFormat
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("verify demo token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("demo token has no subject")
	}
	return claims.Subject, nil
}
