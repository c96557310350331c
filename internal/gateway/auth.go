package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired is returned when a request carries no usable
// credential and anonymous access is disabled.
var ErrAuthRequired = errors.New("authentication required")

// Authenticator validates HS256 bearer tokens. With AllowAnonymous set,
// a missing token yields an empty user ID instead of an error; a token
// that is present but invalid is always rejected.
type Authenticator struct {
	secret         []byte
	allowAnonymous bool
}

// NewAuthenticator creates an authenticator with the given signing
// secret.
func NewAuthenticator(secret []byte, allowAnonymous bool) *Authenticator {
	return &Authenticator{secret: secret, allowAnonymous: allowAnonymous}
}

// Authenticate extracts and validates the credential on a request.
// Tokens are read from the Authorization header (Bearer scheme) or the
// "token" query parameter, in that order. Returns the authenticated
// user ID, empty for anonymous sessions.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		if a.allowAnonymous {
			return "", nil
		}
		return "", ErrAuthRequired
	}
	return a.validate(token)
}

func (a *Authenticator) validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// NewToken mints an HS256 token for a user. Used by the CLI and tests.
func NewToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("userID is required")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
