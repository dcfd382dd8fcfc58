package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenAuth gates the /status endpoint behind a short-lived JWT, issued
// in exchange for a bootstrap bearer token whose bcrypt hash is the only
// thing the process holds at rest. Grounded on the teacher's own
// go.mod, which already carries golang-jwt/jwt/v5 and
// golang.org/x/crypto for its platform API's auth — no other consumer
// in the retrieved pack wires either, so this is where they find a
// home.
type TokenAuth struct {
	bootstrapHash []byte
	signingKey    []byte
	issuer        string
	ttl           time.Duration
}

// NewTokenAuth hashes bootstrapToken with bcrypt at startup; the
// plaintext is never retained.
func NewTokenAuth(bootstrapToken string, signingKey []byte, issuer string) (*TokenAuth, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(bootstrapToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("adminapi: hashing bootstrap token: %w", err)
	}
	return &TokenAuth{
		bootstrapHash: hash,
		signingKey:    signingKey,
		issuer:        issuer,
		ttl:           15 * time.Minute,
	}, nil
}

// statusClaims is the JWT payload issued after a successful bootstrap
// token exchange.
type statusClaims struct {
	jwt.RegisteredClaims
}

// IssueToken verifies presented against the stored bcrypt hash and, on
// success, mints a short-lived JWT scoped to this issuer.
func (a *TokenAuth) IssueToken(presented string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.bootstrapHash, []byte(presented)); err != nil {
		return "", errors.New("adminapi: invalid bootstrap token")
	}

	now := time.Now()
	claims := statusClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.signingKey)
}

// verify parses and validates a bearer JWT previously issued by IssueToken.
func (a *TokenAuth) verify(raw string) error {
	token, err := jwt.ParseWithClaims(raw, &statusClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil || !token.Valid {
		return errors.New("adminapi: invalid or expired token")
	}
	return nil
}

// RequireToken is chi-compatible middleware enforcing a valid bearer
// JWT on the routes it wraps.
func (a *TokenAuth) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		if err := a.verify(raw); err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
