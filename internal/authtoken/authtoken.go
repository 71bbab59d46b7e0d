// Package authtoken issues and verifies the HS256 tokens clients present to
// the relay. The subject is the decimal user id.
package authtoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authtoken: missing bearer token")
	ErrInvalidToken = errors.New("authtoken: invalid token")
	ErrEmptySecret  = errors.New("authtoken: empty signing secret")
)

type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func New(secret, issuer string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Sign issues a token for userID valid for ttl.
func (i *Issuer) Sign(userID int64, ttl time.Duration) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("authtoken: user id must be positive, got %d", userID)
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature, expiry and issuer and returns the user id.
func (i *Issuer) Verify(raw string) (int64, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	if claims.Issuer != "" && claims.Issuer != i.issuer {
		return 0, fmt.Errorf("%w: issuer %q", ErrInvalidToken, claims.Issuer)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q", ErrInvalidToken, claims.Subject)
	}
	return id, nil
}

// FromRequest reads the token from the Authorization header, falling back to
// the token query parameter used by browser websocket clients.
func FromRequest(r *http.Request) (string, error) {
	if raw := r.Header.Get("Authorization"); raw != "" {
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(raw[len("Bearer "):]), nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// Middleware rejects requests without a valid token and stores the user id
// in the request context.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := FromRequest(r)
		if err != nil {
			slog.Warn("relay auth missing bearer", "path", r.URL.Path)
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := i.Verify(raw)
		if err != nil {
			slog.Warn("relay auth invalid token", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), id)))
	})
}

type userKey struct{}

func WithUser(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

func UserFrom(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(userKey{}).(int64)
	return v, ok
}
