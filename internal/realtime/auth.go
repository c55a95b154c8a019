package realtime

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a join token is malformed, expired or
	// signed with another key.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingIdentity is returned when the join request carries no identity.
	ErrMissingIdentity = errors.New("missing user identity")
)

// Authenticator extracts the joining user's identity from the upgrade request.
// With a secret it requires an HS256 token whose subject is the user id;
// without one it trusts the user_id query parameter.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Identify returns the user id the request joins as.
func (a *Authenticator) Identify(r *http.Request) (uuid.UUID, error) {
	if len(a.secret) == 0 {
		raw := r.URL.Query().Get("user_id")
		if raw == "" {
			return uuid.Nil, ErrMissingIdentity
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			return uuid.Nil, ErrMissingIdentity
		}
		return id, nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return uuid.Nil, ErrMissingIdentity
	}
	return a.ParseToken(token)
}

// ParseToken validates token and returns its subject as a user id.
func (a *Authenticator) ParseToken(token string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// IssueToken signs a join token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
