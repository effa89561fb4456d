package notifier

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the agent learns from its own bearer token.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its exp claim. Tokens without
// exp never expire.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// ParseIdentity reads claims without verifying the signature; the server
// remains the authority on validity.
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, err
	}
	var id Identity
	for _, k := range []string{"sub", "user_id", "userId", "id"} {
		if v, ok := claims[k].(string); ok && v != "" {
			id.UserID = v
			break
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if id.UserID == "" {
		return id, errors.New("token carries no user id claim")
	}
	return id, nil
}
