package socialhub

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the signed-in user, resolved once from the auth token.
type Identity struct {
	UserID    string
	Username  string
	Scope     string
	ExpiresAt time.Time
}

// userIDClaims are tried in order; the first non-empty wins.
var userIDClaims = []string{"userId", "user_id", "id", "sub"}

var usernameClaims = []string{"username", "preferred_username", "sub"}

// IdentityFromToken reads the identity claims of a JWT. The signature is not
// verified: the server does that on every call, and the client only needs
// to know who it is.
func IdentityFromToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	id := Identity{
		UserID:   firstClaim(claims, userIDClaims),
		Username: firstClaim(claims, usernameClaims),
	}
	if scope, ok := claims["scope"].(string); ok {
		id.Scope = scope
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("parse token: no user id claim")
	}
	return id, nil
}

// Is reports whether userID refers to this identity.
func (id Identity) Is(userID string) bool {
	return userID != "" && (userID == id.UserID || strings.EqualFold(userID, id.Username))
}

// Expired reports whether the token behind the identity has expired.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// HasScope reports whether the space-separated scope claim contains s.
func (id Identity) HasScope(s string) bool {
	for _, f := range strings.Fields(id.Scope) {
		if f == s {
			return true
		}
	}
	return false
}

func firstClaim(claims jwt.MapClaims, keys []string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
