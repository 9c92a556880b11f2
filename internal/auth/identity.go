package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const anonymousPrefix = "anonymous-"

// Identity is who the local participant claims to be.
type Identity struct {
	UserID    string
	Role      string
	Anonymous bool
}

// ParseIdentity reads user_id from token without verifying the signature; the relay and API
// verify it. A missing or unreadable token yields a fresh anonymous identity so the call can go
// ahead with degraded attribution.
func ParseIdentity(token string) Identity {
	if token != "" {
		var claims Claims
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.UserID != "" {
			return Identity{UserID: claims.UserID, Role: claims.Role}
		}
	}
	return Identity{UserID: anonymousPrefix + uuid.NewString(), Anonymous: true}
}
