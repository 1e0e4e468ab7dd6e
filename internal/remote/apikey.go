package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrCredentialsExpired is returned when the configured API key is a JWT past its expiry.
	ErrCredentialsExpired = errors.New("remote: api key expired")
)

// KeyInfo describes the configured backend key. Opaque keys carry no claims.
type KeyInfo struct {
	Opaque    bool
	Role      string
	ExpiresAt *time.Time
}

type apiKeyClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// InspectAPIKey reads the claims of a JWT-shaped key without verifying its
// signature; the backend does that. It only reports role and expiry.
func InspectAPIKey(key string, now time.Time) (KeyInfo, error) {
	claims := &apiKeyClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(key, claims)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return KeyInfo{Opaque: true}, nil
		}
		return KeyInfo{}, fmt.Errorf("parse api key: %w", err)
	}

	info := KeyInfo{Role: claims.Role}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		info.ExpiresAt = &exp
		if !exp.After(now) {
			return info, fmt.Errorf("%w at %s", ErrCredentialsExpired, exp.Format(time.RFC3339))
		}
	}
	return info, nil
}
