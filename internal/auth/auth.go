// Package auth mints and reads the signaling tokens that identify a user to
// the relay.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "callkit"

var ErrUnauthorized = errors.New("auth: unauthorized")

// Claims is the token payload. Subject carries the user id.
type Claims struct {
	DisplayName string `json:"name,omitempty"`
	AvatarURL   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the user a token speaks for.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Issue signs an HS256 token for id. A zero ttl issues a token that does not
// expire.
func Issue(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if id.ID == "" {
		return "", errors.New("auth: identity has no id")
	}
	if len(secret) == 0 {
		return "", errors.New("auth: empty secret")
	}
	now := time.Now()
	claims := Claims{
		DisplayName: id.DisplayName,
		AvatarURL:   id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.ID,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token and returns its identity.
func Verify(secret []byte, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	return claims.identity()
}

// Inspect reads the identity from token without checking the signature.
// Clients use it to learn who they are from the token they were handed.
func Inspect(token string) (Identity, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	return claims.identity()
}

func (c *Claims) identity() (Identity, error) {
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Identity{ID: c.Subject, DisplayName: c.DisplayName, AvatarURL: c.AvatarURL}, nil
}
