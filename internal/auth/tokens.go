// Package auth issues and verifies device bearer tokens and compares shared
// secrets.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"tankctl/internal/model"
)

type Config struct {
	Secret string
	// TTL of issued tokens; 0 means no expiry.
	TTL    time.Duration
	Issuer string
}

// Claims is what a verified device token tells us.
type Claims struct {
	DeviceID string
	IssuedAt time.Time
}

// Tokens signs HS256 JWTs whose subject is the device id.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewTokens(cfg Config) (*Tokens, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 characters")
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "tankctl"
	}
	return &Tokens{secret: []byte(secret), ttl: cfg.TTL, issuer: issuer}, nil
}

func (t *Tokens) Issue(deviceID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  deviceID,
		Issuer:   t.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify checks signature, issuer and expiry. Failures wrap model.ErrUnauthorized.
func (t *Tokens) Verify(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &rc, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	if rc.Subject == "" || rc.Issuer != t.issuer {
		return Claims{}, fmt.Errorf("%w: token subject or issuer mismatch", model.ErrUnauthorized)
	}
	c := Claims{DeviceID: rc.Subject}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	return c, nil
}

// Equal compares two secrets in constant time. Empty expected values never match.
func Equal(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}
