package account

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "friendrelay"

// ErrInvalidToken covers every reason a handshake token is refused:
// bad signature, wrong algorithm, expiry, or a missing subject.
var ErrInvalidToken = errors.New("account: invalid token")

// Claims is the handshake token body. The subject is the identity.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 handshake tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns an issuer signing with secret. An empty secret is
// replaced by a random one that only lives as long as the process; the
// second return value reports that case so the caller can warn.
func NewTokens(secret string, ttl time.Duration) (*Tokens, bool, error) {
	key := []byte(secret)
	generated := false
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("account: token secret: %w", err)
		}
		generated = true
	}
	return &Tokens{secret: key, ttl: ttl, now: time.Now}, generated, nil
}

// Issue returns a signed token naming username.
func (t *Tokens) Issue(username string) (string, error) {
	now := t.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("account: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks raw and returns the identity it names.
func (t *Tokens) Verify(raw string) (string, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
