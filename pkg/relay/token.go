package relay

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("relay: invalid token")

	// ErrWrongDocument is returned when a valid token names another document.
	ErrWrongDocument = errors.New("relay: token is for a different document")
)

// Claims are the join token claims. Subject holds the user.
type Claims struct {
	Document string `json:"doc"`
	gojwt.RegisteredClaims
}

// TokenIssuer issues and verifies HS256 join tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. secret must not be empty.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue returns a token allowing user to join document.
func (ti *TokenIssuer) Issue(user, document string) (string, error) {
	now := ti.now()
	claims := Claims{
		Document: document,
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   user,
			IssuedAt:  gojwt.NewNumericDate(now),
			NotBefore: gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("relay: sign token: %w", err)
	}
	return token, nil
}

// Verify checks the token signature and expiry and that it was issued for
// document.
func (ti *TokenIssuer) Verify(token, document string) (*Claims, error) {
	claims := &Claims{}
	_, err := gojwt.ParseWithClaims(token, claims,
		func(*gojwt.Token) (any, error) { return ti.secret, nil },
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Document != document {
		return nil, ErrWrongDocument
	}
	return claims, nil
}
