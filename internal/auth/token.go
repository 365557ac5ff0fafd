package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	DefaultExpiry = 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// Signer issues and verifies HS256 tokens naming a user id. A Signer is also
// the client's token source: the relay accepts the tokens it signs.
type Signer struct {
	key []byte
	exp time.Duration
	now func() time.Time
}

func NewSigner(key []byte, exp time.Duration) *Signer {
	if exp <= 0 {
		exp = DefaultExpiry
	}

	return &Signer{key: key, exp: exp, now: time.Now}
}

func (s *Signer) Sign(userId string) (string, error) {
	if userId == "" {
		return "", errors.New("sign token: empty user id")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    s.now().Add(s.exp).Unix(),
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// Token implements client.TokenSource.
func (s *Signer) Token(userId string) (string, error) {
	return s.Sign(userId)
}

// Verify checks the token signature and expiry and returns the user id it
// names.
func (s *Signer) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	return userId, nil
}
