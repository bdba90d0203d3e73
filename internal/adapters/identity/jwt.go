// Package identity verifies bearer tokens issued by the account service.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const tokenLeeway = 30 * time.Second

// JWTVerifier accepts HMAC-signed tokens and reads the user id from a single
// claim, which may be a string or a number.
type JWTVerifier struct {
	secret []byte
	claim  string
}

var _ core.IdentityVerifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret, claim string) *JWTVerifier {
	if claim == "" {
		claim = "userId"
	}
	return &JWTVerifier{secret: []byte(secret), claim: claim}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (domain.UserID, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}), jwt.WithLeeway(tokenLeeway))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var raw string
	switch id := claims[v.claim].(type) {
	case string:
		raw = id
	case float64:
		raw = strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return "", fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.claim)
	}
	user, err := domain.ParseUserID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return user, nil
}
