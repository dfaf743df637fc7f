package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Token kinds carried in Claims.Kind.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

const issuer = "sitebuilder"

// ErrWrongKind is returned when a token of the other kind is presented.
var ErrWrongKind = errors.New("jwt: unexpected token kind")

// Claims defines JWT payload.
type Claims struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT with provided secret and ttl.
func GenerateToken(userID, kind, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ParseKind is Parse that also enforces the token kind.
func ParseKind(token, secret, kind string) (*Claims, error) {
	claims, err := Parse(token, secret)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}
