package services

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	AuthModeAPIKey = "api_key"
	AuthModeJWT    = "jwt"
)

// NewCredentialVerifier builds the verifier for operator registration.
func NewCredentialVerifier(mode, apiKey, jwtSecret, issuer string) (ports.CredentialVerifier, error) {
	switch mode {
	case AuthModeAPIKey:
		return APIKeyVerifier{Expected: apiKey}, nil
	case AuthModeJWT:
		return NewJWTVerifier(jwtSecret, issuer), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// APIKeyVerifier accepts exactly one shared key.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return domain.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 operator tokens signed with the shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// GenerateToken issues an operator token valid for ttl.
func (v *JWTVerifier) GenerateToken(operatorID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   operatorID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func (v *JWTVerifier) ValidateToken(tokenString string) (*OperatorClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (v *JWTVerifier) Verify(credential string) error {
	if credential == "" || len(v.secret) == 0 {
		return domain.ErrUnauthorized
	}
	if _, err := v.ValidateToken(credential); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return nil
}
