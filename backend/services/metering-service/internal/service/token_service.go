package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "metering-service"

// Claims is the JWT payload identifying an account.
type Claims struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and validates account tokens.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
	clock     Clock
}

// NewTokenService returns a configured token service.
func NewTokenService(secret string, expiresIn time.Duration, clock Clock) *TokenService {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn, clock: clock}
}

// GenerateToken issues a token for accountID.
func (t *TokenService) GenerateToken(accountID, role string) (string, error) {
	if accountID == "" {
		return "", errors.New("token: account id is required")
	}

	now := t.clock.Now()
	claims := Claims{
		AccountID: accountID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken verifies the signature and expiry and returns the claims.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return t.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.AccountID != "" {
		return claims, nil
	}

	return nil, errors.New("token: invalid claims")
}
