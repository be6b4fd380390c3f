package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims identify an operator of the connection API.
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type JWTHandler struct {
	secretKey      []byte
	accessTokenTTL time.Duration
	issuer         string
}

func NewJWTHandler(secretKey string, accessTTL time.Duration, issuer string) *JWTHandler {
	return &JWTHandler{
		secretKey:      []byte(secretKey),
		accessTokenTTL: accessTTL,
		issuer:         issuer,
	}
}

// GenerateAccessToken creates a new JWT access token
func (j *JWTHandler) GenerateAccessToken(subject, role string) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTokenTTL)),
			Issuer:    j.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTHandler) ValidateAccessToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
