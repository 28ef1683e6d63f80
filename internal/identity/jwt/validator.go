// Package jwt validates HS256 bearer tokens issued by the account service.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Config holds token validation settings.
type Config struct {
	SecretKey string
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// Validator checks signature, expiry and issuer/audience claims and returns the subject as user id.
type Validator struct {
	config Config
	parser *jwt.Parser
}

// NewValidator creates a token validator.
func NewValidator(config Config) (*Validator, error) {
	if len(config.SecretKey) < 32 {
		return nil, errors.New("jwt validator: secret key must be at least 32 bytes")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &Validator{
		config: config,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken implements httputil.TokenValidator.
func (v *Validator) ValidateToken(_ context.Context, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(v.config.SecretKey), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func (v *Validator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.config.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
