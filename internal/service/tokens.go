package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

// tokenIssuer is the iss claim on investigator tokens.
const tokenIssuer = "fundflow-forensics"

// InvestigatorClaims are the claims carried by an investigator bearer token.
type InvestigatorClaims struct {
	Sub   string   `json:"sub"`
	Cases []string `json:"cases,omitempty"` // empty grants every case
	jwt.RegisteredClaims
}

// CanAccess reports whether the token grants caseID.
func (c *InvestigatorClaims) CanAccess(caseID string) bool {
	if len(c.Cases) == 0 {
		return true
	}
	for _, id := range c.Cases {
		if id == caseID {
			return true
		}
	}
	return false
}

// TokenService signs and validates HMAC investigator tokens.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService. An empty secret is rejected.
func NewTokenService(secret string) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, &domain.ErrValidation{Field: "JWT_SECRET", Message: "must not be blank"}
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// Issue signs a token for subject valid for ttl, optionally scoped to cases.
func (s *TokenService) Issue(subject string, ttl time.Duration, cases ...string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", &domain.ErrValidation{Field: "subject", Message: "must not be blank"}
	}
	now := time.Now()
	claims := InvestigatorClaims{
		Sub:   subject,
		Cases: cases,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string.
func (s *TokenService) Validate(tokenString string) (*InvestigatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &InvestigatorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &domain.ErrUnauthorized{Message: "token expired"}
		}
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}

	claims, ok := token.Claims.(*InvestigatorClaims)
	if !ok || !token.Valid || claims.Sub == "" {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	return claims, nil
}
