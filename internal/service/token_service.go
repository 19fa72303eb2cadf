package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TokenType distinguishes attempt vs admin tokens.
type TokenType string

const (
	TokenTypeAttempt TokenType = "attempt"
	TokenTypeAdmin   TokenType = "admin"
)

// Claims extends JWT standard claims with app-specific fields. Subject is
// the attempt id for attempt tokens and the opaque admin id for admin tokens.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	ExamID    string    `json:"exam_id,omitempty"`
}

// AttemptID returns the attempt an attempt token was issued for.
func (c *Claims) AttemptID() (uuid.UUID, error) {
	if c.TokenType != TokenTypeAttempt {
		return uuid.Nil, errors.New("not an attempt token")
	}
	return uuid.Parse(c.Subject)
}

// TokenService issues and validates HS256 tokens.
type TokenService struct {
	secret     []byte
	attemptTTL time.Duration
	adminTTL   time.Duration
}

// NewTokenService creates a new TokenService.
func NewTokenService(secret string, attemptTTL, adminTTL time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), attemptTTL: attemptTTL, adminTTL: adminTTL}
}

// IssueAttemptToken binds a token to one attempt. Every later student call
// must present it.
func (s *TokenService) IssueAttemptToken(attemptID, examID uuid.UUID) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   attemptID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.attemptTTL)),
		},
		TokenType: TokenTypeAttempt,
		ExamID:    examID.String(),
	}
	return s.sign(claims)
}

// IssueAdminToken creates a token for an opaque admin identity.
func (s *TokenService) IssueAdminToken(adminID string) (string, error) {
	if adminID == "" {
		return "", errors.New("admin id is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.adminTTL)),
		},
		TokenType: TokenTypeAdmin,
	}
	return s.sign(claims)
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *TokenService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

func (s *TokenService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// HashAccessCode hashes an exam access code for storage.
func HashAccessCode(code string, cost int) (string, error) {
	if code == "" {
		return "", validationErr("access code must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	return string(hash), err
}
