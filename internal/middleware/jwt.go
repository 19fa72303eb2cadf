package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
	// ContextKeyAttemptID holds the uuid.UUID of the authenticated attempt.
	ContextKeyAttemptID = "attempt_id"
)

// TokenValidator parses and verifies bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenStr string) (*service.Claims, error)
}

// RequireAttemptJWT validates an attempt token from the Authorization header
// and binds it to the :attempt_id route parameter. A token for one attempt
// can never act on another.
func RequireAttemptJWT(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, tokens)
		if err != nil {
			abortTokenError(c, err)
			return
		}
		bindAttempt(c, claims)
	}
}

// RequireAttemptWSAuth validates an attempt token from the query param
// ?token=... Used for WebSocket upgrade requests.
func RequireAttemptWSAuth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := tokens.ValidateToken(tokenStr)
		if err != nil {
			abortTokenError(c, err)
			return
		}
		bindAttempt(c, claims)
	}
}

// RequireAdminJWT validates an admin JWT from the Authorization header.
func RequireAdminJWT(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, tokens)
		if err != nil {
			abortTokenError(c, err)
			return
		}

		if claims.TokenType != service.TokenTypeAdmin {
			response.AbortFail(c, http.StatusForbidden, response.ErrAdminAccessOnly)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetAttemptID returns the attempt bound by RequireAttemptJWT.
func GetAttemptID(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get(ContextKeyAttemptID)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := val.(uuid.UUID)
	return id, ok
}

func bindAttempt(c *gin.Context, claims *service.Claims) {
	if claims.TokenType != service.TokenTypeAttempt {
		response.AbortFail(c, http.StatusForbidden, response.ErrAttemptAccessOnly)
		return
	}

	attemptID, err := claims.AttemptID()
	if err != nil {
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
		return
	}

	if param := c.Param("attempt_id"); param != "" {
		pathID, err := uuid.Parse(param)
		if err != nil {
			response.AbortFail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}
		if pathID != attemptID {
			response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
			return
		}
	}

	c.Set(ContextKeyClaims, claims)
	c.Set(ContextKeyAttemptID, attemptID)
	c.Next()
}

func abortTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errTokenMissing):
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
	case errors.Is(err, jwt.ErrTokenExpired):
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenExpired)
	default:
		response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
	}
}

var errTokenMissing = fmt.Errorf("authorization header or token query required")

func extractAndValidateClaims(c *gin.Context, tokens TokenValidator) (*service.Claims, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = parts[1]
		}
	}

	// Fallback for EventSource (SSE) which cannot send headers
	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return nil, errTokenMissing
	}

	return tokens.ValidateToken(tokenStr)
}
