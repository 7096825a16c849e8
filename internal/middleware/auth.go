package middleware

import (
	"errors"
	"net/http"
	"strings"

	"apex-codegen/internal/auth"

	"github.com/gin-gonic/gin"
)

const claimsKey = "token_claims"

// TokenValidator is satisfied by *auth.TokenService.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// RequireAuth validates the bearer token and stores the caller in the context.
// Browsers cannot set headers on websocket upgrades, so an access_token query
// parameter is accepted when the header is absent.
func RequireAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && c.Query("access_token") != "" {
			header = "Bearer " + c.Query("access_token")
		}
		if header == "" {
			Abort(c, http.StatusUnauthorized, "AUTH_HEADER_MISSING", "Authorization header is required", nil)
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			Abort(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", err.Error(), nil)
			return
		}

		claims, err := v.Validate(token)
		if err != nil {
			code := "TOKEN_VALIDATION_FAILED"
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				code = "TOKEN_EXPIRED"
			case errors.Is(err, auth.ErrInvalidToken):
				code = "INVALID_TOKEN"
			}
			Abort(c, http.StatusUnauthorized, code, err.Error(), nil)
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuth records the caller when a valid token is present and lets
// anonymous requests through.
func OptionalAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, err := extractBearerToken(c.GetHeader("Authorization")); err == nil {
			if claims, err := v.Validate(token); err == nil {
				setClaims(c, claims)
			}
		}
		c.Next()
	}
}

// RequireRole allows only callers with role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			Abort(c, http.StatusUnauthorized, "ROLE_NOT_FOUND", "User role not found in context", nil)
			return
		}
		if claims.Role != role {
			Abort(c, http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "Insufficient permissions", map[string]interface{}{
				"required_role": role,
			})
			return
		}
		c.Next()
	}
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set("user_id", claims.Subject)
	c.Set("role", claims.Role)
	c.Set(claimsKey, claims)
}

// GetClaims returns the authenticated caller, if any.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// GetUserID returns the caller's subject or "" for anonymous requests.
func GetUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}
