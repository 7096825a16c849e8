package middleware

import (
	"net/http"
	"testing"
	"time"

	"apex-codegen/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "Zq8!vR2#mK9@xL4$pT7&nW1*bY6^cH3%"

func authRouter(tokens *auth.TokenService) *gin.Engine {
	r := gin.New()
	r.GET("/private", RequireAuth(tokens), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})
	r.GET("/admin", RequireAuth(tokens), RequireRole(auth.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/maybe", OptionalAuth(tokens), func(c *gin.Context) {
		c.String(http.StatusOK, "user=%s", GetUserID(c))
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	tokens := auth.NewTokenService(testSecret, time.Hour)
	r := authRouter(tokens)

	good, err := tokens.Issue("user-7", auth.RoleUser)
	require.NoError(t, err)
	forged, err := auth.NewTokenService("a-different-secret-a-different-1", time.Hour).Issue("user-7", auth.RoleUser)
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantErr  string
	}{
		{"missing header", "", http.StatusUnauthorized, "AUTH_HEADER_MISSING"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "INVALID_AUTH_HEADER"},
		{"empty bearer", "Bearer   ", http.StatusUnauthorized, "INVALID_AUTH_HEADER"},
		{"forged", "Bearer " + forged, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"valid", "Bearer " + good, http.StatusOK, ""},
		{"lowercase scheme", "bearer " + good, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			w := perform(r, http.MethodGet, "/private", headers)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decodeError(t, w).Code)
			} else {
				assert.Equal(t, "user-7", w.Body.String())
			}
		})
	}
}

func TestRequireAuthQueryToken(t *testing.T) {
	tokens := auth.NewTokenService(testSecret, time.Hour)
	good, err := tokens.Issue("user-9", auth.RoleUser)
	require.NoError(t, err)

	w := perform(authRouter(tokens), http.MethodGet, "/private?access_token="+good, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-9", w.Body.String())
}

func TestRequireRole(t *testing.T) {
	tokens := auth.NewTokenService(testSecret, time.Hour)
	r := authRouter(tokens)

	user, _ := tokens.Issue("user-1", auth.RoleUser)
	admin, _ := tokens.Issue("root", auth.RoleAdmin)

	w := perform(r, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer " + user})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", decodeError(t, w).Code)

	w = perform(r, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer " + admin})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalAuth(t *testing.T) {
	tokens := auth.NewTokenService(testSecret, time.Hour)
	r := authRouter(tokens)
	good, _ := tokens.Issue("user-3", auth.RoleUser)

	assert.Equal(t, "user=", perform(r, http.MethodGet, "/maybe", nil).Body.String())
	assert.Equal(t, "user=", perform(r, http.MethodGet, "/maybe", map[string]string{"Authorization": "Bearer junk"}).Body.String())
	assert.Equal(t, "user=user-3", perform(r, http.MethodGet, "/maybe", map[string]string{"Authorization": "Bearer " + good}).Body.String())
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := extractBearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	for _, h := range []string{"", "Bearer", "Token abc", "Bearer "} {
		_, err := extractBearerToken(h)
		assert.Error(t, err, h)
	}
}
