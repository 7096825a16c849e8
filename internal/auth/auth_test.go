package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "Zq8!vR2#mK9@xL4$pT7&nW1*bY6^cH3%"

func TestIssueAndValidate(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)

	token, err := svc.Issue("user-42", "", "p1")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, RoleUser, claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.True(t, claims.CanAccess("p1"))
	assert.False(t, claims.CanAccess("p2"))
}

func TestIssueRequiresSubject(t *testing.T) {
	_, err := NewTokenService(testSecret, 0).Issue("", RoleAdmin)
	assert.ErrorIs(t, err, ErrNoSubject)
}

func TestValidateRejects(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)
	good, err := svc.Issue("user-1", RoleUser)
	require.NoError(t, err)

	expired := NewTokenService(testSecret, time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue("user-1", RoleUser)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: Issuer},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "someone-else"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		svc   *TokenService
		token string
		want  error
	}{
		{"garbage", svc, "not-a-token", ErrInvalidToken},
		{"wrong secret", NewTokenService("another-secret-another-secret-123", time.Hour), good, ErrInvalidToken},
		{"expired", svc, old, ErrTokenExpired},
		{"alg none", svc, none, ErrInvalidToken},
		{"wrong issuer", svc, foreign, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.svc.Validate(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAdminCanAccessEverything(t *testing.T) {
	c := &Claims{Role: RoleAdmin, Projects: []string{"p1"}}
	assert.True(t, c.CanAccess("p9"))
	assert.True(t, (&Claims{Role: RoleUser}).CanAccess("anything"))
}
