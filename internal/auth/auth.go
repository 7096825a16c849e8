// Package auth issues and validates the bearer tokens that guard the
// generation API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token subject is required")
)

const (
	Issuer = "apex-codegen"

	RoleUser  = "user"
	RoleAdmin = "admin"

	DefaultTokenExpiry = 24 * time.Hour
)

// Claims is the JWT payload. The subject identifies the caller.
type Claims struct {
	Role     string   `json:"role"`
	Projects []string `json:"projects,omitempty"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the caller may act on projectID. Tokens without
// a project list, and admin tokens, cover every project.
func (c *Claims) CanAccess(projectID string) bool {
	if c.Role == RoleAdmin || len(c.Projects) == 0 || projectID == "" {
		return true
	}
	for _, p := range c.Projects {
		if p == projectID {
			return true
		}
	}
	return false
}

// TokenService signs and verifies HMAC tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, expiry time.Duration) *TokenService {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &TokenService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Issue signs a token for subject.
func (s *TokenService) Issue(subject, role string, projects ...string) (string, error) {
	if subject == "" {
		return "", ErrNoSubject
	}
	if role == "" {
		role = RoleUser
	}
	now := s.now()
	claims := &Claims{
		Role:     role,
		Projects: projects,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   subject,
			ID:        fmt.Sprintf("%s:%d", subject, now.UnixNano()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenString and returns its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
