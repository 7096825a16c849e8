// Package config loads and validates runtime configuration for the
// generation service.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"
)

// Environment constants
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// MinJWTSecretLength is the shortest signing key accepted in production.
const MinJWTSecretLength = 32

// SecretsValidationError represents a validation failure
type SecretsValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *SecretsValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing secrets: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid secrets: %s", strings.Join(e.Invalid, ", ")))
	}
	return strings.Join(parts, "; ")
}

func (e *SecretsValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// GetEnvironment returns the current environment
func GetEnvironment() string {
	// Check multiple environment variables for compatibility
	env := os.Getenv("GO_ENV")
	if env == "" {
		env = os.Getenv("APEX_ENV")
	}
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = EnvDevelopment
	}
	return strings.ToLower(env)
}

// IsProductionEnvironment returns true if running in production
func IsProductionEnvironment() bool {
	env := GetEnvironment()
	return env == EnvProduction || env == "prod"
}

// ValidateSecrets checks the secrets present in cfg. Provider keys are only
// warnings: a run needs at least one of them, but the server can start
// without any and report unhealthy.
func ValidateSecrets(cfg *Config) error {
	verr := &SecretsValidationError{}
	production := IsProductionEnvironment()

	if cfg.Auth.Enabled {
		switch {
		case cfg.Auth.JWTSecret == "":
			verr.Missing = append(verr.Missing, "JWT_SECRET")
		case production && len(cfg.Auth.JWTSecret) < MinJWTSecretLength:
			verr.Invalid = append(verr.Invalid, fmt.Sprintf("JWT_SECRET: must be at least %d characters", MinJWTSecretLength))
		case production:
			if err := validateJWTSecret(cfg.Auth.JWTSecret); err != nil {
				verr.Invalid = append(verr.Invalid, "JWT_SECRET: "+err.Error())
			}
		}
	}

	if cfg.AI.ClaudeAPIKey == "" && cfg.AI.OpenAIAPIKey == "" && cfg.AI.GeminiAPIKey == "" {
		verr.Warnings = append(verr.Warnings, "no AI provider key configured")
	}

	if verr.HasErrors() {
		return verr
	}
	if len(verr.Warnings) > 0 {
		return verr
	}
	return nil
}

// IsWarningOnly reports whether err carries warnings but no blocking problems.
func IsWarningOnly(err error) bool {
	var verr *SecretsValidationError
	if errors.As(err, &verr) {
		return !verr.HasErrors()
	}
	return false
}

// validateJWTSecret enforces a strong JWT signing key.
func validateJWTSecret(secret string) error {
	weakSecrets := []string{
		"secret",
		"changeme",
		"password",
		"example",
		"default",
		"placeholder",
		"replace-me",
	}

	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("contains weak/placeholder value %q", weak)
		}
	}

	allAlpha := true
	allDigit := true
	for _, c := range secret {
		if !unicode.IsLetter(c) {
			allAlpha = false
		}
		if !unicode.IsDigit(c) {
			allDigit = false
		}
	}
	if allAlpha {
		return errors.New("must contain non-alphabetic characters for sufficient entropy")
	}
	if allDigit {
		return errors.New("must contain non-numeric characters for sufficient entropy")
	}

	if entropy := shannonEntropy(secret); entropy < 3.0 {
		return fmt.Errorf("entropy too low (%.1f bits/char, need >= 3.0)", entropy)
	}
	return nil
}

// shannonEntropy calculates Shannon entropy in bits per character.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]float64)
	for _, c := range s {
		freq[c]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}
