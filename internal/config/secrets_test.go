package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GO_ENV", "APEX_ENV", "ENVIRONMENT", "ENV", "APEX_CONFIG_FILE", "PORT",
		"ANTHROPIC_API_KEY", "CLAUDE_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"AI_PROVIDER", "AI_FALLBACK_ORDER", "ZERO_FILE_GRACE", "DRAIN_GRACE", "MAX_CONCURRENT_RUNS",
		"JWT_SECRET", "AUTH_ENABLED", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestGetEnvironment(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "defaults to development",
			envVars:  map[string]string{},
			expected: "development",
		},
		{
			name:     "GO_ENV takes precedence",
			envVars:  map[string]string{"GO_ENV": "production", "APEX_ENV": "staging"},
			expected: "production",
		},
		{
			name:     "APEX_ENV used when GO_ENV not set",
			envVars:  map[string]string{"APEX_ENV": "staging"},
			expected: "staging",
		},
		{
			name:     "ENVIRONMENT used as fallback",
			envVars:  map[string]string{"ENVIRONMENT": "TEST"},
			expected: "test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, GetEnvironment())
		})
	}
}

func TestIsProductionEnvironment(t *testing.T) {
	for env, want := range map[string]bool{"production": true, "prod": true, "staging": false, "": false} {
		clearEnv(t)
		if env != "" {
			t.Setenv("GO_ENV", env)
		}
		assert.Equal(t, want, IsProductionEnvironment(), "env=%q", env)
	}
}

func TestLoadAppliesEnvironmentOverFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "apex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
ai:
  provider: openai
  fallback_order: [openai, gemini]
generation:
  zero_file_grace: 3s
  max_concurrent_runs: 8
`), 0o600))

	t.Setenv("APEX_CONFIG_FILE", path)
	t.Setenv("PORT", "7000")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, []string{"openai", "gemini"}, cfg.AI.FallbackOrder)
	assert.Equal(t, 3*time.Second, cfg.Generation.ZeroFileGrace)
	assert.Equal(t, 8, cfg.Generation.MaxConcurrentRuns)
	assert.Equal(t, "sk-test", cfg.AI.ClaudeAPIKey)
	assert.Equal(t, DefaultProjectName, cfg.Generation.DefaultName)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("AI_PROVIDER", "mystery")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestFallbackOrderParsing(t *testing.T) {
	clearEnv(t)
	t.Setenv("AI_FALLBACK_ORDER", " Gemini, ,claude ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini", "claude"}, cfg.AI.FallbackOrder)
}

func TestAllowedOriginsFromEnv(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Contains(t, cfg.AllowedOrigins, "http://localhost:5173")

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://App.example.com, http://localhost:3000")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestConfigIsProduction(t *testing.T) {
	for env, want := range map[string]bool{"production": true, "Prod": true, "development": false, "": false} {
		assert.Equal(t, want, (&Config{Environment: env}).IsProduction(), env)
	}
}

func TestValidateSecrets(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		mutate      func(*Config)
		wantErr     bool
		warningOnly bool
	}{
		{
			name:    "provider key and no auth",
			mutate:  func(c *Config) { c.AI.ClaudeAPIKey = "sk" },
			wantErr: false,
		},
		{
			name:        "no provider key only warns",
			mutate:      func(c *Config) {},
			wantErr:     true,
			warningOnly: true,
		},
		{
			name: "auth without secret",
			mutate: func(c *Config) {
				c.AI.ClaudeAPIKey = "sk"
				c.Auth.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "weak secret in production",
			env:  "production",
			mutate: func(c *Config) {
				c.AI.ClaudeAPIKey = "sk"
				c.Auth.Enabled = true
				c.Auth.JWTSecret = "changeme-changeme-changeme-changeme-1"
			},
			wantErr: true,
		},
		{
			name: "strong secret in production",
			env:  "production",
			mutate: func(c *Config) {
				c.AI.ClaudeAPIKey = "sk"
				c.Auth.Enabled = true
				c.Auth.JWTSecret = "Zq8!vR2#mK9@xL4$pT7&nW1*bY6^cH3%"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if tt.env != "" {
				t.Setenv("GO_ENV", tt.env)
			}
			cfg := Default()
			tt.mutate(cfg)
			err := ValidateSecrets(cfg)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.warningOnly, IsWarningOnly(err))
		})
	}
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, shannonEntropy(""))
	assert.Equal(t, 0.0, shannonEntropy("aaaa"))
	assert.InDelta(t, 2.0, shannonEntropy("abcd"), 0.0001)
}
