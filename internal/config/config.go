package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultProjectName is the placeholder name new projects start with.
const DefaultProjectName = "Untitled Project"

// Config is the full runtime configuration. Values come from an optional
// YAML file first and environment variables second, so env always wins.
type Config struct {
	Environment string `yaml:"environment"`
	Port        string `yaml:"port"`

	AI         AIConfig         `yaml:"ai"`
	Generation GenerationConfig `yaml:"generation"`
	Redis      RedisConfig      `yaml:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Verifier   VerifierConfig   `yaml:"verifier"`
	Auth       AuthConfig       `yaml:"auth"`
	Templates  TemplatesConfig  `yaml:"templates"`

	RateLimitRPM   int `yaml:"rate_limit_rpm"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// AllowedOrigins gates CORS and websocket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AIConfig struct {
	ClaudeAPIKey      string   `yaml:"-"`
	OpenAIAPIKey      string   `yaml:"-"`
	GeminiAPIKey      string   `yaml:"-"`
	Provider          string   `yaml:"provider"`
	FallbackOrder     []string `yaml:"fallback_order"`
	ClaudeModel       string   `yaml:"claude_model"`
	OpenAIModel       string   `yaml:"openai_model"`
	GeminiModel       string   `yaml:"gemini_model"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	MaxTokens         int      `yaml:"max_tokens"`
	AISelection       bool     `yaml:"ai_template_selection"`
}

type GenerationConfig struct {
	ZeroFileGrace     time.Duration `yaml:"zero_file_grace"`
	DrainGrace        time.Duration `yaml:"drain_grace"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	PhaseIdleTimeout  time.Duration `yaml:"phase_idle_timeout"`
	DefaultName       string        `yaml:"default_project_name"`
}

type RedisConfig struct {
	URL         string        `yaml:"url"`
	TemplateTTL time.Duration `yaml:"template_ttl"`
}

type TelemetryConfig struct {
	Enabled            bool   `yaml:"enabled"`
	DatabaseURL        string `yaml:"database_url"`
	SQLitePath         string `yaml:"sqlite_path"`
	S3Bucket           string `yaml:"s3_bucket"`
	S3Prefix           string `yaml:"s3_prefix"`
	S3Endpoint         string `yaml:"s3_endpoint"`
	AWSRegion          string `yaml:"aws_region"`
	AWSAccessKeyID     string `yaml:"-"`
	AWSSecretAccessKey string `yaml:"-"`

	// ArchiveDir keeps snapshots on local disk when no bucket is set.
	ArchiveDir string `yaml:"archive_dir"`
}

type VerifierConfig struct {
	Enabled bool          `yaml:"enabled"`
	Image   string        `yaml:"image"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"-"`
}

type TemplatesConfig struct {
	// DatabaseURL points at a template table; empty uses the built-in catalog.
	DatabaseURL string `yaml:"database_url"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Port:        "8080",
		AI: AIConfig{
			Provider:          "claude",
			FallbackOrder:     []string{"claude", "openai", "gemini"},
			ClaudeModel:       "claude-sonnet-4-20250514",
			OpenAIModel:       "gpt-4o",
			GeminiModel:       "gemini-2.5-flash",
			RequestsPerMinute: 60,
			MaxTokens:         16000,
		},
		Generation: GenerationConfig{
			ZeroFileGrace:     2 * time.Second,
			DrainGrace:        500 * time.Millisecond,
			MaxConcurrentRuns: 4,
			RunTimeout:        15 * time.Minute,
			PhaseIdleTimeout:  2 * time.Minute,
			DefaultName:       DefaultProjectName,
		},
		Redis: RedisConfig{
			TemplateTTL: time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:    true,
			SQLitePath: "telemetry.db",
			S3Prefix:   "generation-snapshots/",
			AWSRegion:  "us-east-1",
		},
		Verifier: VerifierConfig{
			Image:   "apex/moc:latest",
			Timeout: 60 * time.Second,
		},
		RateLimitRPM:   120,
		RateLimitBurst: 20,
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:5173",
		},
	}
}

// Load builds the configuration from APEX_CONFIG_FILE (if set) and the
// environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("APEX_CONFIG_FILE"); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = GetEnvironment()
	cfg.Port = getEnv("PORT", cfg.Port)

	cfg.AI.ClaudeAPIKey = getEnvAny([]string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"}, cfg.AI.ClaudeAPIKey)
	cfg.AI.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.AI.OpenAIAPIKey)
	cfg.AI.GeminiAPIKey = getEnvAny([]string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}, cfg.AI.GeminiAPIKey)
	cfg.AI.Provider = strings.ToLower(getEnv("AI_PROVIDER", cfg.AI.Provider))
	if order := os.Getenv("AI_FALLBACK_ORDER"); order != "" {
		cfg.AI.FallbackOrder = splitList(order)
	}
	cfg.AI.ClaudeModel = getEnv("CLAUDE_MODEL", cfg.AI.ClaudeModel)
	cfg.AI.OpenAIModel = getEnv("OPENAI_MODEL", cfg.AI.OpenAIModel)
	cfg.AI.GeminiModel = getEnv("GEMINI_MODEL", cfg.AI.GeminiModel)
	cfg.AI.RequestsPerMinute = getEnvInt("AI_REQUESTS_PER_MINUTE", cfg.AI.RequestsPerMinute)
	cfg.AI.MaxTokens = getEnvInt("AI_MAX_TOKENS", cfg.AI.MaxTokens)
	cfg.AI.AISelection = getEnvBool("AI_TEMPLATE_SELECTION", cfg.AI.AISelection)

	cfg.Generation.ZeroFileGrace = getEnvDuration("ZERO_FILE_GRACE", cfg.Generation.ZeroFileGrace)
	cfg.Generation.DrainGrace = getEnvDuration("DRAIN_GRACE", cfg.Generation.DrainGrace)
	cfg.Generation.MaxConcurrentRuns = getEnvInt("MAX_CONCURRENT_RUNS", cfg.Generation.MaxConcurrentRuns)
	cfg.Generation.RunTimeout = getEnvDuration("RUN_TIMEOUT", cfg.Generation.RunTimeout)
	cfg.Generation.PhaseIdleTimeout = getEnvDuration("PHASE_IDLE_TIMEOUT", cfg.Generation.PhaseIdleTimeout)

	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.TemplateTTL = getEnvDuration("TEMPLATE_CACHE_TTL", cfg.Redis.TemplateTTL)

	cfg.Telemetry.Enabled = getEnvBool("TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.DatabaseURL = getEnv("DATABASE_URL", cfg.Telemetry.DatabaseURL)
	cfg.Telemetry.SQLitePath = getEnv("TELEMETRY_DB_PATH", cfg.Telemetry.SQLitePath)
	cfg.Telemetry.S3Bucket = getEnv("TELEMETRY_S3_BUCKET", cfg.Telemetry.S3Bucket)
	cfg.Telemetry.S3Prefix = getEnv("TELEMETRY_S3_PREFIX", cfg.Telemetry.S3Prefix)
	cfg.Telemetry.S3Endpoint = getEnv("TELEMETRY_S3_ENDPOINT", cfg.Telemetry.S3Endpoint)
	cfg.Telemetry.AWSRegion = getEnv("AWS_REGION", cfg.Telemetry.AWSRegion)
	cfg.Telemetry.ArchiveDir = getEnv("TELEMETRY_ARCHIVE_DIR", cfg.Telemetry.ArchiveDir)
	cfg.Telemetry.AWSAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", cfg.Telemetry.AWSAccessKeyID)
	cfg.Telemetry.AWSSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", cfg.Telemetry.AWSSecretAccessKey)

	cfg.Verifier.Enabled = getEnvBool("VERIFIER_ENABLED", cfg.Verifier.Enabled)
	cfg.Verifier.Image = getEnv("VERIFIER_IMAGE", cfg.Verifier.Image)
	cfg.Verifier.Timeout = getEnvDuration("VERIFIER_TIMEOUT", cfg.Verifier.Timeout)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Enabled = getEnvBool("AUTH_ENABLED", cfg.Auth.Enabled)

	cfg.Templates.DatabaseURL = getEnv("TEMPLATES_DATABASE_URL", cfg.Templates.DatabaseURL)

	cfg.RateLimitRPM = getEnvInt("RATE_LIMIT_RPM", cfg.RateLimitRPM)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.Generation.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive, got %d", c.Generation.MaxConcurrentRuns)
	}
	if c.Generation.ZeroFileGrace < 0 || c.Generation.DrainGrace < 0 {
		return fmt.Errorf("grace periods must not be negative")
	}
	if c.Generation.DefaultName == "" {
		c.Generation.DefaultName = DefaultProjectName
	}
	switch c.AI.Provider {
	case "claude", "openai", "gemini":
	default:
		return fmt.Errorf("unknown AI provider %q", c.AI.Provider)
	}
	return nil
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction) || strings.EqualFold(c.Environment, "prod")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAny(keys []string, defaultValue string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
