// Package logging provides structured logging for the generation service.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
	mu     sync.RWMutex
)

// Init initializes the global logger. Safe to call multiple times.
func Init() {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("ENVIRONMENT") == "production" {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
			if parsed, err := zapcore.ParseLevel(lvl); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(parsed)
			}
		}

		built, err := cfg.Build()
		if err != nil {
			// Fallback to nop logger
			built = zap.NewNop()
		}
		mu.Lock()
		logger = built
		sugar = built.Sugar()
		mu.Unlock()
	})
}

// Replace swaps the global logger. Tests use it with zaptest/observer cores.
func Replace(l *zap.Logger) func() {
	Init()
	mu.Lock()
	prev := logger
	logger = l
	sugar = l.Sugar()
	mu.Unlock()
	return func() {
		mu.Lock()
		logger = prev
		sugar = prev.Sugar()
		mu.Unlock()
	}
}

// L returns the global structured logger
func L() *zap.Logger {
	Init()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// S returns the global sugared logger (printf-style)
func S() *zap.SugaredLogger {
	Init()
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

// WithContext returns a logger with additional structured fields
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// ForRun returns a logger tagged with a generation run id.
func ForRun(runID string) *zap.Logger {
	return L().With(zap.String("run_id", runID))
}
