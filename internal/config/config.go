// Package config resolves runtime configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is the top-level configuration assembled at startup and passed
// explicitly into each component. There are no process-wide singletons.
type Config struct {
	Env           string
	LogLevel      zerolog.Level
	SecurityLevel string
	AdminAddr     string
	AdminAPIKey   string
	DataRoot      string

	PoolMinIdle    int
	PoolMaxActive  int
	ProbeInterval  time.Duration
	WarmLanguages  []string
	CacheMaxSizeGB float64
	CacheKeepPerLang int

	JanitorInterval time.Duration
	DefaultTimeout  time.Duration

	RateLimit       int
	RateWindow      time.Duration
}

// Load reads the recognized environment variables and applies defaults.
func Load() Config {
	cfg := Config{
		Env:              envOr("SANDBOXD_ENV", "development"),
		LogLevel:         parseLevel(os.Getenv("LOG_LEVEL")),
		SecurityLevel:    envOr("SANDBOXD_SECURITY_LEVEL", "standard"),
		AdminAddr:        os.Getenv("SANDBOXD_ADMIN_ADDR"),
		AdminAPIKey:      os.Getenv("SANDBOXD_API_KEY"),
		DataRoot:         dataRoot(),
		PoolMinIdle:      envInt("POOL_MIN_IDLE", 1),
		PoolMaxActive:    envInt("POOL_MAX_ACTIVE", 10),
		ProbeInterval:    30 * time.Second,
		WarmLanguages:    []string{"python", "javascript", "bash"},
		CacheMaxSizeGB:   envFloat("CACHE_MAX_SIZE_GB", 10),
		CacheKeepPerLang: 5,
		JanitorInterval:  30 * time.Second,
		DefaultTimeout:   30 * time.Second,
		RateLimit:        60,
		RateWindow:       time.Minute,
	}
	return cfg
}

// LogDir is where the audit JSONL files land.
func (c Config) LogDir() string {
	return filepath.Join(c.DataRoot, "logs")
}

func dataRoot() string {
	if v := os.Getenv("SANDBOXD_DATA_ROOT"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sandboxd"
	}
	return filepath.Join(home, ".sandboxd")
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
