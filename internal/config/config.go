// Package config loads manager settings from the environment plus an
// optional .env file and keeps the live configuration swappable at
// runtime.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// Prefixes scanned for named secrets. Everything after the double
	// underscore is the entry name.
	tokenPrefix = "AUTHORIZED_TOKENS__"
	adminPrefix = "ADMIN_USERS__"

	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is an immutable snapshot of the manager's settings. Live
// reload swaps the whole snapshot; never mutate a published Config.
type Config struct {
	Environment string
	LogLevel    string

	ManagerProtocol string
	ManagerHost     string
	ManagerPort     int

	DataDirectory      string
	LockTimeoutSeconds int

	CleanupTaskFilesDays int

	PrioritiesEnabled         bool
	PriorityDomain            string
	MaxOtherDomainTaskPercent int

	NotifyMaxRetries         int
	NotifyRetryDelaySeconds  float64
	NotifyBackoffFactor      float64
	NotifyURLAllowedHosts    []string
	NotifyURLAllowPrivateNet bool

	CORSAllowOrigins     []string
	CORSAllowCredentials bool
	CORSAllowMethods     []string
	CORSAllowHeaders     []string

	RunnersStorageEnabled bool
	RunnersStoragePath    string

	RateLimitPerMinute int

	// AuthorizedTokens maps a client name to its API token.
	AuthorizedTokens map[string]string
	// AdminUsers maps a username to a bcrypt password hash.
	AdminUsers map[string]string
}

// Shared reports whether state must be coherent across worker
// processes (the production multi-worker deployment).
func (c *Config) Shared() bool {
	return c.Environment == EnvProduction
}

// ManagerURL is the externally reachable base URL, handed to runners
// for the completion callback.
func (c *Config) ManagerURL() string {
	return fmt.Sprintf("%s://%s:%d", c.ManagerProtocol, c.ManagerHost, c.ManagerPort)
}

// LockTimeout converts the configured seconds.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// NotifyRetryDelay converts the configured seconds.
func (c *Config) NotifyRetryDelay() time.Duration {
	return time.Duration(c.NotifyRetryDelaySeconds * float64(time.Second))
}

// Load reads the environment, overlaid on envFile when the file
// exists, validates and returns the snapshot.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	setDefaults(v)

	fileKeys := map[string]string{}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read env file %s: %w", envFile, err)
			}
			for _, key := range v.AllKeys() {
				fileKeys[strings.ToUpper(key)] = v.GetString(key)
			}
		}
	}

	cfg := &Config{
		Environment:               strings.ToLower(v.GetString("ENVIRONMENT")),
		LogLevel:                  strings.ToLower(v.GetString("LOG_LEVEL")),
		ManagerProtocol:           v.GetString("MANAGER_PROTOCOL"),
		ManagerHost:               v.GetString("MANAGER_HOST"),
		ManagerPort:               v.GetInt("MANAGER_PORT"),
		DataDirectory:             v.GetString("TASK_DATA_DIRECTORY"),
		LockTimeoutSeconds:        v.GetInt("LOCK_TIMEOUT_SECONDS"),
		CleanupTaskFilesDays:      v.GetInt("CLEANUP_TASK_FILES_DAYS"),
		PrioritiesEnabled:         v.GetBool("PRIORITIES_ENABLED"),
		PriorityDomain:            strings.ToLower(strings.TrimSpace(v.GetString("PRIORITY_DOMAIN"))),
		MaxOtherDomainTaskPercent: v.GetInt("MAX_OTHER_DOMAIN_TASK_PERCENT"),
		NotifyMaxRetries:          v.GetInt("COMPLETION_NOTIFY_MAX_RETRIES"),
		NotifyRetryDelaySeconds:   v.GetFloat64("COMPLETION_NOTIFY_RETRY_DELAY_SECONDS"),
		NotifyBackoffFactor:       v.GetFloat64("COMPLETION_NOTIFY_BACKOFF_FACTOR"),
		NotifyURLAllowedHosts:     splitCSV(v.GetString("NOTIFY_URL_ALLOWED_HOSTS")),
		NotifyURLAllowPrivateNet:  v.GetBool("NOTIFY_URL_ALLOW_PRIVATE_NETWORKS"),
		CORSAllowOrigins:          splitCSV(v.GetString("CORS_ALLOW_ORIGINS")),
		CORSAllowCredentials:      v.GetBool("CORS_ALLOW_CREDENTIALS"),
		CORSAllowMethods:          splitCSV(v.GetString("CORS_ALLOW_METHODS")),
		CORSAllowHeaders:          splitCSV(v.GetString("CORS_ALLOW_HEADERS")),
		RunnersStorageEnabled:     v.GetBool("RUNNERS_STORAGE_ENABLED"),
		RunnersStoragePath:        v.GetString("RUNNERS_STORAGE_PATH"),
		RateLimitPerMinute:        v.GetInt("RATE_LIMIT_PER_MINUTE"),
		AuthorizedTokens:          collectPrefixed(tokenPrefix, fileKeys),
		AdminUsers:                collectPrefixed(adminPrefix, fileKeys),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", EnvDevelopment)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MANAGER_PROTOCOL", "http")
	v.SetDefault("MANAGER_HOST", "0.0.0.0")
	v.SetDefault("MANAGER_PORT", 8000)
	v.SetDefault("TASK_DATA_DIRECTORY", "data")
	v.SetDefault("LOCK_TIMEOUT_SECONDS", 10)
	v.SetDefault("CLEANUP_TASK_FILES_DAYS", 30)
	v.SetDefault("PRIORITIES_ENABLED", false)
	v.SetDefault("MAX_OTHER_DOMAIN_TASK_PERCENT", 100)
	v.SetDefault("COMPLETION_NOTIFY_MAX_RETRIES", 5)
	v.SetDefault("COMPLETION_NOTIFY_RETRY_DELAY_SECONDS", 60.0)
	v.SetDefault("COMPLETION_NOTIFY_BACKOFF_FACTOR", 1.5)
	v.SetDefault("NOTIFY_URL_ALLOW_PRIVATE_NETWORKS", false)
	v.SetDefault("CORS_ALLOW_ORIGINS", "*")
	v.SetDefault("CORS_ALLOW_METHODS", "*")
	v.SetDefault("CORS_ALLOW_HEADERS", "*")
	v.SetDefault("RUNNERS_STORAGE_ENABLED", false)
	v.SetDefault("RUNNERS_STORAGE_PATH", "")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
}

func (c *Config) validate() error {
	if c.DataDirectory == "" {
		return errors.New("TASK_DATA_DIRECTORY must not be empty")
	}
	if c.CORSAllowCredentials {
		for _, o := range c.CORSAllowOrigins {
			if o == "*" {
				return errors.New("CORS_ALLOW_CREDENTIALS cannot be combined with a wildcard origin")
			}
		}
	}
	if c.PrioritiesEnabled && c.PriorityDomain == "" {
		slog.Warn("PRIORITIES_ENABLED set without PRIORITY_DOMAIN, disabling priorities")
		c.PrioritiesEnabled = false
	}
	if c.MaxOtherDomainTaskPercent < 0 || c.MaxOtherDomainTaskPercent > 100 {
		return fmt.Errorf("MAX_OTHER_DOMAIN_TASK_PERCENT out of range: %d", c.MaxOtherDomainTaskPercent)
	}
	if c.RunnersStorageEnabled && c.RunnersStoragePath == "" {
		return errors.New("RUNNERS_STORAGE_ENABLED requires RUNNERS_STORAGE_PATH")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive: %d", c.RateLimitPerMinute)
	}
	return nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// collectPrefixed merges named entries from the process environment
// and the .env file, environment winning on conflicts.
func collectPrefixed(prefix string, fileKeys map[string]string) map[string]string {
	out := map[string]string{}
	for key, val := range fileKeys {
		if name, ok := strings.CutPrefix(key, prefix); ok && name != "" && val != "" {
			out[strings.ToLower(name)] = val
		}
	}
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if name, found := strings.CutPrefix(strings.ToUpper(key), prefix); found && name != "" && val != "" {
			out[strings.ToLower(name)] = val
		}
	}
	return out
}

// SlogLevel maps the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
