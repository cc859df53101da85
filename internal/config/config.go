// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	PluginsDir string
	// AuditLog is an NDJSON file receiving diagnostics events. Optional.
	AuditLog string

	// Exactly one of the sealer settings is used, in the order age identity,
	// raw key, passphrase.
	AgeIdentity      string
	SecretKey        string
	SecretPassphrase string
	SecretSalt       string

	TickInterval    time.Duration
	Workers         int
	BatchSize       int
	Retention       time.Duration
	ExecTimeout     time.Duration
	MaxOutputBytes  int
	StorageMaxBytes int

	RefreshMargin    time.Duration
	DownscopeRefresh bool
	VerifyScopes     bool
	// Concurrency caps in-flight executions per provider key.
	Concurrency map[string]int

	Google    GoogleConfig
	GitHub    OAuthClientConfig
	Microsoft MicrosoftConfig

	OCREndpoint string
	OCRAPIKey   string
}

// OAuthClientConfig is an OAuth client registration.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
}

// GoogleConfig adds the service account key used for domain-wide
// delegation and service account tokens.
type GoogleConfig struct {
	OAuthClientConfig
	ServiceAccountKeyFile string
}

// MicrosoftConfig adds the directory tenant.
type MicrosoftConfig struct {
	OAuthClientConfig
	Tenant string
}

// HasOCR reports whether an OCR endpoint is configured.
func (c *Config) HasOCR() bool {
	return c.OCREndpoint != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// Every variable is optional. Defaults: PLUGHUB_LISTEN_ADDR (127.0.0.1:8080),
// PLUGHUB_DB_PATH (plughub.db), PLUGHUB_PLUGINS_DIR (plugins),
// PLUGHUB_TICK_INTERVAL (30s), PLUGHUB_WORKERS (4), PLUGHUB_BATCH_SIZE (50),
// PLUGHUB_RETENTION (720h), PLUGHUB_EXEC_TIMEOUT (30s),
// PLUGHUB_MAX_OUTPUT_BYTES (1 MiB), PLUGHUB_STORAGE_MAX_BYTES (1 MiB),
// PLUGHUB_REFRESH_MARGIN (5m).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("PLUGHUB_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:           envOr("PLUGHUB_DB_PATH", "plughub.db"),
		PluginsDir:       envOr("PLUGHUB_PLUGINS_DIR", "plugins"),
		AuditLog:         os.Getenv("PLUGHUB_AUDIT_LOG"),
		AgeIdentity:      os.Getenv("PLUGHUB_AGE_IDENTITY"),
		SecretKey:        os.Getenv("PLUGHUB_SECRET_KEY"),
		SecretPassphrase: os.Getenv("PLUGHUB_SECRET_PASSPHRASE"),
		SecretSalt:       os.Getenv("PLUGHUB_SECRET_SALT"),
		OCREndpoint:      os.Getenv("PLUGHUB_OCR_ENDPOINT"),
		OCRAPIKey:        os.Getenv("PLUGHUB_OCR_API_KEY"),
	}

	cfg.Google.ClientID = os.Getenv("PLUGHUB_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("PLUGHUB_GOOGLE_CLIENT_SECRET")
	cfg.Google.ServiceAccountKeyFile = os.Getenv("PLUGHUB_GOOGLE_SA_KEY_FILE")
	cfg.GitHub.ClientID = os.Getenv("PLUGHUB_GITHUB_CLIENT_ID")
	cfg.GitHub.ClientSecret = os.Getenv("PLUGHUB_GITHUB_CLIENT_SECRET")
	cfg.Microsoft.ClientID = os.Getenv("PLUGHUB_MICROSOFT_CLIENT_ID")
	cfg.Microsoft.ClientSecret = os.Getenv("PLUGHUB_MICROSOFT_CLIENT_SECRET")
	cfg.Microsoft.Tenant = os.Getenv("PLUGHUB_MICROSOFT_TENANT")

	var err error
	if cfg.TickInterval, err = durationEnv("PLUGHUB_TICK_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Retention, err = durationEnv("PLUGHUB_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ExecTimeout, err = durationEnv("PLUGHUB_EXEC_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshMargin, err = durationEnv("PLUGHUB_REFRESH_MARGIN", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Workers, err = intEnv("PLUGHUB_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = intEnv("PLUGHUB_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.MaxOutputBytes, err = intEnv("PLUGHUB_MAX_OUTPUT_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if cfg.StorageMaxBytes, err = intEnv("PLUGHUB_STORAGE_MAX_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if cfg.DownscopeRefresh, err = boolEnv("PLUGHUB_DOWNSCOPE_REFRESH"); err != nil {
		return nil, err
	}
	if cfg.VerifyScopes, err = boolEnv("PLUGHUB_VERIFY_SCOPES"); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = parseConcurrency(os.Getenv("PLUGHUB_CONCURRENCY")); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func boolEnv(key string) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

// parseConcurrency reads "provider=limit" pairs separated by commas, e.g.
// "google=4,microsoft=2".
func parseConcurrency(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" {
			return nil, fmt.Errorf("PLUGHUB_CONCURRENCY entry %q is not provider=limit", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("PLUGHUB_CONCURRENCY entry %q has invalid limit", pair)
		}
		out[key] = n
	}
	return out, nil
}
