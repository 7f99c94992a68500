// Package config loads process configuration from the environment.
//
// Values come from environment variables, optionally seeded from .env files.
// Variables already present in the environment take precedence over .env
// entries.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

type Config struct {
	// ListenAddr like ":8080". ENV: RPC_LISTEN_ADDR
	ListenAddr string `env:"RPC_LISTEN_ADDR,default=:8080"`
	// Endpoint is the RPC path. ENV: RPC_ENDPOINT
	Endpoint string `env:"RPC_ENDPOINT,default=/rpc"`
	// MetricsPath serves Prometheus metrics; empty disables. ENV: RPC_METRICS_PATH
	MetricsPath string `env:"RPC_METRICS_PATH,default=/metrics"`

	KeepAlive      time.Duration `env:"RPC_KEEPALIVE,default=5s"`
	MaxBatchSize   int           `env:"RPC_MAX_BATCH_SIZE,default=32"`
	MaxBodyBytes   int64         `env:"RPC_MAX_BODY_BYTES,default=1048576"`
	MaxConcurrency int           `env:"RPC_MAX_CONCURRENCY,default=8"`
	// RateLimit is requests per second per caller; 0 disables. ENV: RPC_RATE_LIMIT
	RateLimit float64 `env:"RPC_RATE_LIMIT,default=0"`
	RateBurst int     `env:"RPC_RATE_BURST,default=20"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// RedisURL selects the Redis store, e.g. "redis://localhost:6379/0".
	// When empty an in-process store is used. ENV: REDIS_URL
	RedisURL       string `env:"REDIS_URL"`
	StoreKeyPrefix string `env:"STORE_KEY_PREFIX,default=rpc:store:"`
	StoreMaxItems  int    `env:"STORE_MAX_ITEMS,default=10000"`

	SessionTTL time.Duration `env:"SESSION_TTL,default=720h"`

	// OIDCIssuer enables bearer JWT authentication. ENV: OIDC_ISSUER
	OIDCIssuer string `env:"OIDC_ISSUER"`
	// OIDCAudience is a comma-separated list of accepted audiences. ENV: OIDC_AUDIENCE
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	// OIDCJWKSURL skips discovery when set. ENV: OIDC_JWKS_URL
	OIDCJWKSURL string `env:"OIDC_JWKS_URL"`

	// RolesFile is a YAML administrator list, watched for changes. ENV: ROLES_FILE
	RolesFile string `env:"ROLES_FILE"`

	StreamStepDelay time.Duration `env:"DEMO_STREAM_STEP_DELAY,default=1s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads envFiles (missing files are skipped) and decodes the
// environment into a Config.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("RPC_ENDPOINT must start with /: %q", c.Endpoint))
	}
	if c.KeepAlive <= 0 {
		errs = append(errs, errors.New("RPC_KEEPALIVE must be positive"))
	}
	if c.MaxBatchSize < 1 || c.MaxConcurrency < 1 || c.MaxBodyBytes < 1 {
		errs = append(errs, errors.New("batch, concurrency and body limits must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("RPC_RATE_LIMIT must not be negative"))
	}
	if c.OIDCAudience != "" && c.OIDCIssuer == "" {
		errs = append(errs, errors.New("OIDC_AUDIENCE requires OIDC_ISSUER"))
	}
	if c.OIDCIssuer != "" && len(c.Audiences()) == 0 {
		errs = append(errs, errors.New("OIDC_ISSUER requires OIDC_AUDIENCE"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json: %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Audiences splits OIDCAudience.
func (c *Config) Audiences() []string {
	var out []string
	for _, a := range strings.Split(c.OIDCAudience, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
