// Package config loads stepflow settings from STEPFLOW_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "STEPFLOW_"

// Config is the process configuration. Flags of cmd/stepflow override it.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// ModelSource is "file" (a directory of YAML/JSON definitions) or "loam".
	ModelSource string `env:"MODEL_SOURCE" envDefault:"file"`
	Models      string `env:"MODELS" envDefault:"./models"`
	// Model names the model of a Loam repository.
	Model string `env:"MODEL" envDefault:"default"`
	Watch bool   `env:"WATCH"`

	// Store is memory, file, sqlite or redis.
	Store      string `env:"STORE" envDefault:"memory"`
	DataDir    string `env:"DATA_DIR" envDefault:".stepflow"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"stepflow.db"`

	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	RedisPrefix   string        `env:"REDIS_PREFIX" envDefault:"stepflow:"`
	TokenTTL      time.Duration `env:"TOKEN_TTL"`

	// Queue is none (inline advance), memory or redis.
	Queue    string        `env:"QUEUE" envDefault:"memory"`
	Workers  int           `env:"WORKERS" envDefault:"4"`
	MaxSteps int           `env:"MAX_STEPS" envDefault:"10000"`
	LeaseTTL time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	// DistributedLocks guards tokens with Redis locks across processes.
	DistributedLocks bool `env:"DISTRIBUTED_LOCKS"`

	LuaBudget int `env:"LUA_BUDGET" envDefault:"100000"`
	// Handlers is a YAML or JSON file binding handler ids to external commands.
	// A missing file registers none.
	Handlers string `env:"HANDLERS" envDefault:"handlers.yaml"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	MCPAddr  string `env:"MCP_ADDR" envDefault:":8081"`

	// SessionKey verifies HS256 session tokens of remote observers. Sessions is a
	// static allow-list used when no key is set.
	SessionKey string   `env:"SESSION_KEY"`
	Sessions   []string `env:"SESSIONS" envSeparator:","`

	// EncryptionKey is a base64 AES-256 key. Empty disables token encryption.
	EncryptionKey  string   `env:"ENCRYPTION_KEY"`
	FallbackKeys   []string `env:"ENCRYPTION_FALLBACK_KEYS" envSeparator:","`
	PIIPatterns    []string `env:"PII_PATTERNS" envSeparator:","`
	OTelEndpoint   string   `env:"OTEL_ENDPOINT"`
	OTelDisabled   bool     `env:"OTEL_DISABLED"`
	ServiceName    string   `env:"SERVICE_NAME" envDefault:"stepflow"`
	MetricsEnabled bool     `env:"METRICS" envDefault:"true"`
}

// Parse reads the environment without validating it, so callers can apply
// overrides first.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	var errs []error
	check := func(name, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s%s: %q is not one of %v", Prefix, name, value, allowed))
		}
	}
	check("MODEL_SOURCE", c.ModelSource, "file", "loam")
	check("STORE", c.Store, "memory", "file", "sqlite", "redis")
	check("QUEUE", c.Queue, "none", "memory", "redis")
	check("LOG_FORMAT", c.LogFormat, string(logging.FormatText), string(logging.FormatJSON))
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%sWORKERS must be positive", Prefix))
	}
	if c.DistributedLocks && c.Store != "redis" && c.Queue != "redis" {
		errs = append(errs, fmt.Errorf("%sDISTRIBUTED_LOCKS needs a redis store or queue", Prefix))
	}
	if _, _, err := c.EncryptionKeys(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the slog level of LogLevel.
func (c Config) Level() slog.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}

// UsesRedis reports whether any component talks to Redis.
func (c Config) UsesRedis() bool {
	return c.Store == "redis" || c.Queue == "redis" || c.DistributedLocks
}

// EncryptionKeys decodes the active and fallback keys. A nil active key means
// encryption is off.
func (c Config) EncryptionKeys() (active []byte, fallback [][]byte, err error) {
	if c.EncryptionKey == "" {
		return nil, nil, nil
	}
	active, err = decodeKey("ENCRYPTION_KEY", c.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	for _, raw := range c.FallbackKeys {
		key, err := decodeKey("ENCRYPTION_FALLBACK_KEYS", raw)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(name, raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s%s: %w", Prefix, name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s%s: key must be 32 bytes, got %d", Prefix, name, len(key))
	}
	return key, nil
}
