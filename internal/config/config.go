// Package config loads runtime settings from a YAML file with AUTOMATA_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	Store   StoreConfig  `yaml:"store"`
	Engine  EngineConfig `yaml:"engine"`
	Batch   BatchConfig  `yaml:"batch"`
	Push    PushConfig   `yaml:"push"`
	Redis   RedisConfig  `yaml:"redis"`
	Auth    AuthConfig   `yaml:"auth"`
	LogMode string       `yaml:"log_mode"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the database file for sqlite and bolt.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type EngineConfig struct {
	EvalTimeout    time.Duration `yaml:"eval_timeout"`
	StorageTimeout time.Duration `yaml:"storage_timeout"`
	// SnapshotEvery takes a snapshot after every n-th version; 0 disables.
	SnapshotEvery uint64 `yaml:"snapshot_every"`
}

type BatchConfig struct {
	MaxEventsPerAutomata int `yaml:"max_events_per_automata"`
	MaxAutomatas         int `yaml:"max_automatas"`
	MaxStates            int `yaml:"max_states"`
	Concurrency          int `yaml:"concurrency"`
}

// PushConfig bounds delivery to subscribed connections: the per-message
// timeout and the per-connection outbox size.
type PushConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Buffer  int           `yaml:"buffer"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Store: StoreConfig{Backend: BackendMemory},
		Engine: EngineConfig{
			EvalTimeout:    2 * time.Second,
			StorageTimeout: 5 * time.Second,
			SnapshotEvery:  100,
		},
		Batch: BatchConfig{
			MaxEventsPerAutomata: 100,
			MaxAutomatas:         25,
			MaxStates:            100,
			Concurrency:          8,
		},
		Push:    PushConfig{Timeout: time.Second, Buffer: 64},
		Redis:   RedisConfig{Channel: "automata:commits"},
		Auth:    AuthConfig{TokenTTL: time.Hour},
		LogMode: "development",
	}
}

// Load reads path (optional; "" skips the file), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	uinteger := func(name string, dst *uint64) {
		if v, ok := lookup(name); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("AUTOMATA_STORE_BACKEND", &cfg.Store.Backend)
	str("AUTOMATA_STORE_PATH", &cfg.Store.Path)
	str("AUTOMATA_PG_DSN", &cfg.Store.DSN)
	duration("AUTOMATA_EVAL_TIMEOUT", &cfg.Engine.EvalTimeout)
	duration("AUTOMATA_STORAGE_TIMEOUT", &cfg.Engine.StorageTimeout)
	uinteger("AUTOMATA_SNAPSHOT_EVERY", &cfg.Engine.SnapshotEvery)
	integer("AUTOMATA_BATCH_MAX_EVENTS", &cfg.Batch.MaxEventsPerAutomata)
	integer("AUTOMATA_BATCH_MAX_AUTOMATAS", &cfg.Batch.MaxAutomatas)
	integer("AUTOMATA_BATCH_MAX_STATES", &cfg.Batch.MaxStates)
	integer("AUTOMATA_BATCH_CONCURRENCY", &cfg.Batch.Concurrency)
	duration("AUTOMATA_PUSH_TIMEOUT", &cfg.Push.Timeout)
	integer("AUTOMATA_PUSH_BUFFER", &cfg.Push.Buffer)
	str("AUTOMATA_REDIS_ADDR", &cfg.Redis.Addr)
	str("AUTOMATA_REDIS_CHANNEL", &cfg.Redis.Channel)
	str("AUTOMATA_JWT_SECRET", &cfg.Auth.JWTSecret)
	duration("AUTOMATA_TOKEN_TTL", &cfg.Auth.TokenTTL)
	str("AUTOMATA_LOG_MODE", &cfg.LogMode)

	return errors.Join(errs...)
}

// Validate rejects settings the rest of the system cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBolt:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for backend %q", c.Store.Backend))
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for backend \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Engine.EvalTimeout <= 0 {
		errs = append(errs, errors.New("engine.eval_timeout must be positive"))
	}
	if c.Engine.StorageTimeout <= 0 {
		errs = append(errs, errors.New("engine.storage_timeout must be positive"))
	}
	if c.Batch.MaxEventsPerAutomata < 1 || c.Batch.MaxAutomatas < 1 || c.Batch.MaxStates < 1 {
		errs = append(errs, errors.New("batch limits must be at least 1"))
	}
	if c.Batch.Concurrency < 1 {
		errs = append(errs, errors.New("batch.concurrency must be at least 1"))
	}
	if c.Push.Timeout <= 0 {
		errs = append(errs, errors.New("push.timeout must be positive"))
	}
	if c.Push.Buffer < 1 {
		errs = append(errs, errors.New("push.buffer must be at least 1"))
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		errs = append(errs, errors.New("redis.channel is required when redis.addr is set"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	return errors.Join(errs...)
}
