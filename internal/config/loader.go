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

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "chatledger.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Storage.Backend, "CHATLEDGER_BACKEND")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CHATLEDGER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CHATLEDGER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CHATLEDGER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CHATLEDGER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CHATLEDGER_PG_HEALTH_CHECK")
	setString(&cfg.File.Root, "CHATLEDGER_FILE_ROOT")
	setInt64(&cfg.File.DedupeBytes, "CHATLEDGER_FILE_DEDUPE_BYTES")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CHATLEDGER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CHATLEDGER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CHATLEDGER_LOG_ASYNC")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case BackendFile:
		if cfg.File.Root == "" {
			return errors.New("file.root is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", cfg.Storage.Backend)
	}
	if strings.TrimSpace(cfg.Logging.Service) == "" {
		return errors.New("logging.service is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
