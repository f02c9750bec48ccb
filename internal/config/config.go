package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon-level configuration loaded at startup. Everything that
// can change at runtime (providers, per-app proxy settings, breaker tuning)
// lives in the store instead, so the daemon never needs a restart for those.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type StorageConfig struct {
	// DatabasePath is the SQLite file. Empty means the per-user default
	// under ~/.cc-switch/.
	DatabasePath string `yaml:"database_path"`
}

type LoggingConfig struct {
	// Level is a zerolog level string: trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// Pretty enables the console writer instead of JSON output.
	Pretty bool `yaml:"pretty"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config populated with the package defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        DefaultListenHost,
			Port:        DefaultListenPort,
			StopTimeout: DefaultStopTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the YAML config at path, layered over defaults and then over
// CC_SWITCH_* environment variables. A missing file is not an error; env and
// defaults still apply. A .env file in the working directory is loaded first
// if present.
func Load(path string) (Config, error) {
	// Best effort; absence of a .env file is the common case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Storage.DatabasePath == "" {
		p, err := defaultDatabasePath()
		if err != nil {
			return Config{}, err
		}
		cfg.Storage.DatabasePath = p
	}
	if cfg.Server.StopTimeout <= 0 {
		cfg.Server.StopTimeout = DefaultStopTimeout
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CC_SWITCH_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CC_SWITCH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CC_SWITCH_DB"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("CC_SWITCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ListenAddr returns the host:port string for the HTTP listener.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, DefaultDataDirName)
	// #nosec G301 -- per-user data directory
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return filepath.Join(dir, DefaultDatabaseFile), nil
}
