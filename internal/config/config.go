package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all chronicle configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Decay    DecayConfig    `mapstructure:"decay"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Patterns PatternsConfig `mapstructure:"patterns"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type DecayConfig struct {
	HalfLifeDays float64       `mapstructure:"half_life_days"`
	Floor        float64       `mapstructure:"floor"`
	Interval     time.Duration `mapstructure:"interval"`
}

type SweepConfig struct {
	MaxAgeDays float64       `mapstructure:"max_age_days"`
	Interval   time.Duration `mapstructure:"interval"`
}

type PatternsConfig struct {
	WindowDays      float64       `mapstructure:"window_days"`
	Threshold       float64       `mapstructure:"threshold"`
	MinObservations int           `mapstructure:"min_observations"`
	Interval        time.Duration `mapstructure:"interval"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type JobsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Decay: DecayConfig{
			HalfLifeDays: 90,
			Floor:        0.05,
			Interval:     24 * time.Hour,
		},
		Sweep: SweepConfig{
			MaxAgeDays: 30,
			Interval:   time.Hour,
		},
		Patterns: PatternsConfig{
			WindowDays:      90,
			Threshold:       0.4,
			MinObservations: 3,
			Interval:        24 * time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     250 * time.Millisecond,
		},
		Jobs: JobsConfig{
			Enabled: true,
		},
	}
}

// DefaultPath returns ~/.chronicle/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".chronicle", "config.toml"), nil
}

// Load reads configuration from a TOML file and CHRONICLE_* environment
// variables over the defaults. An empty path tries DefaultPath; a missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chronicle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides are seen by
// Unmarshal even when no file sets them.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("decay.half_life_days", d.Decay.HalfLifeDays)
	v.SetDefault("decay.floor", d.Decay.Floor)
	v.SetDefault("decay.interval", d.Decay.Interval)

	v.SetDefault("sweep.max_age_days", d.Sweep.MaxAgeDays)
	v.SetDefault("sweep.interval", d.Sweep.Interval)

	v.SetDefault("patterns.window_days", d.Patterns.WindowDays)
	v.SetDefault("patterns.threshold", d.Patterns.Threshold)
	v.SetDefault("patterns.min_observations", d.Patterns.MinObservations)
	v.SetDefault("patterns.interval", d.Patterns.Interval)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	v.SetDefault("jobs.enabled", d.Jobs.Enabled)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Decay.HalfLifeDays <= 0:
		return fmt.Errorf("decay.half_life_days must be positive")
	case c.Decay.Floor <= 0 || c.Decay.Floor > 1:
		return fmt.Errorf("decay.floor must be within (0, 1]")
	case c.Sweep.MaxAgeDays <= 0:
		return fmt.Errorf("sweep.max_age_days must be positive")
	case c.Patterns.WindowDays <= 0:
		return fmt.Errorf("patterns.window_days must be positive")
	case c.Patterns.Threshold <= 0 || c.Patterns.Threshold >= 1:
		return fmt.Errorf("patterns.threshold must be within (0, 1)")
	case c.Patterns.MinObservations < 3:
		return fmt.Errorf("patterns.min_observations must be at least 3")
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
