// Package config loads the Nitro Repo service configuration. The installer
// writes one TOML file with four sections (application, database, session,
// internal); viper reads it and merges NITRO_-prefixed environment variables
// on top so containerized deployments can override single keys.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ApplicationConfig holds the HTTP-facing settings.
type ApplicationConfig struct {
	Name         string        `mapstructure:"name"`
	BindAddress  string        `mapstructure:"bind_address"`
	MaxUpload    string        `mapstructure:"max_upload"`
	LogDir       string        `mapstructure:"log_dir"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SessionConfig selects the session manager implementation.
type SessionConfig struct {
	Manager       string        `mapstructure:"manager"`
	RedisURL      string        `mapstructure:"redis_url"`
	Lifetime      time.Duration `mapstructure:"lifetime"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// InternalConfig is written by the installer and read back on boot.
type InternalConfig struct {
	Installed bool   `mapstructure:"installed"`
	Version   string `mapstructure:"version"`
}

// Config is the root of the service configuration file.
type Config struct {
	Application ApplicationConfig `mapstructure:"application"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Session     SessionConfig     `mapstructure:"session"`
	Internal    InternalConfig    `mapstructure:"internal"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Application: ApplicationConfig{
			Name:         "Nitro Repo",
			BindAddress:  ":6742",
			MaxUpload:    "100M",
			LogLevel:     "info",
			LogFormat:    "text",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Session: SessionConfig{
			Manager:       "basic",
			Lifetime:      24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
	}
}

// Load reads the configuration from the given file path. An empty path falls
// back to nitro_repo.toml in the working directory. Environment variables
// with the NITRO_ prefix override file values (NITRO_DATABASE_DSN and so on).
func Load(path string) (Config, error) {
	v := viper.New()

	cfg := Default()
	v.SetDefault("application", map[string]interface{}{})
	v.SetDefault("database", map[string]interface{}{})
	v.SetDefault("session", map[string]interface{}{})
	v.SetDefault("internal", map[string]interface{}{})

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nitro_repo")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NITRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Application.BindAddress == "" {
		cfg.Application.BindAddress = def.Application.BindAddress
	}
	if cfg.Application.MaxUpload == "" {
		cfg.Application.MaxUpload = def.Application.MaxUpload
	}
	if cfg.Application.LogLevel == "" {
		cfg.Application.LogLevel = def.Application.LogLevel
	}
	if cfg.Application.LogFormat == "" {
		cfg.Application.LogFormat = def.Application.LogFormat
	}
	if cfg.Application.ReadTimeout == 0 {
		cfg.Application.ReadTimeout = def.Application.ReadTimeout
	}
	if cfg.Application.WriteTimeout == 0 {
		cfg.Application.WriteTimeout = def.Application.WriteTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = def.Database.Driver
	}
	if cfg.Session.Manager == "" {
		cfg.Session.Manager = def.Session.Manager
	}
	if cfg.Session.Lifetime == 0 {
		cfg.Session.Lifetime = def.Session.Lifetime
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = def.Session.SweepInterval
	}
}
