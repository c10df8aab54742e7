// Package config loads campusctl settings from defaults, an optional config
// file and CAMPUS_* environment variables.
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

const envPrefix = "CAMPUS"

// Config is the resolved configuration.
type Config struct {
	ServiceName string
	API         *API
	Session     *Session
	Time        *Time
	Log         *Log
	OTel        *OTel
	// File is the config file that was read, if any.
	File string
}

// API configures the REST transport.
type API struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// BreakerFailures consecutive server failures open the breaker; 0 disables it.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Session configures credential persistence and verification.
type Session struct {
	Driver string
	DSN    string
	Secret string
	Issuer string
}

// Time configures how zone-less dates are read.
type Time struct {
	Location *time.Location
}

// Log configures the shared logger.
type Log struct {
	Level string
}

// OTel configures trace export. An empty endpoint disables tracing.
type OTel struct {
	Endpoint string
	Insecure bool
}

// Load reads configuration. With an empty path the default locations are
// searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("campus")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "campus"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		ServiceName: v.GetString("service.name"),
		API:         getAPIConfig(v),
		Session:     getSessionConfig(v),
		Log:         &Log{Level: v.GetString("log.level")},
		OTel: &OTel{
			Endpoint: strings.TrimSpace(v.GetString("otel.endpoint")),
			Insecure: v.GetBool("otel.insecure"),
		},
		File: v.ConfigFileUsed(),
	}
	t, err := getTimeConfig(v)
	if err != nil {
		return nil, err
	}
	cfg.Time = t
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "campusctl")
	v.SetDefault("api.base_url", "http://localhost:8080/api")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("api.rate_per_second", 10.0)
	v.SetDefault("api.burst", 20)
	v.SetDefault("api.breaker_failures", 5)
	v.SetDefault("api.breaker_cooldown", "30s")
	v.SetDefault("session.driver", "sqlite")
	v.SetDefault("session.dsn", defaultSessionDSN())
	v.SetDefault("session.secret", "")
	v.SetDefault("session.issuer", "")
	v.SetDefault("time.location", "Local")
	v.SetDefault("log.level", "info")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.insecure", true)
}

func defaultSessionDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "campus-session.db"
	}
	return filepath.Join(dir, "campus", "session.db")
}

func getAPIConfig(v *viper.Viper) *API {
	return &API{
		BaseURL:       strings.TrimSpace(v.GetString("api.base_url")),
		Timeout:       v.GetDuration("api.timeout"),
		RatePerSecond: v.GetFloat64("api.rate_per_second"),
		Burst:         v.GetInt("api.burst"),

		BreakerFailures: v.GetUint32("api.breaker_failures"),
		BreakerCooldown: v.GetDuration("api.breaker_cooldown"),
	}
}

func getSessionConfig(v *viper.Viper) *Session {
	return &Session{
		Driver: driverAlias(strings.ToLower(strings.TrimSpace(v.GetString("session.driver")))),
		DSN:    strings.TrimSpace(v.GetString("session.dsn")),
		Secret: v.GetString("session.secret"),
		Issuer: strings.TrimSpace(v.GetString("session.issuer")),
	}
}

func getTimeConfig(v *viper.Viper) (*Time, error) {
	name := strings.TrimSpace(v.GetString("time.location"))
	if name == "" || strings.EqualFold(name, "local") {
		return &Time{Location: time.Local}, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("time.location %q: %w", name, err)
	}
	return &Time{Location: loc}, nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	switch c.Session.Driver {
	case "memory":
	case "sqlite", "pgx":
		if c.Session.DSN == "" {
			return fmt.Errorf("session.dsn is required for driver %q", c.Session.Driver)
		}
	default:
		return fmt.Errorf("unsupported session.driver %q", c.Session.Driver)
	}
	return nil
}

func driverAlias(d string) string {
	if d == "postgres" || d == "postgresql" {
		return "pgx"
	}
	return d
}
