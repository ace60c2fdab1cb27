// Package config loads update-mirror configuration from defaults, an
// optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/wolfeidau/update-mirror/credentials"
	"github.com/wolfeidau/update-mirror/engine"
	"github.com/wolfeidau/update-mirror/health"
	"github.com/wolfeidau/update-mirror/mirror"
)

// Store drivers.
const (
	DriverBolt  = "bolt"
	DriverRedis = "redis"
	DriverFile  = "file"
)

// Config is the complete application configuration.
type Config struct {
	Name string `koanf:"name"`

	// CredentialsFile is a template resolved into secrets that override
	// server.auth_token and store.redis_url.
	CredentialsFile string `koanf:"credentials_file"`

	Mirror    MirrorConfig    `koanf:"mirror"`
	Resolver  ResolverConfig  `koanf:"resolver"`
	Health    HealthConfig    `koanf:"health"`
	Store     StoreConfig     `koanf:"store"`
	Inventory InventoryConfig `koanf:"inventory"`
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// MirrorConfig configures the mirror client.
type MirrorConfig struct {
	URL             string        `koanf:"url"`
	Timeout         time.Duration `koanf:"timeout"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
}

type ResolverConfig struct {
	OnlyMissing bool `koanf:"only_missing"`
}

type HealthConfig struct {
	Threshold time.Duration `koanf:"threshold"`
	Interval  time.Duration `koanf:"interval"`
}

// StoreConfig selects the option store.
type StoreConfig struct {
	Driver   string `koanf:"driver"`
	Path     string `koanf:"path"`
	RedisURL string `koanf:"redis_url"`

	// Dir holds one file per option for the file driver.
	Dir string `koanf:"dir"`

	// Prefix is the bbolt namespace, or the redis key prefix.
	Prefix string `koanf:"prefix"`
}

type InventoryConfig struct {
	ContentDir string `koanf:"content_dir"`
}

type ServerConfig struct {
	Address   string `koanf:"address"`
	AuthToken string `koanf:"auth_token"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Prometheus   bool   `koanf:"prometheus"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Name: health.DefaultName,
		Mirror: MirrorConfig{
			URL:             mirror.DefaultBaseURL,
			Timeout:         mirror.DefaultTimeout,
			BreakerFailures: mirror.DefaultBreakerFailures,
			BreakerCooldown: mirror.DefaultBreakerCooldown,
		},
		Resolver: ResolverConfig{
			OnlyMissing: true,
		},
		Health: HealthConfig{
			Threshold: health.DefaultThreshold,
			Interval:  health.DefaultInterval,
		},
		Store: StoreConfig{
			Driver:   DriverBolt,
			Path:     "./update-mirror.db",
			RedisURL: "redis://localhost:6379/0",
			Dir:      "./update-mirror-options",
			Prefix:   "update_mirror",
		},
		Inventory: InventoryConfig{
			ContentDir: "./wp-content",
		},
		Server: ServerConfig{
			Address: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Prometheus: true,
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	u, err := url.Parse(c.Mirror.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("mirror.url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("mirror.url: unsupported scheme %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("mirror.url: host is required"))
	}

	if c.Mirror.Timeout <= 0 {
		errs = append(errs, errors.New("mirror.timeout must be positive"))
	}
	if c.Mirror.BreakerFailures > 0 && c.Mirror.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("mirror.breaker_cooldown must be positive when the breaker is enabled"))
	}
	if c.Health.Threshold <= 0 {
		errs = append(errs, errors.New("health.threshold must be positive"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}

	switch c.Store.Driver {
	case DriverBolt:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the bolt driver"))
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis driver"))
		}
	case DriverFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: invalid level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: invalid format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Engine converts the configuration into engine settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Name:            c.Name,
		MirrorURL:       c.Mirror.URL,
		Timeout:         c.Mirror.Timeout,
		BreakerFailures: c.Mirror.BreakerFailures,
		BreakerCooldown: c.Mirror.BreakerCooldown,
		OnlyMissing:     c.Resolver.OnlyMissing,
		Threshold:       c.Health.Threshold,
		Interval:        c.Health.Interval,
	}
}

// ApplyCredentials overrides secrets with the non-empty resolved values.
func (c *Config) ApplyCredentials(creds *credentials.Credentials) {
	if creds == nil {
		return
	}
	if creds.AuthToken != "" {
		c.Server.AuthToken = creds.AuthToken
	}
	if creds.RedisURL != "" {
		c.Store.RedisURL = creds.RedisURL
	}
}
