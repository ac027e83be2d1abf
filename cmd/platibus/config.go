package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's file configuration. Durations are whole seconds
// so the same file reads naturally in YAML and TOML.
type Config struct {
	// BaseURI is the address remote instances use to reach this one.
	BaseURI string `yaml:"baseUri" toml:"baseUri"`
	// Listen is the local bind address of the HTTP host.
	Listen string `yaml:"listen" toml:"listen"`
	// DefaultTTLSeconds expires outbound messages that carry no Expires
	// header of their own. Zero means messages never expire.
	DefaultTTLSeconds int `yaml:"defaultTtlSeconds" toml:"defaultTtlSeconds"`
	// AckUnhandled acknowledges inbound messages that match no handler
	// instead of rejecting them.
	AckUnhandled bool `yaml:"ackUnhandled" toml:"ackUnhandled"`

	Storage       StorageConfig        `yaml:"storage" toml:"storage"`
	Security      SecurityConfig       `yaml:"security" toml:"security"`
	Outbound      OutboundConfig       `yaml:"outbound" toml:"outbound"`
	Endpoints     []EndpointConfig     `yaml:"endpoints" toml:"endpoints"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" toml:"subscriptions"`
	Sweep         SweepConfig          `yaml:"sweep" toml:"sweep"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" toml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path" toml:"path"`
	// RedisURL, when set, keeps subscriptions in Redis instead of the
	// driver's store.
	RedisURL string `yaml:"redisUrl" toml:"redisUrl"`
}

// SecurityConfig enables JWT principal propagation.
type SecurityConfig struct {
	SigningKey string `yaml:"signingKey" toml:"signingKey"`
	Issuer     string `yaml:"issuer" toml:"issuer"`
}

// OutboundConfig tunes the outbound queue.
type OutboundConfig struct {
	ConcurrencyLimit  int `yaml:"concurrencyLimit" toml:"concurrencyLimit"`
	MaxAttempts       int `yaml:"maxAttempts" toml:"maxAttempts"`
	RetryDelaySeconds int `yaml:"retryDelaySeconds" toml:"retryDelaySeconds"`
}

// EndpointConfig names one remote instance.
type EndpointConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Address     string `yaml:"address" toml:"address"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	BearerToken string `yaml:"bearerToken" toml:"bearerToken"`
}

// SubscriptionConfig subscribes this instance to a topic at a named
// endpoint on startup.
type SubscriptionConfig struct {
	Endpoint   string `yaml:"endpoint" toml:"endpoint"`
	Topic      string `yaml:"topic" toml:"topic"`
	TTLSeconds int    `yaml:"ttlSeconds" toml:"ttlSeconds"`
}

// SweepConfig schedules expired-subscription cleanup.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Schedule string `yaml:"schedule" toml:"schedule"`
}

const (
	defaultListen     = ":52180"
	defaultSQLitePath = "platibus.db"
)

// LoadConfig reads and validates the configuration file, choosing the
// decoder by extension.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing TOML config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q (use .yaml, .yml, or .toml)", ext)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = defaultSQLitePath
	}
	if c.Sweep.Enabled && c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 5m"
	}
}

func (c *Config) validate() error {
	if c.BaseURI == "" {
		return errors.New("baseUri is required")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q (use \"memory\" or \"sqlite\")", c.Storage.Driver)
	}
	names := make(map[string]struct{}, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" || ep.Address == "" {
			return errors.New("every endpoint needs a name and an address")
		}
		if _, dup := names[ep.Name]; dup {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		names[ep.Name] = struct{}{}
	}
	for _, sub := range c.Subscriptions {
		if sub.Topic == "" {
			return errors.New("every subscription needs a topic")
		}
		if _, ok := names[sub.Endpoint]; !ok {
			return fmt.Errorf("subscription to %q references unknown endpoint %q", sub.Topic, sub.Endpoint)
		}
	}
	return nil
}

// DefaultTTL returns the configured default message TTL.
func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// RetryDelay returns the configured outbound retry delay, or zero to use
// the queue default.
func (c *OutboundConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}
