package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/galois26/eddn-relay/internal/errs"
)

// EnvPrefix prefixes every environment override, e.g. EDDN_RELAY_GATEWAY.
const EnvPrefix = "EDDN_"

type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"    env:"TIMEOUT"`
	UserAgent string        `yaml:"user_agent" env:"USER_AGENT"`
}

type RelayConfig struct {
	Gateway         string `yaml:"gateway"          env:"GATEWAY"` // upload endpoint
	UploaderID      string `yaml:"uploader_id"      env:"UPLOADER_ID"`
	SoftwareName    string `yaml:"software_name"    env:"SOFTWARE_NAME"`
	SoftwareVersion string `yaml:"software_version" env:"SOFTWARE_VERSION"`
}

type BackoffConfig struct {
	Type        string        `yaml:"type"         env:"TYPE"` // none | constant | exponential
	Interval    time.Duration `yaml:"interval"     env:"INTERVAL"`
	MaxInterval time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

type FeedConfig struct {
	Transport      string        `yaml:"transport"       env:"TRANSPORT"` // zmq | nats
	Address        string        `yaml:"address"         env:"ADDRESS"`
	Subject        string        `yaml:"subject"         env:"SUBJECT"` // nats only
	ReceiveTimeout time.Duration `yaml:"receive_timeout" env:"RECEIVE_TIMEOUT"`
	Filter         string        `yaml:"filter"          env:"FILTER"` // schema substring
	Backoff        BackoffConfig `yaml:"backoff"         envPrefix:"BACKOFF_"`
}

type ArchiveConfig struct {
	BaseURL      string        `yaml:"base_url"      env:"BASE_URL"`
	DataDir      string        `yaml:"data_dir"      env:"DATA_DIR"`
	Retention    time.Duration `yaml:"retention"     env:"RETENTION"`
	PublishDelay time.Duration `yaml:"publish_delay" env:"PUBLISH_DELAY"` // trailing edge of the remote archive
}

type JournalConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
}

type DedupConfig struct {
	Enable  bool          `yaml:"enable"   env:"ENABLE"`
	TTL     time.Duration `yaml:"ttl"      env:"TTL"`
	MaxKeys int           `yaml:"max_keys" env:"MAX_KEYS"`
}

type MetricsConfig struct {
	Enable        bool          `yaml:"enable"         env:"ENABLE"`
	ListenAddress string        `yaml:"listen_address" env:"LISTEN_ADDRESS"`
	ReadTimeout   time.Duration `yaml:"read_timeout"   env:"READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout"  env:"WRITE_TIMEOUT"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"   env:"IDLE_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`  // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

type Config struct {
	Environment string        `yaml:"environment" env:"ENVIRONMENT"`
	Relay       RelayConfig   `yaml:"relay"       envPrefix:"RELAY_"`
	HTTP        HTTPConfig    `yaml:"http"        envPrefix:"HTTP_"`
	Feed        FeedConfig    `yaml:"feed"        envPrefix:"FEED_"`
	Archive     ArchiveConfig `yaml:"archive"     envPrefix:"ARCHIVE_"`
	Journal     JournalConfig `yaml:"journal"     envPrefix:"JOURNAL_"`
	Dedup       DedupConfig   `yaml:"dedup"       envPrefix:"DEDUP_"`
	Metrics     MetricsConfig `yaml:"metrics"     envPrefix:"METRICS_"`
	Log         LogConfig     `yaml:"log"         envPrefix:"LOG_"`

	// Extra schema registry entries: name -> environment -> URL.
	Schemas map[string]map[string]string `yaml:"schemas"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Relay.Gateway == "" {
		if c.Environment == "test" {
			c.Relay.Gateway = "https://beta.eddn.edcd.io:4431/upload/"
		} else {
			c.Relay.Gateway = "https://eddn.edcd.io:4430/upload/"
		}
	}
	if c.Relay.SoftwareName == "" {
		c.Relay.SoftwareName = "eddn-relay"
	}
	if c.Relay.SoftwareVersion == "" {
		c.Relay.SoftwareVersion = "0.1"
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.Feed.Transport == "" {
		c.Feed.Transport = "zmq"
	}
	if c.Feed.Address == "" {
		if c.Feed.Transport == "nats" {
			c.Feed.Address = "nats://127.0.0.1:4222"
		} else {
			c.Feed.Address = "tcp://eddn.edcd.io:9500"
		}
	}
	if c.Feed.Subject == "" {
		c.Feed.Subject = "eddn.>"
	}
	if c.Feed.ReceiveTimeout == 0 {
		c.Feed.ReceiveTimeout = 10 * time.Minute
	}
	if c.Feed.Backoff.Type == "" {
		c.Feed.Backoff.Type = "none"
	}
	if c.Feed.Backoff.Interval == 0 {
		c.Feed.Backoff.Interval = time.Second
	}
	if c.Feed.Backoff.MaxInterval == 0 {
		c.Feed.Backoff.MaxInterval = time.Minute
	}
	if c.Archive.BaseURL == "" {
		c.Archive.BaseURL = "http://edgalaxydata.space/EDDN/"
	}
	if c.Archive.DataDir == "" {
		c.Archive.DataDir = "data"
	}
	if c.Archive.Retention == 0 {
		c.Archive.Retention = 24 * time.Hour
	}
	if c.Archive.PublishDelay == 0 {
		c.Archive.PublishDelay = 3 * time.Hour
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "data/log"
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = 24 * time.Hour
	}
	if c.Dedup.MaxKeys == 0 {
		c.Dedup.MaxKeys = 10000
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9108"
	}
	if c.Metrics.ReadTimeout == 0 {
		c.Metrics.ReadTimeout = 5 * time.Second
	}
	if c.Metrics.WriteTimeout == 0 {
		c.Metrics.WriteTimeout = 5 * time.Second
	}
	if c.Metrics.IdleTimeout == 0 {
		c.Metrics.IdleTimeout = 60 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errs.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch c.Environment {
	case "production", "test":
	default:
		return invalid("environment must be production or test, got %q", c.Environment)
	}
	if u, err := url.Parse(c.Relay.Gateway); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("relay.gateway must be an absolute URL, got %q", c.Relay.Gateway)
	}
	if strings.TrimSpace(c.Relay.UploaderID) == "" {
		return invalid("relay.uploader_id is required")
	}
	switch c.Feed.Transport {
	case "zmq", "nats":
	default:
		return invalid("feed.transport must be zmq or nats, got %q", c.Feed.Transport)
	}
	switch c.Feed.Backoff.Type {
	case "none", "constant", "exponential":
	default:
		return invalid("feed.backoff.type must be none, constant or exponential, got %q", c.Feed.Backoff.Type)
	}
	if c.Feed.ReceiveTimeout < 0 {
		return invalid("feed.receive_timeout must not be negative")
	}
	if u, err := url.Parse(c.Archive.BaseURL); err != nil || u.Scheme == "" {
		return invalid("archive.base_url must be an absolute URL, got %q", c.Archive.BaseURL)
	}
	if c.Archive.Retention < 0 || c.Archive.PublishDelay < 0 {
		return invalid("archive durations must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
