// ABOUTME: Configuration loading and parsing for fanout-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/fanout-gateway/internal/auth"
	"github.com/2389/fanout-gateway/internal/fanout"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Relay drivers
const (
	RelayMemory   = "memory"
	RelayRabbitMQ = "rabbitmq"
	RelayKafka    = "kafka"
)

// Config represents the complete fanout-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Node      NodeConfig      `yaml:"node" toml:"node"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Directory DirectoryConfig `yaml:"directory" toml:"directory"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Fanout    FanoutConfig    `yaml:"fanout" toml:"fanout"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the websocket endpoint on :443 with tailnet certificates.
	HTTPS bool `yaml:"https" toml:"https"`
}

// NodeConfig identifies this gateway within a fleet
type NodeConfig struct {
	// ID is generated at startup when empty.
	ID string `yaml:"id" toml:"id"`
}

// DatabaseConfig selects the entity directory backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite
	DSN    string `yaml:"dsn" toml:"dsn"`   // postgres
}

// DirectoryConfig holds entity directory maintenance timing
type DirectoryConfig struct {
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	StaleAfter    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
	StaleAfterRaw    string `yaml:"stale_after" toml:"stale_after"`
}

// RelayConfig selects and configures the cross-node relay
type RelayConfig struct {
	Driver   string         `yaml:"driver" toml:"driver"`
	Buffer   int            `yaml:"buffer" toml:"buffer"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka" toml:"kafka"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// RabbitMQConfig holds RabbitMQ relay settings
type RabbitMQConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// KafkaConfig holds Kafka relay settings
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// FanoutConfig tunes delivery
type FanoutConfig struct {
	LivenessThreshold    time.Duration `yaml:"-" toml:"-"`
	LivenessThresholdRaw string        `yaml:"liveness_threshold" toml:"liveness_threshold"`

	FailurePolicy  string `yaml:"failure_policy" toml:"failure_policy"`
	SendQueueSize  int    `yaml:"send_queue_size" toml:"send_queue_size"`
	MaxConcurrency int    `yaml:"max_concurrency" toml:"max_concurrency"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs client tokens. Empty enables dev mode.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied, listening on
// localhost with an in-memory relay and a SQLite directory at dbPath.
func Default(dbPath string) *Config {
	cfg := &Config{
		Server: ServerConfig{
			GRPCAddr: "127.0.0.1:50051",
			HTTPAddr: "127.0.0.1:8080",
		},
		Database: DatabaseConfig{Path: dbPath},
	}
	applyDefaults(cfg)
	// Defaults always parse.
	_ = parseDurations(cfg)
	return cfg
}

func (c *Config) finish() error {
	applyDefaults(c)
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(c *Config) {
	setDefault(&c.Database.Driver, DriverSQLite)
	setDefault(&c.Directory.SweepIntervalRaw, "30s")
	setDefault(&c.Directory.StaleAfterRaw, "1h")
	setDefault(&c.Relay.Driver, RelayMemory)
	setDefault(&c.Relay.DedupeTTLRaw, "2m")
	setDefault(&c.Relay.RabbitMQ.Exchange, "fanout.relay")
	setDefault(&c.Relay.Kafka.Topic, "fanout.relay")
	setDefault(&c.Fanout.LivenessThresholdRaw, fanout.DefaultLivenessThreshold.String())
	setDefault(&c.Fanout.FailurePolicy, string(fanout.PolicyDropGroup))
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Tailscale.Hostname, "fanout-gateway")

	if c.Relay.Buffer <= 0 {
		c.Relay.Buffer = 256
	}
	if c.Fanout.SendQueueSize <= 0 {
		c.Fanout.SendQueueSize = 64
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres", c.Database.Driver)
	}

	switch c.Relay.Driver {
	case RelayMemory:
	case RelayRabbitMQ:
		if c.Relay.RabbitMQ.URL == "" {
			return fmt.Errorf("relay.rabbitmq.url is required for the rabbitmq driver")
		}
	case RelayKafka:
		if len(c.Relay.Kafka.Brokers) == 0 {
			return fmt.Errorf("relay.kafka.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("relay.driver %q is not one of memory, rabbitmq, kafka", c.Relay.Driver)
	}

	if !fanout.FailurePolicy(c.Fanout.FailurePolicy).Valid() {
		return fmt.Errorf("fanout.failure_policy %q is not one of drop_group, keep_partial", c.Fanout.FailurePolicy)
	}
	if c.Fanout.LivenessThreshold <= 0 {
		return fmt.Errorf("fanout.liveness_threshold must be positive")
	}
	if c.Fanout.MaxConcurrency < 0 {
		return fmt.Errorf("fanout.max_concurrency must not be negative")
	}
	if c.Directory.SweepInterval <= 0 {
		return fmt.Errorf("directory.sweep_interval must be positive")
	}
	if c.Directory.StaleAfter < c.Fanout.LivenessThreshold {
		return fmt.Errorf("directory.stale_after must be at least fanout.liveness_threshold")
	}
	// Each sweep heartbeats this node's rows; a shorter window would expire
	// rows of live nodes between sweeps.
	if c.Directory.StaleAfter <= c.Directory.SweepInterval {
		return fmt.Errorf("directory.stale_after must exceed directory.sweep_interval")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"directory.sweep_interval", cfg.Directory.SweepIntervalRaw, &cfg.Directory.SweepInterval},
		{"directory.stale_after", cfg.Directory.StaleAfterRaw, &cfg.Directory.StaleAfter},
		{"relay.dedupe_ttl", cfg.Relay.DedupeTTLRaw, &cfg.Relay.DedupeTTL},
		{"fanout.liveness_threshold", cfg.Fanout.LivenessThresholdRaw, &cfg.Fanout.LivenessThreshold},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
