// Package config loads and validates node configuration from YAML files and
// environment variables. Environment overrides win over file values so
// deployments can repoint a node at a different directory without editing
// files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/rosgraph/errors"
)

// Environment variable overrides.
const (
	EnvMasterURI     = "ROSGRAPH_MASTER_URI"
	EnvNodeName      = "ROSGRAPH_NODE_NAME"
	EnvAdvertiseHost = "ROSGRAPH_ADVERTISE_HOST"
	EnvBindHost      = "ROSGRAPH_BIND_HOST"
	EnvMetricsPort   = "ROSGRAPH_METRICS_PORT"
)

// Config is the full node configuration.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Transport    TransportConfig    `yaml:"transport"`
	Registration RegistrationConfig `yaml:"registration"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// NodeConfig identifies the node and its directory.
type NodeConfig struct {
	// Name is the node's resolved graph name, e.g. "/talker".
	Name string `yaml:"name"`

	// MasterURI is the directory endpoint, e.g. "http://localhost:11311/".
	MasterURI string `yaml:"master_uri"`

	// AdvertiseHost is the hostname peers use to reach this node. Defaults
	// to the bind address host.
	AdvertiseHost string `yaml:"advertise_host"`
}

// Validate checks the node section.
func (c NodeConfig) Validate() error {
	if c.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "NodeConfig", "Validate",
			"node name is required")
	}
	if c.MasterURI == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "NodeConfig", "Validate",
			"master URI is required")
	}
	return nil
}

// TransportConfig tunes the TCP messaging layer.
type TransportConfig struct {
	// BindHost is the local address both listeners bind to.
	BindHost string `yaml:"bind_host"`

	// TCPPort is the topic/service wire listener port. 0 picks an ephemeral
	// port.
	TCPPort int `yaml:"tcp_port"`

	// XMLRPCPort is the directory-facing endpoint port. 0 picks an
	// ephemeral port.
	XMLRPCPort int `yaml:"xmlrpc_port"`

	// OutgoingRingCapacity is the per-subscriber-connection outbound ring
	// size.
	OutgoingRingCapacity int `yaml:"outgoing_ring_capacity"`

	// IncomingQueueCapacity is the per-publisher-connection receive buffer
	// size.
	IncomingQueueCapacity int `yaml:"incoming_queue_capacity"`

	// HandshakeTimeout bounds header exchanges on fresh connections.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Validate checks the transport section.
func (c TransportConfig) Validate() error {
	if c.TCPPort < 0 || c.TCPPort > 65535 || c.XMLRPCPort < 0 || c.XMLRPCPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TransportConfig", "Validate",
			"listener ports out of range")
	}
	if c.OutgoingRingCapacity < 0 || c.IncomingQueueCapacity < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TransportConfig", "Validate",
			"queue capacities cannot be negative")
	}
	if c.HandshakeTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TransportConfig", "Validate",
			"handshake timeout cannot be negative")
	}
	return nil
}

// RegistrationConfig tunes directory registration retries.
type RegistrationConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// Validate checks the registration section.
func (c RegistrationConfig) Validate() error {
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RegistrationConfig", "Validate",
			"delays cannot be negative")
	}
	if c.MaxDelay != 0 && c.InitialDelay > c.MaxDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RegistrationConfig", "Validate",
			"initial delay exceeds max delay")
	}
	if c.BackoffFactor < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RegistrationConfig", "Validate",
			"backoff factor cannot be negative")
	}
	return nil
}

// RetryConfig converts the section to the runtime retry policy, falling back
// to the standard registration policy for zero values.
func (c RegistrationConfig) RetryConfig() errors.RetryConfig {
	policy := errors.RegistrationRetryConfig()
	if c.InitialDelay > 0 {
		policy.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		policy.MaxDelay = c.MaxDelay
	}
	if c.BackoffFactor > 0 {
		policy.BackoffFactor = c.BackoffFactor
	}
	return policy
}

// MetricsConfig controls the Prometheus exposition server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Validate checks the metrics section.
func (c MetricsConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MetricsConfig", "Validate",
			fmt.Sprintf("port %d out of range", c.Port))
	}
	return nil
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			MasterURI: "http://localhost:11311/",
		},
		Transport: TransportConfig{
			BindHost:              "0.0.0.0",
			OutgoingRingCapacity:  8,
			IncomingQueueCapacity: 8192,
			HandshakeTimeout:      10 * time.Second,
		},
		Registration: RegistrationConfig{
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapInvalid(err, "config", "Load", "parse YAML")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults and validates, without
// environment overrides. Intended for tests and embedded configs.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WrapInvalid(err, "config", "Parse", "parse YAML")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Registration.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMasterURI); v != "" {
		c.Node.MasterURI = v
	}
	if v := os.Getenv(EnvNodeName); v != "" {
		c.Node.Name = v
	}
	if v := os.Getenv(EnvAdvertiseHost); v != "" {
		c.Node.AdvertiseHost = v
	}
	if v := os.Getenv(EnvBindHost); v != "" {
		c.Transport.BindHost = v
	}
	if v := os.Getenv(EnvMetricsPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
}
