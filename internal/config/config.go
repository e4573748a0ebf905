// Package config handles YAML configuration loading with environment variable
// substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation. Every field is optional; unset fields take the documented
// defaults, which match the reference deployment (multicast 224.0.0.1:30001,
// retransmission on TCP 40001, TTL 1).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PublisherConfig is the root configuration for a publisher instance.
type PublisherConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Multicast  MulticastConfig  `yaml:"multicast"`
	Retransmit RetransmitConfig `yaml:"retransmit"`
	Feed       FeedConfig       `yaml:"feed"`
	History    HistoryConfig    `yaml:"history"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SubscriberConfig is the root configuration for a subscriber instance.
type SubscriberConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Multicast MulticastConfig `yaml:"multicast"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Archive   ArchiveConfig   `yaml:"archive"`
	LiveFeed  LiveFeedConfig  `yaml:"live_feed"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"` // defaults to a fresh UUID
}

// MulticastConfig holds the datagram side shared by both roles.
type MulticastConfig struct {
	Group string `yaml:"group"`
	Port  int    `yaml:"port"`
	TTL   int    `yaml:"ttl"`       // publisher only; 0 means default (link-local)
	Iface string `yaml:"interface"` // optional interface name, empty = system choice
}

// RetransmitConfig holds the publisher's stream listener settings.
type RetransmitConfig struct {
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"` // bound on a client's 8-byte request
}

// FeedConfig shapes the synthetic tick source.
type FeedConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"` // timer period
	BatchSize    int           `yaml:"batch_size"`    // ticks per firing
	SymbolCount  int           `yaml:"symbol_count"`  // first N of the symbol table
	DropOneIn    int           `yaml:"drop_one_in"`   // simulated datagram loss
	ShockOneIn   int           `yaml:"shock_one_in"`  // persistent fundamental shock
	AnomalyOneIn int           `yaml:"anomaly_one_in"`
	Seed         int64         `yaml:"seed"` // 0 = non-deterministic
}

// HistoryConfig sizes the retransmission ring.
type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

// MetricsConfig controls the periodic stats report.
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RecoveryConfig holds the subscriber's unicast repair settings.
type RecoveryConfig struct {
	PublisherHost string        `yaml:"publisher_host"`
	Port          int           `yaml:"port"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
}

// IngestConfig tunes the multicast receive path.
type IngestConfig struct {
	RecvBufferBytes int `yaml:"recv_buffer_bytes"` // generous; the kernel buffer is the only slack during recovery
}

// ArchiveConfig controls the optional delivered-tick archive.
type ArchiveConfig struct {
	Backend       string        `yaml:"backend"` // "", "sqlite" or "postgres"
	SQLitePath    string        `yaml:"sqlite_path"`
	Postgres      DBConfig      `yaml:"postgres"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LiveFeedConfig controls the optional websocket mirror of delivered ticks.
type LiveFeedConfig struct {
	Port int    `yaml:"port"` // 0 = disabled
	Path string `yaml:"path"`
}

// LoadPublisher reads, defaults and validates a publisher config file.
// A missing path yields the all-defaults configuration.
func LoadPublisher(path string) (*PublisherConfig, error) {
	var cfg PublisherConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadSubscriber reads, defaults and validates a subscriber config file.
// A missing path yields the all-defaults configuration.
func LoadSubscriber(path string) (*SubscriberConfig, error) {
	var cfg SubscriberConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// loadYAML unmarshals path into dst after ${VAR} expansion. An empty path is
// treated as an empty document so both binaries run with zero configuration.
func loadYAML(path string, dst interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), dst); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
