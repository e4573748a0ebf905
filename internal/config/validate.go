package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Validate checks that all values are usable after defaulting.
func (c *PublisherConfig) Validate() error {
	if err := c.Multicast.validate(); err != nil {
		return err
	}
	if c.Multicast.TTL < 0 || c.Multicast.TTL > 255 {
		return fmt.Errorf("multicast.ttl must be between 0 and 255, got %d", c.Multicast.TTL)
	}

	if err := validatePort("retransmit.port", c.Retransmit.Port); err != nil {
		return err
	}
	if c.Retransmit.ReadTimeout < 0 {
		return errors.New("retransmit.read_timeout must not be negative")
	}

	if c.Feed.TickInterval < time.Microsecond {
		return fmt.Errorf("feed.tick_interval must be at least 1us, got %v", c.Feed.TickInterval)
	}
	if c.Feed.BatchSize < 1 {
		return errors.New("feed.batch_size must be >= 1")
	}
	if c.Feed.SymbolCount < 1 {
		return errors.New("feed.symbol_count must be >= 1")
	}
	for name, v := range map[string]int{
		"feed.drop_one_in":    c.Feed.DropOneIn,
		"feed.shock_one_in":   c.Feed.ShockOneIn,
		"feed.anomaly_one_in": c.Feed.AnomalyOneIn,
	} {
		// -1 disables the behavior, anything else is a denominator
		if v < -1 || v == 0 {
			return fmt.Errorf("%s must be -1 (disabled) or >= 1, got %d", name, v)
		}
	}

	if c.History.Capacity < 1 {
		return errors.New("history.capacity must be >= 1")
	}
	if c.Metrics.Interval < time.Millisecond {
		return fmt.Errorf("metrics.interval must be at least 1ms, got %v", c.Metrics.Interval)
	}
	return nil
}

// Validate checks that all values are usable after defaulting.
func (c *SubscriberConfig) Validate() error {
	if err := c.Multicast.validate(); err != nil {
		return err
	}

	if c.Recovery.PublisherHost == "" {
		return errors.New("recovery.publisher_host is required")
	}
	if err := validatePort("recovery.port", c.Recovery.Port); err != nil {
		return err
	}
	if c.Recovery.DialTimeout <= 0 {
		return errors.New("recovery.dial_timeout must be positive")
	}
	if c.Recovery.ReadTimeout <= 0 {
		return errors.New("recovery.read_timeout must be positive")
	}

	if c.Ingest.RecvBufferBytes < 0 {
		return errors.New("ingest.recv_buffer_bytes must not be negative")
	}
	if c.Metrics.Interval < time.Millisecond {
		return fmt.Errorf("metrics.interval must be at least 1ms, got %v", c.Metrics.Interval)
	}

	switch c.Archive.Backend {
	case "":
	case "sqlite":
		if c.Archive.SQLitePath == "" {
			return errors.New("archive.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if err := c.Archive.Postgres.validate("archive.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("archive.backend must be \"\", \"sqlite\" or \"postgres\", got %q", c.Archive.Backend)
	}
	if c.Archive.Backend != "" {
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.QueueSize < 1 {
			return errors.New("archive.queue_size must be >= 1")
		}
	}

	if c.LiveFeed.Port != 0 {
		if err := validatePort("live_feed.port", c.LiveFeed.Port); err != nil {
			return err
		}
		if c.LiveFeed.Path == "" || c.LiveFeed.Path[0] != '/' {
			return fmt.Errorf("live_feed.path must start with '/', got %q", c.LiveFeed.Path)
		}
	}
	return nil
}

func (mc *MulticastConfig) validate() error {
	ip := net.ParseIP(mc.Group)
	if ip == nil {
		return fmt.Errorf("multicast.group %q is not a valid IP address", mc.Group)
	}
	if !ip.IsMulticast() {
		return fmt.Errorf("multicast.group %q is not a multicast address", mc.Group)
	}
	return validatePort("multicast.port", mc.Port)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
