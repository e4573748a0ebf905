package config

import (
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultMulticastGroup = "224.0.0.1"
	DefaultMulticastPort  = 30001
	DefaultMulticastTTL   = 1 // link-local

	DefaultRetransmitPort     = 40001
	DefaultRequestReadTimeout = 500 * time.Millisecond

	DefaultTickInterval       = 1 * time.Millisecond
	DefaultTickBatch          = 10
	DefaultSymbolCount        = 50
	DefaultDropDenominator    = 20000
	DefaultShockDenominator   = 500
	DefaultAnomalyDenominator = 100

	DefaultRingCapacity = 10000

	DefaultMetricsInterval = 1 * time.Second

	DefaultPublisherHost       = "127.0.0.1"
	DefaultDialTimeout         = 2 * time.Second
	DefaultRecoveryReadTimeout = 2 * time.Second
	DefaultRecvBufferBytes     = 4 << 20

	DefaultArchiveBatchSize     = 1000
	DefaultArchiveFlushInterval = 1 * time.Second
	DefaultArchiveQueueSize     = 10000
	DefaultSQLitePath           = "ticks.db"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2

	DefaultLiveFeedPath = "/feed"
)

func (c *PublisherConfig) applyDefaults() {
	applyInstanceDefaults(&c.Instance)
	applyMulticastDefaults(&c.Multicast)
	if c.Multicast.TTL == 0 {
		c.Multicast.TTL = DefaultMulticastTTL
	}

	if c.Retransmit.Port == 0 {
		c.Retransmit.Port = DefaultRetransmitPort
	}
	if c.Retransmit.ReadTimeout == 0 {
		c.Retransmit.ReadTimeout = DefaultRequestReadTimeout
	}

	if c.Feed.TickInterval == 0 {
		c.Feed.TickInterval = DefaultTickInterval
	}
	if c.Feed.BatchSize == 0 {
		c.Feed.BatchSize = DefaultTickBatch
	}
	if c.Feed.SymbolCount == 0 {
		c.Feed.SymbolCount = DefaultSymbolCount
	}
	if c.Feed.DropOneIn == 0 {
		c.Feed.DropOneIn = DefaultDropDenominator
	}
	if c.Feed.ShockOneIn == 0 {
		c.Feed.ShockOneIn = DefaultShockDenominator
	}
	if c.Feed.AnomalyOneIn == 0 {
		c.Feed.AnomalyOneIn = DefaultAnomalyDenominator
	}

	if c.History.Capacity == 0 {
		c.History.Capacity = DefaultRingCapacity
	}

	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = DefaultMetricsInterval
	}
}

func (c *SubscriberConfig) applyDefaults() {
	applyInstanceDefaults(&c.Instance)
	applyMulticastDefaults(&c.Multicast)

	if c.Recovery.PublisherHost == "" {
		c.Recovery.PublisherHost = DefaultPublisherHost
	}
	if c.Recovery.Port == 0 {
		c.Recovery.Port = DefaultRetransmitPort
	}
	if c.Recovery.DialTimeout == 0 {
		c.Recovery.DialTimeout = DefaultDialTimeout
	}
	if c.Recovery.ReadTimeout == 0 {
		c.Recovery.ReadTimeout = DefaultRecoveryReadTimeout
	}

	if c.Ingest.RecvBufferBytes == 0 {
		c.Ingest.RecvBufferBytes = DefaultRecvBufferBytes
	}

	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = DefaultMetricsInterval
	}

	if c.Archive.Backend != "" {
		if c.Archive.SQLitePath == "" {
			c.Archive.SQLitePath = DefaultSQLitePath
		}
		if c.Archive.BatchSize == 0 {
			c.Archive.BatchSize = DefaultArchiveBatchSize
		}
		if c.Archive.FlushInterval == 0 {
			c.Archive.FlushInterval = DefaultArchiveFlushInterval
		}
		if c.Archive.QueueSize == 0 {
			c.Archive.QueueSize = DefaultArchiveQueueSize
		}
		applyDBDefaults(&c.Archive.Postgres)
	}

	if c.LiveFeed.Port != 0 && c.LiveFeed.Path == "" {
		c.LiveFeed.Path = DefaultLiveFeedPath
	}
}

func applyInstanceDefaults(ic *InstanceConfig) {
	if ic.ID == "" {
		ic.ID = uuid.NewString()
	}
}

func applyMulticastDefaults(mc *MulticastConfig) {
	if mc.Group == "" {
		mc.Group = DefaultMulticastGroup
	}
	if mc.Port == 0 {
		mc.Port = DefaultMulticastPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
