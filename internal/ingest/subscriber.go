// Package ingest implements the subscriber side: multicast receive, gap
// detection, synchronous recovery and ordered delivery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/protocol"
)

// pollInterval bounds how long a blocked receive delays a cancellation
// check.
const pollInterval = 250 * time.Millisecond

// Metrics counts subscriber activity since startup.
type Metrics struct {
	Delivered  int64 // ticks handed to the consumer, in order
	Recovered  int64 // delivered via the retransmit channel
	Lost       int64 // permanently unrecoverable sequences
	Duplicates int64 // late or duplicate datagrams discarded
	BadLength  int64 // datagrams that were not exactly one tick
}

// DeliveryFunc receives every tick in strict ascending sequence order.
// recovered is true when the tick arrived via the retransmit channel.
type DeliveryFunc func(tick protocol.Tick, recovered bool)

// Subscriber turns the unreliable multicast stream into an ordered delivery
// to its consumer callback. Gaps are repaired from the publisher's history;
// sequences it no longer holds are skipped, leaving a gap in the delivered
// stream. Recovery is synchronous: while a gap is
// being repaired no new datagrams are read, which bounds the gap set and
// keeps the consumer single-threaded.
type Subscriber struct {
	cfg     *config.SubscriberConfig
	logger  *slog.Logger
	deliver DeliveryFunc
	fetcher Fetcher
	clock   func() uint64

	expected uint64 // 0 = not yet synchronized
	lastTick protocol.Tick

	window      *latencyWindow
	windowCount int64
	lastReport  time.Time
	metrics     Metrics
}

// NewSubscriber wires a subscriber around its delivery callback.
func NewSubscriber(cfg *config.SubscriberConfig, deliver DeliveryFunc, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:     cfg,
		logger:  logger,
		deliver: deliver,
		fetcher: NewRecoverer(cfg.Recovery, logger),
		clock:   func() uint64 { return uint64(time.Now().UnixNano()) },
		window:  newLatencyWindow(),
	}
}

// Run joins the multicast group and ingests until ctx is cancelled. The
// return value is nil on cooperative shutdown.
func (s *Subscriber) Run(ctx context.Context) error {
	conn, pc, err := openMulticastReceiver(s.cfg.Multicast, s.cfg.Ingest.RecvBufferBytes)
	if err != nil {
		return fmt.Errorf("join multicast group: %w", err)
	}
	defer conn.Close()
	_ = pc // held for the group membership lifetime

	s.logger.Info("subscriber running",
		"group", s.cfg.Multicast.Group,
		"port", s.cfg.Multicast.Port,
		"publisher", s.cfg.Recovery.PublisherHost,
		"retransmit_port", s.cfg.Recovery.Port,
	)

	s.lastReport = time.Now()
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.maybeReport()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("multicast receive failed", "error", err)
			return err
		}

		s.handleDatagram(buf[:n])
		s.maybeReport()
	}
}

// handleDatagram filters non-tick datagrams and feeds the rest to the
// sequencing state machine.
func (s *Subscriber) handleDatagram(b []byte) {
	tick, err := protocol.DecodeTick(b)
	if err != nil {
		s.metrics.BadLength++
		s.logger.Debug("discarding datagram", "error", err)
		return
	}
	s.handleTick(tick)
}

// handleTick advances the expected-sequence cursor, repairing any gap before
// the triggering tick is delivered.
func (s *Subscriber) handleTick(tick protocol.Tick) {
	switch {
	case s.expected == 0:
		// First tick ever seen is in-order by definition.
		s.deliverTick(tick, false)

	case tick.Sequence == s.expected:
		s.deliverTick(tick, false)

	case tick.Sequence > s.expected:
		s.logger.Warn("gap detected",
			"expected", s.expected,
			"got", tick.Sequence,
			"missing", tick.Sequence-s.expected,
		)
		s.recoverGap(s.expected, tick.Sequence)
		s.deliverTick(tick, false)

	default:
		// Duplicate or a late retransmission that arrived via multicast.
		s.metrics.Duplicates++
		s.logger.Debug("discarding late datagram", "seq", tick.Sequence, "expected", s.expected)
	}
}

// recoverGap fetches every sequence in [from, to) in ascending order.
// Unrecoverable sequences are logged and skipped; the consumer sees a gap.
func (s *Subscriber) recoverGap(from, to uint64) {
	for seq := from; seq < to; seq++ {
		tick, ok, err := s.fetcher.Fetch(seq)
		if err != nil {
			s.metrics.Lost++
			s.logger.Error("recovery failed", "seq", seq, "error", err)
			continue
		}
		if !ok {
			s.metrics.Lost++
			s.logger.Warn("sequence permanently lost", "seq", seq)
			continue
		}
		if tick.Sequence != seq {
			s.metrics.Lost++
			s.logger.Error("recovery returned wrong sequence", "want", seq, "got", tick.Sequence)
			continue
		}
		s.logger.Info("recovered", "seq", seq, "price", tick.Price)
		s.deliverTick(tick, true)
	}
}

// deliverTick hands one tick to the consumer and advances the cursor.
func (s *Subscriber) deliverTick(tick protocol.Tick, recovered bool) {
	latencyUS := (float64(s.clock()) - float64(tick.Timestamp)) / 1000.0
	s.window.observe(latencyUS)
	s.windowCount++

	s.deliver(tick, recovered)

	s.expected = tick.Sequence + 1
	s.lastTick = tick
	s.metrics.Delivered++
	if recovered {
		s.metrics.Recovered++
	}
}

// maybeReport emits the per-interval metrics line.
func (s *Subscriber) maybeReport() {
	if time.Since(s.lastReport) < s.cfg.Metrics.Interval {
		return
	}
	min, max, mean := s.window.snapshot()
	s.logger.Info("subscriber metrics",
		"msgs_per_interval", s.windowCount,
		"latency_min_us", min,
		"latency_max_us", max,
		"latency_mean_us", mean,
		"last_symbol", s.lastTick.SymbolString(),
		"last_price", s.lastTick.Price,
		"recovered", s.metrics.Recovered,
		"lost", s.metrics.Lost,
	)
	s.window.reset()
	s.windowCount = 0
	s.lastReport = time.Now()
}

// Stats returns a copy of the activity counters.
func (s *Subscriber) Stats() Metrics { return s.metrics }

// openMulticastReceiver binds the group port with address reuse, applies a
// generous receive buffer (the kernel queue is the only slack while a gap is
// being repaired) and joins the group.
func openMulticastReceiver(cfg config.MulticastConfig, recvBuf int) (*net.UDPConn, *ipv4.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	pconn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, nil, err
	}
	conn := pconn.(*net.UDPConn)

	if recvBuf > 0 {
		if err := conn.SetReadBuffer(recvBuf); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("set receive buffer: %w", err)
		}
	}

	group := net.ParseIP(cfg.Group)
	if group == nil {
		conn.Close()
		return nil, nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}

	var ifi *net.Interface
	if cfg.Iface != "" {
		ifi, err = net.InterfaceByName(cfg.Iface)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("multicast interface %q: %w", cfg.Iface, err)
		}
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("join group %s: %w", cfg.Group, err)
	}
	return conn, pc, nil
}
