package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/eventloop"
	"github.com/rickgao/tickcast/internal/history"
	"github.com/rickgao/tickcast/internal/protocol"
)

// Event-loop source tags.
const (
	tagListener eventloop.Tag = iota + 1
	tagTickTimer
	tagMetricsTimer
	tagShutdown
)

// Publisher multicasts the tick stream, keeps the last ring-capacity ticks
// available, and answers one retransmission request per accepted connection.
// Everything runs on the event-loop goroutine; there is no shared state and
// no locking.
type Publisher struct {
	cfg    *config.PublisherConfig
	logger *slog.Logger

	ring   *history.Ring
	source *Source
	clock  Clock

	out        io.Writer // the multicast socket; tests inject a recorder
	listenerFD int

	lastTimestamp uint64
	lastTick      protocol.Tick
	sentInterval  int64
	stopping      bool
	fatal         error

	metrics Metrics
}

// Metrics counts publisher activity since startup.
type Metrics struct {
	Sent       int64
	Dropped    int64
	SendErrors int64
	Served     int64 // retransmit responses written
	Refused    int64 // retransmit requests for unavailable sequences
}

// NewPublisher wires a publisher from configuration. The random source is
// seeded from cfg.Feed.Seed.
func NewPublisher(cfg *config.PublisherConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	source, err := NewSource(cfg.Feed, NewRand(cfg.Feed.Seed))
	if err != nil {
		return nil, err
	}
	return &Publisher{
		cfg:        cfg,
		logger:     logger,
		ring:       history.New(cfg.History.Capacity),
		source:     source,
		clock:      WallClock,
		listenerFD: -1,
	}, nil
}

// Run opens the sockets and drives the event loop until ctx is cancelled or
// the listener fails. Transport setup errors are returned immediately.
func (p *Publisher) Run(ctx context.Context) error {
	udp, err := openMulticastSender(p.cfg.Multicast)
	if err != nil {
		return fmt.Errorf("open multicast sender: %w", err)
	}
	defer udp.Close()
	p.out = udp

	lfd, err := listenRetransmit(p.cfg.Retransmit.Port)
	if err != nil {
		return fmt.Errorf("listen retransmit port %d: %w", p.cfg.Retransmit.Port, err)
	}
	defer unix.Close(lfd)
	p.listenerFD = lfd

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	if err := p.register(ctx, loop); err != nil {
		return err
	}

	p.logger.Info("publisher running",
		"group", p.cfg.Multicast.Group,
		"port", p.cfg.Multicast.Port,
		"retransmit_port", p.cfg.Retransmit.Port,
		"ring_capacity", p.cfg.History.Capacity,
		"tick_interval", p.cfg.Feed.TickInterval,
		"batch_size", p.cfg.Feed.BatchSize,
	)

	for !p.stopping {
		if err := loop.Poll(p.handle); err != nil {
			return err
		}
		if p.fatal != nil {
			return p.fatal
		}
	}
	return ctx.Err()
}

// register attaches all event sources: the retransmit listener, the tick and
// metrics timers, and a pipe that breaks the poll on context cancellation.
func (p *Publisher) register(ctx context.Context, loop *eventloop.Loop) error {
	if err := loop.RegisterRead(p.listenerFD, tagListener); err != nil {
		return err
	}
	if err := loop.RegisterTimer(p.cfg.Feed.TickInterval, tagTickTimer); err != nil {
		return err
	}
	if err := loop.RegisterTimer(p.cfg.Metrics.Interval, tagMetricsTimer); err != nil {
		return err
	}

	wake := make([]int, 2)
	if err := unix.Pipe(wake); err != nil {
		return fmt.Errorf("shutdown pipe: %w", err)
	}
	if err := loop.RegisterRead(wake[0], tagShutdown); err != nil {
		unix.Close(wake[0])
		unix.Close(wake[1])
		return err
	}
	go func() {
		<-ctx.Done()
		unix.Write(wake[1], []byte{0})
		unix.Close(wake[1])
	}()
	return nil
}

// handle dispatches one ready event source.
func (p *Publisher) handle(tag eventloop.Tag, eof bool) {
	switch tag {
	case tagTickTimer:
		p.emitBatch()
	case tagListener:
		p.acceptAndServe()
	case tagMetricsTimer:
		p.reportMetrics()
	case tagShutdown:
		p.stopping = true
	}
}

// emitBatch produces one timer firing's worth of ticks. Every sequence is
// recorded in history before the send decision, so a dropped datagram stays
// recoverable.
func (p *Publisher) emitBatch() {
	for i := 0; i < p.cfg.Feed.BatchSize; i++ {
		gen := p.source.Next()
		tick := gen.Tick

		// Stamp immediately before the send syscall. The clamp keeps wire
		// timestamps non-decreasing even if the wall clock steps backwards.
		now := p.clock()
		if now < p.lastTimestamp {
			now = p.lastTimestamp
		}
		p.lastTimestamp = now
		tick.Timestamp = now

		p.ring.Push(tick.Sequence, tick)
		p.lastTick = tick

		if gen.Drop {
			p.metrics.Dropped++
			p.logger.Debug("simulated drop", "seq", tick.Sequence)
			continue
		}

		buf := tick.Encode()
		if _, err := p.out.Write(buf[:]); err != nil {
			p.metrics.SendErrors++
			p.logger.Error("multicast send failed", "seq", tick.Sequence, "error", err)
			continue
		}
		p.metrics.Sent++
		p.sentInterval++
	}
}

// reportMetrics logs the per-interval rate and resets the window counter.
func (p *Publisher) reportMetrics() {
	p.logger.Info("publisher metrics",
		"msgs_per_interval", p.sentInterval,
		"last_symbol", p.lastTick.SymbolString(),
		"last_price", p.lastTick.Price,
		"last_seq", p.lastTick.Sequence,
		"dropped", p.metrics.Dropped,
		"served", p.metrics.Served,
	)
	p.sentInterval = 0
}

// Stats returns a copy of the activity counters.
func (p *Publisher) Stats() Metrics { return p.metrics }

// openMulticastSender connects a UDP socket to the group and applies the
// multicast options.
func openMulticastSender(cfg config.MulticastConfig) (*net.UDPConn, error) {
	group := net.ParseIP(cfg.Group)
	if group == nil {
		return nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: group, Port: cfg.Port})
	if err != nil {
		return nil, err
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	// Same-host subscribers are the common development setup.
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if cfg.Iface != "" {
		ifi, err := net.InterfaceByName(cfg.Iface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("multicast interface %q: %w", cfg.Iface, err)
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	return conn, nil
}

// listenRetransmit opens the non-blocking stream listener the event loop
// watches. Accepted connections are blocking; the per-request read timeout
// bounds the exchange.
func listenRetransmit(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// acceptAndServe takes one pending connection and runs the whole exchange
// synchronously. Spurious wake-ups surface as EAGAIN and are ignored; real
// listener failures are fatal.
func (p *Publisher) acceptAndServe() {
	cfd, _, err := unix.Accept4(p.listenerFD, unix.SOCK_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
			return
		default:
			p.fatal = fmt.Errorf("accept on retransmit listener: %w", err)
			p.stopping = true
			return
		}
	}
	p.serveConn(cfd)
}

// serveConn handles one request: read exactly 8 bytes, answer with 32 bytes
// or close empty, close. Runs on the event-loop goroutine; the read timeout
// keeps a misbehaving client from stalling the tick timer for long.
func (p *Publisher) serveConn(cfd int) {
	defer unix.Close(cfd)

	if p.cfg.Retransmit.ReadTimeout > 0 {
		tv := unix.NsecToTimeval(p.cfg.Retransmit.ReadTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(cfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			p.logger.Warn("set request timeout failed", "error", err)
		}
	}

	var reqBuf [protocol.RequestSize]byte
	if err := readFull(cfd, reqBuf[:]); err != nil {
		p.logger.Warn("bad retransmit request", "error", err)
		return
	}
	req, err := protocol.DecodeRequest(reqBuf[:])
	if err != nil {
		p.logger.Warn("bad retransmit request", "error", err)
		return
	}

	tick, res := p.ring.Lookup(req.MissedSequence)
	if res != history.Hit {
		p.metrics.Refused++
		p.logger.Warn("requested sequence unavailable",
			"seq", req.MissedSequence,
			"reason", res.String(),
			"max_seq", p.ring.MaxSeq(),
		)
		return // closing with no bytes signals "no longer available"
	}

	buf := tick.Encode()
	if err := writeFull(cfd, buf[:]); err != nil {
		p.logger.Warn("retransmit response failed", "seq", req.MissedSequence, "error", err)
		return
	}
	p.metrics.Served++
	p.logger.Info("retransmitted", "seq", req.MissedSequence)
}

// readFull reads len(buf) bytes from a blocking fd, retrying short reads.
func readFull(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Read(fd, buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		off += n
	}
	return nil
}

// writeFull writes all of buf to a blocking fd.
func writeFull(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}
