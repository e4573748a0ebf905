package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/protocol"
)

// Fetcher retrieves one missed sequence over the unicast side-channel.
// Returns (tick, true, nil) on a 32-byte response, (zero, false, nil) when
// the publisher signals the sequence is permanently gone, and an error only
// for transport failures.
type Fetcher interface {
	Fetch(seq uint64) (protocol.Tick, bool, error)
}

// Recoverer is the production Fetcher: one stream connection per missed
// sequence, one request, one response, close.
type Recoverer struct {
	cfg    config.RecoveryConfig
	logger *slog.Logger
	addr   string
}

// NewRecoverer builds a recovery client for the publisher's retransmit port.
func NewRecoverer(cfg config.RecoveryConfig, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		cfg:    cfg,
		logger: logger,
		addr:   net.JoinHostPort(cfg.PublisherHost, strconv.Itoa(cfg.Port)),
	}
}

// Fetch performs one retransmission exchange.
func (r *Recoverer) Fetch(seq uint64) (protocol.Tick, bool, error) {
	d := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := d.Dial("tcp", r.addr)
	if err != nil {
		return protocol.Tick{}, false, fmt.Errorf("dial %s: %w", r.addr, err)
	}
	defer conn.Close()

	req := protocol.RetransmitRequest{MissedSequence: seq}
	reqBuf := req.Encode()
	if _, err := conn.Write(reqBuf[:]); err != nil {
		return protocol.Tick{}, false, fmt.Errorf("send request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
		return protocol.Tick{}, false, err
	}

	var respBuf [protocol.TickSize]byte
	n, err := io.ReadFull(conn, respBuf[:])
	switch {
	case err == nil:
		tick, derr := protocol.DecodeTick(respBuf[:])
		if derr != nil {
			return protocol.Tick{}, false, derr
		}
		return tick, true, nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		// Zero or short response: the publisher's history no longer holds
		// this sequence.
		r.logger.Debug("sequence unavailable at publisher", "seq", seq, "bytes", n)
		return protocol.Tick{}, false, nil
	default:
		return protocol.Tick{}, false, fmt.Errorf("read response: %w", err)
	}
}
