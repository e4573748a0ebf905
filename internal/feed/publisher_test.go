package feed

import (
	"log/slog"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/history"
	"github.com/rickgao/tickcast/internal/protocol"
)

// datagramRecorder captures each Write call as one datagram.
type datagramRecorder struct {
	frames [][]byte
}

func (r *datagramRecorder) Write(p []byte) (int, error) {
	frame := make([]byte, len(p))
	copy(frame, p)
	r.frames = append(r.frames, frame)
	return len(p), nil
}

func testPublisher(t *testing.T, feedCfg config.FeedConfig, ringCap int) (*Publisher, *datagramRecorder) {
	t.Helper()
	src, err := NewSource(feedCfg, NewRand(11))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	rec := &datagramRecorder{}
	cfg := &config.PublisherConfig{Feed: feedCfg}
	cfg.History.Capacity = ringCap
	cfg.Retransmit.ReadTimeout = config.DefaultRequestReadTimeout

	var ts uint64
	return &Publisher{
		cfg:    cfg,
		logger: slog.Default(),
		ring:   history.New(ringCap),
		source: src,
		clock: func() uint64 {
			ts += 1000
			return ts
		},
		out:        rec,
		listenerFD: -1,
	}, rec
}

func TestPublisher_HappyPathEmitsEveryDatagram(t *testing.T) {
	cfg := quietFeed()
	p, rec := testPublisher(t, cfg, 1000)

	for i := 0; i < 10; i++ {
		p.emitBatch()
	}

	if len(rec.frames) != 100 {
		t.Fatalf("sent %d datagrams, want 100", len(rec.frames))
	}
	for i, frame := range rec.frames {
		if len(frame) != protocol.TickSize {
			t.Fatalf("datagram %d is %d bytes, want %d", i, len(frame), protocol.TickSize)
		}
		tick, err := protocol.DecodeTick(frame)
		if err != nil {
			t.Fatalf("datagram %d: %v", i, err)
		}
		if tick.Sequence != uint64(i+1) {
			t.Errorf("datagram %d sequence = %d, want %d", i, tick.Sequence, i+1)
		}
	}
	if got := p.Stats().Sent; got != 100 {
		t.Errorf("Stats().Sent = %d, want 100", got)
	}
}

func TestPublisher_DroppedTicksStayInHistory(t *testing.T) {
	cfg := quietFeed()
	cfg.DropOneIn = 1 // drop everything
	p, rec := testPublisher(t, cfg, 1000)

	p.emitBatch()

	if len(rec.frames) != 0 {
		t.Fatalf("sent %d datagrams with drop_one_in=1, want 0", len(rec.frames))
	}
	for seq := uint64(1); seq <= uint64(cfg.BatchSize); seq++ {
		if _, ok := p.ring.Get(seq); !ok {
			t.Errorf("dropped seq %d missing from history", seq)
		}
	}
	if got := p.Stats().Dropped; got != int64(cfg.BatchSize) {
		t.Errorf("Stats().Dropped = %d, want %d", got, cfg.BatchSize)
	}
}

func TestPublisher_TimestampsNonDecreasing(t *testing.T) {
	cfg := quietFeed()
	p, rec := testPublisher(t, cfg, 1000)

	// A clock that steps backwards halfway through.
	times := []uint64{100, 200, 300, 250, 240, 400, 500, 90, 600, 700}
	i := 0
	p.clock = func() uint64 {
		v := times[i%len(times)]
		i++
		return v
	}

	p.emitBatch()

	var last uint64
	for _, frame := range rec.frames {
		tick, err := protocol.DecodeTick(frame)
		if err != nil {
			t.Fatal(err)
		}
		if tick.Timestamp < last {
			t.Fatalf("timestamp %d after %d at seq %d", tick.Timestamp, last, tick.Sequence)
		}
		last = tick.Timestamp
	}
}

// retransExchange runs one client request against serveConn over a
// socketpair and returns whatever the server sent before closing.
func retransExchange(t *testing.T, p *Publisher, request []byte) []byte {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	client, server := fds[0], fds[1]
	defer unix.Close(client)

	if len(request) > 0 {
		if _, err := unix.Write(client, request); err != nil {
			t.Fatalf("write request: %v", err)
		}
	}
	// Half-close so a short request reads as EOF, not a stall.
	unix.Shutdown(client, unix.SHUT_WR)

	p.serveConn(server) // closes server

	var resp []byte
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(client, buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return resp
}

func TestPublisher_RetransmitHit(t *testing.T) {
	p, _ := testPublisher(t, quietFeed(), 1000)
	p.emitBatch() // sequences 1..10

	want, ok := p.ring.Get(7)
	if !ok {
		t.Fatal("seq 7 missing from ring")
	}

	req := protocol.RetransmitRequest{MissedSequence: 7}
	reqBuf := req.Encode()
	resp := retransExchange(t, p, reqBuf[:])

	if len(resp) != protocol.TickSize {
		t.Fatalf("response is %d bytes, want %d", len(resp), protocol.TickSize)
	}
	got, err := protocol.DecodeTick(resp)
	if err != nil {
		t.Fatalf("DecodeTick: %v", err)
	}
	if got != want {
		t.Errorf("retransmitted tick = %+v, want %+v", got, want)
	}
	if p.Stats().Served != 1 {
		t.Errorf("Stats().Served = %d, want 1", p.Stats().Served)
	}
}

func TestPublisher_RetransmitEvictedClosesEmpty(t *testing.T) {
	cfg := quietFeed()
	p, _ := testPublisher(t, cfg, 10)

	// 20 sequences through a 10-slot ring: 1..10 are gone.
	p.emitBatch()
	p.emitBatch()

	req := protocol.RetransmitRequest{MissedSequence: 3}
	reqBuf := req.Encode()
	resp := retransExchange(t, p, reqBuf[:])

	if len(resp) != 0 {
		t.Fatalf("response is %d bytes for evicted seq, want 0", len(resp))
	}
	if p.Stats().Refused != 1 {
		t.Errorf("Stats().Refused = %d, want 1", p.Stats().Refused)
	}
}

func TestPublisher_RetransmitFutureClosesEmpty(t *testing.T) {
	p, _ := testPublisher(t, quietFeed(), 100)
	p.emitBatch() // max_seq = 10

	req := protocol.RetransmitRequest{MissedSequence: 9999}
	reqBuf := req.Encode()
	resp := retransExchange(t, p, reqBuf[:])

	if len(resp) != 0 {
		t.Fatalf("response is %d bytes for future seq, want 0", len(resp))
	}
}

func TestPublisher_ShortRequestDropsConnection(t *testing.T) {
	p, _ := testPublisher(t, quietFeed(), 100)
	p.emitBatch()

	resp := retransExchange(t, p, []byte{1, 2, 3})

	if len(resp) != 0 {
		t.Fatalf("response is %d bytes for short request, want 0", len(resp))
	}
	if p.Stats().Served != 0 {
		t.Errorf("Stats().Served = %d, want 0", p.Stats().Served)
	}
}
