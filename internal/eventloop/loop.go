// Package eventloop is a thin wrapper over epoll that drives the publisher.
//
// Two source kinds exist: read-ready file descriptors and periodic timers
// (timerfd). Each source carries an opaque integer Tag chosen by the caller;
// Poll blocks until at least one source is ready and invokes the handler once
// per ready source. Handlers run to completion on the polling goroutine, so a
// caller that does all its mutation inside handlers needs no locks.
package eventloop

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Tag identifies a registered source to the poll handler.
type Tag int

// Handler receives one ready source. eof is set when the peer of a read
// source has hung up.
type Handler func(tag Tag, eof bool)

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("eventloop: closed")

// maxEvents bounds how many ready sources one Poll drains.
const maxEvents = 32

// Loop multiplexes read-ready descriptors and periodic timers.
//
// Loop is not safe for concurrent use; it belongs to a single goroutine.
type Loop struct {
	epfd   int
	tags   map[int32]Tag
	timers map[int32]bool // fds owned by the loop (timerfds)
	events []unix.EpollEvent
	closed bool
}

// New creates an empty loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{
		epfd:   epfd,
		tags:   make(map[int32]Tag),
		timers: make(map[int32]bool),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// RegisterRead makes fd a source that is ready whenever it has inbound data
// or a pending connection. The caller keeps ownership of fd.
func (l *Loop) RegisterRead(fd int, tag Tag) error {
	if l.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	l.tags[int32(fd)] = tag
	return nil
}

// RegisterTimer adds a periodic source firing every interval. The backing
// timerfd is owned by the loop and closed with it.
func (l *Loop) RegisterTimer(interval time.Duration, tag Tag) error {
	if l.closed {
		return ErrClosed
	}
	if interval <= 0 {
		return fmt.Errorf("timer interval must be positive, got %v", interval)
	}

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("timerfd_create: %w", err)
	}

	ts := unix.NsecToTimespec(interval.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return fmt.Errorf("timerfd_settime: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, tfd, &ev); err != nil {
		unix.Close(tfd)
		return fmt.Errorf("epoll_ctl add timer: %w", err)
	}

	l.tags[int32(tfd)] = tag
	l.timers[int32(tfd)] = true
	return nil
}

// Poll blocks until at least one source is ready, then calls h once per ready
// source. Each handler runs to completion before the next source is drained.
// Timer firings are coalesced: however many intervals elapsed since the last
// poll, the handler runs once.
func (l *Loop) Poll(h Handler) error {
	if l.closed {
		return ErrClosed
	}

	var n int
	var err error
	for {
		n, err = unix.EpollWait(l.epfd, l.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		break
	}

	for i := 0; i < n; i++ {
		ev := l.events[i]
		tag, ok := l.tags[ev.Fd]
		if !ok {
			continue // raced with deregistration
		}
		if l.timers[ev.Fd] {
			drainTimer(int(ev.Fd))
		}
		eof := ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
		h(tag, eof)
	}
	return nil
}

// drainTimer consumes the pending expiration count so the timerfd re-arms.
func drainTimer(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:]) // EAGAIN if a spurious wake already drained it
}

// Close releases the epoll instance and all loop-owned timer descriptors.
// Read sources registered by the caller stay open.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	for tfd := range l.timers {
		unix.Close(int(tfd))
	}
	return unix.Close(l.epfd)
}
