// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reactor is the completion-based I/O event loop of
// SPEC_FULL.md §4.3: one OS thread, one epoll instance, one listening
// socket, a table of per-connection state machines, and a signal-driven
// eventfd that is the only cancellation trigger. A periodic timerfd
// rides alongside it purely to enforce Add payload read deadlines
// (§5) — it never triggers shutdown. There is no worker pool and no
// cross-thread messaging — every Dispatch call the reactor makes runs
// on this same thread, between I/O suspensions, and Dispatch itself
// never performs a file descriptor operation: an Add request's payload
// fd is read asynchronously by the reactor before Dispatch is ever
// called, so one slow or malicious client's payload can't stall
// another connection's request.
//
// The raw-syscall comfort here (mmap-adjacent fd plumbing, manual
// buffer management) follows the teacher's cache_device.go; the event
// loop shape itself is new code, since no completion-queue or io_uring
// binding appears anywhere in the retrieved pack — epoll is the
// nearest equivalent golang.org/x/sys/unix exposes.
package reactor

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ringboard/ringboard/lib/clock"
)

// Handler processes one fully-received request, together with its Add
// payload if it carried one, and produces a response. Dispatch never
// touches a file descriptor itself: the reactor reads an Add request's
// ancillary payload fd asynchronously, off the epoll loop, before ever
// calling Dispatch, and passes the fully-read bytes in payload (nil if
// the request carried no payload fd). AddTimeout bounds that
// asynchronous read.
type Handler interface {
	Dispatch(req []byte, payload []byte) (resp []byte, closeConn bool)
	AddTimeout() time.Duration
}

// AcceptWatermark is the number of concurrent connections beyond which
// the reactor stops accepting new ones until the count drains (§4.3
// backpressure).
const AcceptWatermark = 4096

// payloadDeadlineCheckInterval is how often the reactor scans
// in-flight Add payload reads for an expired deadline. Driven by a
// timerfd registered alongside the listening socket and eventfd, so a
// stalled payload fd that never becomes readable is still bounded by
// AddTimeout even though it never delivers an epoll event of its own.
const payloadDeadlineCheckInterval = 250 * time.Millisecond

// payloadReadChunk is the buffer size for one non-blocking read off an
// Add payload fd.
const payloadReadChunk = 64 * 1024

// Reactor owns the listening socket, the epoll instance, and every
// active connection. It is not safe for concurrent use — Run must be
// called from a single goroutine, matching §5's one-thread model; the
// caller is expected to pin that goroutine with runtime.LockOSThread
// if the OS thread identity matters to the caller (e.g. for a later
// io_uring port).
type Reactor struct {
	log      *slog.Logger
	handler  Handler
	clock    clock.Clock
	epfd     int
	listenFd int
	shutdown int // eventfd, posted by Shutdown or a signal handler
	timerFd  int // periodic timerfd, drives payload deadline checks

	socketPath   string
	conns        map[int]*conn
	payloadConns map[int]*conn // keyed by payload fd, not conn.fd
	backlogOff   bool          // true while accept is suspended for backpressure
}

// Option configures optional Reactor behavior. The zero value of every
// option field matches production use; tests override via With*
// functions.
type Option func(*Reactor)

// WithClock overrides the clock used for Add payload read deadlines.
// Production code never needs this; tests inject [clock.Fake] for
// deterministic timeout behavior.
func WithClock(c clock.Clock) Option {
	return func(r *Reactor) { r.clock = c }
}

// New creates a listening Unix stream socket at socketPath (removing
// any stale socket file left by a prior unclean shutdown — the
// advisory lock in internal/layout already guarantees at most one
// server owns this path) and an epoll instance watching it.
func New(socketPath string, handler Handler, log *slog.Logger, opts ...Option) (*Reactor, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reactor: removing stale socket %s: %w", socketPath, err)
	}

	listenFd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: socketPath}
	if err := unix.Bind(listenFd, addr); err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: bind %s: %w", socketPath, err)
	}
	if err := unix.Listen(listenFd, unix.SOMAXCONN); err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: listen: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	shutdownFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		unix.Close(shutdownFd)
		unix.Close(epfd)
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: timerfd_create: %w", err)
	}
	interval := unix.NsecToTimespec(payloadDeadlineCheckInterval.Nanoseconds())
	spec := &unix.ItimerSpec{Interval: interval, Value: interval}
	if err := unix.TimerfdSettime(timerFd, 0, spec, nil); err != nil {
		unix.Close(timerFd)
		unix.Close(shutdownFd)
		unix.Close(epfd)
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: timerfd_settime: %w", err)
	}

	r := &Reactor{
		log:          log,
		handler:      handler,
		clock:        clock.Real(),
		epfd:         epfd,
		listenFd:     listenFd,
		shutdown:     shutdownFd,
		timerFd:      timerFd,
		socketPath:   socketPath,
		conns:        make(map[int]*conn),
		payloadConns: make(map[int]*conn),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.epollAdd(listenFd, unix.EPOLLIN); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.epollAdd(shutdownFd, unix.EPOLLIN); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.epollAdd(timerFd, unix.EPOLLIN); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (r *Reactor) epollMod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (r *Reactor) epollDel(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Shutdown posts the eventfd, waking Run out of its next EpollWait so
// it can drain outstanding connections and return. Safe to call from a
// signal handler goroutine (§4.3: "a signal posts an eventfd that is
// part of the completion set; this is the only cancellation trigger").
func (r *Reactor) Shutdown() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.shutdown, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("reactor: posting shutdown eventfd: %w", err)
	}
	return nil
}

// Run blocks, processing completions until Shutdown is called (or an
// unrecoverable epoll error occurs), then closes every connection and
// returns.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			switch {
			case fd == r.shutdown:
				r.drainAndClose()
				return nil
			case fd == r.listenFd:
				r.acceptLoop()
			case fd == r.timerFd:
				r.drainTimerFd()
				r.checkPayloadDeadlines()
			default:
				if c, ok := r.conns[fd]; ok {
					r.handleConnEvent(c, ev.Events)
				} else if c, ok := r.payloadConns[fd]; ok {
					r.handlePayloadEvent(c, ev.Events)
				}
			}
		}
	}
}

func (r *Reactor) acceptLoop() {
	if len(r.conns) >= AcceptWatermark {
		if !r.backlogOff {
			r.log.Warn("accept backpressure engaged", "connections", len(r.conns))
			_ = r.epollMod(r.listenFd, 0)
			r.backlogOff = true
		}
		return
	}
	for {
		fd, _, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				r.log.Error("accept failed", "error", err)
			}
			return
		}
		c := newConn(fd)
		r.conns[fd] = c
		if err := r.epollAdd(fd, unix.EPOLLIN); err != nil {
			r.log.Error("registering connection", "fd", fd, "error", err)
			unix.Close(fd)
			delete(r.conns, fd)
			continue
		}
		if len(r.conns) >= AcceptWatermark {
			break
		}
	}
}

func (r *Reactor) closeConn(c *conn) {
	r.epollDel(c.fd)
	unix.Close(c.fd)
	delete(r.conns, c.fd)
	if c.payloadFd >= 0 {
		r.epollDel(c.payloadFd)
		delete(r.payloadConns, c.payloadFd)
		unix.Close(c.payloadFd)
		c.payloadFd = -1
	}
	if r.backlogOff && len(r.conns) < AcceptWatermark {
		_ = r.epollMod(r.listenFd, unix.EPOLLIN)
		r.backlogOff = false
	}
}

func (r *Reactor) drainAndClose() {
	for _, c := range r.conns {
		r.epollDel(c.fd)
		unix.Close(c.fd)
		if c.payloadFd >= 0 {
			r.epollDel(c.payloadFd)
			unix.Close(c.payloadFd)
		}
	}
	r.conns = make(map[int]*conn)
	r.payloadConns = make(map[int]*conn)
}

// drainTimerFd consumes the periodic timerfd's expiration count so it
// remains level-triggered-readable only once per actual interval.
func (r *Reactor) drainTimerFd() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.timerFd, buf[:])
		if err == nil || err == unix.EINTR {
			if err == nil {
				return
			}
			continue
		}
		return
	}
}

// checkPayloadDeadlines closes out every in-flight Add payload read
// whose deadline has passed with a Timeout response (§5).
func (r *Reactor) checkPayloadDeadlines() {
	now := r.clock.Now()
	var expired []*conn
	for _, c := range r.payloadConns {
		if now.After(c.payloadDeadline) {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		r.timeoutPayload(c)
	}
}

// Close releases the reactor's own file descriptors (epoll instance,
// listening socket, eventfd, timerfd) and unlinks the socket path.
// Called after Run returns.
func (r *Reactor) Close() error {
	r.drainAndClose()
	unix.Close(r.epfd)
	unix.Close(r.listenFd)
	unix.Close(r.shutdown)
	unix.Close(r.timerFd)
	if err := os.Remove(r.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reactor: removing socket %s: %w", r.socketPath, err)
	}
	return nil
}
