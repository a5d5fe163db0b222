// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ringboard/ringboard/internal/protocol"
	"github.com/ringboard/ringboard/lib/netutil"
)

// state is one position in the per-connection machine of §4.5:
// AwaitingHeader -> ReadingPayload -> Dispatching -> Responding ->
// AwaitingHeader, with Closed terminal. ReadingPayload is entered only
// for an Add request that carried an ancillary fd, and is itself driven
// by epoll readiness on that fd plus the reactor's periodic deadline
// check, never by a blocking read (a regular-file fd, which epoll cannot
// watch, is drained as soon as the state is entered). AwaitingAncillary from the spec's
// diagram is folded into AwaitingHeader here: a client sends the
// fixed-size request and its ancillary SCM_RIGHTS control message in a
// single sendmsg, so recvmsg observes both together (or, on a short
// read, accumulates across several recvmsg calls exactly as it
// accumulates header bytes).
type state int

const (
	stateAwaitingHeader state = iota
	stateReadingPayload
	stateDispatching
	stateResponding
	stateClosed
)

// conn is one client connection's state machine.
type conn struct {
	fd    int
	state state

	reqBuf    [protocol.RequestSize]byte
	reqFilled int
	payloadFd int // ancillary fd received with the request, -1 if none

	payload         []byte    // accumulated Add payload bytes, nil outside ReadingPayload
	payloadWant     int64     // total bytes fstat reported, valid only in ReadingPayload
	payloadFilled   int64     // bytes read so far
	payloadDeadline time.Time // ReadingPayload's Timeout deadline

	respBuf            []byte
	respSent           int
	closeAfterResponse bool
}

func newConn(fd int) *conn {
	return &conn{fd: fd, state: stateAwaitingHeader, payloadFd: -1}
}

// handleConnEvent advances c in response to one epoll readiness
// notification. Unexpected input in any state closes the connection
// (§4.5), mirroring a malformed-request InvalidArgument response when
// one can still be sent.
func (r *Reactor) handleConnEvent(c *conn, events uint32) {
	if c == nil {
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.closeConn(c)
		return
	}

	switch c.state {
	case stateAwaitingHeader:
		r.readRequest(c)
	case stateResponding:
		r.writeResponse(c)
	default:
		// ReadingPayload is driven by handlePayloadEvent on the
		// payload fd, a different fd than c.fd, so it never reaches
		// here. Dispatching never suspends on I/O at all (Dispatch
		// only touches already-mapped files and the allocator over an
		// in-memory payload), so the reactor never observes a
		// readiness event on c.fd while a connection is in that state.
	}
}

func (r *Reactor) readRequest(c *conn) {
	buf := make([]byte, protocol.RequestSize-c.reqFilled)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if !netutil.IsExpectedCloseError(err) {
			r.log.Warn("recvmsg failed", "fd", c.fd, "error", err)
		}
		r.closeConn(c)
		return
	}
	if n == 0 {
		// Orderly shutdown from the peer with no partial request
		// pending is normal; a partial request left hanging is not,
		// but either way there is nothing left to read.
		r.closeConn(c)
		return
	}

	copy(c.reqBuf[c.reqFilled:], buf[:n])
	c.reqFilled += n

	if oobn > 0 {
		if fd, ok := parseAncillaryFd(oob[:oobn]); ok {
			c.payloadFd = fd
		}
	}

	if c.reqFilled < protocol.RequestSize {
		return
	}

	if c.payloadFd >= 0 {
		r.beginPayloadRead(c)
		return
	}
	r.dispatch(c, nil)
}

// beginPayloadRead starts an Add request's asynchronous payload read:
// it stats the ancillary fd for the expected size, switches it to
// non-blocking, registers it with epoll (a regular file or memfd, which
// epoll rejects, is drained at once instead), and records a deadline the
// reactor's timerfd enforces even if the fd never becomes readable
// again (§5, §4.3). A zero-length or unreadable fd short-circuits
// straight to Dispatch, matching the empty-payload and
// missing-payload-fd cases Dispatch already distinguishes.
func (r *Reactor) beginPayloadRead(c *conn) {
	fd := c.payloadFd

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		r.log.Warn("fstat on Add payload fd failed", "fd", fd, "error", err)
		unix.Close(fd)
		c.payloadFd = -1
		r.dispatch(c, nil)
		return
	}
	if stat.Size == 0 {
		unix.Close(fd)
		c.payloadFd = -1
		r.dispatch(c, []byte{})
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		r.log.Warn("setting Add payload fd nonblocking failed", "fd", fd, "error", err)
		unix.Close(fd)
		c.payloadFd = -1
		r.dispatch(c, nil)
		return
	}
	// EPERM means fd is a regular file (a memfd included), which epoll
	// cannot watch; such an fd never returns EAGAIN, so the readPayload
	// call below drains it without waiting for a readiness event.
	if err := r.epollAdd(fd, unix.EPOLLIN); err != nil && !errors.Is(err, unix.EPERM) {
		r.log.Error("registering Add payload fd", "fd", fd, "error", err)
		unix.Close(fd)
		c.payloadFd = -1
		r.dispatch(c, nil)
		return
	}

	c.state = stateReadingPayload
	c.payload = make([]byte, 0, stat.Size)
	c.payloadWant = stat.Size
	c.payloadFilled = 0
	c.payloadDeadline = r.clock.Now().Add(r.handler.AddTimeout())
	r.payloadConns[fd] = c

	r.readPayload(c) // data may already be available; avoid an extra epoll round trip
}

// handlePayloadEvent advances c's in-flight Add payload read in
// response to one epoll readiness notification on its payload fd.
func (r *Reactor) handlePayloadEvent(c *conn, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && events&unix.EPOLLIN == 0 {
		r.failPayloadRead(c, fmt.Errorf("reactor: Add payload fd reported an error before delivering %d/%d bytes", c.payloadFilled, c.payloadWant))
		return
	}
	r.readPayload(c)
}

// readPayload drains whatever bytes are currently available on c's
// payload fd without blocking, stopping at EAGAIN to wait for the next
// readiness event or deadline check.
func (r *Reactor) readPayload(c *conn) {
	buf := make([]byte, payloadReadChunk)
	for c.payloadFilled < c.payloadWant {
		n, err := unix.Read(c.payloadFd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			r.failPayloadRead(c, fmt.Errorf("reactor: reading Add payload fd: %w", err))
			return
		}
		if n == 0 {
			r.failPayloadRead(c, fmt.Errorf("reactor: Add payload fd closed after %d/%d bytes", c.payloadFilled, c.payloadWant))
			return
		}
		c.payload = append(c.payload, buf[:n]...)
		c.payloadFilled += int64(n)
	}

	payload := c.payload
	r.releasePayloadFd(c)
	r.dispatch(c, payload)
}

func (r *Reactor) failPayloadRead(c *conn, err error) {
	r.log.Warn("Add payload read failed", "error", err)
	r.releasePayloadFd(c)
	r.dispatch(c, nil)
}

// timeoutPayload ends c's in-flight Add payload read once its deadline
// has passed, bypassing Dispatch entirely: the client's payload fd
// never delivered its full contents, so there is no payload to hand a
// handler, only a Timeout response to send before closing (§5).
func (r *Reactor) timeoutPayload(c *conn) {
	r.releasePayloadFd(c)
	c.respBuf = protocol.EncodeResponse(protocol.Response{Status: protocol.CodeTimeout})
	c.respSent = 0
	c.closeAfterResponse = true
	c.state = stateResponding
	r.writeResponse(c)
}

func (r *Reactor) releasePayloadFd(c *conn) {
	r.epollDel(c.payloadFd)
	delete(r.payloadConns, c.payloadFd)
	unix.Close(c.payloadFd)
	c.payloadFd = -1
	c.payload = nil
	c.payloadWant = 0
	c.payloadFilled = 0
}

// dispatch calls the handler with req and the (possibly nil) Add
// payload, then starts writing its response.
func (r *Reactor) dispatch(c *conn, payload []byte) {
	c.state = stateDispatching
	resp, closeConn := r.handler.Dispatch(c.reqBuf[:], payload)
	c.respBuf = resp
	c.respSent = 0
	c.state = stateResponding
	c.closeAfterResponse = closeConn

	r.writeResponse(c)
}

func parseAncillaryFd(oob []byte) (int, bool) {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, msg := range messages {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil || len(fds) == 0 {
			continue
		}
		return fds[0], true
	}
	return 0, false
}

func (r *Reactor) writeResponse(c *conn) {
	for c.respSent < len(c.respBuf) {
		n, err := unix.Write(c.fd, c.respBuf[c.respSent:])
		if err != nil {
			if err == unix.EAGAIN {
				_ = r.epollMod(c.fd, unix.EPOLLOUT)
				return
			}
			if err == unix.EINTR {
				continue
			}
			r.closeConn(c)
			return
		}
		c.respSent += n
	}

	if c.closeAfterResponse {
		r.closeConn(c)
		return
	}

	c.reqFilled = 0
	c.respBuf = nil
	c.state = stateAwaitingHeader
	_ = r.epollMod(c.fd, unix.EPOLLIN)
}
