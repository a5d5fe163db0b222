// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringreader

import (
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/ringboard/ringboard/internal/entryid"
	"github.com/ringboard/ringboard/internal/protocol"
	"github.com/ringboard/ringboard/internal/ring"
)

// Client is a connection to the core request/response socket. Each
// method call dials, sends one fixed-size request, reads one fixed-size
// response, and closes — mirroring the server's own per-request
// connection lifecycle (§6), since the wire format has no pipelining.
type Client struct {
	socketPath string
}

// Dial returns a Client targeting the core socket at socketPath. Dial
// itself opens no connection; each call below does.
func Dial(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) connect() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("ringreader: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: c.socketPath}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ringreader: connecting to %s: %w", c.socketPath, err)
	}
	return fd, nil
}

// roundTrip sends req (with payloadFd attached via SCM_RIGHTS if >= 0)
// and returns the decoded response.
func (c *Client) roundTrip(req protocol.Request, payloadFd int) (protocol.Response, error) {
	fd, err := c.connect()
	if err != nil {
		return protocol.Response{}, err
	}
	defer unix.Close(fd)

	buf := protocol.Encode(req)
	var oob []byte
	if payloadFd >= 0 {
		oob = unix.UnixRights(payloadFd)
	}
	if err := sendmsgAll(fd, buf, oob); err != nil {
		return protocol.Response{}, fmt.Errorf("ringreader: sending request: %w", err)
	}

	respBuf := make([]byte, protocol.ResponseSize)
	if err := recvAll(fd, respBuf); err != nil {
		return protocol.Response{}, fmt.Errorf("ringreader: reading response: %w", err)
	}
	return protocol.DecodeResponse(respBuf)
}

func sendmsgAll(fd int, buf, oob []byte) error {
	for {
		err := unix.Sendmsg(fd, buf, oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func recvAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("connection closed with %d bytes still expected", len(buf))
		}
		buf = buf[n:]
	}
	return nil
}

// payloadFd creates an anonymous (unsealed) memfd holding data, rewound to
// its start so the server's Fstat+Read sees the full payload (§6: Add
// attaches its payload via an ancillary fd rather than inlining it).
func payloadFd(data []byte) (int, error) {
	fd, err := unix.MemfdCreate("ringboard-add-payload", 0)
	if err != nil {
		return -1, fmt.Errorf("ringreader: memfd_create: %w", err)
	}
	if len(data) > 0 {
		if _, err := unix.Write(fd, data); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("ringreader: writing payload to memfd: %w", err)
		}
	}
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ringreader: rewinding memfd: %w", err)
	}
	return fd, nil
}

// Add stores payload as a new entry in kind, returning its id.
//
// Add does not hash payload or check it for duplicates (the core
// protocol has no lookup-by-hash opcode, per §8's "dedup is a
// GarbageCollect-time concern, not an Add-time one"); callers that keep
// their own recent-additions cache can use [ContentHash] to skip a
// redundant Add locally without a round trip.
func (c *Client) Add(kind ring.Kind, mime string, payload []byte) (entryid.ID, error) {
	fd, err := payloadFd(payload)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	resp, err := c.roundTrip(protocol.Request{
		Version: protocol.Version,
		Opcode:  protocol.OpAdd,
		Ring:    kind,
		Mime:    mime,
	}, fd)
	if err != nil {
		return 0, err
	}
	if resp.Status != protocol.OK {
		return 0, protocol.ErrForCode(resp.Status)
	}
	return entryid.ID(resp.Value), nil
}

// ContentHash returns the blake3 digest of payload, for a caller-side
// best-effort duplicate check against its own recently-added entries.
func ContentHash(payload []byte) [32]byte {
	hasher := blake3.New()
	hasher.Write(payload)
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// MoveToFront moves id to the front of targetKind's ring, returning its
// (possibly new) id.
func (c *Client) MoveToFront(id entryid.ID, targetKind ring.Kind) (entryid.ID, error) {
	resp, err := c.roundTrip(protocol.Request{
		Version:    protocol.Version,
		Opcode:     protocol.OpMoveToFront,
		ID1:        id,
		HasTarget:  true,
		TargetRing: targetKind,
	}, -1)
	if err != nil {
		return 0, err
	}
	if resp.Status != protocol.OK {
		return 0, protocol.ErrForCode(resp.Status)
	}
	return entryid.ID(resp.Value), nil
}

// Swap exchanges the contents of two ring slots.
func (c *Client) Swap(id1, id2 entryid.ID) error {
	resp, err := c.roundTrip(protocol.Request{
		Version: protocol.Version,
		Opcode:  protocol.OpSwap,
		ID1:     id1,
		ID2:     id2,
	}, -1)
	if err != nil {
		return err
	}
	return protocol.ErrForCode(resp.Status)
}

// Remove clears id's slot.
func (c *Client) Remove(id entryid.ID) error {
	resp, err := c.roundTrip(protocol.Request{
		Version: protocol.Version,
		Opcode:  protocol.OpRemove,
		ID1:     id,
	}, -1)
	if err != nil {
		return err
	}
	return protocol.ErrForCode(resp.Status)
}

// GarbageCollect triggers a collection pass. maxWaste == 0 requests the
// maximal (compaction + cross-ring dedup) pass; any other value
// requests soft compaction only (§4.6). It returns the number of bytes
// reclaimed.
func (c *Client) GarbageCollect(maxWaste uint64) (uint64, error) {
	resp, err := c.roundTrip(protocol.Request{
		Version:  protocol.Version,
		Opcode:   protocol.OpGarbageCollect,
		MaxWaste: maxWaste,
	}, -1)
	if err != nil {
		return 0, err
	}
	if resp.Status != protocol.OK {
		return 0, protocol.ErrForCode(resp.Status)
	}
	return resp.Value, nil
}

// ReloadSettings asks the server to re-read its settings file.
func (c *Client) ReloadSettings() error {
	resp, err := c.roundTrip(protocol.Request{
		Version: protocol.Version,
		Opcode:  protocol.OpReloadSettings,
	}, -1)
	if err != nil {
		return err
	}
	return protocol.ErrForCode(resp.Status)
}
