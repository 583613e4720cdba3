// Package transport provides the blocking, full-duplex channel abstraction
// used by both the chat server and client. A Channel owns one underlying
// net.Conn and moves whole protocol frames across it; every failure mode
// (peer disconnect, malformed frame, use after close) surfaces as *Error so
// callers can branch on transport loss without inspecting causes.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/zurbaevi/chat/pkg/protocol"
)

// Error is the transport-level failure type. Any Send/Receive error that is
// not already an *Error is wrapped in one.
type Error struct {
	Op  string // "send", "receive" or "close"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrClosed is returned by Send/Receive after Close.
var ErrClosed = errors.New("channel closed")

// IsTransportError reports whether err is (or wraps) a transport *Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// Channel wraps one duplex byte connection and sends/receives whole protocol
// frames. Writes are serialized with a mutex so two concurrent Send calls can
// never interleave their frame bytes on the wire. Receive is expected to be
// called from a single reader goroutine, matching the one-receive-loop-per-
// connection model on both ends.
type Channel struct {
	conn net.Conn

	writeMu sync.Mutex // Protects writes to conn

	closeMu sync.Mutex
	closed  bool
}

// NewChannel wraps a net.Conn. The Channel takes ownership of the connection;
// Close releases it.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Send encodes msg into a frame of the given kind and writes it atomically
// with respect to other Send calls on this channel.
func (c *Channel) Send(kind uint8, msg protocol.Message) error {
	frame, err := protocol.NewFrame(kind, msg)
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	return c.SendFrame(frame)
}

// SendFrame writes an already-built frame. Used by the server's broadcast
// path, which encodes a frame once and fans it out to many channels.
func (c *Channel) SendFrame(frame *protocol.Frame) error {
	if c.isClosed() {
		return &Error{Op: "send", Err: ErrClosed}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := protocol.EncodeFrame(c.conn, frame); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// WriteBytes writes pre-encoded frame bytes with write synchronization.
// The broadcast path encodes a frame once and fans the same bytes out to
// every channel.
func (c *Channel) WriteBytes(data []byte) error {
	if c.isClosed() {
		return &Error{Op: "send", Err: ErrClosed}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(data); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Receive blocks the calling goroutine until one full frame is available and
// returns it. Peer disconnect and malformed data both yield *Error.
func (c *Channel) Receive() (*protocol.Frame, error) {
	if c.isClosed() {
		return nil, &Error{Op: "receive", Err: ErrClosed}
	}

	frame, err := protocol.DecodeFrame(c.conn)
	if err != nil {
		return nil, &Error{Op: "receive", Err: err}
	}
	return frame, nil
}

// Close releases the underlying connection. Idempotent; subsequent Send and
// Receive calls fail with *Error wrapping ErrClosed.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

func (c *Channel) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// RemoteAddr returns the remote network address of the underlying connection.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
