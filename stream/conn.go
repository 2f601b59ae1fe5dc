package stream

import (
	"fmt"
	"net"
	"time"
)

// streamAddr is a placeholder net.Addr: a RELAY-cell stream has no real
// socket address of its own, only a circuit and a stream ID.
type streamAddr string

func (a streamAddr) Network() string { return "tor-stream" }
func (a streamAddr) String() string  { return string(a) }

// Conn adapts a *Stream to net.Conn so crypto/tls.Client can run a second,
// end-to-end TLS handshake over it for an https:// fetch (spec.md §2: "the
// per-request stream carries TLS + HTTP bytes end-to-end", §6 names a TLS
// 1.2 duplex constructor as a collaborator) — on top of, and independent
// from, the link's own TLS to the guard.
type Conn struct {
	*Stream
}

// NewConn wraps s as a net.Conn.
func NewConn(s *Stream) *Conn {
	return &Conn{Stream: s}
}

func (c *Conn) LocalAddr() net.Addr { return streamAddr("tor-stream") }
func (c *Conn) RemoteAddr() net.Addr {
	return streamAddr(fmt.Sprintf("circuit:%d/stream:%d", c.Stream.Circuit.ID, c.Stream.ID))
}

// Deadlines aren't meaningful for a cell-driven stream; these are no-ops
// so Conn satisfies net.Conn for tls.Client.
func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*Conn)(nil)
