// Package transport implements the framed-connection abstraction every
// wire envelope travels over: a Conn reads and writes whole frames, never
// partial ones, so pkg/wire never has to think about TCP's stream
// semantics. The concrete implementation here is a length-prefixed
// net.Conn, standing in for the spec's QUIC/WebSocket transport (out of
// scope to build for real; see DESIGN.md). Grounded on the teacher's
// pkg/api/server.go accept-loop shape, generalized from gRPC's framing
// (handled for it by the grpc-go runtime) to an explicit length-prefix
// protocol since no framing library is carried by the example pack.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// CurrentProtocolVersion is negotiated as the first frame exchanged on
// every connection; a mismatch fails the connection with a protocol
// error rather than attempting to interoperate.
const CurrentProtocolVersion = "kiln-wire-v1"

// maxFrameSize bounds a single frame, guarding against a corrupt or
// hostile length prefix causing an unbounded allocation.
const maxFrameSize = 64 << 20

// Conn is a framed, bidirectional connection: each SendFrame call is
// delivered to the peer as exactly one ReceiveFrame call. Implementations
// must be safe for concurrent use by one reader and one writer goroutine,
// but not for concurrent writers or concurrent readers.
type Conn interface {
	SendFrame(frame []byte) error
	ReceiveFrame() ([]byte, error)
	Close() error
}

// conn implements Conn over a net.Conn using a 4-byte big-endian length
// prefix ahead of each frame's bytes.
type conn struct {
	nc net.Conn
	r  *bufio.Reader
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, r: bufio.NewReader(nc)}
}

// SendFrame writes frame's length-prefixed bytes in a single call,
// so a concurrent reader on the peer never observes a torn frame.
func (c *conn) SendFrame(frame []byte) error {
	header := make([]byte, 4, 4+len(frame))
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	if _, err := c.nc.Write(append(header, frame...)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReceiveFrame blocks until one complete frame has arrived.
func (c *conn) ReceiveFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return frame, nil
}

func (c *conn) Close() error { return c.nc.Close() }

// Dial opens a TCP connection to addr and negotiates the protocol
// version: it sends CurrentProtocolVersion as the first frame, then
// reads the peer's, failing the connection on a mismatch.
func Dial(addr string) (Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c := newConn(nc)
	if err := negotiateClient(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func negotiateClient(c Conn) error {
	if err := c.SendFrame([]byte(CurrentProtocolVersion)); err != nil {
		return fmt.Errorf("sending protocol version: %w", err)
	}
	frame, err := c.ReceiveFrame()
	if err != nil {
		return fmt.Errorf("receiving protocol version: %w", err)
	}
	if string(frame) != CurrentProtocolVersion {
		return fmt.Errorf("protocol version mismatch: server sent %q, want %q", frame, CurrentProtocolVersion)
	}
	return nil
}

// negotiateServer is the accept-side mirror of negotiateClient: it reads
// the client's announced version before replying with its own, so a
// mismatched client fails before either side assumes a shared protocol.
func negotiateServer(c Conn) error {
	frame, err := c.ReceiveFrame()
	if err != nil {
		return fmt.Errorf("receiving protocol version: %w", err)
	}
	if string(frame) != CurrentProtocolVersion {
		_ = c.SendFrame([]byte(CurrentProtocolVersion))
		return fmt.Errorf("protocol version mismatch: client sent %q, want %q", frame, CurrentProtocolVersion)
	}
	if err := c.SendFrame([]byte(CurrentProtocolVersion)); err != nil {
		return fmt.Errorf("sending protocol version: %w", err)
	}
	return nil
}

// Listener accepts incoming connections, negotiating the protocol
// version on each before handing it back to the caller.
type Listener struct {
	nl net.Listener
}

// Listen binds addr and returns a Listener ready to Accept connections.
func Listen(addr string) (*Listener, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{nl: nl}, nil
}

// Addr returns the listener's bound network address.
func (l *Listener) Addr() net.Addr { return l.nl.Addr() }

// Accept blocks until the next incoming connection completes protocol
// negotiation, then returns it. A connection that fails negotiation is
// closed and not returned; the caller should call Accept again.
func (l *Listener) Accept() (Conn, error) {
	for {
		nc, err := l.nl.Accept()
		if err != nil {
			return nil, fmt.Errorf("accepting connection: %w", err)
		}
		c := newConn(nc)
		if err := negotiateServer(c); err != nil {
			_ = c.Close()
			continue
		}
		return c, nil
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.nl.Close() }
