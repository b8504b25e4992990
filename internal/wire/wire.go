// Package wire implements the length-prefixed framing used by the
// side channel: a 10-digit zero-padded ASCII length followed by that
// many bytes of payload. There is no message-type field; sequencing is
// implicit in the side channel's protocol phase.
package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// LengthWidth is the width of the ASCII length prefix.
const LengthWidth = 10

// MaxFrameLength bounds the length prefix so a corrupt or hostile peer
// cannot make a frame read allocate unbounded memory.
const MaxFrameLength = 64 << 20 // 64 MiB

// A Conn is a framed connection to a side channel peer. It is safe for
// concurrent Send and Receive calls from different goroutines, but not
// for concurrent Sends with Sends or Receives with Receives.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewConn wraps an existing net.Conn with frame encoding/decoding.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		r:  bufio.NewReader(nc),
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Raw returns the underlying net.Conn, for callers that need to
// inspect transport-level details (e.g. *net.TCPConn for TCP_NODELAY).
func (c *Conn) Raw() net.Conn {
	return c.nc
}

// Send writes a single frame: a 10-digit zero-padded length followed by
// payload.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(payload), MaxFrameLength)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}

	header := fmt.Sprintf("%0*d", LengthWidth, len(payload))
	if _, err := io.WriteString(c.nc, header); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := c.nc.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// SendString is a convenience wrapper around Send for ASCII payloads.
func (c *Conn) SendString(ctx context.Context, s string) error {
	return c.Send(ctx, []byte(s))
}

// Receive reads a single frame and returns its payload.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}

	lenBuf := make([]byte, LengthWidth)
	if _, err := io.ReadFull(c.r, lenBuf); err != nil {
		return nil, err
	}

	n, err := strconv.Atoi(string(lenBuf))
	if err != nil {
		return nil, fmt.Errorf("wire: malformed length prefix %q: %w", lenBuf, err)
	}
	if n < 0 || n > MaxFrameLength {
		return nil, fmt.Errorf("wire: frame length %d out of range", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}

// ReceiveString is a convenience wrapper around Receive for ASCII payloads.
func (c *Conn) ReceiveString(ctx context.Context) (string, error) {
	b, err := c.Receive(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
