// Package transport carries protocol frames over TCP. The node side is a
// Server accepting one peer at a time; the console side uses Dial.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"ble-locator.klederson.com/internal/protocol"
)

var (
	ErrNotConnected = errors.New("transport: no peer connected")
	ErrClosed       = errors.New("transport: closed")
)

// writeTimeout bounds a single frame write so a stalled peer cannot block
// the session actor.
const writeTimeout = 5 * time.Second

// Conn is a framed connection. Reads must come from a single goroutine;
// writes are serialized.
type Conn struct {
	nc  net.Conn
	wmu sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Dial connects to a node.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// ReadFrame blocks until one whole frame arrived.
func (c *Conn) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(c.nc)
}

// ReadMessage reads and decodes one frame. A decode error leaves the
// connection usable: the frame was consumed by its announced length.
func (c *Conn) ReadMessage() (protocol.Message, error) {
	frame, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(frame)
}

// WriteFrame writes one encoded frame.
func (c *Conn) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(frame)
	return err
}

// Send encodes and writes msg.
func (c *Conn) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) Close() error { return c.nc.Close() }
