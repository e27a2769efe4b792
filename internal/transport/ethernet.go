// Package transport implements the reference XCP-on-Ethernet framing
// (spec §6.1): each packet is prefixed with a 4-byte header — a
// little-endian payload length followed by a little-endian packet
// counter — over a TCP stream. The package has no UDP socket.
//
// Connection lifecycle and reconnection follow the same exponential-backoff
// shape as the original gRPC agent transport this package is descended
// from, generalized from a TLS-secured RPC stream to a raw length-prefixed
// socket.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const headerSize = 4

// maxPayload bounds a single frame's payload, guarding against a corrupt or
// hostile length header asking for an unreasonable allocation.
const maxPayload = 1 << 16

// Conn implements xcp.Transport over one accepted or dialed net.Conn,
// applying the 4-byte length+counter header to every packet it sends or
// receives.
type Conn struct {
	SessionID string // assigned at Accept/Dial time, used only for logging

	conn   net.Conn
	reader *bufio.Reader

	writeMu  sync.Mutex
	daqCtr   atomic.Uint32
	cmdCtr   atomic.Uint32
	lastRecv atomic.Uint32
}

// newConn wraps conn with header framing and a fresh session id.
func newConn(conn net.Conn) *Conn {
	return &Conn{
		SessionID: uuid.NewString(),
		conn:      conn,
		reader:    bufio.NewReader(conn),
	}
}

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.conn.Close() }

// RemoteAddr returns the peer address, for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Recv blocks for the next framed packet's payload, honoring ctx
// cancellation by closing the connection if ctx ends before a packet
// arrives.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.reader, hdr[:]); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("transport: read header: %w", err)
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	ctr := binary.LittleEndian.Uint16(hdr[2:4])
	c.lastRecv.Store(uint32(ctr))

	if int(length) > maxPayload {
		return nil, fmt.Errorf("transport: frame length %d exceeds maximum %d", length, maxPayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return payload, nil
}

// Send transmits a command-response packet, echoing the counter of the
// most recently received command packet per the ASAM framing convention.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	return c.writeFramed(payload, uint16(c.lastRecv.Load()))
}

// SendDAQ transmits a DAQ frame with its own independently incrementing
// counter sequence, per spec §6.1 (the DAQ stream is not correlated to
// command/response counters).
func (c *Conn) SendDAQ(ctx context.Context, payload []byte) error {
	ctr := uint16(c.daqCtr.Add(1))
	return c.writeFramed(payload, ctr)
}

func (c *Conn) writeFramed(payload []byte, ctr uint16) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("transport: payload length %d exceeds maximum %d", len(payload), maxPayload)
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(hdr[2:4], ctr)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

// TimestampExpander reconstructs a monotonic 64-bit timestamp from the
// raw 32-bit ticks stamped into DAQ frames (xcp.Clock.Now32, spec §4.5).
// A 32-bit microsecond counter wraps roughly every 71 minutes; a
// calibration tool sampling the DAQ stream continuously needs a
// timestamp that keeps increasing across that wraparound. Expand keeps
// a high-water count of wraps seen so far and is only correct if called
// with every frame in arrival order — skipping frames can miss a wrap
// and corrupt the high bits.
//
// Not used by the server side, which only ever emits raw 32-bit ticks;
// this lives on the decode side of a calibration-tool client consuming
// the DAQ stream.
type TimestampExpander struct {
	wraps uint32
	last  uint32
	init  bool
}

// Expand folds raw (a Now32 sample) into a monotonically increasing
// 64-bit microsecond timestamp.
func (e *TimestampExpander) Expand(raw uint32) uint64 {
	if !e.init {
		e.last = raw
		e.init = true
	} else if raw < e.last {
		e.wraps++
	}
	e.last = raw
	return uint64(e.wraps)<<32 | uint64(raw)
}

// Listener accepts XCP-on-Ethernet connections on a TCP socket, wrapping
// each accepted connection in a framed Conn.
type Listener struct {
	ln     net.Listener
	logger *slog.Logger
}

// Listen opens a TCP listener at addr ("host:port" or ":port").
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{ln: ln, logger: logger}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next incoming connection, returning a framed Conn.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	c := newConn(raw)
	l.logger.Info("transport: accepted connection", "remote", raw.RemoteAddr(), "session", c.SessionID)
	return c, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// DialConfig configures DialWithBackoff's reconnection behavior.
type DialConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
}

func (c *DialConfig) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 1 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// DialWithBackoff connects to a calibration-tool-facing XCP server at addr,
// retrying with exponential backoff until ctx is cancelled or a connection
// succeeds. It exists primarily for test harnesses and reference clients;
// the core itself only ever accepts via Listener.
func DialWithBackoff(ctx context.Context, addr string, cfg DialConfig, logger *slog.Logger) (*Conn, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dialer := net.Dialer{Timeout: cfg.DialTimeout}
		raw, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return newConn(raw), nil
		}
		logger.Warn("transport: dial failed, retrying", "addr", addr, "error", err)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("transport: backoff exhausted dialing %s", addr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
