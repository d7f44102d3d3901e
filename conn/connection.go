// File: conn/connection.go
// Package conn implements the per-socket protocol state machine: one
// Connection owns its fd and two fixed ring buffers, drives the wsproto
// codecs, and delivers events to the handlers the reactor installed on it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frames are not handed between a recvLoop/sendLoop goroutine pair
// connected by channels: this module's reactor is single-threaded and
// non-blocking end to end, so Connection instead exposes OnReadable/
// OnWritable hooks the reactor calls directly from its poll loop, and
// every queued byte lives in a ringbuf.Ring rather than a channel of
// frame values.
package conn

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/momentics/ewss/internal/logging"
	"github.com/momentics/ewss/ringbuf"
	"github.com/momentics/ewss/stats"
	"github.com/momentics/ewss/wserr"
	"github.com/momentics/ewss/wsproto"
)

const (
	rxCapacity = 4096
	txCapacity = 8192

	highWatermarkNum = 75
	lowWatermarkNum  = 25
	watermarkDen     = 100

	HandshakeTimeout = 5 * time.Second
	CloseTimeout     = 5 * time.Second

	// kTempReadSize is the chunk size used by the scalar, non-vectored
	// write fallback; the vectored path via unix.Writev is the default and
	// this one is kept only as an alternate code path (see SetUseWritev).
	kTempReadSize = 512
)

// Callbacks holds the four required user event handlers plus the two
// optional backpressure notifications. The reactor copies a Callbacks
// value into every Connection it accepts.
type Callbacks struct {
	OnOpen         func(c *Connection)
	OnMessage      func(c *Connection, payload []byte, binary bool)
	OnClose        func(c *Connection, clean bool)
	OnError        func(c *Connection)
	OnBackpressure func(c *Connection)
	OnDrain        func(c *Connection)
}

// Connection is a single socket's protocol state machine. Every method on
// it is single-threaded: the reactor is its only caller, and any user
// callback it invokes runs synchronously on that same goroutine.
type Connection struct {
	id  uint64
	fd  int
	rx  *ringbuf.Ring
	tx  *ringbuf.Ring

	state       State
	lastErr     *wserr.Error
	writePaused bool

	createdAt    time.Time
	closingAt    time.Time
	lastActivity time.Time

	cb        Callbacks
	stats     *stats.Stats
	limiter   *rate.Limiter
	useWritev bool
	log       *logrus.Logger

	// rxSnapshot is a reusable linearization buffer for handshake and frame
	// parsing: both codecs need a contiguous byte slice, but the ring may
	// hold the readable region split across a wraparound.
	rxSnapshot [rxCapacity]byte
}

// New constructs a Connection over an already-accepted, already-non-blocking
// fd. limiter may be nil, in which case no per-connection rate limiting is
// applied.
func New(id uint64, fd int, cb Callbacks, st *stats.Stats, limiter *rate.Limiter) *Connection {
	c := &Connection{}
	c.Reset(id, fd, cb, st, limiter)
	return c
}

// Reset reinitializes a Connection in place for reuse by a slot pool: the
// ring buffers are cleared rather than reallocated, so accepting a new
// connection from a pooled slot costs no additional heap allocation beyond
// the Connection itself.
func (c *Connection) Reset(id uint64, fd int, cb Callbacks, st *stats.Stats, limiter *rate.Limiter) {
	now := time.Now()
	if c.rx == nil {
		c.rx = ringbuf.New(rxCapacity)
	} else {
		c.rx.Clear()
	}
	if c.tx == nil {
		c.tx = ringbuf.New(txCapacity)
	} else {
		c.tx.Clear()
	}
	c.id = id
	c.fd = fd
	c.state = Handshaking
	c.lastErr = wserr.New(wserr.Ok, "")
	c.writePaused = false
	c.createdAt = now
	c.closingAt = time.Time{}
	c.lastActivity = now
	c.cb = cb
	c.stats = st
	c.limiter = limiter
	c.useWritev = true
}

// SetUseWritev toggles between the default vectored write path and the
// scalar kTempReadSize-chunked fallback.
func (c *Connection) SetUseWritev(v bool) { c.useWritev = v }

// SetLogger installs the logger the reactor uses for every
// connection-scoped log line this Connection emits. A nil logger (the
// default) disables logging entirely.
func (c *Connection) SetLogger(log *logrus.Logger) *Connection {
	c.log = log
	return c
}

// logEntry returns a conn_id/fd/state-tagged entry, or nil if no logger
// is installed. Call sites must guard on a nil return.
func (c *Connection) logEntry() *logrus.Entry {
	if c.log == nil {
		return nil
	}
	return logging.Conn(c.log, c.id, c.fd, c.state.String())
}

func (c *Connection) ID() uint64        { return c.id }
func (c *Connection) Fd() int           { return c.fd }
func (c *Connection) State() State      { return c.state }
func (c *Connection) IsClosed() bool    { return c.state == Closed }
func (c *Connection) IsWritePaused() bool { return c.writePaused }
func (c *Connection) LastError() wserr.Code { return c.lastErr.Code }

// LastErrorDetail returns the full diagnostic record behind LastError,
// including a human-readable message. The reactor calls MarkError to
// populate it immediately before a forced close so an OnClose handler can
// report why the connection went down.
func (c *Connection) LastErrorDetail() *wserr.Error { return c.lastErr }

// MarkError records a diagnostic code and message without altering
// connection state.
func (c *Connection) MarkError(code wserr.Code, message string) {
	c.lastErr = wserr.New(code, message)
}

// WantsWrite reports whether the reactor should monitor this connection's
// fd for writability on the next poll iteration.
func (c *Connection) WantsWrite() bool { return !c.tx.Empty() }

// TxBufferUsage is the fraction of TX capacity currently queued, in [0,1].
func (c *Connection) TxBufferUsage() float64 {
	return float64(c.tx.Size()) / float64(c.tx.Cap())
}

// IdleMs is the time since the last successful read, in milliseconds.
func (c *Connection) IdleMs() int64 {
	return time.Since(c.lastActivity).Milliseconds()
}

// HandshakeExpired reports whether the connection has been in Handshaking
// longer than HandshakeTimeout as of now.
func (c *Connection) HandshakeExpired(now time.Time) bool {
	return c.state == Handshaking && now.Sub(c.createdAt) > HandshakeTimeout
}

// CloseExpired reports whether the connection has been in Closing longer
// than CloseTimeout as of now.
func (c *Connection) CloseExpired(now time.Time) bool {
	return c.state == Closing && now.Sub(c.closingAt) > CloseTimeout
}

// OnReadable is invoked by the reactor when the fd is readable. It performs
// one vectored read into the RX ring and dispatches whatever the current
// state's data handler does with the newly arrived bytes.
func (c *Connection) OnReadable() {
	if c.state == Closed {
		return
	}
	slices := c.rx.WritableSlices()
	if len(slices) == 0 {
		// RX ring has no room left; wait for the parse loop on a later
		// iteration to free space. A frame that can never fit is caught
		// in parseFrames before the ring reaches this state.
		return
	}

	n, err := unix.Readv(c.fd, slices)
	switch {
	case err != nil:
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.lastErr = wserr.New(wserr.SocketError, "vectored read failed")
		if c.stats != nil {
			c.stats.SocketErrors.Add(1)
		}
		c.fail()
		return
	case n == 0:
		c.lastErr = wserr.New(wserr.ConnectionClosed, "peer closed connection")
		c.shutdownSocket()
		c.transitionClosed(false)
		return
	}

	c.rx.CommitWrite(n)
	c.lastActivity = time.Now()

	switch c.state {
	case Handshaking:
		c.runHandshake()
	case Open, Closing:
		c.parseFrames()
	}
}

// OnWritable is invoked by the reactor when the fd is writable and TX is
// non-empty. It performs one vectored write and checks the low watermark.
func (c *Connection) OnWritable() {
	if c.tx.Empty() {
		return
	}
	var n int
	var err error
	if c.useWritev {
		n, err = unix.Writev(c.fd, c.tx.ReadableSlices())
	} else {
		var tmp [kTempReadSize]byte
		m := c.tx.Peek(tmp[:])
		n, err = unix.Write(c.fd, tmp[:m])
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.lastErr = wserr.New(wserr.SocketError, "vectored write failed")
		if c.stats != nil {
			c.stats.SocketErrors.Add(1)
		}
		c.fail()
		return
	}
	c.tx.Advance(n)
	c.checkLowWatermark()
}

// Send queues a text frame. It reports ConnectionClosed once the socket
// has reached Closed, and InvalidState for any other non-Open state.
func (c *Connection) Send(payload []byte) wserr.Code {
	switch c.state {
	case Open:
		return c.enqueue(wsproto.OpcodeText, payload)
	case Closed:
		return wserr.ConnectionClosed
	default:
		return wserr.InvalidState
	}
}

// SendBinary queues a binary frame. It reports ConnectionClosed once the
// socket has reached Closed, and InvalidState for any other non-Open
// state.
func (c *Connection) SendBinary(payload []byte) wserr.Code {
	switch c.state {
	case Open:
		return c.enqueue(wsproto.OpcodeBinary, payload)
	case Closed:
		return wserr.ConnectionClosed
	default:
		return wserr.InvalidState
	}
}

// Close is idempotent. In Open it queues a close frame carrying code and
// moves to Closing; in Handshaking it shuts the socket immediately and
// moves to Closed; in Closing it is a no-op that leaves the already-queued
// close frame and close timeout untouched; past that it reports
// ConnectionClosed.
func (c *Connection) Close(code uint16) wserr.Code {
	switch c.state {
	case Open:
		var payload [2]byte
		binary.BigEndian.PutUint16(payload[:], code)
		result := c.enqueue(wsproto.OpcodeClose, payload[:])
		c.state = Closing
		c.closingAt = time.Now()
		return result
	case Handshaking:
		c.shutdownSocket()
		c.transitionClosed(true)
		return wserr.Ok
	case Closing:
		return wserr.Ok
	default:
		return wserr.ConnectionClosed
	}
}

// ForceClose shuts the socket down and transitions to Closed immediately,
// bypassing the close-frame handshake. The reactor calls this on ERR/HUP
// readiness, where the socket itself is no longer usable for a graceful
// exchange.
func (c *Connection) ForceClose() {
	if c.state == Closed {
		return
	}
	c.shutdownSocket()
	c.transitionClosed(false)
}

func (c *Connection) enqueue(opcode byte, payload []byte) wserr.Code {
	var hdr [wsproto.MaxHeaderLen]byte
	hlen := wsproto.EncodeFrameHeader(opcode, uint64(len(payload)), false, hdr[:])
	total := hlen + len(payload)

	if c.tx.Available() < total {
		if c.stats != nil {
			c.stats.BufferOverflows.Add(1)
		}
		return wserr.BufferFull
	}
	c.tx.Push(hdr[:hlen])
	if len(payload) > 0 {
		c.tx.Push(payload)
	}
	if opcode == wsproto.OpcodeText || opcode == wsproto.OpcodeBinary {
		if c.stats != nil {
			c.stats.MessagesOut.Add(1)
			c.stats.BytesOut.Add(uint64(len(payload)))
		}
	}
	c.checkHighWatermark()
	return wserr.Ok
}

// runHandshake is Handshaking's on_data operation.
func (c *Connection) runHandshake() {
	n := c.rx.Peek(c.rxSnapshot[:])
	hs, incomplete, err := wsproto.ParseHandshake(c.rxSnapshot[:n])
	if incomplete {
		return
	}
	if err != nil {
		c.lastErr = wserr.New(wserr.HandshakeFailed, err.Error())
		if c.stats != nil {
			c.stats.HandshakeErrors.Add(1)
		}
		if e := c.logEntry(); e != nil {
			e.WithError(err).Warn("handshake parse failed")
		}
		c.shutdownSocket()
		c.transitionClosed(false)
		return
	}

	resp := wsproto.BuildUpgradeResponse(hs.AcceptKey)
	if c.tx.Available() < len(resp) {
		c.lastErr = wserr.New(wserr.BufferFull, "tx buffer too small for handshake response")
		if c.stats != nil {
			c.stats.HandshakeErrors.Add(1)
		}
		if e := c.logEntry(); e != nil {
			e.Warn("tx buffer too small for handshake response")
		}
		c.shutdownSocket()
		c.transitionClosed(false)
		return
	}
	c.tx.Push(resp)
	c.rx.Advance(hs.Consumed)

	c.state = Open
	if e := c.logEntry(); e != nil {
		e.Debug("handshake complete")
	}
	if c.cb.OnOpen != nil {
		c.cb.OnOpen(c)
	}
}

// parseFrames is Open's and Closing's on_data operation: it walks every
// complete frame in the current RX snapshot, in order, stopping at the
// first incomplete one.
func (c *Connection) parseFrames() {
	n := c.rx.Peek(c.rxSnapshot[:])
	snap := c.rxSnapshot[:n]
	consumed := 0

	for {
		cur := snap[consumed:]
		hdr, hlen, ok := wsproto.ParseFrameHeader(cur)
		if !ok {
			break
		}
		total := hlen + int(hdr.PayloadLen)
		if total > c.rx.Cap() {
			c.rx.Advance(consumed)
			c.lastErr = wserr.New(wserr.BufferFull, "frame exceeds rx ring capacity")
			if c.stats != nil {
				c.stats.BufferOverflows.Add(1)
			}
			c.fail()
			return
		}
		if total > len(cur) {
			break
		}

		payload := cur[hlen:total]
		if hdr.Masked {
			wsproto.ApplyMask(payload, hdr.MaskKey)
		}

		switch hdr.Opcode {
		case wsproto.OpcodeText, wsproto.OpcodeBinary:
			if c.state == Open {
				c.deliverMessage(payload, hdr.Opcode == wsproto.OpcodeBinary)
			}
		case wsproto.OpcodeClose:
			consumed += total
			c.rx.Advance(consumed)
			clean := c.state == Closing
			c.shutdownSocket()
			c.transitionClosed(clean)
			return
		case wsproto.OpcodePing:
			c.enqueue(wsproto.OpcodePong, payload)
		case wsproto.OpcodePong:
		default:
		}
		consumed += total
	}

	if consumed > 0 {
		c.rx.Advance(consumed)
	}
}

func (c *Connection) deliverMessage(payload []byte, binary bool) {
	if c.limiter != nil && !c.limiter.Allow() {
		if c.stats != nil {
			c.stats.RateLimited.Add(1)
		}
		c.lastErr = wserr.New(wserr.RateLimited, "inbound message rate exceeded")
		return
	}
	if c.stats != nil {
		c.stats.MessagesIn.Add(1)
		c.stats.BytesIn.Add(uint64(len(payload)))
	}
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(c, payload, binary)
	}
}

func (c *Connection) checkHighWatermark() {
	if c.writePaused {
		return
	}
	if c.tx.Size()*watermarkDen >= c.tx.Cap()*highWatermarkNum {
		c.writePaused = true
		if c.cb.OnBackpressure != nil {
			c.cb.OnBackpressure(c)
		}
	}
}

func (c *Connection) checkLowWatermark() {
	if !c.writePaused {
		return
	}
	if c.tx.Size()*watermarkDen <= c.tx.Cap()*lowWatermarkNum {
		c.writePaused = false
		if c.cb.OnDrain != nil {
			c.cb.OnDrain(c)
		}
	}
}

func (c *Connection) fail() {
	if e := c.logEntry(); e != nil {
		e.WithField("last_error", c.lastErr.Error()).Warn("connection failing")
	}
	if c.cb.OnError != nil {
		c.cb.OnError(c)
	}
	c.shutdownSocket()
	c.transitionClosed(false)
}

func (c *Connection) transitionClosed(clean bool) {
	if c.state == Closed {
		return
	}
	c.state = Closed
	if c.stats != nil {
		c.stats.ActiveConnections.Add(-1)
	}
	if e := c.logEntry(); e != nil {
		e.WithField("clean", clean).Debug("connection closed")
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose(c, clean)
	}
}

func (c *Connection) shutdownSocket() {
	unix.Close(c.fd)
}
