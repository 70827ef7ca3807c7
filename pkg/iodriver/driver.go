// Package iodriver is the transport seam beneath the frame codec: a
// blocking byte stream with read/write/connect deadlines, a
// select-based wait primitive that cooperates with asynchronous
// process signals, and heartbeat bookkeeping shared by every variant
// (tcp, loopback, winpipe).
package iodriver

import (
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
)

// WaitOutcome is the tri-state result of Wait.
type WaitOutcome int

const (
	Readable WaitOutcome = iota
	Timeout
	Interrupted
)

func (o WaitOutcome) String() string {
	switch o {
	case Readable:
		return "readable"
	case Timeout:
		return "timeout"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Stream is the capability interface every transport variant
// implements: exact-length read, full write, interruptible wait,
// idempotent close. Connecting is not part of the interface: tcp and
// winpipe each provide a Dial that returns a connected Stream, and
// loopback.Pair stands in for a real peer in tests.
type Stream interface {
	// ReadExact returns exactly n octets or fails.
	ReadExact(n int) ([]byte, error)
	// WriteAll writes b in full or fails.
	WriteAll(b []byte) error
	// Wait blocks until the stream is readable, d elapses, or an
	// installed signal fires.
	Wait(d time.Duration) (WaitOutcome, error)
	// Close is idempotent.
	Close() error
}

// Clock tracks last-read/last-write timestamps and derives the two
// heartbeat decisions: whether the peer has gone silent past the miss
// threshold, and whether this side must emit a heartbeat to stay under
// the peer's expectation.
type Clock struct {
	Heartbeat time.Duration
	lastRead  time.Time
	lastWrite time.Time
}

// NewClock returns a Clock with both timestamps set to now, as happens
// immediately after Connect.
func NewClock(heartbeat time.Duration) *Clock {
	now := time.Now()
	return &Clock{Heartbeat: heartbeat, lastRead: now, lastWrite: now}
}

// MarkRead records a successful read at now.
func (c *Clock) MarkRead(now time.Time) { c.lastRead = now }

// MarkWrite records a successful write at now.
func (c *Clock) MarkWrite(now time.Time) { c.lastWrite = now }

// Check applies the two heartbeat rules at time now. A non-nil error
// means peer silence has exceeded 2*heartbeat+1 seconds; the caller
// must close the connection with it. shouldSend is true when this side
// has been silent past heartbeat/2 seconds and must emit a zero-length
// heartbeat frame; Check does not send it — the caller does, then
// calls MarkWrite.
func (c *Clock) Check(now time.Time) (err error, shouldSend bool) {
	if c.Heartbeat <= 0 || c.lastRead.IsZero() || c.lastWrite.IsZero() {
		return nil, false
	}
	lastActivity := c.lastRead
	if c.lastWrite.After(lastActivity) {
		lastActivity = c.lastWrite
	}
	idle := now.Sub(lastActivity)
	missThreshold := 2*c.Heartbeat + time.Second
	if idle > missThreshold {
		return &amqperr.HeartbeatMissed{IdleSeconds: idle.Seconds()}, false
	}
	sendThreshold := c.Heartbeat / 2
	if now.Sub(c.lastWrite) > sendThreshold {
		return nil, true
	}
	return nil, false
}
