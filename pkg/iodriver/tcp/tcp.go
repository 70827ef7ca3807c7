// Package tcp is the plain (and optionally TLS-wrapped) socket variant
// of iodriver.Stream, adapted from the teacher's length-prefixed
// transport/tcp package: dial with a connect timeout and buffer through
// bufio. ReadExact and WriteAll do not set deadlines of their own; they
// observe whatever deadline is currently set on the connection (see
// SetDeadlines and Wait).
package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/iodriver"
)

// pollChunk bounds how long a single readability poll blocks, so the
// wait loop can notice a fired signal between chunks.
const pollChunk = 200 * time.Millisecond

// Dial opens a TCP connection to addr, wrapping it in tls.Client when
// tlsConfig is non-nil (the "already-encrypted stream" seam).
func Dial(ctx context.Context, addr string, connectTimeout time.Duration, keepalive time.Duration, tlsConfig *tls.Config) (*Stream, error) {
	d := &net.Dialer{Timeout: connectTimeout, KeepAlive: keepalive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &amqperr.Timeout{Op: "connect", Conn: false}
	}
	if tlsConfig != nil {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tc
	}
	return newStream(conn), nil
}

// Stream is the tcp iodriver.Stream implementation.
type Stream struct {
	mu  sync.Mutex
	c   net.Conn
	br  *bufio.Reader
	sig *iodriver.SignalWaiter
}

func newStream(c net.Conn) *Stream {
	s := &Stream{c: c, br: bufio.NewReader(c), sig: iodriver.NewSignalWaiter()}
	s.sig.Arm()
	return s
}

var _ iodriver.Stream = (*Stream)(nil)

// ReadExact returns exactly n octets from the peer or fails.
func (s *Stream) ReadExact(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, n)
	if _, err := readFull(s.br, buf); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, &amqperr.Timeout{Op: "read"}
		}
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

// WriteAll writes b to the peer in full or fails.
func (s *Stream) WriteAll(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(b) > 0 {
		n, err := s.c.Write(b)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return &amqperr.Timeout{Op: "write"}
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

// Wait blocks until a byte is available to peek, d elapses, or one of
// the watched signals fires, polling in small chunks so the signal
// channel is checked promptly.
func (s *Stream) Wait(d time.Duration) (iodriver.WaitOutcome, error) {
	deadline := time.Now().Add(d)
	for {
		select {
		case <-s.sig.C():
			return iodriver.Interrupted, nil
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return iodriver.Timeout, nil
		}
		chunk := pollChunk
		if remaining < chunk {
			chunk = remaining
		}

		s.mu.Lock()
		_ = s.c.SetReadDeadline(time.Now().Add(chunk))
		_, err := s.br.Peek(1)
		s.mu.Unlock()

		if err == nil {
			return iodriver.Readable, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return iodriver.Timeout, &amqperr.IOWait{Reason: err.Error()}
	}
}

// SetDeadlines sets absolute read and write deadlines of read and
// write from now on the connection (a zero duration leaves that
// deadline unchanged). The deadlines are not renewed per ReadExact or
// WriteAll call, and each Wait call replaces the read deadline with
// its own poll deadline.
func (s *Stream) SetDeadlines(read, write time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if read > 0 {
		_ = s.c.SetReadDeadline(time.Now().Add(read))
	}
	if write > 0 {
		_ = s.c.SetWriteDeadline(time.Now().Add(write))
	}
}

// Close is idempotent and releases the installed signal handlers.
func (s *Stream) Close() error {
	s.sig.Disarm()
	return s.c.Close()
}
