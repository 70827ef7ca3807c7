// Package loopback is an in-memory iodriver.Stream pair built on
// net.Pipe, adapted from the teacher's transport/mem package. It
// stands in for a real broker socket in tests: Pair returns the client
// half and a server-side Stream to drive from a test goroutine.
package loopback

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/iodriver"
)

// Pair returns two connected Streams, client and server, sharing an
// in-process net.Pipe.
func Pair() (client *Stream, server *Stream) {
	c1, c2 := net.Pipe()
	return newStream(c1), newStream(c2)
}

// Stream is the loopback iodriver.Stream implementation.
type Stream struct {
	mu sync.Mutex
	c  net.Conn
	br *bufio.Reader
}

func newStream(c net.Conn) *Stream {
	return &Stream{c: c, br: bufio.NewReader(c)}
}

var _ iodriver.Stream = (*Stream)(nil)

// ReadExact returns exactly n octets or fails.
func (s *Stream) ReadExact(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := s.br.Read(buf[got:])
		got += k
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, &amqperr.Timeout{Op: "read"}
			}
			return nil, err
		}
	}
	return buf, nil
}

// WriteAll writes b in full or fails.
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

// Wait blocks until a byte is available to peek or d elapses.
// net.Pipe carries no real signals, so this variant never returns
// Interrupted; it exists purely so tests can exercise the same
// iodriver.Stream contract as tcp without a real socket.
func (s *Stream) Wait(d time.Duration) (iodriver.WaitOutcome, error) {
	s.mu.Lock()
	_ = s.c.SetReadDeadline(time.Now().Add(d))
	_, err := s.br.Peek(1)
	s.mu.Unlock()

	if err == nil {
		return iodriver.Readable, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return iodriver.Timeout, nil
	}
	return iodriver.Timeout, &amqperr.IOWait{Reason: err.Error()}
}

// Close is idempotent.
func (s *Stream) Close() error { return s.c.Close() }
