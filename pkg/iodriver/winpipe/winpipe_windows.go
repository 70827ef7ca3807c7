//go:build windows

// Package winpipe is a Windows named-pipe iodriver.Stream variant,
// adapted from the teacher's transport/winpipe package, for reaching a
// broker listening on a local named pipe instead of a TCP socket.
package winpipe

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	winio "github.com/Microsoft/go-winio"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/iodriver"
)

const pollChunk = 200 * time.Millisecond

// Dial opens a named pipe at path (e.g. `\\.\pipe\amqp091`).
func Dial(ctx context.Context, path string, connectTimeout time.Duration) (*Stream, error) {
	dialCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	c, err := winio.DialPipeContext(dialCtx, path)
	if err != nil {
		return nil, &amqperr.Timeout{Op: "connect"}
	}
	return newStream(c), nil
}

// Stream is the winpipe iodriver.Stream implementation.
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

func (s *Stream) Close() error {
	s.sig.Disarm()
	return s.c.Close()
}
