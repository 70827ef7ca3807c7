//go:build !windows

package winpipe

import (
	"context"
	"errors"
	"time"

	"github.com/mruell/amqp091-go/pkg/iodriver"
)

// Stream is an unusable placeholder on non-Windows platforms so the
// package still builds; Dial always fails.
type Stream struct{}

var _ iodriver.Stream = (*Stream)(nil)

func (s *Stream) ReadExact(n int) ([]byte, error)           { return nil, errUnsupported }
func (s *Stream) WriteAll(b []byte) error                   { return errUnsupported }
func (s *Stream) Wait(time.Duration) (iodriver.WaitOutcome, error) { return iodriver.Timeout, errUnsupported }
func (s *Stream) Close() error                              { return nil }

var errUnsupported = errors.New("winpipe: named pipes are only available on windows")

// Dial always fails on non-Windows platforms.
func Dial(_ context.Context, _ string, _ time.Duration) (*Stream, error) {
	return nil, errUnsupported
}
