// Package connection implements the AMQP 0-9-1 connection state
// machine (§4.E): the protocol preamble, the start/tune/open
// negotiation, the channel multiplexer that routes inbound frames by
// channel id, the close handshake, and heartbeat scheduling. It is the
// single owner of the transport stream; every write to the wire passes
// through its write lock so a content method's header and body frames
// can never be interleaved with another channel's traffic or a
// heartbeat.
//
// Grounded in the same read-decode-dispatch shape as pkg/channel
// (itself grounded in the teacher's session reader loop): one
// goroutine owns the socket, synchronous callers block on a reply
// channel the reader loop feeds.
package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/channel"
	"github.com/mruell/amqp091-go/pkg/config"
	"github.com/mruell/amqp091-go/pkg/frame"
	"github.com/mruell/amqp091-go/pkg/iodriver"
	"github.com/mruell/amqp091-go/pkg/iodriver/loopback"
	"github.com/mruell/amqp091-go/pkg/iodriver/tcp"
	"github.com/mruell/amqp091-go/pkg/iodriver/winpipe"
	"github.com/mruell/amqp091-go/pkg/logging"
	"github.com/mruell/amqp091-go/pkg/methodtable"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// State is the connection's lifecycle state (§3, Connection state).
type State int

const (
	Disconnected State = iota
	Preamble
	AwaitingStart
	AwaitingTune
	AwaitingOpenOk
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Preamble:
		return "preamble"
	case AwaitingStart:
		return "awaiting-start"
	case AwaitingTune:
		return "awaiting-tune"
	case AwaitingOpenOk:
		return "awaiting-open-ok"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const protocolPreamble = "AMQP\x00\x00\x09\x01"

// defaultPollInterval bounds how long a single Wait call blocks, so the
// reader loop revisits the heartbeat clock and the closing/closed state
// at a predictable cadence even when heartbeats are disabled.
const defaultPollInterval = time.Second

// Connection is one AMQP 0-9-1 connection: the negotiated parameters,
// the owned transport stream, and the channel multiplexer.
type Connection struct {
	cfg *config.Config
	log logging.Logger

	stream iodriver.Stream
	clock  *iodriver.Clock

	wireDialect wire.Dialect

	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	channels      map[uint16]*channel.Channel
	nextChannelID uint16
	channelMax    uint16
	frameMax      uint32
	heartbeat     time.Duration

	closeOkCh   chan struct{}
	closeErr    *amqperr.ConnectionClosed
	closeNotify []chan *amqperr.ConnectionClosed

	blockedCh   chan string
	unblockedCh chan struct{}

	readerDone chan struct{}
}

var _ channel.Transport = (*Connection)(nil)

// errReaderStop is an internal sentinel that unwinds the reader loop
// after a clean client-initiated close; it never escapes this package.
type errReaderStop struct{}

func (errReaderStop) Error() string { return "connection: reader loop stopped" }

// Dial opens a transport to cfg's endpoint, drives the connection to
// Open, and starts the reader loop. The returned error is non-nil
// exactly when the returned *Connection is nil.
func Dial(cfg *config.Config) (*Connection, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("connection: build logger: %w", err)
	}
	return DialWithLogger(cfg, log)
}

// DialWithLogger is Dial with an explicit logger, for callers that
// already built one (e.g. sharing it with the rest of an application).
func DialWithLogger(cfg *config.Config, log logging.Logger) (*Connection, error) {
	if log == nil {
		log = logging.Nop
	}
	stream, err := dialTransport(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:         cfg,
		log:         log,
		stream:      stream,
		clock:       iodriver.NewClock(0),
		wireDialect: wire.ParseDialect(cfg.WireDialect),
		channels:    make(map[uint16]*channel.Channel),
		state:       Preamble,
		blockedCh:   make(chan string, 4),
		unblockedCh: make(chan struct{}, 4),
	}
	if err := c.negotiate(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	c.readerDone = make(chan struct{})
	go c.readerLoop()
	return c, nil
}

func dialTransport(cfg *config.Config) (iodriver.Stream, error) {
	connectTimeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	ctx := context.Background()
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	switch strings.ToLower(cfg.IOType) {
	case "", "tcp":
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		return tcp.Dial(ctx, addr, connectTimeout, keepaliveDuration(cfg), nil)
	case "tls":
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		return tcp.Dial(ctx, addr, connectTimeout, keepaliveDuration(cfg), &tls.Config{})
	case "winpipe":
		return winpipe.Dial(ctx, cfg.Host, connectTimeout)
	case "loopback":
		client, _ := loopback.Pair()
		return client, nil
	default:
		return nil, fmt.Errorf("connection: unknown io_type %q", cfg.IOType)
	}
}

func keepaliveDuration(cfg *config.Config) time.Duration {
	if cfg.Keepalive {
		return 30 * time.Second
	}
	return 0
}

// FrameMax implements channel.Transport.
func (c *Connection) FrameMax() uint32 { return c.frameMax }

// Logger implements channel.Transport.
func (c *Connection) Logger() logging.Logger { return c.log }

// Blocked delivers connection.blocked reasons as they arrive, per
// §4.E: traffic on open channels is not suspended while blocked.
func (c *Connection) Blocked() <-chan string { return c.blockedCh }

// Unblocked delivers connection.unblocked notifications.
func (c *Connection) Unblocked() <-chan struct{} { return c.unblockedCh }

// NotifyClose registers ch to receive the terminal ConnectionClosed, if
// any, exactly once.
func (c *Connection) NotifyClose(ch chan *amqperr.ConnectionClosed) chan *amqperr.ConnectionClosed {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed && c.closeErr != nil {
		ch <- c.closeErr
		close(ch)
		return ch
	}
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

// WriteMethod implements channel.Transport: a lone method frame,
// written under the connection's write lock.
func (c *Connection) WriteMethod(channelID uint16, def *methodtable.Def, args methodtable.Args) error {
	w := wire.NewWriter(c.wireDialect)
	w.Short(def.ClassID)
	w.Short(def.MethodID)
	if err := methodtable.Encode(def, args, w); err != nil {
		return err
	}
	return c.writeFrame(frame.Frame{Type: frame.TypeMethod, Channel: channelID, Payload: w.Bytes()})
}

// PublishContent implements channel.Transport: the content method,
// its header, and its body frames are emitted under a single
// acquisition of the write lock so they land on the wire contiguously.
func (c *Connection) PublishContent(channelID uint16, def *methodtable.Def, args methodtable.Args, classID uint16, props *channel.Properties, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	mw := wire.NewWriter(c.wireDialect)
	mw.Short(def.ClassID)
	mw.Short(def.MethodID)
	if err := methodtable.Encode(def, args, mw); err != nil {
		return err
	}
	if err := c.writeFrameLocked(frame.Frame{Type: frame.TypeMethod, Channel: channelID, Payload: mw.Bytes()}); err != nil {
		return err
	}

	hw := wire.NewWriter(c.wireDialect)
	if err := props.Encode(hw, classID, uint64(len(body))); err != nil {
		return err
	}
	if err := c.writeFrameLocked(frame.Frame{Type: frame.TypeHeader, Channel: channelID, Payload: hw.Bytes()}); err != nil {
		return err
	}

	maxPayload := int(c.frameMax) - frame.Overhead
	for _, bf := range frame.Split(channelID, body, maxPayload) {
		if err := c.writeFrameLocked(bf); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) writeFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(f)
}

func (c *Connection) writeFrameLocked(f frame.Frame) error {
	if err := frame.WriteFrame(c.stream, f); err != nil {
		return err
	}
	c.clock.MarkWrite(time.Now())
	return nil
}

func (c *Connection) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.stream.WriteAll(b); err != nil {
		return err
	}
	c.clock.MarkWrite(time.Now())
	return nil
}
