package connection

import (
	"testing"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/channel"
	"github.com/mruell/amqp091-go/pkg/config"
	"github.com/mruell/amqp091-go/pkg/frame"
	"github.com/mruell/amqp091-go/pkg/iodriver"
	"github.com/mruell/amqp091-go/pkg/iodriver/loopback"
	"github.com/mruell/amqp091-go/pkg/logging"
	"github.com/mruell/amqp091-go/pkg/methodtable"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// newTestConnection wires a Connection directly to the client half of a
// loopback pair, bypassing Dial's transport selection so tests can
// drive the server half as a scripted broker.
func newTestConnection(cfg *config.Config, client iodriver.Stream) *Connection {
	return &Connection{
		cfg:         cfg,
		log:         logging.Nop,
		stream:      client,
		clock:       iodriver.NewClock(0),
		wireDialect: wire.ParseDialect(cfg.WireDialect),
		channels:    make(map[uint16]*channel.Channel),
		state:       Preamble,
		blockedCh:   make(chan string, 4),
		unblockedCh: make(chan struct{}, 4),
	}
}

func writeMethod0(t *testing.T, s iodriver.Stream, name string, args methodtable.Args) {
	t.Helper()
	def, ok := methodtable.LookupName(name)
	if !ok {
		t.Fatalf("no registry entry for %s", name)
	}
	w := wire.NewWriter(wire.DialectRabbit)
	w.Short(def.ClassID)
	w.Short(def.MethodID)
	if err := methodtable.Encode(def, args, w); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	if err := frame.WriteFrame(s, frame.Frame{Type: frame.TypeMethod, Channel: 0, Payload: w.Bytes()}); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func writeMethodOnChannel(t *testing.T, s iodriver.Stream, ch uint16, name string, args methodtable.Args) {
	t.Helper()
	def, ok := methodtable.LookupName(name)
	if !ok {
		t.Fatalf("no registry entry for %s", name)
	}
	w := wire.NewWriter(wire.DialectRabbit)
	w.Short(def.ClassID)
	w.Short(def.MethodID)
	if err := methodtable.Encode(def, args, w); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	if err := frame.WriteFrame(s, frame.Frame{Type: frame.TypeMethod, Channel: ch, Payload: w.Bytes()}); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func readMethodFrame(t *testing.T, s iodriver.Stream) (uint16, *methodtable.Def, methodtable.Args) {
	t.Helper()
	fr, err := frame.ReadFrame(s)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Type != frame.TypeMethod {
		t.Fatalf("expected method frame, got %v", fr.Type)
	}
	def, args, err := decodeMethod0(fr.Payload)
	if err != nil {
		t.Fatalf("decode method: %v", err)
	}
	return fr.Channel, def, args
}

func readPreamble(t *testing.T, s iodriver.Stream) {
	t.Helper()
	got, err := s.ReadExact(8)
	if err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	if string(got) != protocolPreamble {
		t.Fatalf("got preamble %q, want %q", got, protocolPreamble)
	}
}

// TestNegotiateHandshakeAndTune drives a scripted broker through the
// full preamble/start/tune/open exchange and checks that the minimum-
// of-proposals rule applies to channel-max and heartbeat, and that
// frame-max is floored at 4096 even when the broker proposes less.
func TestNegotiateHandshakeAndTune(t *testing.T) {
	client, server := loopback.Pair()
	defer client.Close()
	defer server.Close()

	cfg := config.Default()
	cfg.ChannelMax = 2047
	cfg.FrameMax = 131072
	cfg.Heartbeat = 60
	c := newTestConnection(cfg, client)

	done := make(chan error, 1)
	go func() { done <- c.negotiate() }()

	readPreamble(t, server)
	writeMethod0(t, server, "connection.start", methodtable.Args{
		"version-major": byte(0), "version-minor": byte(9),
		"server-properties": wire.NewTable(), "mechanisms": "PLAIN", "locales": "en_US",
	})

	_, def, args := readMethodFrame(t, server)
	if def.ClassName != "connection" || def.MethodName != "start-ok" {
		t.Fatalf("expected connection.start-ok, got %s.%s", def.ClassName, def.MethodName)
	}
	if mech, _ := args["mechanism"].(string); mech != "PLAIN" {
		t.Fatalf("expected PLAIN mechanism, got %q", mech)
	}

	writeMethod0(t, server, "connection.tune", methodtable.Args{
		"channel-max": uint16(5), "frame-max": uint32(2000), "heartbeat": uint16(2),
	})

	_, def, args = readMethodFrame(t, server)
	if def.ClassName != "connection" || def.MethodName != "tune-ok" {
		t.Fatalf("expected connection.tune-ok, got %s.%s", def.ClassName, def.MethodName)
	}
	if cm, _ := args["channel-max"].(uint16); cm != 5 {
		t.Fatalf("expected negotiated channel-max 5, got %d", cm)
	}
	if fm, _ := args["frame-max"].(uint32); fm != 4096 {
		t.Fatalf("expected frame-max floored at 4096, got %d", fm)
	}
	if hb, _ := args["heartbeat"].(uint16); hb != 2 {
		t.Fatalf("expected negotiated heartbeat 2, got %d", hb)
	}

	_, def, args = readMethodFrame(t, server)
	if def.ClassName != "connection" || def.MethodName != "open" {
		t.Fatalf("expected connection.open, got %s.%s", def.ClassName, def.MethodName)
	}
	if vh, _ := args["virtual-host"].(string); vh != cfg.VHost {
		t.Fatalf("expected vhost %q, got %q", cfg.VHost, vh)
	}
	writeMethod0(t, server, "connection.open-ok", nil)

	if err := <-done; err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if c.state != Open {
		t.Fatalf("expected state Open, got %v", c.state)
	}
	if c.channelMax != 5 {
		t.Fatalf("expected channelMax 5, got %d", c.channelMax)
	}
	if c.frameMax != 4096 {
		t.Fatalf("expected frameMax 4096, got %d", c.frameMax)
	}
	if c.heartbeat != 2*time.Second {
		t.Fatalf("expected heartbeat 2s, got %v", c.heartbeat)
	}
}

// TestNegotiateAuthFailure checks that a 403 connection.close during
// negotiation is surfaced as amqperr.AuthFailure.
func TestNegotiateAuthFailure(t *testing.T) {
	client, server := loopback.Pair()
	defer client.Close()
	defer server.Close()

	cfg := config.Default()
	c := newTestConnection(cfg, client)

	done := make(chan error, 1)
	go func() { done <- c.negotiate() }()

	readPreamble(t, server)
	writeMethod0(t, server, "connection.start", methodtable.Args{
		"version-major": byte(0), "version-minor": byte(9),
		"server-properties": wire.NewTable(), "mechanisms": "PLAIN", "locales": "en_US",
	})
	_, def, _ := readMethodFrame(t, server)
	if def.MethodName != "start-ok" {
		t.Fatalf("expected start-ok, got %s", def.MethodName)
	}
	writeMethod0(t, server, "connection.close", methodtable.Args{
		"reply-code": uint16(amqperr.AccessRefused), "reply-text": "bad credentials",
		"class-id": uint16(0), "method-id": uint16(0),
	})

	err := <-done
	if err == nil {
		t.Fatalf("expected an error")
	}
	if _, ok := err.(*amqperr.AuthFailure); !ok {
		t.Fatalf("expected *amqperr.AuthFailure, got %T: %v", err, err)
	}
}

// dialedLoopback runs a full negotiation to Open over an in-memory pair
// and starts the reader loop, returning the client connection and the
// server-side stream for the test to drive as the broker.
func dialedLoopback(t *testing.T, cfg *config.Config) (*Connection, iodriver.Stream) {
	t.Helper()
	client, server := loopback.Pair()
	c := newTestConnection(cfg, client)

	done := make(chan error, 1)
	go func() { done <- c.negotiate() }()

	readPreamble(t, server)
	writeMethod0(t, server, "connection.start", methodtable.Args{
		"version-major": byte(0), "version-minor": byte(9),
		"server-properties": wire.NewTable(), "mechanisms": "PLAIN", "locales": "en_US",
	})
	readMethodFrame(t, server)
	writeMethod0(t, server, "connection.tune", methodtable.Args{
		"channel-max": uint16(cfg.ChannelMax), "frame-max": uint32(cfg.FrameMax), "heartbeat": uint16(cfg.Heartbeat),
	})
	readMethodFrame(t, server)
	readMethodFrame(t, server)
	writeMethod0(t, server, "connection.open-ok", nil)

	if err := <-done; err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	c.readerDone = make(chan struct{})
	go c.readerLoop()
	return c, server
}

// TestOpenChannelAndClose exercises channel.open/open-ok followed by a
// client-initiated channel.close/close-ok, leaving the connection Open.
func TestOpenChannelAndClose(t *testing.T) {
	cfg := config.Default()
	cfg.Heartbeat = 0
	c, server := dialedLoopback(t, cfg)
	defer server.Close()

	openResult := make(chan error, 1)
	var ch *channel.Channel
	go func() {
		var err error
		ch, err = c.OpenChannel()
		openResult <- err
	}()

	chID, def, _ := readMethodFrame(t, server)
	if def.ClassName != "channel" || def.MethodName != "open" {
		t.Fatalf("expected channel.open, got %s.%s", def.ClassName, def.MethodName)
	}
	writeMethodOnChannel(t, server, chID, "channel.open-ok", nil)

	if err := <-openResult; err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.State() != channel.Open {
		t.Fatalf("expected channel Open, got %v", ch.State())
	}

	closeResult := make(chan error, 1)
	go func() { closeResult <- ch.Close(amqperr.ReplySuccess, "bye") }()

	_, def, _ = readMethodFrame(t, server)
	if def.ClassName != "channel" || def.MethodName != "close" {
		t.Fatalf("expected channel.close, got %s.%s", def.ClassName, def.MethodName)
	}
	writeMethodOnChannel(t, server, chID, "channel.close-ok", nil)

	if err := <-closeResult; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ch.State() != channel.Closed {
		t.Fatalf("expected channel Closed, got %v", ch.State())
	}
	if c.State() != Open {
		t.Fatalf("expected connection to remain Open after channel close, got %v", c.State())
	}
}

// TestChannelClosedByPeerLeavesConnectionOpen models a broker rejecting
// an operation with a soft error (e.g. 406 precondition-failed): the
// channel is torn down but the connection is unaffected.
func TestChannelClosedByPeerLeavesConnectionOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Heartbeat = 0
	c, server := dialedLoopback(t, cfg)
	defer server.Close()

	openResult := make(chan error, 1)
	var ch *channel.Channel
	go func() {
		var err error
		ch, err = c.OpenChannel()
		openResult <- err
	}()
	chID, _, _ := readMethodFrame(t, server)
	writeMethodOnChannel(t, server, chID, "channel.open-ok", nil)
	if err := <-openResult; err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	queueResult := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclarePassive("missing-queue")
		queueResult <- err
	}()
	_, def, _ := readMethodFrame(t, server)
	if def.MethodName != "declare" {
		t.Fatalf("expected queue.declare, got %s", def.MethodName)
	}
	writeMethodOnChannel(t, server, chID, "channel.close", methodtable.Args{
		"reply-code": uint16(amqperr.NotFound), "reply-text": "no queue",
		"class-id": uint16(50), "method-id": uint16(10),
	})

	okCh, okDef, _ := readMethodFrame(t, server)
	if okCh != chID || okDef.ClassName != "channel" || okDef.MethodName != "close-ok" {
		t.Fatalf("expected channel.close-ok on channel %d, got channel=%d %s.%s", chID, okCh, okDef.ClassName, okDef.MethodName)
	}

	err := <-queueResult
	if err == nil {
		t.Fatalf("expected an error from the rejected declare")
	}
	ce, ok := err.(*amqperr.ChannelClosed)
	if !ok {
		t.Fatalf("expected *amqperr.ChannelClosed, got %T: %v", err, err)
	}
	if ce.ReplyCode != amqperr.NotFound {
		t.Fatalf("expected reply code 404, got %d", ce.ReplyCode)
	}

	time.Sleep(10 * time.Millisecond)
	if c.State() != Open {
		t.Fatalf("expected connection to remain Open after a channel-level close, got %v", c.State())
	}
}

// TestPublishContentSplitsBody checks that a body larger than the
// negotiated frame size is split into multiple body frames, and that
// the method, header, and body frames land contiguously.
func TestPublishContentSplitsBody(t *testing.T) {
	client, server := loopback.Pair()
	defer client.Close()
	defer server.Close()

	cfg := config.Default()
	c := newTestConnection(cfg, client)
	c.state = Open
	c.frameMax = 4096

	body := make([]byte, 9000)
	for i := range body {
		body[i] = byte(i % 256)
	}
	var props channel.Properties
	props.SetContentType("application/octet-stream")

	def, _ := methodtable.LookupName("basic.publish")
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.PublishContent(1, def, methodtable.Args{
			"exchange": "", "routing-key": "rk", "mandatory": false, "immediate": false,
		}, methodtable.ClassBasic, &props, body)
	}()

	mch, mdef, _ := readMethodFrame(t, server)
	if mch != 1 || mdef.MethodName != "publish" {
		t.Fatalf("expected basic.publish on channel 1, got channel=%d %s", mch, mdef.MethodName)
	}

	hfr, err := frame.ReadFrame(server)
	if err != nil {
		t.Fatalf("read header frame: %v", err)
	}
	if hfr.Type != frame.TypeHeader {
		t.Fatalf("expected header frame, got %v", hfr.Type)
	}
	header, err := channel.DecodeHeader(wire.NewReader(hfr.Payload))
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if header.BodySize != uint64(len(body)) {
		t.Fatalf("expected body_size %d, got %d", len(body), header.BodySize)
	}

	var got []byte
	for uint64(len(got)) < header.BodySize {
		bfr, err := frame.ReadFrame(server)
		if err != nil {
			t.Fatalf("read body frame: %v", err)
		}
		if bfr.Type != frame.TypeBody {
			t.Fatalf("expected body frame, got %v", bfr.Type)
		}
		if len(bfr.Payload) > int(c.frameMax)-frame.Overhead {
			t.Fatalf("body frame payload %d exceeds negotiated frame size", len(bfr.Payload))
		}
		got = append(got, bfr.Payload...)
	}
	if len(got) != len(body) {
		t.Fatalf("reassembled body length %d, want %d", len(got), len(body))
	}
	for i := range body {
		if got[i] != body[i] {
			t.Fatalf("body mismatch at offset %d", i)
		}
	}

	if err := <-writeErr; err != nil {
		t.Fatalf("PublishContent: %v", err)
	}
}

// TestHeartbeatEmittedAfterIdle checks that the reader loop emits a
// heartbeat frame once this side has been silent past heartbeat/2.
func TestHeartbeatEmittedAfterIdle(t *testing.T) {
	client, server := loopback.Pair()
	defer client.Close()
	defer server.Close()

	cfg := config.Default()
	c := newTestConnection(cfg, client)
	c.state = Open
	c.frameMax = 4096
	c.heartbeat = 40 * time.Millisecond
	c.clock = iodriver.NewClock(c.heartbeat)
	c.readerDone = make(chan struct{})
	go c.readerLoop()

	fr, err := frame.ReadFrame(server)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Type != frame.TypeHeartbeat {
		t.Fatalf("expected heartbeat frame, got %v", fr.Type)
	}

	c.fail(&amqperr.ConnectionClosed{})
	<-c.readerDone
}

// TestConnectionCloseHandshake checks the client-initiated
// connection.close / connection.close-ok exchange.
func TestConnectionCloseHandshake(t *testing.T) {
	cfg := config.Default()
	cfg.Heartbeat = 0
	c, server := dialedLoopback(t, cfg)
	defer server.Close()

	closeResult := make(chan error, 1)
	go func() { closeResult <- c.Close(amqperr.ReplySuccess, "done") }()

	_, def, _ := readMethodFrame(t, server)
	if def.ClassName != "connection" || def.MethodName != "close" {
		t.Fatalf("expected connection.close, got %s.%s", def.ClassName, def.MethodName)
	}
	writeMethod0(t, server, "connection.close-ok", nil)

	if err := <-closeResult; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("expected state Closed, got %v", c.State())
	}
}
