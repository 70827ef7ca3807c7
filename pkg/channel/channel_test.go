package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/frame"
	"github.com/mruell/amqp091-go/pkg/logging"
	"github.com/mruell/amqp091-go/pkg/methodtable"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// fakeTransport is a Transport double that records every written
// method/content and lets a test script replies into the channel via
// Dispatch, without a real connection or socket underneath.
type fakeTransport struct {
	frameMax uint32

	mu      sync.Mutex
	written []writtenMethod
	bodies  [][]byte
}

type writtenMethod struct {
	channelID uint16
	def       *methodtable.Def
	args      methodtable.Args
}

func (f *fakeTransport) WriteMethod(channelID uint16, def *methodtable.Def, args methodtable.Args) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, writtenMethod{channelID, def, args})
	return nil
}

func (f *fakeTransport) PublishContent(channelID uint16, def *methodtable.Def, args methodtable.Args, classID uint16, props *Properties, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, writtenMethod{channelID, def, args})
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeTransport) FrameMax() uint32 { return f.frameMax }

func (f *fakeTransport) Logger() logging.Logger { return logging.Nop }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeTransport) last() writtenMethod {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[len(f.written)-1]
}

// waitForWrite blocks until the fake transport has recorded at least
// one WriteMethod/PublishContent call in total.
func waitForWrite(t *testing.T, ft *fakeTransport) {
	t.Helper()
	deadline := time.After(time.Second)
	for ft.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a write")
		case <-time.After(time.Millisecond):
		}
	}
}

func encodeMethodPayload(t *testing.T, name string, args methodtable.Args) (*methodtable.Def, []byte) {
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
	return def, w.Bytes()
}

func dispatchMethod(t *testing.T, ch *Channel, name string, args methodtable.Args) {
	t.Helper()
	_, payload := encodeMethodPayload(t, name, args)
	if err := ch.dispatchMethod(payload); err != nil {
		t.Fatalf("dispatchMethod %s: %v", name, err)
	}
}

// TestCallRoundTrip checks that Call writes the request and unblocks
// with the decoded reply once dispatchMethod delivers queue.declare-ok.
func TestCallRoundTrip(t *testing.T) {
	ft := &fakeTransport{frameMax: 131072}
	ch := New(1, ft, nil)
	ch.MarkOpen()

	result := make(chan QueueDeclareResult, 1)
	errc := make(chan error, 1)
	go func() {
		r, err := ch.QueueDeclare("orders", true, false, false, false, nil)
		result <- r
		errc <- err
	}()

	waitForWrite(t, ft)
	if ft.last().def.MethodName != "declare" {
		t.Fatalf("expected queue.declare written, got %s", ft.last().def.MethodName)
	}

	dispatchMethod(t, ch, "queue.declare-ok", methodtable.Args{
		"queue": "orders", "message-count": uint32(0), "consumer-count": uint32(0),
	})

	if err := <-errc; err != nil {
		t.Fatalf("QueueDeclare: %v", err)
	}
	if r := <-result; r.Queue != "orders" {
		t.Fatalf("expected queue name 'orders', got %q", r.Queue)
	}
}

// TestCallUnexpectedReplyIsProtocolViolation checks that a synchronous
// reply of the wrong class/method is reported as a protocol violation
// rather than silently accepted.
func TestCallUnexpectedReplyIsProtocolViolation(t *testing.T) {
	ft := &fakeTransport{frameMax: 131072}
	ch := New(1, ft, nil)
	ch.MarkOpen()

	errc := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare("q", false, false, false, false, nil)
		errc <- err
	}()

	waitForWrite(t, ft)
	// Reply with the wrong method, as if the broker answered out of turn.
	dispatchMethod(t, ch, "queue.purge-ok", methodtable.Args{"message-count": uint32(0)})

	err := <-errc
	if _, ok := err.(*amqperr.ProtocolViolation); !ok {
		t.Fatalf("expected *amqperr.ProtocolViolation, got %T: %v", err, err)
	}
}

// TestFailFromConnectionUnblocksWaiters checks that a connection-level
// failure propagates to any caller blocked in Call.
func TestFailFromConnectionUnblocksWaiters(t *testing.T) {
	ft := &fakeTransport{frameMax: 131072}
	ch := New(1, ft, nil)
	ch.MarkOpen()

	errc := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare("q", false, false, false, false, nil)
		errc <- err
	}()

	waitForWrite(t, ft)

	want := &amqperr.ConnectionClosed{ReplyText: "transport gone"}
	ch.FailFromConnection(want)

	err := <-errc
	if err != want {
		t.Fatalf("expected the exact connection-closed error, got %v", err)
	}
	if ch.State() != Closed {
		t.Fatalf("expected channel Closed, got %v", ch.State())
	}
}

// TestPeerInitiatedCloseAcksAndFails checks that dispatching a peer
// channel.close answers with close-ok and transitions to Closed with
// the decoded reply code/text captured.
func TestPeerInitiatedCloseAcksAndFails(t *testing.T) {
	ft := &fakeTransport{frameMax: 131072}
	ch := New(1, ft, nil)
	ch.MarkOpen()

	notify := make(chan *amqperr.ChannelClosed, 1)
	ch.NotifyClose(notify)

	dispatchMethod(t, ch, "channel.close", methodtable.Args{
		"reply-code": uint16(amqperr.PreconditionFailed), "reply-text": "precondition failed",
		"class-id": uint16(50), "method-id": uint16(10),
	})

	if ft.last().def.MethodName != "close-ok" {
		t.Fatalf("expected channel.close-ok written in reply, got %s", ft.last().def.MethodName)
	}
	if ch.State() != Closed {
		t.Fatalf("expected channel Closed, got %v", ch.State())
	}

	select {
	case ce := <-notify:
		if ce.ReplyCode != amqperr.PreconditionFailed {
			t.Fatalf("expected reply code 406, got %d", ce.ReplyCode)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for NotifyClose")
	}
}

// TestConsumeDeliversAssembledMessage checks that a basic.deliver
// method followed by a header and body frame reassembles into a
// Delivery on the consumer's queue.
func TestConsumeDeliversAssembledMessage(t *testing.T) {
	ft := &fakeTransport{frameMax: 131072}
	ch := New(1, ft, nil)
	ch.MarkOpen()

	deliveries := ch.Consume("ctag-1")

	dispatchMethod(t, ch, "basic.deliver", methodtable.Args{
		"consumer-tag": "ctag-1", "delivery-tag": uint64(7), "redelivered": false,
		"exchange": "ex", "routing-key": "rk",
	})

	var props Properties
	props.SetContentType("text/plain")
	body := []byte("hello world")

	hw := wire.NewWriter(wire.DialectRabbit)
	if err := props.Encode(hw, methodtable.ClassBasic, uint64(len(body))); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if err := ch.Dispatch(frame.Frame{Type: frame.TypeHeader, Channel: ch.id, Payload: hw.Bytes()}); err != nil {
		t.Fatalf("dispatch header: %v", err)
	}
	if err := ch.Dispatch(frame.Frame{Type: frame.TypeBody, Channel: ch.id, Payload: body}); err != nil {
		t.Fatalf("dispatch body: %v", err)
	}

	select {
	case d := <-deliveries:
		if string(d.Body) != "hello world" {
			t.Fatalf("expected body %q, got %q", "hello world", d.Body)
		}
		if d.DeliveryTag != 7 {
			t.Fatalf("expected delivery tag 7, got %d", d.DeliveryTag)
		}
		if d.Properties.ContentType != "text/plain" {
			t.Fatalf("expected content-type text/plain, got %q", d.Properties.ContentType)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

// TestPublisherConfirms checks that ConfirmSelect enables sequence
// numbering and that a basic.ack dispatch reports the confirmation.
func TestPublisherConfirms(t *testing.T) {
	ft := &fakeTransport{frameMax: 131072}
	ch := New(1, ft, nil)
	ch.MarkOpen()

	errc := make(chan error, 1)
	go func() { errc <- ch.ConfirmSelect(false) }()
	waitForWrite(t, ft)
	dispatchMethod(t, ch, "confirm.select-ok", nil)
	if err := <-errc; err != nil {
		t.Fatalf("ConfirmSelect: %v", err)
	}

	seq, err := ch.PublishMessage("", "rk", false, false, Properties{}, []byte("payload"))
	if err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first publish sequence 1, got %d", seq)
	}

	dispatchMethod(t, ch, "basic.ack", methodtable.Args{"delivery-tag": uint64(1), "multiple": false})

	select {
	case c := <-ch.Confirms():
		if !c.Ack || c.Seq != 1 {
			t.Fatalf("expected ack for seq 1, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for confirmation")
	}
}

// TestBasicGetEmpty checks that a get-empty reply surfaces as an empty
// GetResponse rather than blocking forever.
func TestBasicGetEmpty(t *testing.T) {
	ft := &fakeTransport{frameMax: 131072}
	ch := New(1, ft, nil)
	ch.MarkOpen()

	result := make(chan GetResponse, 1)
	go func() {
		r, err := ch.BasicGet("q", true)
		if err != nil {
			t.Errorf("BasicGet: %v", err)
		}
		result <- r
	}()

	waitForWrite(t, ft)
	dispatchMethod(t, ch, "basic.get-empty", nil)

	select {
	case r := <-result:
		if !r.Empty {
			t.Fatalf("expected an empty GetResponse")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for BasicGet result")
	}
}
