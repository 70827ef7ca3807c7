// Package channel implements the per-channel AMQP 0-9-1 state machine
// multiplexed over a connection: synchronous method waits (FIFO per
// channel), content assembly (method + header + body), consumer
// delivery queues, flow control, acknowledgements, and publisher
// confirms. Grounded in the teacher's core/peering/session.go reader
// loop (read, decode, dispatch) and core/priocq's condition-variable
// queueing for the consumer delivery queues.
package channel

import (
	"sync"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/logging"
	"github.com/mruell/amqp091-go/pkg/methodtable"
)

// State is the channel's lifecycle state.
type State int

const (
	Opening State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
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

// Transport is the slice of Connection a Channel needs: writing a lone
// method frame, and emitting a content method plus its header and body
// frames as one contiguous, lock-held unit (§4.F: "these three steps
// must be contiguous on the wire for that channel; the codec lock
// guarantees it"). Kept as an interface so pkg/channel never imports
// pkg/connection.
type Transport interface {
	WriteMethod(channelID uint16, def *methodtable.Def, args methodtable.Args) error
	PublishContent(channelID uint16, def *methodtable.Def, args methodtable.Args, classID uint16, props *Properties, body []byte) error
	FrameMax() uint32
	Logger() logging.Logger
}

// Delivery is a complete basic.deliver message handed to a consumer.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  Properties
	Body        []byte
}

// Return is a complete basic.return message (an unroutable mandatory
// or immediate publish bounced back by the broker).
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// GetResponse is the result of a basic.get, successful or empty.
type GetResponse struct {
	Empty        bool
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
	Properties   Properties
	Body         []byte
}

// Confirmation reports a publisher-confirm outcome for one or more
// publish sequence numbers (when Multiple is set, every seq up to and
// including Seq).
type Confirmation struct {
	Seq      uint64
	Multiple bool
	Ack      bool
}

// reply is what a synchronous waiter receives: either the decoded
// matching method, or an error (ChannelClosed, ConnectionClosed, or a
// registry miss).
type reply struct {
	def  *methodtable.Def
	args methodtable.Args
	err  error
}

type pendingContent struct {
	kind        contentKind
	deliverArgs methodtable.Args
	getOkArgs   methodtable.Args
	returnArgs  methodtable.Args
	header      *DecodedHeader
	body        []byte
}

type contentKind int

const (
	contentNone contentKind = iota
	contentDeliver
	contentReturn
	contentGetOk
)

// Channel is one multiplexed AMQP channel.
type Channel struct {
	id    uint16
	conn  Transport
	log   logging.Logger

	mu      sync.Mutex
	state   State
	waiters []chan reply
	pending *pendingContent

	consumers map[string]chan Delivery
	returns   chan Return
	getResp   chan GetResponse

	closeNotify []chan *amqperr.ChannelClosed
	closeErr    *amqperr.ChannelClosed

	flowActive bool

	nextDeliveryTag uint64 // not updated by this package; delivery tags come from the server's basic.deliver

	confirmMode  bool
	publishSeq   uint64
	unconfirmed  map[uint64]struct{}
	confirmCh    chan Confirmation
}

// New constructs a channel bound to id, in the Opening state. The
// caller (connection.Open) sends channel.open and waits for
// channel.open-ok before handing the channel to its user.
func New(id uint16, conn Transport, log logging.Logger) *Channel {
	if log == nil {
		log = logging.Nop
	}
	return &Channel{
		id:          id,
		conn:        conn,
		log:         log,
		state:       Opening,
		flowActive:  true,
		consumers:   make(map[string]chan Delivery),
		returns:     make(chan Return, 16),
		getResp:     make(chan GetResponse, 1),
		unconfirmed: make(map[uint64]struct{}),
		confirmCh:   make(chan Confirmation, 64),
	}
}

// ID returns the channel number.
func (c *Channel) ID() uint16 { return c.id }

// MarkOpen transitions an Opening channel to Open once channel.open-ok
// has been matched. Called by the connection FSM, never by dispatch.
func (c *Channel) MarkOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Opening {
		c.state = Open
	}
}

// FailFromConnection fails every pending waiter, consumer and
// close-notify subscriber with err and transitions the channel to
// Closed. Called by the connection FSM when the transport dies or
// connection.close is exchanged, so a channel never blocks forever
// waiting on a reply that can no longer arrive.
func (c *Channel) FailFromConnection(err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	waiters := c.waiters
	c.waiters = nil
	subs := c.closeNotify
	c.closeNotify = nil
	consumers := c.consumers
	c.consumers = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- reply{err: err}
	}
	var ce *amqperr.ChannelClosed
	if asCE, ok := err.(*amqperr.ChannelClosed); ok {
		ce = asCE
	}
	for _, sub := range subs {
		sub <- ce
		close(sub)
	}
	for _, ch := range consumers {
		close(ch)
	}
}

// Close sends channel.close and blocks until the matching
// channel.close-ok, per §4.F client-initiated close.
func (c *Channel) Close(replyCode uint16, replyText string) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	def, _ := methodtable.LookupName("channel.close")
	okDef, _ := methodtable.LookupName("channel.close-ok")
	_, err := c.Call(def, methodtable.Args{
		"reply-code": replyCode, "reply-text": replyText,
		"class-id": uint16(0), "method-id": uint16(0),
	}, okDef.ClassID, okDef.MethodID)
	return err
}

// State reports the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NotifyClose registers ch to receive the terminal ChannelClosed, if
// any, exactly once. Mirrors the teacher's pattern of forwarding
// terminal session events to a waiting goroutine via a channel instead
// of a callback.
func (c *Channel) NotifyClose(ch chan *amqperr.ChannelClosed) chan *amqperr.ChannelClosed {
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

// Returns exposes unroutable-message notifications.
func (c *Channel) Returns() <-chan Return { return c.returns }

// Call sends a synchronous method and blocks until the matching reply
// (or a close) arrives. expectClass/expectMethod identify the reply
// method the registry associates with this request.
func (c *Channel) Call(def *methodtable.Def, args methodtable.Args, expectClass, expectMethod uint16) (methodtable.Args, error) {
	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.state == Closed {
		err := errClosed(c.closeErr)
		c.mu.Unlock()
		return nil, err
	}
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	if err := c.conn.WriteMethod(c.id, def, args); err != nil {
		return nil, err
	}

	r := <-ch
	if r.err != nil {
		return nil, r.err
	}
	if r.def.ClassID != expectClass || r.def.MethodID != expectMethod {
		return r.args, &amqperr.ProtocolViolation{Reason: "unexpected synchronous reply " + r.def.ClassName + "." + r.def.MethodName}
	}
	return r.args, nil
}

// CastAsync sends a method that expects no synchronous reply (e.g.
// basic.ack, basic.publish's method part handled by PublishMessage).
func (c *Channel) CastAsync(def *methodtable.Def, args methodtable.Args) error {
	return c.conn.WriteMethod(c.id, def, args)
}

// PublishMessage emits basic.publish's method, header, and body frames
// contiguously, per §4.F. When publisher confirms are active, it
// returns the assigned publish sequence number.
func (c *Channel) PublishMessage(exchange, routingKey string, mandatory, immediate bool, props Properties, body []byte) (uint64, error) {
	def, _ := methodtable.LookupName("basic.publish")
	args := methodtable.Args{
		"exchange":    exchange,
		"routing-key": routingKey,
		"mandatory":   mandatory,
		"immediate":   immediate,
	}
	if err := c.conn.PublishContent(c.id, def, args, methodtable.ClassBasic, &props, body); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.confirmMode {
		return 0, nil
	}
	c.publishSeq++
	c.unconfirmed[c.publishSeq] = struct{}{}
	return c.publishSeq, nil
}

// EnableConfirms marks the channel as being in confirm mode after a
// successful confirm.select; subsequent publishes get sequence numbers.
func (c *Channel) EnableConfirms() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmMode = true
}

// Confirms exposes publisher-confirm outcomes.
func (c *Channel) Confirms() <-chan Confirmation { return c.confirmCh }

// Consume registers a delivery queue for consumerTag, called once
// basic.consume-ok has been received for it.
func (c *Channel) Consume(consumerTag string) <-chan Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Delivery, 64)
	c.consumers[consumerTag] = ch
	return ch
}

// CancelConsumer removes and closes a consumer's delivery queue.
func (c *Channel) CancelConsumer(consumerTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.consumers[consumerTag]; ok {
		close(ch)
		delete(c.consumers, consumerTag)
	}
}

func errClosed(ce *amqperr.ChannelClosed) error {
	if ce != nil {
		return ce
	}
	return &amqperr.ChannelClosed{}
}
