package channel

import (
	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/frame"
	"github.com/mruell/amqp091-go/pkg/methodtable"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// Dispatch routes one frame already identified as belonging to this
// channel. The connection's reader loop calls this for every frame on
// channel id != 0 once the channel is registered.
func (c *Channel) Dispatch(fr frame.Frame) error {
	switch fr.Type {
	case frame.TypeMethod:
		return c.dispatchMethod(fr.Payload)
	case frame.TypeHeader:
		return c.dispatchHeader(fr.Payload)
	case frame.TypeBody:
		return c.dispatchBody(fr.Payload)
	default:
		return &amqperr.ProtocolViolation{Reason: "unexpected frame type on channel"}
	}
}

func (c *Channel) dispatchMethod(payload []byte) error {
	r := wire.NewReader(payload)
	classID, err := r.Short()
	if err != nil {
		return err
	}
	methodID, err := r.Short()
	if err != nil {
		return err
	}
	def, ok := methodtable.Lookup(classID, methodID)
	if !ok {
		return &amqperr.UnknownMethod{ClassID: classID, MethodID: methodID}
	}
	args, err := methodtable.Decode(def, r)
	if err != nil {
		return err
	}

	switch {
	case def.ClassName == "channel" && def.MethodName == "close":
		return c.handlePeerClose(args)
	case def.ClassName == "channel" && def.MethodName == "close-ok":
		return c.handleCloseOk()
	case def.ClassName == "channel" && def.MethodName == "flow":
		return c.handlePeerFlow(args)
	case def.ClassName == "basic" && def.MethodName == "deliver":
		c.beginContent(contentDeliver, args)
		return nil
	case def.ClassName == "basic" && def.MethodName == "return":
		c.beginContent(contentReturn, args)
		return nil
	case def.ClassName == "basic" && def.MethodName == "get-ok":
		c.beginContent(contentGetOk, args)
		return nil
	case def.ClassName == "basic" && def.MethodName == "get-empty":
		c.mu.Lock()
		getResp := c.getResp
		c.mu.Unlock()
		select {
		case getResp <- GetResponse{Empty: true}:
		default:
		}
		return nil
	case def.ClassName == "basic" && (def.MethodName == "ack" || def.MethodName == "nack"):
		return c.handleConfirm(def.MethodName, args)
	case def.ClassName == "basic" && def.MethodName == "cancel":
		tag, _ := args["consumer-tag"].(string)
		c.CancelConsumer(tag)
		return nil
	default:
		return c.deliverToWaiter(def, args, nil)
	}
}

func (c *Channel) deliverToWaiter(def *methodtable.Def, args methodtable.Args, err error) error {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return &amqperr.ProtocolViolation{Reason: "synchronous reply with no pending waiter"}
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()

	w <- reply{def: def, args: args, err: err}
	return nil
}

func (c *Channel) handlePeerFlow(args methodtable.Args) error {
	active, _ := args["active"].(bool)
	c.mu.Lock()
	c.flowActive = active
	c.mu.Unlock()
	def, _ := methodtable.LookupName("channel.flow-ok")
	return c.conn.WriteMethod(c.id, def, methodtable.Args{"active": active})
}

func (c *Channel) handlePeerClose(args methodtable.Args) error {
	code, _ := args["reply-code"].(uint16)
	text, _ := args["reply-text"].(string)
	classID, _ := args["class-id"].(uint16)
	methodID, _ := args["method-id"].(uint16)
	ce := &amqperr.ChannelClosed{ReplyCode: code, ReplyText: text, FailingClassID: classID, FailingMethodID: methodID}

	def, _ := methodtable.LookupName("channel.close-ok")
	_ = c.conn.WriteMethod(c.id, def, nil)

	c.fail(ce)
	return nil
}

func (c *Channel) handleCloseOk() error {
	c.mu.Lock()
	w := firstWaiter(c.waiters)
	c.waiters = nil
	c.state = Closed
	c.mu.Unlock()
	if w != nil {
		def, _ := methodtable.LookupName("channel.close-ok")
		w <- reply{def: def, args: methodtable.Args{}}
	}
	return nil
}

func firstWaiter(waiters []chan reply) chan reply {
	if len(waiters) == 0 {
		return nil
	}
	return waiters[0]
}

// fail transitions the channel to Closed, fails every pending waiter
// with ce, and notifies every NotifyClose subscriber exactly once.
func (c *Channel) fail(ce *amqperr.ChannelClosed) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.closeErr = ce
	waiters := c.waiters
	c.waiters = nil
	subs := c.closeNotify
	c.closeNotify = nil
	consumers := c.consumers
	c.consumers = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- reply{err: ce}
	}
	for _, sub := range subs {
		sub <- ce
		close(sub)
	}
	for _, ch := range consumers {
		close(ch)
	}
}

func (c *Channel) handleConfirm(methodName string, args methodtable.Args) error {
	tag, _ := args["delivery-tag"].(uint64)
	multiple, _ := args["multiple"].(bool)

	c.mu.Lock()
	if multiple {
		for t := range c.unconfirmed {
			if t <= tag {
				delete(c.unconfirmed, t)
			}
		}
	} else {
		delete(c.unconfirmed, tag)
	}
	ch := c.confirmCh
	c.mu.Unlock()

	select {
	case ch <- Confirmation{Seq: tag, Multiple: multiple, Ack: methodName == "ack"}:
	default:
	}
	return nil
}

func (c *Channel) beginContent(kind contentKind, args methodtable.Args) {
	c.mu.Lock()
	c.pending = &pendingContent{kind: kind}
	switch kind {
	case contentDeliver:
		c.pending.deliverArgs = args
	case contentReturn:
		c.pending.returnArgs = args
	case contentGetOk:
		c.pending.getOkArgs = args
	}
	c.mu.Unlock()
}

func (c *Channel) dispatchHeader(payload []byte) error {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return &amqperr.ProtocolViolation{Reason: "content header without a preceding content method"}
	}

	h, err := DecodeHeader(wire.NewReader(payload))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pending.header = &h
	if h.BodySize == 0 {
		c.mu.Unlock()
		return c.completeContent()
	}
	c.mu.Unlock()
	return nil
}

func (c *Channel) dispatchBody(payload []byte) error {
	c.mu.Lock()
	pending := c.pending
	if pending == nil || pending.header == nil {
		c.mu.Unlock()
		return &amqperr.ProtocolViolation{Reason: "body frame without a preceding content header"}
	}
	pending.body = append(pending.body, payload...)
	done := uint64(len(pending.body)) >= pending.header.BodySize
	c.mu.Unlock()

	if done {
		return c.completeContent()
	}
	return nil
}

// completeContent finalizes an assembled message and routes it to the
// appropriate sink, once accumulated body length reaches body_size.
func (c *Channel) completeContent() error {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	if p == nil || p.header == nil {
		return &amqperr.ProtocolViolation{Reason: "content completed with no pending state"}
	}
	if uint64(len(p.body)) != p.header.BodySize {
		return &amqperr.ProtocolViolation{Reason: "assembled body length does not match body_size"}
	}

	switch p.kind {
	case contentDeliver:
		tag, _ := p.deliverArgs["consumer-tag"].(string)
		c.mu.Lock()
		ch, ok := c.consumers[tag]
		c.mu.Unlock()
		if !ok {
			return nil // consumer already cancelled client-side; drop silently
		}
		dtag, _ := p.deliverArgs["delivery-tag"].(uint64)
		redel, _ := p.deliverArgs["redelivered"].(bool)
		exch, _ := p.deliverArgs["exchange"].(string)
		rkey, _ := p.deliverArgs["routing-key"].(string)
		ch <- Delivery{
			ConsumerTag: tag, DeliveryTag: dtag, Redelivered: redel,
			Exchange: exch, RoutingKey: rkey, Properties: p.header.Props, Body: p.body,
		}
	case contentReturn:
		code, _ := p.returnArgs["reply-code"].(uint16)
		text, _ := p.returnArgs["reply-text"].(string)
		exch, _ := p.returnArgs["exchange"].(string)
		rkey, _ := p.returnArgs["routing-key"].(string)
		select {
		case c.returns <- Return{ReplyCode: code, ReplyText: text, Exchange: exch, RoutingKey: rkey, Properties: p.header.Props, Body: p.body}:
		default:
		}
	case contentGetOk:
		dtag, _ := p.getOkArgs["delivery-tag"].(uint64)
		redel, _ := p.getOkArgs["redelivered"].(bool)
		exch, _ := p.getOkArgs["exchange"].(string)
		rkey, _ := p.getOkArgs["routing-key"].(string)
		count, _ := p.getOkArgs["message-count"].(uint32)
		c.mu.Lock()
		getResp := c.getResp
		c.mu.Unlock()
		select {
		case getResp <- GetResponse{
			DeliveryTag: dtag, Redelivered: redel, Exchange: exch, RoutingKey: rkey,
			MessageCount: count, Properties: p.header.Props, Body: p.body,
		}:
		default:
		}
	}
	return nil
}
