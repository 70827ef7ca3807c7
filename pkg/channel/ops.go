package channel

import (
	"github.com/mruell/amqp091-go/pkg/methodtable"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// The methods in this file are thin, typed wrappers around Call/CastAsync
// for every AMQP 0-9-1 operation the spec's channel FSM (§4.F) names:
// queue/exchange topology, consumer lifecycle, acknowledgements,
// publisher confirms and transactions. Each one looks up its own and its
// reply's registry entry by name rather than hardcoding ids, so the
// schema lives in exactly one place (pkg/methodtable).

func lookup(name string) *methodtable.Def {
	d, ok := methodtable.LookupName(name)
	if !ok {
		panic("amqp091: missing registry entry for " + name)
	}
	return d
}

// tableOrEmpty substitutes an empty table for a nil arguments table, so
// callers that don't need per-call arguments can pass nil.
func tableOrEmpty(t *wire.Table) *wire.Table {
	if t == nil {
		return wire.NewTable()
	}
	return t
}

// QueueDeclareResult is the decoded queue.declare-ok.
type QueueDeclareResult struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

// QueueDeclare declares a queue and returns its resolved name (useful
// for server-generated names when queue == "") and counts.
func (c *Channel) QueueDeclare(queue string, durable, exclusive, autoDelete, noWait bool, args *wire.Table) (QueueDeclareResult, error) {
	def := lookup("queue.declare")
	okDef := lookup("queue.declare-ok")
	reply, err := c.Call(def, methodtable.Args{
		"queue": queue, "passive": false, "durable": durable,
		"exclusive": exclusive, "auto-delete": autoDelete, "no-wait": noWait,
		"arguments": tableOrEmpty(args),
	}, okDef.ClassID, okDef.MethodID)
	if err != nil {
		return QueueDeclareResult{}, err
	}
	name, _ := reply["queue"].(string)
	mc, _ := reply["message-count"].(uint32)
	cc, _ := reply["consumer-count"].(uint32)
	return QueueDeclareResult{Queue: name, MessageCount: mc, ConsumerCount: cc}, nil
}

// QueueDeclarePassive checks a queue exists without declaring it; the
// broker answers queue.declare-ok or closes the channel with 404.
func (c *Channel) QueueDeclarePassive(queue string) (QueueDeclareResult, error) {
	def := lookup("queue.declare")
	okDef := lookup("queue.declare-ok")
	reply, err := c.Call(def, methodtable.Args{
		"queue": queue, "passive": true, "durable": false,
		"exclusive": false, "auto-delete": false, "no-wait": false,
		"arguments": tableOrEmpty(nil),
	}, okDef.ClassID, okDef.MethodID)
	if err != nil {
		return QueueDeclareResult{}, err
	}
	name, _ := reply["queue"].(string)
	mc, _ := reply["message-count"].(uint32)
	cc, _ := reply["consumer-count"].(uint32)
	return QueueDeclareResult{Queue: name, MessageCount: mc, ConsumerCount: cc}, nil
}

// QueueBind binds queue to exchange under routingKey.
func (c *Channel) QueueBind(queue, exchange, routingKey string, noWait bool, args *wire.Table) error {
	def := lookup("queue.bind")
	okDef := lookup("queue.bind-ok")
	_, err := c.Call(def, methodtable.Args{
		"queue": queue, "exchange": exchange, "routing-key": routingKey,
		"no-wait": noWait, "arguments": tableOrEmpty(args),
	}, okDef.ClassID, okDef.MethodID)
	return err
}

// QueueUnbind removes a binding.
func (c *Channel) QueueUnbind(queue, exchange, routingKey string, args *wire.Table) error {
	def := lookup("queue.unbind")
	okDef := lookup("queue.unbind-ok")
	_, err := c.Call(def, methodtable.Args{
		"queue": queue, "exchange": exchange, "routing-key": routingKey,
		"arguments": tableOrEmpty(args),
	}, okDef.ClassID, okDef.MethodID)
	return err
}

// QueuePurge discards all ready messages on queue and reports how many
// were removed.
func (c *Channel) QueuePurge(queue string, noWait bool) (uint32, error) {
	def := lookup("queue.purge")
	okDef := lookup("queue.purge-ok")
	reply, err := c.Call(def, methodtable.Args{"queue": queue, "no-wait": noWait}, okDef.ClassID, okDef.MethodID)
	if err != nil {
		return 0, err
	}
	mc, _ := reply["message-count"].(uint32)
	return mc, nil
}

// QueueDelete deletes queue, optionally only if unused/empty.
func (c *Channel) QueueDelete(queue string, ifUnused, ifEmpty, noWait bool) (uint32, error) {
	def := lookup("queue.delete")
	okDef := lookup("queue.delete-ok")
	reply, err := c.Call(def, methodtable.Args{
		"queue": queue, "if-unused": ifUnused, "if-empty": ifEmpty, "no-wait": noWait,
	}, okDef.ClassID, okDef.MethodID)
	if err != nil {
		return 0, err
	}
	mc, _ := reply["message-count"].(uint32)
	return mc, nil
}

// ExchangeDeclare declares an exchange of the given type.
func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args *wire.Table) error {
	def := lookup("exchange.declare")
	okDef := lookup("exchange.declare-ok")
	_, err := c.Call(def, methodtable.Args{
		"exchange": name, "type": kind, "passive": false, "durable": durable,
		"auto-delete": autoDelete, "internal": internal, "no-wait": noWait,
		"arguments": tableOrEmpty(args),
	}, okDef.ClassID, okDef.MethodID)
	return err
}

// ExchangeDelete deletes an exchange, optionally only if unused.
func (c *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	def := lookup("exchange.delete")
	okDef := lookup("exchange.delete-ok")
	_, err := c.Call(def, methodtable.Args{"exchange": name, "if-unused": ifUnused, "no-wait": noWait}, okDef.ClassID, okDef.MethodID)
	return err
}

// ExchangeBind binds one exchange to another (exchange-to-exchange
// binding, a RabbitMQ extension advertised via client capabilities).
func (c *Channel) ExchangeBind(destination, source, routingKey string, noWait bool, args *wire.Table) error {
	def := lookup("exchange.bind")
	okDef := lookup("exchange.bind-ok")
	_, err := c.Call(def, methodtable.Args{
		"destination": destination, "source": source, "routing-key": routingKey,
		"no-wait": noWait, "arguments": tableOrEmpty(args),
	}, okDef.ClassID, okDef.MethodID)
	return err
}

// ExchangeUnbind removes an exchange-to-exchange binding.
func (c *Channel) ExchangeUnbind(destination, source, routingKey string, args *wire.Table) error {
	def := lookup("exchange.unbind")
	okDef := lookup("exchange.unbind-ok")
	_, err := c.Call(def, methodtable.Args{
		"destination": destination, "source": source, "routing-key": routingKey,
		"arguments": tableOrEmpty(args),
	}, okDef.ClassID, okDef.MethodID)
	return err
}

// Qos sets the prefetch window, per-channel or connection-wide (global).
func (c *Channel) Qos(prefetchSize uint32, prefetchCount uint16, global bool) error {
	def := lookup("basic.qos")
	okDef := lookup("basic.qos-ok")
	_, err := c.Call(def, methodtable.Args{
		"prefetch-size": prefetchSize, "prefetch-count": prefetchCount, "global": global,
	}, okDef.ClassID, okDef.MethodID)
	return err
}

// BasicConsume registers a consumer and returns the (possibly
// server-assigned) consumer tag together with the delivery queue.
func (c *Channel) BasicConsume(queue, consumerTag string, noLocal, noAck, exclusive, noWait bool, args *wire.Table) (string, <-chan Delivery, error) {
	def := lookup("basic.consume")
	okDef := lookup("basic.consume-ok")
	reply, err := c.Call(def, methodtable.Args{
		"queue": queue, "consumer-tag": consumerTag, "no-local": noLocal,
		"no-ack": noAck, "exclusive": exclusive, "no-wait": noWait,
		"arguments": tableOrEmpty(args),
	}, okDef.ClassID, okDef.MethodID)
	if err != nil {
		return "", nil, err
	}
	tag, _ := reply["consumer-tag"].(string)
	return tag, c.Consume(tag), nil
}

// BasicCancel unregisters a client-initiated consumer.
func (c *Channel) BasicCancel(consumerTag string, noWait bool) error {
	def := lookup("basic.cancel")
	okDef := lookup("basic.cancel-ok")
	_, err := c.Call(def, methodtable.Args{"consumer-tag": consumerTag, "no-wait": noWait}, okDef.ClassID, okDef.MethodID)
	c.CancelConsumer(consumerTag)
	return err
}

// BasicGet fetches at most one message directly, bypassing any consumer.
func (c *Channel) BasicGet(queue string, noAck bool) (GetResponse, error) {
	def := lookup("basic.get")
	c.mu.Lock()
	getResp := c.getResp
	c.mu.Unlock()

	if err := c.CastAsync(def, methodtable.Args{"queue": queue, "no-ack": noAck}); err != nil {
		return GetResponse{}, err
	}
	// basic.get-ok carries content and is routed by Dispatch, not
	// through the synchronous waiter list (it has no fixed reply
	// arity: get-empty is also a legal answer); the channel's
	// getResp slot is the rendezvous point for both outcomes.
	resp := <-getResp
	return resp, nil
}

// BasicAck acknowledges one or more (if multiple) delivered messages.
func (c *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	def := lookup("basic.ack")
	return c.CastAsync(def, methodtable.Args{"delivery-tag": deliveryTag, "multiple": multiple})
}

// BasicNack negatively acknowledges, optionally requeueing.
func (c *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	def := lookup("basic.nack")
	return c.CastAsync(def, methodtable.Args{"delivery-tag": deliveryTag, "multiple": multiple, "requeue": requeue})
}

// BasicReject rejects a single delivery, optionally requeueing.
func (c *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	def := lookup("basic.reject")
	return c.CastAsync(def, methodtable.Args{"delivery-tag": deliveryTag, "requeue": requeue})
}

// BasicRecover asks the broker to redeliver unacknowledged messages.
func (c *Channel) BasicRecover(requeue bool) error {
	def := lookup("basic.recover")
	okDef := lookup("basic.recover-ok")
	_, err := c.Call(def, methodtable.Args{"requeue": requeue}, okDef.ClassID, okDef.MethodID)
	return err
}

// ConfirmSelect enables publisher confirms on this channel (§4.F).
func (c *Channel) ConfirmSelect(noWait bool) error {
	def := lookup("confirm.select")
	okDef := lookup("confirm.select-ok")
	_, err := c.Call(def, methodtable.Args{"no-wait": noWait}, okDef.ClassID, okDef.MethodID)
	if err != nil {
		return err
	}
	c.EnableConfirms()
	return nil
}

// TxSelect puts the channel in transactional mode.
func (c *Channel) TxSelect() error {
	def := lookup("tx.select")
	okDef := lookup("tx.select-ok")
	_, err := c.Call(def, nil, okDef.ClassID, okDef.MethodID)
	return err
}

// TxCommit commits the current transaction.
func (c *Channel) TxCommit() error {
	def := lookup("tx.commit")
	okDef := lookup("tx.commit-ok")
	_, err := c.Call(def, nil, okDef.ClassID, okDef.MethodID)
	return err
}

// TxRollback rolls back the current transaction.
func (c *Channel) TxRollback() error {
	def := lookup("tx.rollback")
	okDef := lookup("tx.rollback-ok")
	_, err := c.Call(def, nil, okDef.ClassID, okDef.MethodID)
	return err
}
