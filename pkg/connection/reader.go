package connection

import (
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/channel"
	"github.com/mruell/amqp091-go/pkg/frame"
	"github.com/mruell/amqp091-go/pkg/iodriver"
	"github.com/mruell/amqp091-go/pkg/logging"
	"github.com/mruell/amqp091-go/pkg/methodtable"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// readerLoop owns the stream's read side for the connection's lifetime:
// it drives the heartbeat clock, reads frames, and routes them to
// channel 0's handler or the addressed channel's Dispatch. It returns
// once the connection fails or is cleanly closed, at which point
// readerDone is closed.
func (c *Connection) readerLoop() {
	defer close(c.readerDone)

	for {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == Closed {
			return
		}

		now := time.Now()
		if err, shouldSend := c.clock.Check(now); err != nil {
			c.fail(err)
			return
		} else if shouldSend {
			if err := c.writeFrame(frame.Heartbeat()); err != nil {
				c.fail(err)
				return
			}
		}

		outcome, err := c.stream.Wait(c.waitInterval())
		if err != nil {
			c.log.Warn("io wait warning", logging.Err(err))
			continue
		}
		if outcome != iodriver.Readable {
			continue
		}

		fr, err := frame.ReadFrame(c.stream)
		if err != nil {
			c.fail(err)
			return
		}
		c.clock.MarkRead(time.Now())

		if err := c.routeFrame(fr); err != nil {
			if _, stop := err.(errReaderStop); stop {
				return
			}
			c.fail(err)
			return
		}
	}
}

// waitInterval bounds a single Stream.Wait call so the heartbeat clock
// and the closing/closed state are revisited at a steady cadence even
// when no heartbeat is negotiated.
func (c *Connection) waitInterval() time.Duration {
	if c.heartbeat <= 0 {
		return defaultPollInterval
	}
	half := c.heartbeat / 2
	if half < defaultPollInterval {
		return half
	}
	return defaultPollInterval
}

func (c *Connection) routeFrame(fr frame.Frame) error {
	c.mu.Lock()
	closing := c.state == Closing
	c.mu.Unlock()

	if closing {
		if fr.Channel == 0 && fr.Type == frame.TypeMethod {
			def, args, err := decodeMethod0(fr.Payload)
			if err == nil && def.ClassName == "connection" && def.MethodName == "close-ok" {
				return c.handleCloseOk()
			}
			_ = args
		}
		return nil
	}

	if fr.Channel == 0 {
		return c.handleChannel0(fr)
	}

	c.mu.Lock()
	ch, ok := c.channels[fr.Channel]
	c.mu.Unlock()
	if !ok {
		return c.closeWithReplyCode(amqperr.ChannelError, "unknown channel", 0, 0)
	}

	if err := ch.Dispatch(fr); err != nil {
		return err
	}
	if ch.State() == channel.Closed {
		c.mu.Lock()
		delete(c.channels, fr.Channel)
		c.mu.Unlock()
	}
	return nil
}

func decodeMethod0(payload []byte) (*methodtable.Def, methodtable.Args, error) {
	r := wire.NewReader(payload)
	classID, err := r.Short()
	if err != nil {
		return nil, nil, err
	}
	methodID, err := r.Short()
	if err != nil {
		return nil, nil, err
	}
	def, ok := methodtable.Lookup(classID, methodID)
	if !ok {
		return nil, nil, &amqperr.UnknownMethod{ClassID: classID, MethodID: methodID}
	}
	args, err := methodtable.Decode(def, r)
	return def, args, err
}

func (c *Connection) handleChannel0(fr frame.Frame) error {
	if fr.Type != frame.TypeMethod {
		return c.closeWithReplyCode(amqperr.UnexpectedFrame, "non-method frame on channel 0", 0, 0)
	}
	def, args, err := decodeMethod0(fr.Payload)
	if err != nil {
		return err
	}

	switch {
	case def.ClassName == "connection" && def.MethodName == "close":
		code, _ := args["reply-code"].(uint16)
		text, _ := args["reply-text"].(string)
		ce := &amqperr.ConnectionClosed{ReplyCode: code, ReplyText: text}
		okDef, _ := methodtable.LookupName("connection.close-ok")
		_ = c.WriteMethod(0, okDef, nil)
		c.fail(ce)
		return errReaderStop{}

	case def.ClassName == "connection" && def.MethodName == "close-ok":
		return c.handleCloseOk()

	case def.ClassName == "connection" && def.MethodName == "blocked":
		reason, _ := args["reason"].(string)
		select {
		case c.blockedCh <- reason:
		default:
		}
		return nil

	case def.ClassName == "connection" && def.MethodName == "unblocked":
		select {
		case c.unblockedCh <- struct{}{}:
		default:
		}
		return nil

	default:
		return c.closeWithReplyCode(amqperr.UnexpectedFrame, "unexpected method on channel 0", def.ClassID, def.MethodID)
	}
}

func (c *Connection) handleCloseOk() error {
	c.mu.Lock()
	ch := c.closeOkCh
	c.closeOkCh = nil
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	c.fail(&amqperr.ConnectionClosed{})
	return errReaderStop{}
}

// closeWithReplyCode sends connection.close for a protocol violation
// this side detected (reply codes 504/505 per §4.E's handling of
// frames addressed to an unknown or forbidden channel) and fails the
// connection locally with the same error, stopping the reader loop.
func (c *Connection) closeWithReplyCode(code int, text string, classID, methodID uint16) error {
	closeDef, _ := methodtable.LookupName("connection.close")
	_ = c.WriteMethod(0, closeDef, methodtable.Args{
		"reply-code": uint16(code), "reply-text": text,
		"class-id": classID, "method-id": methodID,
	})
	return &amqperr.ConnectionClosed{ReplyCode: uint16(code), ReplyText: text}
}

// fail transitions the connection to Closed, propagates err to every
// channel and NotifyClose subscriber, and releases the transport. Safe
// to call more than once; only the first call has effect.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	if ce, ok := err.(*amqperr.ConnectionClosed); ok {
		c.closeErr = ce
	} else {
		c.closeErr = &amqperr.ConnectionClosed{ReplyText: err.Error()}
	}
	channels := c.channels
	c.channels = nil
	subs := c.closeNotify
	c.closeNotify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.FailFromConnection(c.closeErr)
	}
	for _, sub := range subs {
		sub <- c.closeErr
		close(sub)
	}
	_ = c.stream.Close()
}
