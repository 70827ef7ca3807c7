package connection

import (
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/channel"
	"github.com/mruell/amqp091-go/pkg/logging"
	"github.com/mruell/amqp091-go/pkg/methodtable"
)

// OpenChannel allocates the next free channel number, performs the
// channel.open/open-ok handshake, and returns a ready-to-use channel.
func (c *Connection) OpenChannel() (*channel.Channel, error) {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return nil, errConnNotOpen(c.state)
	}
	id, err := c.allocateChannelIDLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := channel.New(id, c, c.log.With(logging.Uint16("channel", id)))
	c.channels[id] = ch
	c.mu.Unlock()

	openDef, _ := methodtable.LookupName("channel.open")
	okDef, _ := methodtable.LookupName("channel.open-ok")
	if _, err := ch.Call(openDef, nil, okDef.ClassID, okDef.MethodID); err != nil {
		c.mu.Lock()
		delete(c.channels, id)
		c.mu.Unlock()
		return nil, err
	}
	ch.MarkOpen()
	return ch, nil
}

func (c *Connection) allocateChannelIDLocked() (uint16, error) {
	limit := c.channelMax
	if limit == 0 {
		limit = 65535
	}
	for i := 0; i < int(limit); i++ {
		c.nextChannelID++
		if c.nextChannelID == 0 || c.nextChannelID > limit {
			c.nextChannelID = 1
		}
		if _, taken := c.channels[c.nextChannelID]; !taken {
			return c.nextChannelID, nil
		}
	}
	return 0, &amqperr.ProtocolViolation{Reason: "no free channel ids"}
}

func errConnNotOpen(s State) error {
	return &amqperr.ConnectionClosed{ReplyText: "connection not open (state: " + s.String() + ")"}
}

// Close performs the client-initiated connection.close handshake: send
// connection.close, wait for connection.close-ok (or the reader loop
// observing the transport drop), then return once the reader loop has
// fully unwound.
func (c *Connection) Close(replyCode uint16, replyText string) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return nil
	case Closing:
		c.mu.Unlock()
		<-c.readerDone
		return nil
	}
	c.state = Closing
	okCh := make(chan struct{})
	c.closeOkCh = okCh
	c.mu.Unlock()

	closeDef, _ := methodtable.LookupName("connection.close")
	if err := c.WriteMethod(0, closeDef, methodtable.Args{
		"reply-code": replyCode, "reply-text": replyText,
		"class-id": uint16(0), "method-id": uint16(0),
	}); err != nil {
		<-c.readerDone
		return err
	}

	select {
	case <-okCh:
	case <-c.readerDone:
	}
	<-c.readerDone
	return nil
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal close error once the connection has closed,
// or nil while it is still open.
func (c *Connection) Err() *amqperr.ConnectionClosed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Heartbeat reports the negotiated heartbeat interval (0 if disabled).
func (c *Connection) Heartbeat() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// ChannelMax reports the negotiated channel-max ceiling (0 = unlimited).
func (c *Connection) ChannelMax() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelMax
}
