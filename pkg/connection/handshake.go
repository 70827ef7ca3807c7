package connection

import (
	"fmt"
	"strings"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/frame"
	"github.com/mruell/amqp091-go/pkg/iodriver"
	"github.com/mruell/amqp091-go/pkg/logging"
	"github.com/mruell/amqp091-go/pkg/methodtable"
	"github.com/mruell/amqp091-go/pkg/sasl"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// negotiate drives the connection from Preamble to Open: the protocol
// header, the start/start-ok (and any secure/secure-ok rounds) exchange,
// tune negotiation, and connection.open/open-ok (§4.E).
func (c *Connection) negotiate() error {
	c.state = Preamble
	if err := c.writeRaw([]byte(protocolPreamble)); err != nil {
		return err
	}

	c.state = AwaitingStart
	startDef, startArgs, err := c.readMethod0()
	if err != nil {
		return err
	}
	if startDef.ClassName != "connection" || startDef.MethodName != "start" {
		return &amqperr.ProtocolViolation{Reason: "expected connection.start, got " + startDef.ClassName + "." + startDef.MethodName}
	}

	mechanisms, _ := startArgs["mechanisms"].(string)
	mech := sasl.ByName(c.cfg.Mechanism, c.cfg.User, c.cfg.Password)
	if mech == nil {
		return fmt.Errorf("connection: unsupported mechanism %q", c.cfg.Mechanism)
	}
	if !mechanismOffered(mechanisms, mech.Name()) {
		c.log.Warn("mechanism not in broker's advertised list, trying anyway", logging.String("mechanism", mech.Name()))
	}

	startOkDef, _ := methodtable.LookupName("connection.start-ok")
	if err := c.WriteMethod(0, startOkDef, methodtable.Args{
		"client-properties": clientProperties(),
		"mechanism":         mech.Name(),
		"response":          string(mech.Response()),
		"locale":            c.cfg.Locale,
	}); err != nil {
		return err
	}

	// A broker offering a challenge-response mechanism sends
	// connection.secure instead of connection.tune; every mechanism this
	// package implements is single-round, so the same response is
	// replayed for secure-ok. Multi-round mechanisms are out of scope.
	def, args, err := c.readMethod0()
	if err != nil {
		return err
	}
	for def.ClassName == "connection" && def.MethodName == "secure" {
		secureOkDef, _ := methodtable.LookupName("connection.secure-ok")
		if err := c.WriteMethod(0, secureOkDef, methodtable.Args{"response": string(mech.Response())}); err != nil {
			return err
		}
		def, args, err = c.readMethod0()
		if err != nil {
			return err
		}
	}

	if def.ClassName == "connection" && def.MethodName == "close" {
		code, _ := args["reply-code"].(uint16)
		text, _ := args["reply-text"].(string)
		if code == amqperr.AccessRefused {
			return &amqperr.AuthFailure{ReplyText: text}
		}
		return &amqperr.ConnectionClosed{ReplyCode: code, ReplyText: text}
	}
	if def.ClassName != "connection" || def.MethodName != "tune" {
		return &amqperr.ProtocolViolation{Reason: "expected connection.tune, got " + def.ClassName + "." + def.MethodName}
	}

	c.state = AwaitingTune
	serverChannelMax, _ := args["channel-max"].(uint16)
	serverFrameMax, _ := args["frame-max"].(uint32)
	serverHeartbeat, _ := args["heartbeat"].(uint16)

	channelMax := negotiateUint16(uint16(c.cfg.ChannelMax), serverChannelMax)
	frameMax := negotiateUint32(uint32(c.cfg.FrameMax), serverFrameMax)
	if frameMax != 0 && frameMax < 4096 {
		frameMax = 4096
	}
	heartbeat := negotiateUint16(uint16(c.cfg.Heartbeat), serverHeartbeat)

	tuneOkDef, _ := methodtable.LookupName("connection.tune-ok")
	if err := c.WriteMethod(0, tuneOkDef, methodtable.Args{
		"channel-max": channelMax, "frame-max": frameMax, "heartbeat": heartbeat,
	}); err != nil {
		return err
	}

	c.channelMax = channelMax
	c.frameMax = frameMax
	c.heartbeat = time.Duration(heartbeat) * time.Second
	c.clock = iodriver.NewClock(c.heartbeat)

	c.state = AwaitingOpenOk
	openDef, _ := methodtable.LookupName("connection.open")
	if err := c.WriteMethod(0, openDef, methodtable.Args{"virtual-host": c.cfg.VHost}); err != nil {
		return err
	}
	def, _, err = c.readMethod0()
	if err != nil {
		return err
	}
	if def.ClassName == "connection" && def.MethodName == "close" {
		return &amqperr.ProtocolViolation{Reason: "broker closed during open"}
	}
	if def.ClassName != "connection" || def.MethodName != "open-ok" {
		return &amqperr.ProtocolViolation{Reason: "expected connection.open-ok, got " + def.ClassName + "." + def.MethodName}
	}

	c.state = Open
	c.log.Info("connection open",
		logging.String("vhost", c.cfg.VHost),
		logging.Uint16("channel-max", channelMax),
		logging.Duration("heartbeat", c.heartbeat))
	return nil
}

// readMethod0 reads one frame expected to be a method frame on channel
// 0, decoding it through the registry.
func (c *Connection) readMethod0() (*methodtable.Def, methodtable.Args, error) {
	fr, err := frame.ReadFrame(c.stream)
	if err != nil {
		if _, ok := err.(*amqperr.MalformedFrame); ok {
			return nil, nil, fmt.Errorf("connection: unexpected data during negotiation (protocol version mismatch?): %w", err)
		}
		return nil, nil, err
	}
	c.clock.MarkRead(time.Now())
	if fr.Channel != 0 || fr.Type != frame.TypeMethod {
		return nil, nil, &amqperr.ProtocolViolation{Reason: "expected a channel-0 method frame during negotiation"}
	}
	r := wire.NewReader(fr.Payload)
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
	if err != nil {
		return nil, nil, err
	}
	return def, args, nil
}

// clientProperties builds the client-properties table sent in
// connection.start-ok: product identity plus the capability flags this
// client understands, advertised the way RabbitMQ clients do so the
// broker knows it may use publisher confirms, send consumer-cancel
// notifications, and so on.
func clientProperties() *wire.Table {
	caps := wire.NewTable()
	caps.Set("publisher_confirms", true)
	caps.Set("exchange_exchange_bindings", true)
	caps.Set("basic.nack", true)
	caps.Set("consumer_cancel_notify", true)
	caps.Set("connection.blocked", true)
	caps.Set("authentication_failure_close", true)

	t := wire.NewTable()
	t.Set("product", "amqp091-go")
	t.Set("version", "0.1.0")
	t.Set("platform", "Go")
	t.Set("capabilities", caps)
	return t
}

func mechanismOffered(advertised, name string) bool {
	for _, tok := range strings.Fields(advertised) {
		if tok == name {
			return true
		}
	}
	return false
}

// negotiateUint16 reconciles a client proposal with the broker's
// counter-proposal, per §4.E: 0 means "no preference" and the other
// side's value wins outright; otherwise the minimum of the two applies.
func negotiateUint16(proposed, counter uint16) uint16 {
	switch {
	case proposed == 0:
		return counter
	case counter == 0:
		return proposed
	case counter < proposed:
		return counter
	default:
		return proposed
	}
}

func negotiateUint32(proposed, counter uint32) uint32 {
	switch {
	case proposed == 0:
		return counter
	case counter == 0:
		return proposed
	case counter < proposed:
		return counter
	default:
		return proposed
	}
}
