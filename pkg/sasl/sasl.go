// Package sasl builds the SASL mechanism response payloads exchanged
// during connection.start-ok/secure-ok, grounded in the same
// build-a-signed-payload shape as the teacher's handshake.BuildHello:
// assemble a canonical byte transcript, hand it to the negotiated
// mechanism, send the result as the response field.
package sasl

import (
	"github.com/mruell/amqp091-go/pkg/wire"
)

// Mechanism encodes a SASL response for one negotiation round.
type Mechanism interface {
	// Name is the mechanism name advertised in connection.start-ok,
	// e.g. "PLAIN".
	Name() string
	// Response returns the bytes to place in the response field for
	// the exchange's first (and, for PLAIN/AMQPLAIN/EXTERNAL, only)
	// round.
	Response() []byte
}

// Plain implements the PLAIN mechanism: response is
// authzid + "\0" + username + "\0" + password, with authzid always left
// empty, so the response starts with the first "\0".
type Plain struct {
	Username string
	Password string
}

func (Plain) Name() string { return "PLAIN" }

func (p Plain) Response() []byte {
	buf := make([]byte, 0, len(p.Username)+len(p.Password)+2)
	buf = append(buf, 0)
	buf = append(buf, p.Username...)
	buf = append(buf, 0)
	buf = append(buf, p.Password...)
	return buf
}

// AMQPlain implements RabbitMQ's AMQPLAIN mechanism: response is a
// field table with LOGIN and PASSWORD longstr entries, encoded without
// the 4-octet length prefix a standalone field-table value would
// normally carry (the response field itself supplies the length via
// its own longstr framing).
type AMQPlain struct {
	Username string
	Password string
}

func (AMQPlain) Name() string { return "AMQPLAIN" }

func (a AMQPlain) Response() []byte {
	t := wire.NewTable()
	t.Set("LOGIN", a.Username)
	t.Set("PASSWORD", a.Password)

	w := wire.NewWriter(wire.DialectRabbit)
	inner := wire.NewWriter(wire.DialectRabbit)
	for _, k := range t.Keys() {
		v, _ := t.Get(k)
		_ = inner.Shortstr(k)
		_ = inner.Field(v)
	}
	w.Raw(inner.Bytes())
	return w.Bytes()
}

// External implements the EXTERNAL mechanism: the response carries an
// authorization identity established out-of-band (e.g. a TLS client
// certificate), empty by default.
type External struct {
	Identity string
}

func (External) Name() string { return "EXTERNAL" }

func (e External) Response() []byte { return []byte(e.Identity) }

// ByName returns the mechanism constructor matching name, used when
// picking from the broker's advertised Mechanisms list. Returns nil if
// name is not one this package implements.
func ByName(name, username, password string) Mechanism {
	switch name {
	case "PLAIN":
		return Plain{Username: username, Password: password}
	case "AMQPLAIN":
		return AMQPlain{Username: username, Password: password}
	case "EXTERNAL":
		return External{}
	default:
		return nil
	}
}
