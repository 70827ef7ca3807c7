package channel

import (
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// Properties is the 14 well-known basic-class message properties
// carried in a content header, in the fixed bit order the protocol
// assigns them (bit 15 down to bit 2; bit 1 is reserved/unused and bit
// 0 of each flag word is the continuation bit).
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         *wire.Table
	DeliveryMode    byte
	Priority        byte
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
	ClusterID       string // deprecated by RabbitMQ but still wire-present

	// present tracks which fields were set on the wire (for decode) or
	// should be emitted (for encode), independent of Go zero values.
	present [14]bool
}

const (
	flagContentType = iota
	flagContentEncoding
	flagHeaders
	flagDeliveryMode
	flagPriority
	flagCorrelationID
	flagReplyTo
	flagExpiration
	flagMessageID
	flagTimestamp
	flagType
	flagUserID
	flagAppID
	flagClusterID
)

// SetContentType etc. mark a property present so Encode emits it even
// when the value is a Go zero value (e.g. DeliveryMode 0).
func (p *Properties) SetContentType(v string) { p.ContentType = v; p.present[flagContentType] = true }
func (p *Properties) SetContentEncoding(v string) {
	p.ContentEncoding = v
	p.present[flagContentEncoding] = true
}
func (p *Properties) SetHeaders(v *wire.Table)  { p.Headers = v; p.present[flagHeaders] = true }
func (p *Properties) SetDeliveryMode(v byte)    { p.DeliveryMode = v; p.present[flagDeliveryMode] = true }
func (p *Properties) SetPriority(v byte)        { p.Priority = v; p.present[flagPriority] = true }
func (p *Properties) SetCorrelationID(v string) { p.CorrelationID = v; p.present[flagCorrelationID] = true }
func (p *Properties) SetReplyTo(v string)       { p.ReplyTo = v; p.present[flagReplyTo] = true }
func (p *Properties) SetExpiration(v string)    { p.Expiration = v; p.present[flagExpiration] = true }
func (p *Properties) SetMessageID(v string)     { p.MessageID = v; p.present[flagMessageID] = true }
func (p *Properties) SetTimestamp(v time.Time)  { p.Timestamp = v; p.present[flagTimestamp] = true }
func (p *Properties) SetType(v string)          { p.Type = v; p.present[flagType] = true }
func (p *Properties) SetUserID(v string)        { p.UserID = v; p.present[flagUserID] = true }
func (p *Properties) SetAppID(v string)         { p.AppID = v; p.present[flagAppID] = true }
func (p *Properties) SetClusterID(v string)     { p.ClusterID = v; p.present[flagClusterID] = true }

// encodeFlags writes the single property-flags word: bits 15..2 mark
// presence of the 14 properties in order, and bit 0 (the continuation
// bit) is left clear because no further word follows.
func encodeFlags(w *wire.Writer, present [14]bool) {
	var word uint16
	for i, ok := range present {
		if ok {
			word |= 1 << uint(15-i)
		}
	}
	w.Short(word)
}

// Encode writes the content-header payload for classID: class_id,
// weight=0, body_size, property_flags, then the present properties in
// fixed order.
func (p *Properties) Encode(w *wire.Writer, classID uint16, bodySize uint64) error {
	w.Short(classID)
	w.Short(0) // weight, always zero
	w.LongLong(bodySize)
	encodeFlags(w, p.present)

	if p.present[flagContentType] {
		if err := w.Shortstr(p.ContentType); err != nil {
			return err
		}
	}
	if p.present[flagContentEncoding] {
		if err := w.Shortstr(p.ContentEncoding); err != nil {
			return err
		}
	}
	if p.present[flagHeaders] {
		if err := w.Table(p.Headers); err != nil {
			return err
		}
	}
	if p.present[flagDeliveryMode] {
		w.Octet(p.DeliveryMode)
	}
	if p.present[flagPriority] {
		w.Octet(p.Priority)
	}
	if p.present[flagCorrelationID] {
		if err := w.Shortstr(p.CorrelationID); err != nil {
			return err
		}
	}
	if p.present[flagReplyTo] {
		if err := w.Shortstr(p.ReplyTo); err != nil {
			return err
		}
	}
	if p.present[flagExpiration] {
		if err := w.Shortstr(p.Expiration); err != nil {
			return err
		}
	}
	if p.present[flagMessageID] {
		if err := w.Shortstr(p.MessageID); err != nil {
			return err
		}
	}
	if p.present[flagTimestamp] {
		w.Timestamp(p.Timestamp)
	}
	if p.present[flagType] {
		if err := w.Shortstr(p.Type); err != nil {
			return err
		}
	}
	if p.present[flagUserID] {
		if err := w.Shortstr(p.UserID); err != nil {
			return err
		}
	}
	if p.present[flagAppID] {
		if err := w.Shortstr(p.AppID); err != nil {
			return err
		}
	}
	if p.present[flagClusterID] {
		if err := w.Shortstr(p.ClusterID); err != nil {
			return err
		}
	}
	return nil
}

// DecodedHeader is a decoded content header: the class it belongs to
// and the declared total body length, alongside the properties.
type DecodedHeader struct {
	ClassID  uint16
	BodySize uint64
	Props    Properties
}

// DecodeHeader reads a content-header payload.
func DecodeHeader(r *wire.Reader) (DecodedHeader, error) {
	var h DecodedHeader
	classID, err := r.Short()
	if err != nil {
		return h, err
	}
	if _, err := r.Short(); err != nil { // weight, ignored
		return h, err
	}
	bodySize, err := r.LongLong()
	if err != nil {
		return h, err
	}
	h.ClassID = classID
	h.BodySize = bodySize

	present, err := decodeFlags(r)
	if err != nil {
		return h, err
	}
	h.Props.present = present

	if present[flagContentType] {
		if h.Props.ContentType, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagContentEncoding] {
		if h.Props.ContentEncoding, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagHeaders] {
		if h.Props.Headers, err = r.Table(); err != nil {
			return h, err
		}
	}
	if present[flagDeliveryMode] {
		if h.Props.DeliveryMode, err = r.Octet(); err != nil {
			return h, err
		}
	}
	if present[flagPriority] {
		if h.Props.Priority, err = r.Octet(); err != nil {
			return h, err
		}
	}
	if present[flagCorrelationID] {
		if h.Props.CorrelationID, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagReplyTo] {
		if h.Props.ReplyTo, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagExpiration] {
		if h.Props.Expiration, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagMessageID] {
		if h.Props.MessageID, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagTimestamp] {
		if h.Props.Timestamp, err = r.Timestamp(); err != nil {
			return h, err
		}
	}
	if present[flagType] {
		if h.Props.Type, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagUserID] {
		if h.Props.UserID, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagAppID] {
		if h.Props.AppID, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	if present[flagClusterID] {
		if h.Props.ClusterID, err = r.Shortstr(); err != nil {
			return h, err
		}
	}
	return h, nil
}

// decodeFlags reads one 16-bit flag word. A word with the continuation
// bit (bit 0) set is rejected with MalformedFrame.
func decodeFlags(r *wire.Reader) ([14]bool, error) {
	var present [14]bool
	for {
		word, err := r.Short()
		if err != nil {
			return present, err
		}
		for i := range present {
			if word&(1<<uint(15-i)) != 0 {
				present[i] = true
			}
		}
		if word&1 == 0 {
			return present, nil
		}
		// A continuation word would carry bits for properties beyond
		// the 14 this revision defines; none exist, so a continuation
		// bit here is itself a framing error.
		return present, &amqperr.MalformedFrame{Reason: "unexpected property-flags continuation"}
	}
}
