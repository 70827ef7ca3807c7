package methodtable

import (
	"github.com/mruell/amqp091-go/pkg/amqperr"
	"github.com/mruell/amqp091-go/pkg/wire"
)

// Args holds a method's decoded argument values, keyed by field name.
// Reserved fields are consumed from the wire but never appear here.
type Args map[string]any

// Encode writes values for d's schema into w, in field order, packing
// consecutive Bit fields into shared octets via a BitPacker that is
// flushed whenever the schema transitions away from Bit.
func Encode(d *Def, values Args, w *wire.Writer) error {
	packer := wire.NewBitPacker(w)
	flushIfNeeded := func(k Kind) {
		if k != KindBit {
			packer.Flush()
		}
	}
	for _, field := range d.Args {
		flushIfNeeded(field.Kind)
		if field.Kind == KindBit {
			v, _ := values[field.Name].(bool) // reserved bits default false
			packer.Put(v)
			continue
		}
		if err := encodeField(w, field, values); err != nil {
			return err
		}
	}
	packer.Flush()
	return nil
}

func encodeField(w *wire.Writer, field Field, values Args) error {
	if field.Reserved {
		return encodeZero(w, field.Kind)
	}
	v, ok := values[field.Name]
	if !ok {
		return &amqperr.EncodingError{Reason: "missing argument " + field.Name}
	}
	switch field.Kind {
	case KindOctet:
		b, ok := v.(byte)
		if !ok {
			return &amqperr.EncodingError{Reason: field.Name + ": expected octet"}
		}
		w.Octet(b)
	case KindShort:
		s, ok := v.(uint16)
		if !ok {
			return &amqperr.EncodingError{Reason: field.Name + ": expected short"}
		}
		w.Short(s)
	case KindLong:
		l, ok := v.(uint32)
		if !ok {
			return &amqperr.EncodingError{Reason: field.Name + ": expected long"}
		}
		w.Long(l)
	case KindLongLong:
		ll, ok := v.(uint64)
		if !ok {
			return &amqperr.EncodingError{Reason: field.Name + ": expected longlong"}
		}
		w.LongLong(ll)
	case KindShortstr:
		s, ok := v.(string)
		if !ok {
			return &amqperr.EncodingError{Reason: field.Name + ": expected shortstr"}
		}
		return w.Shortstr(s)
	case KindLongstr:
		s, ok := v.(string)
		if !ok {
			return &amqperr.EncodingError{Reason: field.Name + ": expected longstr"}
		}
		return w.Longstr(s)
	case KindTable:
		t, _ := v.(*wire.Table)
		return w.Table(t)
	case KindTimestamp:
		t, ok := v.(interface{ Unix() int64 })
		if !ok {
			return &amqperr.EncodingError{Reason: field.Name + ": expected timestamp"}
		}
		w.LongLong(uint64(t.Unix()))
	default:
		return &amqperr.EncodingError{Reason: field.Name + ": unsupported kind"}
	}
	return nil
}

func encodeZero(w *wire.Writer, k Kind) error {
	switch k {
	case KindOctet:
		w.Octet(0)
	case KindShort:
		w.Short(0)
	case KindLong:
		w.Long(0)
	case KindLongLong:
		w.LongLong(0)
	case KindShortstr:
		return w.Shortstr("")
	case KindLongstr:
		return w.Longstr("")
	case KindTable:
		return w.Table(wire.NewTable())
	default:
		return nil
	}
	return nil
}

// Decode reads d's schema from r, returning the non-reserved argument
// values keyed by field name.
func Decode(d *Def, r *wire.Reader) (Args, error) {
	out := make(Args, len(d.Args))
	unpacker := wire.NewBitUnpacker(r)
	resetIfNeeded := func(k Kind) {
		if k != KindBit {
			unpacker.Reset()
		}
	}
	for _, field := range d.Args {
		resetIfNeeded(field.Kind)
		if field.Kind == KindBit {
			v, err := unpacker.Next()
			if err != nil {
				return nil, err
			}
			if !field.Reserved {
				out[field.Name] = v
			}
			continue
		}
		v, err := decodeField(r, field.Kind)
		if err != nil {
			return nil, err
		}
		if !field.Reserved {
			out[field.Name] = v
		}
	}
	return out, nil
}

func decodeField(r *wire.Reader, k Kind) (any, error) {
	switch k {
	case KindOctet:
		return r.Octet()
	case KindShort:
		return r.Short()
	case KindLong:
		return r.Long()
	case KindLongLong:
		return r.LongLong()
	case KindShortstr:
		return r.Shortstr()
	case KindLongstr:
		return r.Longstr()
	case KindTable:
		return r.Table()
	case KindTimestamp:
		return r.Timestamp()
	default:
		return nil, &amqperr.MalformedFrame{Reason: "unsupported argument kind"}
	}
}
