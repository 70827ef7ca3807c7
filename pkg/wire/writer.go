package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
)

// Writer encodes wire primitives into an in-memory buffer. Nested
// length-prefixed structures (table, array) are built in a scratch
// buffer so their byte length is known before the prefix is emitted.
type Writer struct {
	buf     bytes.Buffer
	dialect Dialect
}

// NewWriter returns a Writer that emits the given dialect's tag letters
// for field values it encodes.
func NewWriter(d Dialect) *Writer { return &Writer{dialect: d} }

// Bytes returns the accumulated encoded bytes.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len reports the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// Octet appends one byte.
func (w *Writer) Octet(b byte) { w.buf.WriteByte(b) }

// Short appends a big-endian uint16.
func (w *Writer) Short(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// Long appends a big-endian uint32.
func (w *Writer) Long(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// LongLong appends a big-endian uint64.
func (w *Writer) LongLong(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// Float32 appends a big-endian IEEE-754 single.
func (w *Writer) Float32(v float32) { w.Long(math.Float32bits(v)) }

// Float64 appends a big-endian IEEE-754 double.
func (w *Writer) Float64(v float64) { w.LongLong(math.Float64bits(v)) }

// Bool appends one octet, used only for a standalone 't' field.
func (w *Writer) Bool(v bool) {
	if v {
		w.Octet(1)
	} else {
		w.Octet(0)
	}
}

// Raw appends b verbatim, with no length prefix.
func (w *Writer) Raw(b []byte) { w.buf.Write(b) }

// Shortstr appends a 1-octet length prefix followed by s. Fails with
// EncodingError if s exceeds 255 octets.
func (w *Writer) Shortstr(s string) error {
	if len(s) > 255 {
		return &amqperr.EncodingError{Reason: "shortstr exceeds 255 octets"}
	}
	w.Octet(byte(len(s)))
	w.buf.WriteString(s)
	return nil
}

// Longstr appends a 4-octet length prefix followed by s.
func (w *Writer) Longstr(s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return &amqperr.EncodingError{Reason: "longstr exceeds 2^32-1 octets"}
	}
	w.Long(uint32(len(s)))
	w.buf.WriteString(s)
	return nil
}

// ByteArray appends the 'x' payload: a 4-octet length followed by raw
// bytes.
func (w *Writer) ByteArray(b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return &amqperr.EncodingError{Reason: "byte array exceeds 2^32-1 octets"}
	}
	w.Long(uint32(len(b)))
	w.buf.Write(b)
	return nil
}

// Timestamp appends 8 octets of POSIX seconds.
func (w *Writer) Timestamp(t time.Time) { w.LongLong(uint64(t.Unix())) }

// Decimal appends a 1-octet scale followed by a signed 32-bit value.
func (w *Writer) Decimal(d Decimal) {
	w.Octet(d.Scale)
	w.Long(uint32(d.Value))
}

// Field appends a tag byte followed by val's tagged payload. The tag
// letter chosen for integer values depends on the writer's dialect.
func (w *Writer) Field(val any) error {
	switch v := val.(type) {
	case bool:
		w.Octet(byte(TagBoolean))
		w.Bool(v)
	case int8:
		w.Octet(byte(TagInt8))
		w.Octet(byte(v))
	case uint8:
		w.Octet(byte(TagUint8))
		w.Octet(v)
	case int16:
		w.Octet(byte(w.intTag(TagInt16)))
		w.Short(uint16(v))
	case uint16:
		w.Octet(byte(w.intTag(TagUint16)))
		w.Short(v)
	case int32:
		w.Octet(byte(w.intTag(TagInt32)))
		w.Long(uint32(v))
	case uint32:
		w.Octet(byte(w.intTag(TagUint32)))
		w.Long(v)
	case int64:
		w.Octet(byte(TagInt64))
		w.LongLong(uint64(v))
	case uint64:
		w.Octet(byte(TagUint64))
		w.LongLong(v)
	case int:
		w.Octet(byte(w.intTag(TagInt32)))
		w.Long(uint32(int32(v)))
	case float32:
		w.Octet(byte(TagFloat32))
		w.Float32(v)
	case float64:
		w.Octet(byte(TagFloat64))
		w.Float64(v)
	case Decimal:
		w.Octet(byte(TagDecimal))
		w.Decimal(v)
	case string:
		w.Octet(byte(TagLongstr))
		return w.Longstr(v)
	case []byte:
		w.Octet(byte(TagByteArray))
		return w.ByteArray(v)
	case time.Time:
		w.Octet(byte(TagTimestamp))
		w.Timestamp(v)
	case *Table:
		w.Octet(byte(TagTable))
		return w.Table(v)
	case Array:
		w.Octet(byte(TagArray))
		return w.Array(v)
	case Void, nil:
		w.Octet(byte(TagVoid))
	default:
		return &amqperr.EncodingError{Reason: "unsupported field value type"}
	}
	return nil
}

// intTag collapses RabbitMQ's narrower signed/unsigned tags onto the
// strict-091 wide tags when the writer's dialect demands it. Only the
// signed and unsigned 16-bit letters are rewritten (both to 'I'); every
// other tag, including the 32- and 64-bit integer letters, is shared.
func (w *Writer) intTag(t Tag) Tag {
	if w.dialect == DialectStrict091 {
		switch t {
		case TagInt16, TagUint16:
			return TagInt32 // strict-091 widens 16-bit fields to 'I'
		}
	}
	return t
}

// Table appends the 'F' payload: a 4-octet byte length followed by
// (shortstr key, tagged field) pairs in t's insertion order. Duplicate
// keys cannot occur on write because Table enforces uniqueness.
func (w *Writer) Table(t *Table) error {
	inner := NewWriter(w.dialect)
	if t != nil {
		for _, k := range t.Keys() {
			v, _ := t.Get(k)
			if err := inner.Shortstr(k); err != nil {
				return err
			}
			if err := inner.Field(v); err != nil {
				return err
			}
		}
	}
	if uint64(inner.Len()) > math.MaxUint32 {
		return &amqperr.EncodingError{Reason: "table exceeds 2^32-1 octets"}
	}
	w.Long(uint32(inner.Len()))
	w.Raw(inner.Bytes())
	return nil
}

// Array appends the 'A' payload: a 4-octet byte length followed by
// tagged fields.
func (w *Writer) Array(a Array) error {
	inner := NewWriter(w.dialect)
	for _, v := range a {
		if err := inner.Field(v); err != nil {
			return err
		}
	}
	if uint64(inner.Len()) > math.MaxUint32 {
		return &amqperr.EncodingError{Reason: "array exceeds 2^32-1 octets"}
	}
	w.Long(uint32(inner.Len()))
	w.Raw(inner.Bytes())
	return nil
}
