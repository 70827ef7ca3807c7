package wire

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/mruell/amqp091-go/pkg/amqperr"
)

// Reader decodes wire primitives from a fixed byte slice, tracking a
// cursor. It never blocks and never grows its buffer: the frame codec is
// responsible for handing it exactly one frame's payload at a time.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for decoding starting at offset zero.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining reports how many unread octets are left.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return &amqperr.MalformedFrame{Reason: "read past end of buffer"}
	}
	return nil
}

// Octet reads one unsigned byte.
func (r *Reader) Octet() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Short reads a big-endian uint16.
func (r *Reader) Short() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// Long reads a big-endian uint32.
func (r *Reader) Long() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// LongLong reads a big-endian uint64.
func (r *Reader) LongLong() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Float32 reads a big-endian IEEE-754 single.
func (r *Reader) Float32() (float32, error) {
	v, err := r.Long()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// Float64 reads a big-endian IEEE-754 double.
func (r *Reader) Float64() (float64, error) {
	v, err := r.LongLong()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// Bool reads one octet as a boolean, used only for standalone 't'
// fields; consecutive method arguments are packed and go through
// BitUnpacker instead.
func (r *Reader) Bool() (bool, error) {
	b, err := r.Octet()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Bytes reads n raw octets.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// Shortstr reads a 1-octet length prefix followed by that many bytes.
func (r *Reader) Shortstr() (string, error) {
	n, err := r.Octet()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Longstr reads a 4-octet length prefix followed by that many bytes.
func (r *Reader) Longstr() (string, error) {
	n, err := r.Long()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ByteArray reads the 'x' tag payload: a 4-octet length followed by raw
// bytes, kept distinct from Longstr so re-encoding chooses the right tag.
func (r *Reader) ByteArray() ([]byte, error) {
	n, err := r.Long()
	if err != nil {
		return nil, err
	}
	return r.Bytes(int(n))
}

// Timestamp reads 8 octets as POSIX seconds.
func (r *Reader) Timestamp() (time.Time, error) {
	secs, err := r.LongLong()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

// Decimal reads a 1-octet scale followed by a signed 32-bit value.
func (r *Reader) Decimal() (Decimal, error) {
	scale, err := r.Octet()
	if err != nil {
		return Decimal{}, err
	}
	v, err := r.Long()
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Scale: scale, Value: int32(v)}, nil
}

// Field reads one tag byte followed by its tagged payload, decoding
// both the RabbitMQ and strict-091 dialects (reads always accept
// either).
func (r *Reader) Field() (any, error) {
	tagByte, err := r.Octet()
	if err != nil {
		return nil, err
	}
	switch Tag(tagByte) {
	case TagBoolean:
		return r.Bool()
	case TagInt8:
		b, err := r.Octet()
		return int8(b), err
	case TagUint8:
		b, err := r.Octet()
		return uint8(b), err
	case TagInt16:
		v, err := r.Short()
		return int16(v), err
	case TagUint16:
		return r.Short()
	case TagInt32:
		v, err := r.Long()
		return int32(v), err
	case TagUint32:
		return r.Long()
	case TagInt64:
		v, err := r.LongLong()
		return int64(v), err
	case TagUint64:
		return r.LongLong()
	case TagFloat32:
		return r.Float32()
	case TagFloat64:
		return r.Float64()
	case TagDecimal:
		return r.Decimal()
	case TagShortstr:
		return r.Shortstr()
	case TagLongstr:
		return r.Longstr()
	case TagByteArray:
		return r.ByteArray()
	case TagTimestamp:
		return r.Timestamp()
	case TagTable:
		return r.Table()
	case TagArray:
		return r.Array()
	case TagVoid:
		return Void{}, nil
	default:
		return nil, &amqperr.MalformedFrame{Reason: "unknown field tag " + string(tagByte)}
	}
}

// Table reads the 'F' payload: a 4-octet byte length followed by
// (shortstr key, tagged field) pairs. A duplicate key overwrites the
// earlier value; insertion order of first occurrence is preserved.
func (r *Reader) Table() (*Table, error) {
	n, err := r.Long()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	end := r.pos + int(n)
	t := NewTable()
	for r.pos < end {
		key, err := r.Shortstr()
		if err != nil {
			return nil, err
		}
		val, err := r.Field()
		if err != nil {
			return nil, err
		}
		t.Set(key, val)
	}
	if r.pos != end {
		return nil, &amqperr.MalformedFrame{Reason: "table length mismatch"}
	}
	return t, nil
}

// Array reads the 'A' payload: a 4-octet byte length followed by
// tagged fields.
func (r *Reader) Array() (Array, error) {
	n, err := r.Long()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	end := r.pos + int(n)
	var arr Array
	for r.pos < end {
		v, err := r.Field()
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	if r.pos != end {
		return nil, &amqperr.MalformedFrame{Reason: "array length mismatch"}
	}
	return arr, nil
}
