// Package frame implements the AMQP 0-9-1 framing format: reading and
// writing the fixed 7-octet header, payload, and mandatory end-octet
// that wrap every method, content-header, body, and heartbeat frame.
package frame

import (
	"encoding/binary"

	"github.com/mruell/amqp091-go/pkg/amqperr"
)

// Type identifies the kind of payload a frame carries.
type Type byte

const (
	TypeMethod    Type = 1
	TypeHeader    Type = 2
	TypeBody      Type = 3
	TypeHeartbeat Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeMethod:
		return "method"
	case TypeHeader:
		return "header"
	case TypeBody:
		return "body"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// EndOctet terminates every frame.
const EndOctet = 0xCE

// HeaderSize is the fixed 7-octet frame header: type(1) channel(2) length(4).
const HeaderSize = 7

// Overhead is the total non-payload size of a frame: header plus the
// trailing end-octet.
const Overhead = HeaderSize + 1

// Frame is one decoded AMQP frame.
type Frame struct {
	Type    Type
	Channel uint16
	Payload []byte
}

// ByteReader is the minimal read surface the codec needs: exact-length
// reads, as provided by the I/O driver's read_exact.
type ByteReader interface {
	ReadExact(n int) ([]byte, error)
}

// ByteWriter is the minimal write surface the codec needs.
type ByteWriter interface {
	WriteAll(b []byte) error
}

// ReadFrame reads exactly one frame: the 7-octet header, then Length
// octets of payload, then the mandatory end-octet. Every successful
// call consumes exactly Length+8 bytes from r.
func ReadFrame(r ByteReader) (Frame, error) {
	hdr, err := r.ReadExact(HeaderSize)
	if err != nil {
		return Frame{}, err
	}
	typ := Type(hdr[0])
	channel := binary.BigEndian.Uint16(hdr[1:3])
	length := binary.BigEndian.Uint32(hdr[3:7])

	body, err := r.ReadExact(int(length))
	if err != nil {
		return Frame{}, err
	}

	end, err := r.ReadExact(1)
	if err != nil {
		return Frame{}, err
	}
	if end[0] != EndOctet {
		return Frame{}, &amqperr.MalformedFrame{Reason: "missing end-octet"}
	}

	switch typ {
	case TypeMethod, TypeHeader, TypeBody, TypeHeartbeat:
	default:
		return Frame{}, &amqperr.MalformedFrame{Reason: "unknown frame type"}
	}

	return Frame{Type: typ, Channel: channel, Payload: body}, nil
}

// Encode serializes f into a single contiguous byte slice: header,
// payload, end-octet.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload)+1)
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint16(out[1:3], f.Channel)
	binary.BigEndian.PutUint32(out[3:7], uint32(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	out[len(out)-1] = EndOctet
	return out
}

// WriteFrame encodes and writes one frame. The implementation of
// ByteWriter may coalesce consecutive WriteAll calls into a single
// syscall (e.g. via a buffered writer); the caller is responsible for
// flushing before any operation that expects a synchronous reply.
func WriteFrame(w ByteWriter, f Frame) error {
	return w.WriteAll(Encode(f))
}

// Heartbeat returns the zero-length heartbeat frame sent on channel 0.
func Heartbeat() Frame { return Frame{Type: TypeHeartbeat, Channel: 0} }

// Split breaks body into chunks of at most maxPayload octets, suitable
// for emitting as successive body frames on channel. maxPayload must
// already account for frame_max minus the 8-octet framing overhead.
func Split(channel uint16, body []byte, maxPayload int) []Frame {
	if maxPayload <= 0 {
		maxPayload = len(body)
		if maxPayload == 0 {
			maxPayload = 1
		}
	}
	if len(body) == 0 {
		return nil
	}
	n := (len(body) + maxPayload - 1) / maxPayload
	out := make([]Frame, 0, n)
	for off := 0; off < len(body); off += maxPayload {
		end := off + maxPayload
		if end > len(body) {
			end = len(body)
		}
		out = append(out, Frame{Type: TypeBody, Channel: channel, Payload: body[off:end]})
	}
	return out
}
