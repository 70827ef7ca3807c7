package methodtable

import (
	"testing"

	"github.com/mruell/amqp091-go/pkg/wire"
)

func TestLookupKnownMethods(t *testing.T) {
	cases := []struct {
		class, method uint16
		name          string
	}{
		{ClassConnection, 10, "connection.start"},
		{ClassChannel, 40, "channel.close"},
		{ClassQueue, 10, "queue.declare"},
		{ClassBasic, 40, "basic.publish"},
		{ClassConfirm, 10, "confirm.select"},
	}
	for _, c := range cases {
		d, ok := Lookup(c.class, c.method)
		if !ok {
			t.Fatalf("Lookup(%d,%d): not found", c.class, c.method)
		}
		if d.ClassName+"."+d.MethodName != c.name {
			t.Fatalf("Lookup(%d,%d): got %s.%s want %s", c.class, c.method, d.ClassName, d.MethodName, c.name)
		}
		if byName, ok := LookupName(c.name); !ok || byName != d {
			t.Fatalf("LookupName(%s): mismatch with Lookup", c.name)
		}
	}
}

func TestLookupUnknownMethod(t *testing.T) {
	if _, ok := Lookup(999, 999); ok {
		t.Fatalf("expected unknown class/method to miss")
	}
}

func TestEncodeDecodeQueueDeclare(t *testing.T) {
	d, ok := LookupName("queue.declare")
	if !ok {
		t.Fatalf("queue.declare not registered")
	}
	args := wire.NewTable()
	args.Set("x-max-length", int32(100))
	in := Args{
		"queue":       "orders",
		"passive":     false,
		"durable":     true,
		"exclusive":   false,
		"auto-delete": false,
		"no-wait":     false,
		"arguments":   args,
	}

	w := wire.NewWriter(wire.DialectRabbit)
	if err := Encode(d, in, w); err != nil {
		t.Fatalf("encode: %v", err)
	}

	r := wire.NewReader(w.Bytes())
	out, err := Decode(d, r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["queue"] != "orders" {
		t.Fatalf("queue: got %v", out["queue"])
	}
	if out["durable"] != true {
		t.Fatalf("durable: got %v", out["durable"])
	}
	if out["passive"] != false || out["exclusive"] != false {
		t.Fatalf("expected false flags preserved, got passive=%v exclusive=%v", out["passive"], out["exclusive"])
	}
	gotArgs, ok := out["arguments"].(*wire.Table)
	if !ok {
		t.Fatalf("arguments: expected *wire.Table, got %T", out["arguments"])
	}
	v, _ := gotArgs.Get("x-max-length")
	if v.(int32) != 100 {
		t.Fatalf("x-max-length: got %v", v)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected all bytes consumed, %d remaining", r.Remaining())
	}
}

func TestEncodeDecodeBasicPublishReservedField(t *testing.T) {
	d, ok := LookupName("basic.publish")
	if !ok {
		t.Fatalf("basic.publish not registered")
	}
	in := Args{
		"exchange":    "amq.topic",
		"routing-key": "orders.created",
		"mandatory":   true,
		"immediate":   false,
	}

	w := wire.NewWriter(wire.DialectRabbit)
	if err := Encode(d, in, w); err != nil {
		t.Fatalf("encode: %v", err)
	}

	r := wire.NewReader(w.Bytes())
	out, err := Decode(d, r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, present := out["reserved"]; present {
		t.Fatalf("reserved field leaked into decoded args")
	}
	if out["exchange"] != "amq.topic" || out["routing-key"] != "orders.created" {
		t.Fatalf("unexpected args: %+v", out)
	}
	if out["mandatory"] != true || out["immediate"] != false {
		t.Fatalf("unexpected flags: %+v", out)
	}
}

func TestEncodeMissingRequiredArgumentFails(t *testing.T) {
	d, _ := LookupName("queue.bind")
	if err := Encode(d, Args{"queue": "q"}, wire.NewWriter(wire.DialectRabbit)); err == nil {
		t.Fatalf("expected EncodingError for missing exchange argument")
	}
}

func TestEncodeDecodeNoArgMethod(t *testing.T) {
	d, _ := LookupName("tx.select")
	w := wire.NewWriter(wire.DialectRabbit)
	if err := Encode(d, nil, w); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("expected empty payload for no-arg method, got %d bytes", w.Len())
	}
	out, err := Decode(d, wire.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no decoded args, got %+v", out)
	}
}
