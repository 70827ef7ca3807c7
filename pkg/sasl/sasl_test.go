package sasl

import (
	"bytes"
	"testing"
)

func TestPlainResponseFormat(t *testing.T) {
	p := Plain{Username: "guest", Password: "guest"}
	got := p.Response()
	want := []byte("\x00guest\x00guest")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestByNameSelectsMechanism(t *testing.T) {
	if m := ByName("PLAIN", "u", "p"); m == nil || m.Name() != "PLAIN" {
		t.Fatalf("expected PLAIN mechanism")
	}
	if m := ByName("AMQPLAIN", "u", "p"); m == nil || m.Name() != "AMQPLAIN" {
		t.Fatalf("expected AMQPLAIN mechanism")
	}
	if m := ByName("EXTERNAL", "", ""); m == nil || m.Name() != "EXTERNAL" {
		t.Fatalf("expected EXTERNAL mechanism")
	}
	if m := ByName("GSSAPI", "u", "p"); m != nil {
		t.Fatalf("expected nil for unsupported mechanism")
	}
}

func TestAMQPlainResponseContainsLoginAndPassword(t *testing.T) {
	a := AMQPlain{Username: "guest", Password: "guest"}
	got := a.Response()
	if !bytes.Contains(got, []byte("LOGIN")) || !bytes.Contains(got, []byte("PASSWORD")) {
		t.Fatalf("expected LOGIN/PASSWORD keys in response, got % x", got)
	}
}
