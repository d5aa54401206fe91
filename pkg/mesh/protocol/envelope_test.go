package protocol

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := New(Command, "hub", "lamp-1", map[string]any{"action": "set"})
	env.Nonce = "abc123"

	b, err := env.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	got, ok, err := ReadEnvelope(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if !ok {
		t.Fatal("expected an envelope, got none")
	}
	if got.Type != Command || got.Source != "hub" || got.Target != "lamp-1" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.Payload["action"] != "set" {
		t.Fatalf("payload lost: %+v", got.Payload)
	}
	if got.Nonce != "abc123" {
		t.Fatalf("nonce lost: %q", got.Nonce)
	}
}

func TestReadEnvelopeCleanEOF(t *testing.T) {
	_, ok, err := ReadEnvelope(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("expected clean EOF, got error: %v", err)
	}
	if ok {
		t.Fatal("expected no envelope on empty stream")
	}
}

func TestCanonicalBytesExcludesAuthFields(t *testing.T) {
	env := New(Ping, "a", "b", nil)
	env.Nonce = "n1"
	env.HMAC = "deadbeef"

	canon := env.CanonicalBytes()
	if bytes.Contains(canon, []byte("deadbeef")) {
		t.Fatal("canonical bytes must not include hmac")
	}
	if bytes.Contains(canon, []byte("\"nonce\"")) {
		t.Fatal("canonical bytes must not include nonce")
	}
}

func TestCanonicalBytesKeyOrderStable(t *testing.T) {
	env1 := New(Chat, "x", "y", map[string]any{"b": 1, "a": 2})
	env2 := New(Chat, "x", "y", map[string]any{"a": 2, "b": 1})
	env1.TS = 1.0
	env2.TS = 1.0

	if !bytes.Equal(env1.CanonicalBytes(), env2.CanonicalBytes()) {
		t.Fatal("canonical bytes must not depend on map insertion order")
	}
}

func TestWriteEnvelopeThenReadEnvelope(t *testing.T) {
	var buf bytes.Buffer
	env := New(Pong, "hub", BroadcastTarget, map[string]any{"ok": true})
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	got, ok, err := ReadEnvelope(&buf)
	if err != nil || !ok {
		t.Fatalf("ReadEnvelope: ok=%v err=%v", ok, err)
	}
	if got.Target != BroadcastTarget {
		t.Fatalf("target mismatch: %q", got.Target)
	}
}
