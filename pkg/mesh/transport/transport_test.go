package transport

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/mesh/protocol"
	"github.com/meshcore/hub/pkg/mesh/security"
)

type staticLookup map[string][2]any // nodeID -> [ip, port]

func (s staticLookup) GetPeer(nodeID string) (string, int, bool) {
	v, ok := s[nodeID]
	if !ok {
		return "", 0, false
	}
	return v[0].(string), v[1].(int), true
}

func newKeyStore(t *testing.T) *security.KeyStore {
	t.Helper()
	ks := security.NewKeyStore(filepath.Join(t.TempDir(), "keys.json"), 60*time.Second)
	return ks
}

func TestSendReturnsFalseWhenPeerUnknown(t *testing.T) {
	tr := &Transport{NodeID: "hub", Discovery: staticLookup{}, log: logger.Get().WithComponent("transport")}
	env := protocol.New(protocol.Ping, "hub", "nowhere", nil)
	if tr.Send(env) {
		t.Fatal("expected Send to fail for unknown peer")
	}
}

func TestTransportRoundTripPlaintext(t *testing.T) {
	serverReceived := make(chan protocol.Envelope, 1)
	server := &Transport{NodeID: "lamp-1", Host: "127.0.0.1", TCPPort: 0}
	server.OnMessage(func(env protocol.Envelope) error {
		serverReceived <- env
		return nil
	})

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server.TCPPort = probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()
	time.Sleep(20 * time.Millisecond)

	client := &Transport{NodeID: "hub", Discovery: staticLookup{
		"lamp-1": {"127.0.0.1", server.TCPPort},
	}}
	env := protocol.New(protocol.Chat, "hub", "lamp-1", map[string]any{"text": "hi"})
	if !client.Send(env) {
		t.Fatal("expected Send to succeed")
	}

	select {
	case got := <-serverReceived:
		if got.Source != "hub" || got.Payload["text"] != "hi" {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive envelope")
	}
}

func TestVerifyInboundRejectsUnsignedByDefault(t *testing.T) {
	ks := newKeyStore(t)
	tr := &Transport{NodeID: "hub", KeyStore: ks, PSKAuthEnabled: true, log: logger.Get().WithComponent("transport")}
	env := protocol.New(protocol.Chat, "lamp-1", "hub", nil)
	if tr.verifyInbound(env) {
		t.Fatal("expected unsigned message to be rejected")
	}
}

func TestVerifyInboundAllowsUnauthenticatedWhenConfigured(t *testing.T) {
	ks := newKeyStore(t)
	tr := &Transport{NodeID: "hub", KeyStore: ks, PSKAuthEnabled: true, AllowUnauthenticated: true, log: logger.Get().WithComponent("transport")}
	env := protocol.New(protocol.Chat, "lamp-1", "hub", nil)
	if !tr.verifyInbound(env) {
		t.Fatal("expected unsigned message to pass when allow_unauthenticated is set")
	}
}

func TestSignThenVerifyInboundRoundTrip(t *testing.T) {
	ks := newKeyStore(t)
	psk, err := ks.AddDevice("lamp-1", "")
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	_ = psk

	tr := &Transport{NodeID: "lamp-1", KeyStore: ks, PSKAuthEnabled: true, log: logger.Get().WithComponent("transport")}
	env := protocol.New(protocol.Chat, "lamp-1", "hub", map[string]any{"x": 1.0})
	tr.signOutbound(&env)

	if env.HMAC == "" || env.Nonce == "" {
		t.Fatal("expected outbound envelope to be signed")
	}
	if !tr.verifyInbound(env) {
		t.Fatal("expected self-signed envelope to verify")
	}
}

func TestVerifyInboundRejectsTamperedHMAC(t *testing.T) {
	ks := newKeyStore(t)
	if _, err := ks.AddDevice("lamp-1", ""); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	tr := &Transport{NodeID: "lamp-1", KeyStore: ks, PSKAuthEnabled: true, log: logger.Get().WithComponent("transport")}
	env := protocol.New(protocol.Chat, "lamp-1", "hub", map[string]any{"x": 1.0})
	tr.signOutbound(&env)
	env.HMAC = "0000"

	if tr.verifyInbound(env) {
		t.Fatal("expected tampered envelope to fail verification")
	}
}

func TestEncryptThenDecryptInboundRoundTrip(t *testing.T) {
	ks := newKeyStore(t)
	if _, err := ks.AddDevice("lamp-1", ""); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	sender := &Transport{NodeID: "hub", KeyStore: ks, EncryptionEnabled: true, log: logger.Get().WithComponent("transport")}
	env := protocol.New(protocol.Command, "hub", "lamp-1", map[string]any{"action": "set"})
	sender.encryptOutbound(&env)

	if env.EncryptedPayload == "" || len(env.Payload) != 0 {
		t.Fatal("expected payload to be encrypted and cleared")
	}

	receiver := &Transport{NodeID: "lamp-1", KeyStore: ks, EncryptionEnabled: true, log: logger.Get().WithComponent("transport")}
	receiver.decryptInbound(&env)

	if env.Payload["action"] != "set" {
		t.Fatalf("expected decrypted payload to be restored, got %+v", env.Payload)
	}
}
