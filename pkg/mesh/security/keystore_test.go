package security

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	return NewKeyStore(path, 60*time.Second)
}

func TestAddDeviceAndGetPSK(t *testing.T) {
	ks := newTestKeyStore(t)
	psk, err := ks.AddDevice("lamp-1", "Living Room Lamp")
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if len(psk) != 64 { // 32 bytes hex-encoded
		t.Fatalf("expected 64-char hex psk, got %d chars", len(psk))
	}
	got, ok := ks.GetPSK("lamp-1")
	if !ok || got != psk {
		t.Fatalf("GetPSK mismatch: ok=%v got=%q want=%q", ok, got, psk)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ks1 := NewKeyStore(path, 60*time.Second)
	psk, err := ks1.AddDevice("sensor-2", "")
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	ks2 := NewKeyStore(path, 60*time.Second)
	if err := ks2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := ks2.GetPSK("sensor-2")
	if !ok || got != psk {
		t.Fatalf("loaded psk mismatch: ok=%v got=%q want=%q", ok, got, psk)
	}
}

func TestRemoveDevice(t *testing.T) {
	ks := newTestKeyStore(t)
	if _, err := ks.AddDevice("x", ""); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if !ks.RemoveDevice("x") {
		t.Fatal("expected RemoveDevice to report existing device")
	}
	if ks.RemoveDevice("x") {
		t.Fatal("expected second RemoveDevice to report no-op")
	}
	if ks.HasDevice("x") {
		t.Fatal("device should no longer be enrolled")
	}
}

func TestComputeAndVerifyHMAC(t *testing.T) {
	ks := newTestKeyStore(t)
	psk, err := ks.AddDevice("lamp-1", "")
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	body := []byte(`{"type":"ping"}`)
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}

	sig, err := ComputeHMAC(body, nonce, psk)
	if err != nil {
		t.Fatalf("ComputeHMAC: %v", err)
	}
	if !VerifyHMAC(body, nonce, psk, sig) {
		t.Fatal("expected valid hmac to verify")
	}
	if VerifyHMAC(body, nonce, psk, "deadbeef") {
		t.Fatal("expected tampered hmac to fail verification")
	}
	if VerifyHMAC([]byte(`{"type":"pong"}`), nonce, psk, sig) {
		t.Fatal("expected hmac over different body to fail verification")
	}
}

func TestCheckAndRecordNonceRejectsReplay(t *testing.T) {
	ks := newTestKeyStore(t)
	nonce := "abc123"
	if !ks.CheckAndRecordNonce(nonce) {
		t.Fatal("expected first use of nonce to be accepted")
	}
	if ks.CheckAndRecordNonce(nonce) {
		t.Fatal("expected replayed nonce to be rejected")
	}
}

func TestCheckAndRecordNoncePrunesStaleEntries(t *testing.T) {
	ks := NewKeyStore(filepath.Join(t.TempDir(), "keys.json"), 10*time.Millisecond)
	if !ks.CheckAndRecordNonce("n1") {
		t.Fatal("expected first use to be accepted")
	}
	time.Sleep(30 * time.Millisecond)
	if !ks.CheckAndRecordNonce("n1") {
		t.Fatal("expected nonce to be reusable after the replay window elapsed")
	}
}

func TestCheckTimestampWithinWindow(t *testing.T) {
	ks := newTestKeyStore(t)
	if !ks.CheckTimestamp(time.Now()) {
		t.Fatal("current timestamp should be within window")
	}
	if ks.CheckTimestamp(time.Now().Add(-5 * time.Minute)) {
		t.Fatal("stale timestamp should be rejected")
	}
}
