// Package security implements PSK-based authentication for the mesh
// transport: HMAC-SHA256 signing/verification of envelopes using per-device
// pre-shared keys, on-disk key storage, and replay protection.
//
// Security model
//
//   - Each enrolled device shares a unique 32-byte PSK with the Hub.
//   - Every mesh envelope carries an HMAC-SHA256 signature computed over the
//     canonical envelope body plus a nonce, using the device's PSK.
//   - The Hub verifies the HMAC before processing any message.
//   - A random nonce and a timestamp window guard against replay attacks.
//   - Unenrolled nodes are rejected at the transport layer.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meshcore/hub/internal/logger"
)

// DeviceRecord is the metadata stored for one enrolled device.
type DeviceRecord struct {
	PSK        string `json:"psk"` // hex-encoded 32-byte key
	EnrolledAt string `json:"enrolled_at"`
	Name       string `json:"name,omitempty"`
}

// KeyStore manages per-device PSKs and provides HMAC sign/verify operations
// plus nonce/timestamp replay protection. Safe for concurrent use.
type KeyStore struct {
	path        string
	nonceWindow time.Duration
	log         *logger.Logger

	mu      sync.RWMutex
	devices map[string]DeviceRecord

	nonceMu     sync.Mutex
	nonceOrder  []string
	seenNonces  map[string]time.Time
}

// NewKeyStore constructs a KeyStore persisted at path with the given replay
// window.
func NewKeyStore(path string, nonceWindow time.Duration) *KeyStore {
	return &KeyStore{
		path:        path,
		nonceWindow: nonceWindow,
		devices:     make(map[string]DeviceRecord),
		seenNonces:  make(map[string]time.Time),
		log:         logger.Get().WithComponent("security"),
	}
}

// Load reads the key store from disk. A missing file is not an error.
func (k *KeyStore) Load() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			k.log.Debug("key store not found, starting empty", "path", k.path)
			return nil
		}
		return fmt.Errorf("read key store: %w", err)
	}

	var raw map[string]DeviceRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		k.log.Error("failed to parse key store", err, "path", k.path)
		return fmt.Errorf("parse key store: %w", err)
	}

	k.mu.Lock()
	k.devices = raw
	k.mu.Unlock()

	k.log.Info("loaded key store", "count", len(raw), "path", k.path)
	return nil
}

// Save persists the key store to disk with 0600 permissions via an
// atomic temp-file-then-rename.
func (k *KeyStore) Save() error {
	k.mu.RLock()
	data, err := json.MarshalIndent(k.devices, "", "  ")
	count := len(k.devices)
	k.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal key store: %w", err)
	}

	if dir := filepath.Dir(k.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create key store dir: %w", err)
		}
	}

	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write key store temp file: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("rename key store temp file: %w", err)
	}
	k.log.Debug("saved key store", "count", count, "path", k.path)
	return nil
}

// AddDevice enrolls a device: generates a PSK, stores it, and returns the
// hex key. If the device already exists, its PSK is rotated.
func (k *KeyStore) AddDevice(nodeID, name string) (string, error) {
	pskBytes := make([]byte, 32)
	if _, err := rand.Read(pskBytes); err != nil {
		return "", fmt.Errorf("generate psk: %w", err)
	}
	pskHex := hex.EncodeToString(pskBytes)

	k.mu.Lock()
	k.devices[nodeID] = DeviceRecord{
		PSK:        pskHex,
		EnrolledAt: time.Now().UTC().Format(time.RFC3339),
		Name:       name,
	}
	k.mu.Unlock()

	if err := k.Save(); err != nil {
		return "", err
	}
	k.log.Info("enrolled device", "node_id", nodeID, "name", name)
	return pskHex, nil
}

// RemoveDevice revokes a device's PSK. Returns true if it existed.
func (k *KeyStore) RemoveDevice(nodeID string) bool {
	k.mu.Lock()
	_, existed := k.devices[nodeID]
	delete(k.devices, nodeID)
	k.mu.Unlock()

	if existed {
		_ = k.Save()
		k.log.Info("revoked device", "node_id", nodeID)
	}
	return existed
}

// GetPSK returns the hex PSK for nodeID, or "" with ok=false if unenrolled.
func (k *KeyStore) GetPSK(nodeID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	rec, ok := k.devices[nodeID]
	return rec.PSK, ok
}

// HasDevice reports whether nodeID is enrolled.
func (k *KeyStore) HasDevice(nodeID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.devices[nodeID]
	return ok
}

// ListDevices returns a copy of all enrolled devices.
func (k *KeyStore) ListDevices() map[string]DeviceRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]DeviceRecord, len(k.devices))
	for id, rec := range k.devices {
		out[id] = rec
	}
	return out
}

// GenerateNonce returns a random 16-character hex nonce.
func GenerateNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ComputeHMAC computes HMAC-SHA256 over canonicalBody+nonce using pskHex,
// returning the hex-encoded digest.
func ComputeHMAC(canonicalBody []byte, nonce string, pskHex string) (string, error) {
	pskBytes, err := hex.DecodeString(pskHex)
	if err != nil {
		return "", fmt.Errorf("decode psk: %w", err)
	}
	mac := hmac.New(sha256.New, pskBytes)
	mac.Write(canonicalBody)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC verifies an HMAC-SHA256 signature in constant time.
func VerifyHMAC(canonicalBody []byte, nonce string, pskHex string, hmacHex string) bool {
	expected, err := ComputeHMAC(canonicalBody, nonce, pskHex)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(hmacHex))
}

// CheckAndRecordNonce returns true if nonce is fresh (not seen within the
// replay window). It also records the nonce and prunes stale entries.
func (k *KeyStore) CheckAndRecordNonce(nonce string) bool {
	k.nonceMu.Lock()
	defer k.nonceMu.Unlock()

	k.pruneNonces()
	if _, seen := k.seenNonces[nonce]; seen {
		return false
	}
	k.seenNonces[nonce] = time.Now()
	k.nonceOrder = append(k.nonceOrder, nonce)
	return true
}

// pruneNonces removes nonces older than nonceWindow. Must be called with
// nonceMu held.
func (k *KeyStore) pruneNonces() {
	cutoff := time.Now().Add(-k.nonceWindow)
	i := 0
	for ; i < len(k.nonceOrder); i++ {
		n := k.nonceOrder[i]
		ts, ok := k.seenNonces[n]
		if !ok {
			continue
		}
		if ts.Before(cutoff) {
			delete(k.seenNonces, n)
		} else {
			break
		}
	}
	k.nonceOrder = k.nonceOrder[i:]
}

// CheckTimestamp returns true if ts is within nonceWindow of the current
// time.
func (k *KeyStore) CheckTimestamp(ts time.Time) bool {
	diff := time.Since(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= k.nonceWindow
}
