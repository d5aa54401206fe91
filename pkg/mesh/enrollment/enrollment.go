// Package enrollment implements PIN-based device enrollment for the LAN
// mesh: a time-limited, single-use PIN pairing protocol that lets new
// devices obtain a PSK from the Hub without pre-shared secrets.
//
// Enrollment flow
//
//  1. Hub admin calls CreatePIN() and receives a 6-digit PIN to share.
//  2. The new device sends ENROLL_REQUEST with
//     pin_proof = HMAC-SHA256(pin, node_id).
//  3. The Hub validates the proof, generates a PSK, encrypts it with a
//     PIN-derived key (PBKDF2 + XOR one-time pad), and replies with
//     ENROLL_RESPONSE. If mTLS is active, the response also bundles a
//     freshly-issued device certificate so the device can authenticate at
//     the transport layer from its very first connection.
//  4. The device decrypts the PSK and subsequently authenticates with HMAC
//     (or its issued certificate) as usual.
package enrollment

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/mesh/protocol"
)

const (
	pbkdf2Iterations = 100_000
	saltBytes        = 16
	pskBytes         = 32
)

var bigTen = big.NewInt(10)

// KeyStore is the subset of security.KeyStore enrollment depends on.
type KeyStore interface {
	AddDevice(nodeID, name string) (string, error)
}

// Sender is the subset of transport.Transport enrollment depends on.
type Sender interface {
	Send(env protocol.Envelope) bool
	SendToAddress(ip string, port int, env protocol.Envelope) bool
}

// CertIssuer optionally issues a device certificate bundled into a
// successful ENROLL_RESPONSE when mTLS is active.
type CertIssuer interface {
	IssueDeviceCert(nodeID string) (certPEM, keyPEM []byte, err error)
	GetCACertPEM() ([]byte, error)
}

// PendingEnrollment tracks an active enrollment PIN.
type PendingEnrollment struct {
	PIN         string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Used        bool
}

// IsExpired reports whether the PIN's timeout has elapsed.
func (p *PendingEnrollment) IsExpired() bool { return time.Now().After(p.ExpiresAt) }

// IsLocked reports whether the PIN has exhausted its failed-attempt budget.
func (p *PendingEnrollment) IsLocked() bool { return p.Attempts >= p.MaxAttempts }

// IsActive reports whether the PIN is still usable: not used, not expired,
// not locked.
func (p *PendingEnrollment) IsActive() bool {
	return !p.Used && !p.IsExpired() && !p.IsLocked()
}

// Service manages PIN-based device enrollment for the mesh Hub.
type Service struct {
	keyStore   KeyStore
	sender     Sender
	certIssuer CertIssuer // nil when mTLS is disabled
	nodeID     string

	pinLength   int
	pinTimeout  time.Duration
	maxAttempts int
	log         *logger.Logger

	mu      sync.Mutex
	pending *PendingEnrollment
}

// Config configures a Service.
type Config struct {
	KeyStore    KeyStore
	Sender      Sender
	CertIssuer  CertIssuer
	NodeID      string
	PINLength   int
	PINTimeout  time.Duration
	MaxAttempts int
}

// New constructs an enrollment Service.
func New(cfg Config) *Service {
	if cfg.PINLength == 0 {
		cfg.PINLength = 6
	}
	if cfg.PINTimeout == 0 {
		cfg.PINTimeout = 300 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{
		keyStore:    cfg.KeyStore,
		sender:      cfg.Sender,
		certIssuer:  cfg.CertIssuer,
		nodeID:      cfg.NodeID,
		pinLength:   cfg.PINLength,
		pinTimeout:  cfg.PINTimeout,
		maxAttempts: cfg.MaxAttempts,
		log:         logger.Get().WithComponent("enrollment"),
	}
}

// CreatePIN generates a new enrollment PIN, replacing any previous pending
// enrollment. Returns (pin, expiresAt).
func (s *Service) CreatePIN() (string, time.Time) {
	pin := generateNumericPIN(s.pinLength)
	now := time.Now()
	expiresAt := now.Add(s.pinTimeout)

	s.mu.Lock()
	s.pending = &PendingEnrollment{
		PIN:         pin,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		MaxAttempts: s.maxAttempts,
	}
	s.mu.Unlock()

	s.log.Info("enrollment pin created", "length", s.pinLength, "timeout_s", s.pinTimeout.Seconds())
	return pin, expiresAt
}

// CancelPIN cancels the active enrollment PIN. Returns true if one was
// active.
func (s *Service) CancelPIN() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && s.pending.IsActive() {
		s.pending.Used = true
		s.log.Info("enrollment pin cancelled")
		return true
	}
	return false
}

// IsEnrollmentActive reports whether there is a valid, non-expired,
// non-locked PIN.
func (s *Service) IsEnrollmentActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil && s.pending.IsActive()
}

// HandleEnrollRequest processes an ENROLL_REQUEST envelope: validates the
// PIN proof, generates a PSK, and sends an ENROLL_RESPONSE back to the
// device.
func (s *Service) HandleEnrollRequest(env protocol.Envelope) {
	deviceID := env.Source
	deviceName, _ := env.Payload["name"].(string)
	pinProof, _ := env.Payload["pin_proof"].(string)

	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	if pending == nil || !pending.IsActive() {
		reason := "no_active_enrollment"
		if pending != nil {
			switch {
			case pending.IsExpired():
				reason = "expired"
			case pending.IsLocked():
				reason = "locked"
			case pending.Used:
				reason = "already_used"
			}
		}
		s.log.Warn("rejected enrollment", "device_id", deviceID, "reason", reason)
		s.sendError(deviceID, reason)
		return
	}

	expectedProof := ComputePINProof(pending.PIN, deviceID)
	if subtle.ConstantTimeCompare([]byte(pinProof), []byte(expectedProof)) != 1 {
		s.mu.Lock()
		pending.Attempts++
		remaining := pending.MaxAttempts - pending.Attempts
		locked := pending.IsLocked()
		s.mu.Unlock()

		s.log.Warn("invalid pin proof", "device_id", deviceID, "attempt", pending.Attempts, "max", pending.MaxAttempts, "remaining", remaining)
		if locked {
			s.sendError(deviceID, "locked")
		} else {
			s.sendError(deviceID, "invalid_pin")
		}
		return
	}

	pskHex, err := s.keyStore.AddDevice(deviceID, deviceName)
	if err != nil {
		s.log.Error("failed to enroll device", err, "device_id", deviceID)
		s.sendError(deviceID, "internal_error")
		return
	}
	pskBytes, err := hex.DecodeString(pskHex)
	if err != nil {
		s.log.Error("failed to decode generated psk", err, "device_id", deviceID)
		s.sendError(deviceID, "internal_error")
		return
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		s.log.Error("failed to generate salt", err, "device_id", deviceID)
		s.sendError(deviceID, "internal_error")
		return
	}
	tempKey := DeriveTempKey(pending.PIN, salt)
	encryptedPSK, err := EncryptPSK(pskBytes, tempKey)
	if err != nil {
		s.log.Error("failed to encrypt psk", err, "device_id", deviceID)
		s.sendError(deviceID, "internal_error")
		return
	}

	s.mu.Lock()
	pending.Used = true
	s.mu.Unlock()

	payload := map[string]any{
		"status":        "ok",
		"encrypted_psk": hex.EncodeToString(encryptedPSK),
		"salt":          hex.EncodeToString(salt),
	}
	s.maybeAttachCert(deviceID, payload)

	response := protocol.New(protocol.EnrollResponse, s.nodeID, deviceID, payload)

	var ok bool
	if replyIP, hasIP := env.Payload["_reply_ip"].(string); hasIP && replyIP != "" {
		port := 0
		if p, hasPort := env.Payload["_reply_port"].(float64); hasPort {
			port = int(p)
		}
		ok = s.sender.SendToAddress(replyIP, port, response)
	} else {
		ok = s.sender.Send(response)
	}

	if ok {
		s.log.Info("enrolled device", "device_id", deviceID, "name", deviceName)
	} else {
		s.log.Error("enrolled device but failed to deliver response", nil, "device_id", deviceID)
	}
}

// maybeAttachCert bundles a freshly-issued device certificate (and the CA
// cert for trust bootstrapping) into the response payload when mTLS is
// active.
func (s *Service) maybeAttachCert(deviceID string, payload map[string]any) {
	if s.certIssuer == nil {
		return
	}
	certPEM, keyPEM, err := s.certIssuer.IssueDeviceCert(deviceID)
	if err != nil {
		s.log.Warn("failed to issue device cert during enrollment", "device_id", deviceID, "error", err.Error())
		return
	}
	caPEM, err := s.certIssuer.GetCACertPEM()
	if err != nil {
		s.log.Warn("failed to fetch ca cert during enrollment", "device_id", deviceID, "error", err.Error())
		return
	}
	payload["device_cert"] = string(certPEM)
	payload["device_key"] = string(keyPEM)
	payload["ca_cert"] = string(caPEM)
}

func (s *Service) sendError(target, reason string) {
	response := protocol.New(protocol.EnrollResponse, s.nodeID, target, map[string]any{
		"status": "error",
		"reason": reason,
	})
	s.sender.Send(response)
}

// -- cryptographic helpers --------------------------------------------------

// ComputePINProof computes HMAC-SHA256(key=pin, msg=nodeID) as a hex
// string. Used by both the device (to create the proof) and the Hub (to
// verify it).
func ComputePINProof(pin, nodeID string) string {
	mac := hmac.New(sha256.New, []byte(pin))
	mac.Write([]byte(nodeID))
	return hex.EncodeToString(mac.Sum(nil))
}

// DeriveTempKey derives a 32-byte temporary key from pin and salt via
// PBKDF2-HMAC-SHA256. The derived key is used as a one-time pad to encrypt
// the PSK during the enrollment handshake.
func DeriveTempKey(pin string, salt []byte) []byte {
	return pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, pskBytes, sha256.New)
}

// EncryptPSK XORs psk with tempKey (one-time pad encryption). Since both
// must be exactly 32 bytes, this provides perfect secrecy. Also used for
// decryption since XOR is its own inverse.
func EncryptPSK(psk, tempKey []byte) ([]byte, error) {
	if len(psk) != pskBytes || len(tempKey) != pskBytes {
		return nil, fmt.Errorf("psk and temp key must both be %d bytes", pskBytes)
	}
	out := make([]byte, len(psk))
	for i := range psk {
		out[i] = psk[i] ^ tempKey[i]
	}
	return out, nil
}

// generateNumericPIN returns a cryptographically random numeric PIN of the
// given length, preserving leading zeros.
func generateNumericPIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, bigTen)
		if err != nil {
			// crypto/rand failure is unrecoverable; fall back to '0' rather
			// than panicking mid-enrollment.
			digits[i] = '0'
			continue
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits)
}
