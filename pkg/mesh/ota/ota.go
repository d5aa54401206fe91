// Package ota implements the over-the-air firmware update protocol for
// mesh devices: a chunked, acknowledged, push-based transfer orchestrated
// by the Hub over the existing mesh transport.
//
// Protocol summary: Hub sends OTA_OFFER, the device replies with
// OTA_ACCEPT or OTA_REJECT, the Hub streams OTA_CHUNK messages (each
// acknowledged by the device) until exhausted, the device sends OTA_VERIFY
// with a SHA-256 digest, and the Hub replies OTA_COMPLETE or OTA_ABORT.
package ota

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/mesh/protocol"
)

// Defaults for chunking and phase timeouts.
const (
	DefaultChunkSize = 4096
	OfferTimeout     = 60 * time.Second
	ChunkAckTimeout  = 30 * time.Second
	VerifyTimeout    = 60 * time.Second
)

// FirmwareInfo is metadata for one firmware image stored on the Hub.
type FirmwareInfo struct {
	FirmwareID string `json:"firmware_id"`
	Version    string `json:"version"`
	DeviceType string `json:"device_type"`
	Filename   string `json:"filename"`
	Size       int    `json:"size"`
	SHA256     string `json:"sha256"`
	AddedDate  string `json:"added_date"`
}

// State is a state in an OTASession's lifecycle.
type State string

const (
	Offered      State = "offered"
	Transferring State = "transferring"
	Verifying    State = "verifying"
	Complete     State = "complete"
	Failed       State = "failed"
	Rejected     State = "rejected"
)

func isTerminal(s State) bool {
	return s == Complete || s == Failed || s == Rejected
}

// Session tracks one active firmware transfer to one device.
type Session struct {
	NodeID       string
	Firmware     FirmwareInfo
	ChunkSize    int
	State        State
	TotalChunks  int
	NextSeq      int
	AckedUpTo    int // highest contiguous ACK'd seq; -1 means none
	StartedAt    time.Time
	LastActivity time.Time
	Error        string
}

func newSession(nodeID string, firmware FirmwareInfo, chunkSize int) *Session {
	now := time.Now()
	totalChunks := 1
	if firmware.Size > 0 {
		totalChunks = (firmware.Size + chunkSize - 1) / chunkSize
	}
	return &Session{
		NodeID:       nodeID,
		Firmware:     firmware,
		ChunkSize:    chunkSize,
		State:        Offered,
		TotalChunks:  totalChunks,
		AckedUpTo:    -1,
		StartedAt:    now,
		LastActivity: now,
	}
}

// Progress returns transfer progress as a fraction in [0, 1].
func (s *Session) Progress() float64 {
	if s.TotalChunks == 0 {
		return 1.0
	}
	p := float64(s.AckedUpTo+1) / float64(s.TotalChunks)
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// Status is a snapshot summary of a Session for external consumers.
type Status struct {
	NodeID      string  `json:"node_id"`
	FirmwareID  string  `json:"firmware_id"`
	Version     string  `json:"version"`
	State       State   `json:"state"`
	Progress    float64 `json:"progress"`
	TotalChunks int     `json:"total_chunks"`
	AckedUpTo   int     `json:"acked_up_to"`
	Error       string  `json:"error,omitempty"`
}

// ToStatus returns a Status snapshot of the session.
func (s *Session) ToStatus() Status {
	return Status{
		NodeID:      s.NodeID,
		FirmwareID:  s.Firmware.FirmwareID,
		Version:     s.Firmware.Version,
		State:       s.State,
		Progress:    roundTo3(s.Progress()),
		TotalChunks: s.TotalChunks,
		AckedUpTo:   s.AckedUpTo,
		Error:       s.Error,
	}
}

func roundTo3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}

// -- firmware store ---------------------------------------------------------

const manifestName = "firmware_manifest.json"

// FirmwareStore is directory-based firmware image storage with a JSON
// manifest.
type FirmwareStore struct {
	dir string
	log *logger.Logger

	mu       sync.RWMutex
	manifest map[string]FirmwareInfo
}

// NewFirmwareStore constructs a FirmwareStore rooted at dir.
func NewFirmwareStore(dir string) *FirmwareStore {
	return &FirmwareStore{
		dir:      dir,
		manifest: make(map[string]FirmwareInfo),
		log:      logger.Get().WithComponent("ota"),
	}
}

// Path returns the store's root directory.
func (s *FirmwareStore) Path() string { return s.dir }

// Load reads the manifest from disk, creating the directory if needed.
func (s *FirmwareStore) Load() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create firmware dir: %w", err)
	}
	manifestPath := filepath.Join(s.dir, manifestName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read firmware manifest: %w", err)
	}

	var raw map[string]FirmwareInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("failed to load firmware manifest", "error", err.Error())
		return nil
	}

	s.mu.Lock()
	s.manifest = raw
	count := len(s.manifest)
	s.mu.Unlock()
	s.log.Info("loaded firmware entries", "count", count, "path", manifestPath)
	return nil
}

func (s *FirmwareStore) saveManifest() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal firmware manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, manifestName), data, 0o644)
}

// AddFirmware stores a firmware image and registers it in the manifest.
func (s *FirmwareStore) AddFirmware(firmwareID, version, deviceType string, data []byte) (FirmwareInfo, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return FirmwareInfo{}, fmt.Errorf("create firmware dir: %w", err)
	}
	filename := firmwareID + ".bin"
	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0o644); err != nil {
		return FirmwareInfo{}, fmt.Errorf("write firmware binary: %w", err)
	}

	sum := sha256.Sum256(data)
	info := FirmwareInfo{
		FirmwareID: firmwareID,
		Version:    version,
		DeviceType: deviceType,
		Filename:   filename,
		Size:       len(data),
		SHA256:     hex.EncodeToString(sum[:]),
		AddedDate:  time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}

	s.mu.Lock()
	s.manifest[firmwareID] = info
	s.mu.Unlock()

	if err := s.saveManifest(); err != nil {
		return FirmwareInfo{}, err
	}
	s.log.Info("added firmware", "firmware_id", firmwareID, "version", version, "bytes", len(data))
	return info, nil
}

// RemoveFirmware removes a firmware image. Returns true if found.
func (s *FirmwareStore) RemoveFirmware(firmwareID string) bool {
	s.mu.Lock()
	info, found := s.manifest[firmwareID]
	if found {
		delete(s.manifest, firmwareID)
	}
	s.mu.Unlock()

	if !found {
		return false
	}
	os.Remove(filepath.Join(s.dir, info.Filename))
	if err := s.saveManifest(); err != nil {
		s.log.Error("failed to save firmware manifest", err)
	}
	s.log.Info("removed firmware", "firmware_id", firmwareID)
	return true
}

// GetFirmware returns metadata for a firmware image, if known.
func (s *FirmwareStore) GetFirmware(firmwareID string) (FirmwareInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.manifest[firmwareID]
	return info, ok
}

// ListFirmware returns all tracked firmware entries.
func (s *FirmwareStore) ListFirmware() []FirmwareInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FirmwareInfo, 0, len(s.manifest))
	for _, info := range s.manifest {
		out = append(out, info)
	}
	return out
}

// ReadChunk reads size bytes from the firmware binary at offset. Returns
// an empty slice if the firmware is unknown or the offset is past EOF.
func (s *FirmwareStore) ReadChunk(firmwareID string, offset, size int) []byte {
	s.mu.RLock()
	info, ok := s.manifest[firmwareID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	f, err := os.Open(filepath.Join(s.dir, info.Filename))
	if err != nil {
		return nil
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil
	}
	buf := make([]byte, size)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil
	}
	return buf[:n]
}

// -- manager ---------------------------------------------------------------

// Sender delivers envelopes over the mesh transport.
type Sender interface {
	Send(env protocol.Envelope) bool
}

// ProgressCallback is invoked on every OTA state/progress change.
type ProgressCallback func(*Session)

// Manager orchestrates OTA firmware updates across devices, one session
// per device at a time.
type Manager struct {
	Store           *FirmwareStore
	sender          Sender
	nodeID          string
	chunkSize       int
	chunkAckTimeout time.Duration
	log             *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	callbackMu sync.RWMutex
	callbacks  []ProgressCallback
}

// NewManager constructs a Manager.
func NewManager(store *FirmwareStore, sender Sender, nodeID string, chunkSize int, chunkAckTimeout time.Duration) *Manager {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkAckTimeout <= 0 {
		chunkAckTimeout = ChunkAckTimeout
	}
	return &Manager{
		Store:           store,
		sender:          sender,
		nodeID:          nodeID,
		chunkSize:       chunkSize,
		chunkAckTimeout: chunkAckTimeout,
		sessions:        make(map[string]*Session),
		log:             logger.Get().WithComponent("ota"),
	}
}

// OnProgress registers a callback invoked on every state/progress change.
func (m *Manager) OnProgress(cb ProgressCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) notifyProgress(session *Session) {
	m.callbackMu.RLock()
	callbacks := append([]ProgressCallback(nil), m.callbacks...)
	m.callbackMu.RUnlock()

	snapshot := *session
	for _, cb := range callbacks {
		safeNotify(m.log, cb, &snapshot)
	}
}

func safeNotify(log *logger.Logger, cb ProgressCallback, session *Session) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("ota progress callback panicked", "recovered", r)
		}
	}()
	cb(session)
}

// StartUpdate initiates an OTA update for nodeID. Returns nil if the
// firmware is unknown or the device already has an active session.
func (m *Manager) StartUpdate(nodeID, firmwareID string, chunkSize int) *Session {
	firmware, ok := m.Store.GetFirmware(firmwareID)
	if !ok {
		m.log.Warn("ota firmware not found", "firmware_id", firmwareID)
		return nil
	}

	m.mu.Lock()
	if existing, found := m.sessions[nodeID]; found && !isTerminal(existing.State) {
		m.mu.Unlock()
		m.log.Warn("device already has an active ota session", "node_id", nodeID, "state", existing.State)
		return nil
	}

	cs := chunkSize
	if cs <= 0 {
		cs = m.chunkSize
	}
	session := newSession(nodeID, firmware, cs)
	m.sessions[nodeID] = session
	m.mu.Unlock()

	offer := protocol.New(protocol.OTAOffer, m.nodeID, nodeID, map[string]any{
		"firmware_id":  firmware.FirmwareID,
		"version":      firmware.Version,
		"device_type":  firmware.DeviceType,
		"size":         firmware.Size,
		"sha256":       firmware.SHA256,
		"chunk_size":   cs,
		"total_chunks": session.TotalChunks,
	})
	m.sender.Send(offer)
	m.log.Info("sent ota offer", "node_id", nodeID, "firmware_id", firmware.FirmwareID, "chunks", session.TotalChunks)
	m.notifyProgress(session)
	return session
}

// AbortUpdate aborts an active OTA session. Returns true if one was found
// and not already terminal.
func (m *Manager) AbortUpdate(nodeID, reason string) bool {
	m.mu.Lock()
	session, found := m.sessions[nodeID]
	if !found || isTerminal(session.State) {
		m.mu.Unlock()
		return false
	}
	session.State = Failed
	session.Error = reason
	m.mu.Unlock()

	abort := protocol.New(protocol.OTAAbort, m.nodeID, nodeID, map[string]any{
		"firmware_id": session.Firmware.FirmwareID,
		"reason":      reason,
	})
	m.sender.Send(abort)
	m.log.Info("aborted ota update", "node_id", nodeID, "reason", reason)
	m.notifyProgress(session)
	return true
}

// GetSession returns the current session for a device, if any.
func (m *Manager) GetSession(nodeID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nodeID]
	return s, ok
}

// GetStatus returns a status snapshot for a device's session, if any.
func (m *Manager) GetStatus(nodeID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nodeID]
	if !ok {
		return Status{}, false
	}
	return s.ToStatus(), true
}

// ListSessions returns status snapshots for all sessions.
func (m *Manager) ListSessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.ToStatus())
	}
	return out
}

// CheckTimeouts scans for stalled sessions and marks them failed. Returns
// the node ids whose sessions timed out.
func (m *Manager) CheckTimeouts() []string {
	now := time.Now()
	var timedOut []string

	m.mu.Lock()
	for nodeID, session := range m.sessions {
		if isTerminal(session.State) {
			continue
		}
		var timeout time.Duration
		switch session.State {
		case Offered:
			timeout = OfferTimeout
		case Verifying:
			timeout = VerifyTimeout
		default:
			timeout = m.chunkAckTimeout
		}
		if now.Sub(session.LastActivity) > timeout {
			stalled := session.State
			session.State = Failed
			session.Error = fmt.Sprintf("timeout in %s state", stalled)
			m.log.Warn("ota session timed out", "node_id", nodeID, "state", stalled)
			timedOut = append(timedOut, nodeID)
			m.notifyProgress(session)
		}
	}
	m.mu.Unlock()
	return timedOut
}

// CleanupCompleted removes terminal sessions older than maxAge. Returns
// the number removed.
func (m *Manager) CleanupCompleted(maxAge time.Duration) int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for nodeID, s := range m.sessions {
		if isTerminal(s.State) && now.Sub(s.LastActivity) > maxAge {
			delete(m.sessions, nodeID)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug("cleaned up completed ota sessions", "count", removed)
	}
	return removed
}

// -- message handling ------------------------------------------------------

// HandleMessage processes an OTA-related envelope from a device.
func (m *Manager) HandleMessage(env protocol.Envelope) {
	source := env.Source

	m.mu.Lock()
	session, found := m.sessions[source]
	m.mu.Unlock()
	if !found {
		m.log.Warn("ota message with no active session", "type", env.Type, "source", source)
		return
	}

	if firmwareID, ok := env.Payload["firmware_id"].(string); ok && firmwareID != "" && firmwareID != session.Firmware.FirmwareID {
		m.log.Warn("ota firmware_id mismatch", "source", source, "expected", session.Firmware.FirmwareID, "got", firmwareID)
		return
	}

	m.mu.Lock()
	session.LastActivity = time.Now()
	m.mu.Unlock()

	switch env.Type {
	case protocol.OTAAccept:
		m.onAccept(session)
	case protocol.OTAReject:
		m.onReject(session, stringOr(env.Payload, "reason", "unknown"))
	case protocol.OTAChunkAck:
		m.onChunkAck(session, env.Payload)
	case protocol.OTAVerify:
		m.onVerify(session, env.Payload)
	case protocol.OTAAbort:
		m.onDeviceAbort(session, stringOr(env.Payload, "reason", "unknown"))
	default:
		m.log.Warn("unexpected ota message type", "type", env.Type, "source", source)
	}
}

func stringOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}

func (m *Manager) onAccept(session *Session) {
	m.mu.Lock()
	if session.State != Offered {
		m.mu.Unlock()
		m.log.Warn("ota accept in wrong state", "node_id", session.NodeID, "state", session.State)
		return
	}
	session.State = Transferring
	session.NextSeq = 0
	session.AckedUpTo = -1
	m.mu.Unlock()

	m.log.Info("ota accepted, starting transfer", "node_id", session.NodeID)
	m.notifyProgress(session)
	m.sendNextChunk(session)
}

func (m *Manager) onReject(session *Session, reason string) {
	m.mu.Lock()
	session.State = Rejected
	session.Error = reason
	m.mu.Unlock()
	m.log.Info("ota offer rejected", "node_id", session.NodeID, "reason", reason)
	m.notifyProgress(session)
}

func (m *Manager) onChunkAck(session *Session, payload map[string]any) {
	m.mu.Lock()
	if session.State != Transferring {
		m.mu.Unlock()
		return
	}
	seq, ok := intField(payload, "seq")
	if !ok || seq < 0 {
		m.mu.Unlock()
		return
	}
	if seq > session.AckedUpTo {
		session.AckedUpTo = seq
	}
	allAcked := session.AckedUpTo >= session.TotalChunks-1
	if allAcked {
		session.State = Verifying
	}
	m.mu.Unlock()

	m.notifyProgress(session)
	if allAcked {
		m.log.Info("all chunks acked, waiting for verify", "node_id", session.NodeID, "total", session.TotalChunks)
		return
	}
	m.sendNextChunk(session)
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func (m *Manager) onVerify(session *Session, payload map[string]any) {
	m.mu.Lock()
	if session.State != Verifying {
		m.mu.Unlock()
		m.log.Warn("ota verify in wrong state", "node_id", session.NodeID, "state", session.State)
		return
	}
	deviceHash := stringOr(payload, "sha256", "")
	expectedHash := session.Firmware.SHA256
	m.mu.Unlock()

	if deviceHash == expectedHash {
		m.mu.Lock()
		session.State = Complete
		m.mu.Unlock()
		complete := protocol.New(protocol.OTAComplete, m.nodeID, session.NodeID, map[string]any{
			"firmware_id": session.Firmware.FirmwareID,
		})
		m.sender.Send(complete)
		m.log.Info("ota verified, update complete", "node_id", session.NodeID, "firmware_id", session.Firmware.FirmwareID)
	} else {
		m.mu.Lock()
		session.State = Failed
		session.Error = "hash mismatch"
		m.mu.Unlock()
		abort := protocol.New(protocol.OTAAbort, m.nodeID, session.NodeID, map[string]any{
			"firmware_id": session.Firmware.FirmwareID,
			"reason":      "hash_mismatch",
		})
		m.sender.Send(abort)
		m.log.Warn("ota hash mismatch, aborting", "node_id", session.NodeID)
	}
	m.notifyProgress(session)
}

func (m *Manager) onDeviceAbort(session *Session, reason string) {
	m.mu.Lock()
	session.State = Failed
	session.Error = "device aborted: " + reason
	m.mu.Unlock()
	m.log.Warn("device aborted ota", "node_id", session.NodeID, "reason", reason)
	m.notifyProgress(session)
}

func (m *Manager) sendNextChunk(session *Session) {
	m.mu.Lock()
	if session.State != Transferring {
		m.mu.Unlock()
		return
	}
	seq := session.AckedUpTo + 1
	if seq >= session.TotalChunks {
		m.mu.Unlock()
		return
	}
	offset := seq * session.ChunkSize
	chunkSize := session.ChunkSize
	firmwareID := session.Firmware.FirmwareID
	totalChunks := session.TotalChunks
	m.mu.Unlock()

	data := m.Store.ReadChunk(firmwareID, offset, chunkSize)
	if len(data) == 0 {
		m.mu.Lock()
		session.State = Failed
		session.Error = "failed to read firmware chunk"
		m.mu.Unlock()
		m.notifyProgress(session)
		return
	}

	chunk := protocol.New(protocol.OTAChunk, m.nodeID, session.NodeID, map[string]any{
		"firmware_id":  firmwareID,
		"seq":          seq,
		"total_chunks": totalChunks,
		"data":         base64.StdEncoding.EncodeToString(data),
	})
	m.sender.Send(chunk)

	m.mu.Lock()
	session.NextSeq = seq + 1
	m.mu.Unlock()
	m.log.Debug("sent ota chunk", "node_id", session.NodeID, "seq", seq+1, "total", totalChunks)
}
