// Package federation implements hub-to-hub mesh federation: persistent TCP
// links to peer hubs, registry-snapshot syncing, command forwarding, and
// state propagation across subnets.
//
// Each hub maintains a persistent connection to every configured peer. The
// wire protocol reuses the mesh's length-prefixed JSON envelope format.
// Identity at the handshake layer is asserted with a signed JWT rather than
// a bare hub id string; per-envelope authentication is not applied to
// federation traffic beyond that handshake.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/mesh/protocol"
)

// -- configuration -----------------------------------------------------------

// PeerConfig is static configuration for one peer hub.
type PeerConfig struct {
	HubID string `json:"hub_id"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
}

// Config is the top-level federation configuration loaded from JSON.
type Config struct {
	Peers        []PeerConfig `json:"peers"`
	SyncInterval float64      `json:"sync_interval"`
}

// LoadConfig reads a federation config file. A missing file is not an
// error: it returns a zero-peer config so the caller can treat federation
// as disabled.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Get().WithComponent("federation").Warn("federation config file not found", "path", path)
			return Config{SyncInterval: 30.0}, nil
		}
		return Config{}, fmt.Errorf("read federation config: %w", err)
	}

	var raw struct {
		Peers []struct {
			HubID string `json:"hub_id"`
			Host  string `json:"host"`
			Port  int    `json:"port"`
		} `json:"peers"`
		SyncInterval *float64 `json:"sync_interval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse federation config: %w", err)
	}

	cfg := Config{SyncInterval: 30.0}
	if raw.SyncInterval != nil {
		cfg.SyncInterval = *raw.SyncInterval
	}
	for _, p := range raw.Peers {
		port := p.Port
		if port == 0 {
			port = 18800
		}
		cfg.Peers = append(cfg.Peers, PeerConfig{HubID: p.HubID, Host: p.Host, Port: port})
	}
	return cfg, nil
}

// -- hello token --------------------------------------------------------------

type helloClaims struct {
	HubID string `json:"hub_id"`
	jwt.RegisteredClaims
}

func signHelloToken(hubID, secret string) (string, error) {
	now := time.Now()
	claims := helloClaims{
		HubID: hubID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func verifyHelloToken(tokenStr, secret string) (string, error) {
	var claims helloClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if claims.HubID == "" {
		return "", fmt.Errorf("hello token missing hub_id claim")
	}
	return claims.HubID, nil
}

// -- HubLink: persistent connection to one peer hub --------------------------

const (
	reconnectBase   = 2 * time.Second
	reconnectMax    = 60 * time.Second
	connectTimeout  = 10 * time.Second
	pingInterval    = 15 * time.Second
)

// MessageHandler is invoked for every envelope received on a link.
type MessageHandler func(env protocol.Envelope)

// HubLink is a persistent bidirectional TCP connection to a single peer
// hub. It reconnects automatically with exponential backoff on loss.
type HubLink struct {
	Peer        PeerConfig
	LocalHubID  string
	SharedSecret string
	log         *logger.Logger

	handlers []MessageHandler

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	running   bool
	cancel    context.CancelFunc
}

// NewHubLink constructs a link to peer, identifying as localHubID and
// signing hello tokens with sharedSecret.
func NewHubLink(peer PeerConfig, localHubID, sharedSecret string) *HubLink {
	return &HubLink{
		Peer:         peer,
		LocalHubID:   localHubID,
		SharedSecret: sharedSecret,
		log:          logger.Get().WithComponent("federation"),
	}
}

// Connected reports whether the link currently has a live connection.
func (l *HubLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// OnMessage registers a callback for inbound envelopes from this hub.
func (l *HubLink) OnMessage(h MessageHandler) {
	l.handlers = append(l.handlers, h)
}

// Start begins the link: an initial connect attempt, then a background
// reconnect loop if that attempt (or any later one) fails.
func (l *HubLink) Start(ctx context.Context) {
	l.mu.Lock()
	l.running = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	go l.runLoop(runCtx)
}

// Stop halts the link and closes any open connection.
func (l *HubLink) Stop() {
	l.mu.Lock()
	l.running = false
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.closeConn()
}

func (l *HubLink) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// runLoop owns the connect/reconnect lifecycle for this link, one goroutine
// per peer so no two links' sessions can block each other.
func (l *HubLink) runLoop(ctx context.Context) {
	delay := reconnectBase
	for l.isRunning() {
		if l.connectOnce(ctx) {
			delay = reconnectBase
			l.receiveLoop(ctx)
			l.closeConn()
			if !l.isRunning() {
				return
			}
		}

		l.log.Info("federation link reconnecting", "peer", l.Peer.HubID, "delay", delay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = delay * 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

func (l *HubLink) connectOnce(ctx context.Context) bool {
	addr := fmt.Sprintf("%s:%d", l.Peer.Host, l.Peer.Port)
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		l.log.Warn("federation link connect failed", "peer", l.Peer.HubID, "addr", addr, "error", err.Error())
		return false
	}

	hello, err := l.buildHello()
	if err != nil {
		l.log.Error("failed to sign federation hello token", err, "peer", l.Peer.HubID)
		conn.Close()
		return false
	}
	if err := protocol.WriteEnvelope(conn, hello); err != nil {
		l.log.Warn("federation link hello failed", "peer", l.Peer.HubID, "error", err.Error())
		conn.Close()
		return false
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	l.log.Info("federation link connected", "peer", l.Peer.HubID, "addr", addr)
	go l.pingLoop(ctx)
	return true
}

func (l *HubLink) buildHello() (protocol.Envelope, error) {
	token, err := signHelloToken(l.LocalHubID, l.SharedSecret)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.New(protocol.FederationHello, l.LocalHubID, l.Peer.HubID, map[string]any{
		"hub_id": l.LocalHubID,
		"token":  token,
	}), nil
}

func (l *HubLink) closeConn() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.connected = false
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Send writes an envelope to the peer. Returns false if the link is down
// or the write fails.
func (l *HubLink) Send(env protocol.Envelope) bool {
	l.mu.Lock()
	conn := l.conn
	connected := l.connected
	l.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	if err := protocol.WriteEnvelope(conn, env); err != nil {
		l.log.Warn("federation link send failed", "peer", l.Peer.HubID, "error", err.Error())
		l.closeConn()
		return false
	}
	return true
}

func (l *HubLink) receiveLoop(ctx context.Context) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	for l.isRunning() {
		env, ok, err := protocol.ReadEnvelope(conn)
		if err != nil || !ok {
			return
		}
		for _, h := range l.handlers {
			dispatchSafely(l.log, h, env)
		}
	}
}

func dispatchSafely(log *logger.Logger, h MessageHandler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("federation handler panicked", "recovered", r)
		}
	}()
	h(env)
}

func (l *HubLink) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.Connected() {
				return
			}
			ping := protocol.New(protocol.FederationPing, l.LocalHubID, l.Peer.HubID, nil)
			if !l.Send(ping) {
				return
			}
		}
	}
}

// -- FederationManager --------------------------------------------------------

// RegistrySource is the subset of the device registry needed to build sync
// snapshots.
type RegistrySource interface {
	GetAllDevices() []DeviceSnapshot
	GetDevice(nodeID string) (DeviceSnapshot, bool)
}

// DeviceSnapshot is the wire shape of one device in a federation sync
// payload.
type DeviceSnapshot struct {
	NodeID       string           `json:"node_id"`
	DeviceType   string           `json:"device_type"`
	Name         string           `json:"name"`
	Online       bool             `json:"online"`
	State        map[string]any   `json:"state"`
	Capabilities []CapabilitySnap `json:"capabilities"`
}

// CapabilitySnap is the wire shape of one capability in a sync payload.
type CapabilitySnap struct {
	Name     string `json:"name"`
	CapType  string `json:"cap_type"`
	DataType string `json:"data_type"`
	Unit     string `json:"unit,omitempty"`
}

// LocalCommandExecutor runs a forwarded command against a local device.
// Returns whether execution succeeded and any error encountered.
type LocalCommandExecutor func(nodeID, capability string, value any) (bool, error)

// RemoteStateCallback is invoked when a remote device's state changes.
type RemoteStateCallback func(nodeID string, state map[string]any)

// Manager orchestrates federation with all configured peer hubs: link
// lifecycle, registry sync broadcast, command forwarding, and state
// propagation.
type Manager struct {
	HubID        string
	ConfigPath   string
	SharedSecret string
	Registry     RegistrySource
	OnRemoteState RemoteStateCallback

	executor LocalCommandExecutor

	cfg Config

	mu            sync.Mutex
	links         map[string]*HubLink
	remoteDevices map[string]map[string]DeviceSnapshot // hubID -> nodeID -> snapshot
	deviceHub     map[string]string                    // nodeID -> hubID

	pendingMu sync.Mutex
	pending   map[pendingKey]chan bool

	running bool
	cancel  context.CancelFunc
	log     *logger.Logger
}

type pendingKey struct {
	nodeID     string
	capability string
}

// NewManager constructs a federation manager for hubID, backed by the
// config file at configPath.
func NewManager(hubID, configPath, sharedSecret string, reg RegistrySource) *Manager {
	return &Manager{
		HubID:         hubID,
		ConfigPath:    configPath,
		SharedSecret:  sharedSecret,
		Registry:      reg,
		links:         make(map[string]*HubLink),
		remoteDevices: make(map[string]map[string]DeviceSnapshot),
		deviceHub:     make(map[string]string),
		pending:       make(map[pendingKey]chan bool),
		log:           logger.Get().WithComponent("federation"),
	}
}

// SetLocalCommandHandler wires the callback used to execute forwarded
// commands against local devices.
func (m *Manager) SetLocalCommandHandler(fn LocalCommandExecutor) {
	m.executor = fn
}

// Load reads the federation config file. Returns the number of configured
// peers (0 if the file is absent or federation is disabled).
func (m *Manager) Load() int {
	cfg, err := LoadConfig(m.ConfigPath)
	if err != nil {
		m.log.Error("failed to parse federation config", err, "path", m.ConfigPath)
		return 0
	}
	m.cfg = cfg
	m.log.Info("loaded federation config", "peers", len(cfg.Peers), "sync_interval", cfg.SyncInterval)
	return len(cfg.Peers)
}

// Start connects to every configured peer and begins the periodic registry
// sync loop. No-op if no peers are configured.
func (m *Manager) Start(ctx context.Context) {
	if len(m.cfg.Peers) == 0 {
		m.log.Info("federation has no peers configured, skipping start")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.running = true
	m.cancel = cancel
	for _, peerCfg := range m.cfg.Peers {
		link := NewHubLink(peerCfg, m.HubID, m.SharedSecret)
		link.OnMessage(m.handleMessage)
		m.links[peerCfg.HubID] = link
		link.Start(runCtx)
	}
	peerCount := len(m.links)
	m.mu.Unlock()

	go m.syncLoop(runCtx)
	m.log.Info("federation started", "peers", peerCount)
}

// Stop disconnects from all peer hubs and stops the sync loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.cancel != nil {
		m.cancel()
	}
	links := make([]*HubLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]*HubLink)
	m.remoteDevices = make(map[string]map[string]DeviceSnapshot)
	m.deviceHub = make(map[string]string)
	m.mu.Unlock()

	m.pendingMu.Lock()
	for key, ch := range m.pending {
		close(ch)
		delete(m.pending, key)
	}
	m.pendingMu.Unlock()

	for _, l := range links {
		l.Stop()
	}
	m.log.Info("federation stopped")
}

func (m *Manager) syncLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.SyncInterval * float64(time.Second))
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcastRegistrySync()
		}
	}
}

func (m *Manager) localDeviceList() []DeviceSnapshot {
	if m.Registry == nil {
		return nil
	}
	return m.Registry.GetAllDevices()
}

func (m *Manager) broadcastRegistrySync() {
	devices := m.localDeviceList()

	m.mu.Lock()
	links := make(map[string]*HubLink, len(m.links))
	for id, l := range m.links {
		links[id] = l
	}
	m.mu.Unlock()

	for hubID, link := range links {
		if !link.Connected() {
			continue
		}
		env := protocol.New(protocol.FederationSync, m.HubID, hubID, map[string]any{
			"hub_id":  m.HubID,
			"devices": devices,
		})
		link.Send(env)
	}
}

// -- message dispatch ----------------------------------------------------

func (m *Manager) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.FederationHello:
		m.handleHello(env)
	case protocol.FederationSync:
		m.handleSync(env)
	case protocol.FederationCommand:
		m.handleCommand(env)
	case protocol.FederationResponse:
		m.handleResponse(env)
	case protocol.FederationState:
		m.handleState(env)
	case protocol.FederationPing:
		m.handlePing(env)
	case protocol.FederationPong:
		// Confirms the link is alive; nothing else to do.
	default:
		m.log.Debug("unknown federation message type", "source", env.Source, "type", string(env.Type))
	}
}

func (m *Manager) handleHello(env protocol.Envelope) {
	token, _ := env.Payload["token"].(string)
	if token == "" {
		m.log.Warn("federation hello missing token", "source", env.Source)
		return
	}
	hubID, err := verifyHelloToken(token, m.SharedSecret)
	if err != nil {
		m.log.Warn("federation hello token verification failed", "source", env.Source, "error", err.Error())
		return
	}
	m.log.Info("received federation hello", "hub_id", hubID)
}

func (m *Manager) handleSync(env protocol.Envelope) {
	remoteHub, _ := env.Payload["hub_id"].(string)
	if remoteHub == "" {
		remoteHub = env.Source
	}

	raw, _ := json.Marshal(env.Payload["devices"])
	var devices []DeviceSnapshot
	_ = json.Unmarshal(raw, &devices)

	newMap := make(map[string]DeviceSnapshot, len(devices))
	for _, d := range devices {
		if d.NodeID == "" {
			continue
		}
		newMap[d.NodeID] = d
	}

	m.mu.Lock()
	old := m.remoteDevices[remoteHub]
	for nodeID := range old {
		if _, stillPresent := newMap[nodeID]; !stillPresent {
			delete(m.deviceHub, nodeID)
		}
	}
	for nodeID := range newMap {
		m.deviceHub[nodeID] = remoteHub
	}
	m.remoteDevices[remoteHub] = newMap
	m.mu.Unlock()

	m.log.Debug("synced devices from peer hub", "count", len(newMap), "hub_id", remoteHub)
}

func (m *Manager) handleCommand(env protocol.Envelope) {
	nodeID, _ := env.Payload["target_node"].(string)
	capability, _ := env.Payload["capability"].(string)
	value := env.Payload["value"]
	requestingHub := env.Source

	var success bool
	var resultValue any
	var errMsg string

	if m.executor != nil {
		ok, err := m.executor(nodeID, capability, value)
		success = ok
		if err != nil {
			errMsg = err.Error()
		} else if ok && m.Registry != nil {
			if dev, found := m.Registry.GetDevice(nodeID); found {
				resultValue = dev.State[capability]
			}
		}
	}

	resp := protocol.New(protocol.FederationResponse, m.HubID, requestingHub, map[string]any{
		"target_node": nodeID,
		"capability":  capability,
		"success":     success,
		"value":       resultValue,
		"error":       errMsg,
	})

	m.mu.Lock()
	link := m.links[requestingHub]
	m.mu.Unlock()
	if link != nil && link.Connected() {
		link.Send(resp)
	}
}

func (m *Manager) handleResponse(env protocol.Envelope) {
	nodeID, _ := env.Payload["target_node"].(string)
	capability, _ := env.Payload["capability"].(string)
	success, _ := env.Payload["success"].(bool)

	key := pendingKey{nodeID: nodeID, capability: capability}
	m.pendingMu.Lock()
	ch, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.pendingMu.Unlock()

	if ok {
		ch <- success
		close(ch)
	}
}

func (m *Manager) handleState(env protocol.Envelope) {
	nodeID, _ := env.Payload["node_id"].(string)
	remoteHub, _ := env.Payload["hub_id"].(string)
	if remoteHub == "" {
		remoteHub = env.Source
	}
	rawState, _ := env.Payload["state"].(map[string]any)

	m.mu.Lock()
	if hubDevices, ok := m.remoteDevices[remoteHub]; ok {
		if dev, ok := hubDevices[nodeID]; ok {
			dev.State = rawState
			hubDevices[nodeID] = dev
		}
	}
	m.mu.Unlock()

	if m.OnRemoteState != nil && nodeID != "" && len(rawState) > 0 {
		notifySafely(m.log, m.OnRemoteState, nodeID, rawState)
	}
}

func notifySafely(log *logger.Logger, cb RemoteStateCallback, nodeID string, state map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("federation remote state callback panicked", "recovered", r)
		}
	}()
	cb(nodeID, state)
}

func (m *Manager) handlePing(env protocol.Envelope) {
	m.mu.Lock()
	link := m.links[env.Source]
	m.mu.Unlock()
	if link != nil && link.Connected() {
		pong := protocol.New(protocol.FederationPong, m.HubID, env.Source, nil)
		link.Send(pong)
	}
}

// -- command forwarding ----------------------------------------------------

// ForwardCommand forwards a command to a device living on a remote hub and
// waits up to timeout for a success/failure response. Returns false if the
// device's hub is unknown, unreachable, or the response times out.
func (m *Manager) ForwardCommand(nodeID, capability string, value any, timeout time.Duration) bool {
	m.mu.Lock()
	hubID, known := m.deviceHub[nodeID]
	var link *HubLink
	if known {
		link = m.links[hubID]
	}
	m.mu.Unlock()

	if !known {
		m.log.Warn("cannot forward command, device not found on any remote hub", "node_id", nodeID)
		return false
	}
	if link == nil || !link.Connected() {
		m.log.Warn("cannot forward command, hub not connected", "hub_id", hubID)
		return false
	}

	key := pendingKey{nodeID: nodeID, capability: capability}
	ch := make(chan bool, 1)
	m.pendingMu.Lock()
	m.pending[key] = ch
	m.pendingMu.Unlock()

	env := protocol.New(protocol.FederationCommand, m.HubID, hubID, map[string]any{
		"target_node": nodeID,
		"capability":  capability,
		"value":       value,
	})
	if !link.Send(env) {
		m.pendingMu.Lock()
		delete(m.pending, key)
		m.pendingMu.Unlock()
		return false
	}

	select {
	case result, ok := <-ch:
		return ok && result
	case <-time.After(timeout):
		m.pendingMu.Lock()
		delete(m.pending, key)
		m.pendingMu.Unlock()
		m.log.Warn("federation command timed out", "node_id", nodeID, "capability", capability, "hub_id", hubID)
		return false
	}
}

// -- state propagation ----------------------------------------------------

// BroadcastStateUpdate pushes a local device's state change to every
// connected peer hub.
func (m *Manager) BroadcastStateUpdate(nodeID string, state map[string]any) {
	m.mu.Lock()
	links := make(map[string]*HubLink, len(m.links))
	for id, l := range m.links {
		links[id] = l
	}
	m.mu.Unlock()

	for _, link := range links {
		if !link.Connected() {
			continue
		}
		env := protocol.New(protocol.FederationState, m.HubID, protocol.BroadcastTarget, map[string]any{
			"hub_id":  m.HubID,
			"node_id": nodeID,
			"state":   state,
		})
		link.Send(env)
	}
}

// -- queries ----------------------------------------------------------------

// IsRemoteDevice reports whether nodeID lives on a known remote hub.
func (m *Manager) IsRemoteDevice(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deviceHub[nodeID]
	return ok
}

// GetDeviceHub returns the hub id that owns nodeID, or "" if unknown.
func (m *Manager) GetDeviceHub(nodeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceHub[nodeID]
}

// ListRemoteDevices returns all known remote devices grouped by hub id.
func (m *Manager) ListRemoteDevices() map[string][]DeviceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]DeviceSnapshot, len(m.remoteDevices))
	for hubID, devices := range m.remoteDevices {
		list := make([]DeviceSnapshot, 0, len(devices))
		for _, d := range devices {
			list = append(list, d)
		}
		out[hubID] = list
	}
	return out
}

// HubStatus is the status of one peer hub link, for monitoring/status
// endpoints.
type HubStatus struct {
	HubID     string `json:"hub_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
	Devices   int    `json:"devices"`
}

// ListHubs returns the status of every configured peer link.
func (m *Manager) ListHubs() []HubStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HubStatus, 0, len(m.links))
	for hubID, link := range m.links {
		out = append(out, HubStatus{
			HubID:     hubID,
			Host:      link.Peer.Host,
			Port:      link.Peer.Port,
			Connected: link.Connected(),
			Devices:   len(m.remoteDevices[hubID]),
		})
	}
	return out
}
