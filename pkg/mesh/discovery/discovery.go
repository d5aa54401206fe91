// Package discovery implements UDP broadcast peer discovery for the LAN
// mesh.
//
// Each node periodically broadcasts a small JSON beacon on a well-known UDP
// port. Every node listens on the same port and maintains a peer table
// mapping node_id to (ip, tcp_port, last_seen). Peers not seen within the
// timeout are considered offline and eventually pruned.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/meshcore/hub/internal/logger"
)

const beaconBufferSize = 1024

// PeerInfo is metadata about a discovered peer.
type PeerInfo struct {
	NodeID   string
	IP       string
	TCPPort  int
	Roles    []string
	LastSeen time.Time
}

type beacon struct {
	NodeID  string   `json:"node_id"`
	TCPPort int      `json:"tcp_port"`
	Roles   []string `json:"roles"`
}

// SeenFunc is invoked when a peer transitions from unknown/offline to
// online, or sends a fresh beacon while already online. Invoked
// synchronously from the listener goroutine; handlers
// must not block and must not call back into Discovery in a way that would
// deadlock on its internal lock.
type SeenFunc func(PeerInfo)

// LostFunc is invoked when a peer is pruned for having gone silent past
// the configured timeout.
type LostFunc func(nodeID string)

// Discovery implements broadcast-based peer discovery over UDP.
type Discovery struct {
	nodeID            string
	tcpPort           int
	udpPort           int
	broadcastInterval time.Duration
	peerTimeout       time.Duration
	roles             []string
	log               *logger.Logger

	mu    sync.RWMutex
	peers map[string]PeerInfo

	callbackMu  sync.RWMutex
	onSeen      []SeenFunc
	onLost      []LostFunc

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Discovery instance.
type Config struct {
	NodeID            string
	TCPPort           int
	UDPPort           int
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	Roles             []string
}

// New constructs a Discovery instance. Zero-valued fields in cfg fall back
// to the documented defaults (UDP port 18799, 10s broadcast interval, 30s
// peer timeout, role "hub").
func New(cfg Config) *Discovery {
	if cfg.UDPPort == 0 {
		cfg.UDPPort = 18799
	}
	if cfg.BroadcastInterval == 0 {
		cfg.BroadcastInterval = 10 * time.Second
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 30 * time.Second
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = []string{"hub"}
	}
	return &Discovery{
		nodeID:            cfg.NodeID,
		tcpPort:           cfg.TCPPort,
		udpPort:           cfg.UDPPort,
		broadcastInterval: cfg.BroadcastInterval,
		peerTimeout:       cfg.PeerTimeout,
		roles:             cfg.Roles,
		peers:             make(map[string]PeerInfo),
		log:               logger.Get().WithComponent("discovery"),
	}
}

// OnPeerSeen registers a callback invoked whenever a peer beacon is
// received.
func (d *Discovery) OnPeerSeen(fn SeenFunc) {
	d.callbackMu.Lock()
	defer d.callbackMu.Unlock()
	d.onSeen = append(d.onSeen, fn)
}

// OnPeerLost registers a callback invoked whenever a peer is pruned.
func (d *Discovery) OnPeerLost(fn LostFunc) {
	d.callbackMu.Lock()
	defer d.callbackMu.Unlock()
	d.onLost = append(d.onLost, fn)
}

// Start opens the broadcast/listen socket and launches the broadcast,
// listen, and prune goroutines.
func (d *Discovery) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: d.udpPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	d.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(3)
	go d.broadcastLoop(runCtx)
	go d.listenLoop(runCtx)
	go d.pruneLoop(runCtx)

	d.log.Info("discovery started", "node_id", d.nodeID, "udp_port", d.udpPort, "tcp_port", d.tcpPort)
	return nil
}

// Stop halts all goroutines and closes the socket.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
	d.log.Info("discovery stopped")
}

func (d *Discovery) broadcastLoop(ctx context.Context) {
	defer d.wg.Done()

	payload, err := json.Marshal(beacon{NodeID: d.nodeID, TCPPort: d.tcpPort, Roles: d.roles})
	if err != nil {
		d.log.Error("failed to marshal beacon", err)
		return
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.udpPort}
	ticker := time.NewTicker(d.broadcastInterval)
	defer ticker.Stop()

	for {
		if _, err := d.conn.WriteToUDP(payload, dst); err != nil {
			d.log.Debug("broadcast error", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) listenLoop(ctx context.Context) {
	defer d.wg.Done()

	buf := make([]byte, beaconBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		d.handleBeacon(buf[:n], addr.IP.String())
	}
}

func (d *Discovery) handleBeacon(data []byte, ip string) {
	var b beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return
	}
	if b.NodeID == "" || b.NodeID == d.nodeID {
		return
	}

	d.mu.Lock()
	_, existed := d.peers[b.NodeID]
	info := PeerInfo{
		NodeID:   b.NodeID,
		IP:       ip,
		TCPPort:  b.TCPPort,
		Roles:    b.Roles,
		LastSeen: time.Now(),
	}
	d.peers[b.NodeID] = info
	d.mu.Unlock()

	if !existed {
		d.log.Info("new peer", "node_id", b.NodeID, "ip", ip, "tcp_port", b.TCPPort)
	}
	d.dispatchSeen(info)
}

func (d *Discovery) pruneLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.peerTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.prune()
		}
	}
}

// Prune removes peers that have not been seen within the timeout and fires
// peer-lost callbacks for each. Exported so callers (and tests) can force a
// prune pass without waiting for the ticker.
func (d *Discovery) Prune() {
	d.prune()
}

func (d *Discovery) prune() {
	now := time.Now()
	var stale []string

	d.mu.Lock()
	for nid, p := range d.peers {
		if now.Sub(p.LastSeen) >= d.peerTimeout {
			stale = append(stale, nid)
		}
	}
	for _, nid := range stale {
		delete(d.peers, nid)
	}
	d.mu.Unlock()

	for _, nid := range stale {
		d.log.Debug("pruning stale peer", "node_id", nid)
		d.dispatchLost(nid)
	}
}

func (d *Discovery) dispatchSeen(info PeerInfo) {
	d.callbackMu.RLock()
	callbacks := append([]SeenFunc(nil), d.onSeen...)
	d.callbackMu.RUnlock()

	for _, cb := range callbacks {
		safeCallSeen(d.log, cb, info)
	}
}

func (d *Discovery) dispatchLost(nodeID string) {
	d.callbackMu.RLock()
	callbacks := append([]LostFunc(nil), d.onLost...)
	d.callbackMu.RUnlock()

	for _, cb := range callbacks {
		safeCallLost(d.log, cb, nodeID)
	}
}

func safeCallSeen(log *logger.Logger, cb SeenFunc, info PeerInfo) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("peer-seen callback panicked", "recovered", r)
		}
	}()
	cb(info)
}

func safeCallLost(log *logger.Logger, cb LostFunc, nodeID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("peer-lost callback panicked", "recovered", r)
		}
	}()
	cb(nodeID)
}

// GetPeer returns info for a specific peer, or ok=false if unknown/offline.
func (d *Discovery) GetPeer(nodeID string) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[nodeID]
	if !ok || time.Since(p.LastSeen) >= d.peerTimeout {
		return PeerInfo{}, false
	}
	return p, true
}

// OnlinePeers returns all currently-online peers.
func (d *Discovery) OnlinePeers() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := time.Now()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		if now.Sub(p.LastSeen) < d.peerTimeout {
			out = append(out, p)
		}
	}
	return out
}
