// Package channel wires every mesh subsystem together into one running
// Hub: key store, discovery, optional mTLS CA, transport, enrollment,
// device registry, automation, OTA, groups/scenes, federation, and the
// sensor pipeline. It owns the inbound envelope dispatch and the process
// lifecycle (Start/Stop), and exposes a minimal read-only HTTP status
// endpoint.
package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/config"
	"github.com/meshcore/hub/pkg/mesh/automation"
	"github.com/meshcore/hub/pkg/mesh/ca"
	"github.com/meshcore/hub/pkg/mesh/commands"
	"github.com/meshcore/hub/pkg/mesh/discovery"
	"github.com/meshcore/hub/pkg/mesh/enrollment"
	"github.com/meshcore/hub/pkg/mesh/federation"
	"github.com/meshcore/hub/pkg/mesh/groups"
	"github.com/meshcore/hub/pkg/mesh/ota"
	"github.com/meshcore/hub/pkg/mesh/pipeline"
	"github.com/meshcore/hub/pkg/mesh/protocol"
	"github.com/meshcore/hub/pkg/mesh/registry"
	"github.com/meshcore/hub/pkg/mesh/resilience"
	"github.com/meshcore/hub/pkg/mesh/security"
	"github.com/meshcore/hub/pkg/mesh/transport"
)

const otaWatchdogInterval = 15 * time.Second

// Channel is the fully-wired LAN mesh Hub: every subsystem plus the glue
// between them.
type Channel struct {
	NodeID string

	KeyStore   *security.KeyStore
	Discovery  *discovery.Discovery
	CA         *ca.MeshCA
	Transport  *transport.Transport
	Enrollment *enrollment.Service
	Registry   *registry.Registry
	Automation *automation.Engine
	OTA        *ota.Manager
	Groups     *groups.Manager
	Federation *federation.Manager
	Pipeline   *pipeline.SensorPipeline

	cfg          *config.Config
	otaWatchdog  *resilience.Watchdog
	statusServer *http.Server
	cancel       context.CancelFunc
	log          *logger.Logger
}

// New wires a Channel from cfg. Subsystems that cfg leaves disabled (mTLS,
// federation, the sensor pipeline) are left nil rather than stubbed.
func New(cfg *config.Config) (*Channel, error) {
	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = defaultNodeID()
	}

	var keyStore *security.KeyStore
	if cfg.Security.PSKAuthEnabled {
		path := orDefault(cfg.Security.KeyStorePath, "mesh_keys.json")
		keyStore = security.NewKeyStore(path, secondsToDuration(cfg.Security.NonceWindow))
		if err := keyStore.Load(); err != nil {
			return nil, fmt.Errorf("load key store: %w", err)
		}
	}

	disc := discovery.New(discovery.Config{
		NodeID:            nodeID,
		TCPPort:           cfg.Node.TCPPort,
		UDPPort:           cfg.Node.UDPPort,
		BroadcastInterval: secondsToDuration(cfg.Node.Broadcast),
		PeerTimeout:       secondsToDuration(cfg.Node.PeerTTL),
		Roles:             cfg.Node.Roles,
	})

	var meshCA *ca.MeshCA
	var serverTLS *tls.Config
	var clientFactory transport.ClientSSLFactory
	if cfg.MTLS.Enabled {
		dir := orDefault(cfg.MTLS.CADir, "mesh_ca")
		meshCA = ca.New(dir, cfg.MTLS.DeviceCertValidityDays)
		if err := meshCA.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize mesh ca: %w", err)
		}
		tlsCfg, err := meshCA.CreateServerTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("create server tls config: %w", err)
		}
		serverTLS = tlsCfg
		// The Hub always dials out under its own "hub" identity, issued
		// lazily by CreateServerTLSConfig on first call.
		clientFactory = func(string) (*tls.Config, error) {
			return meshCA.CreateClientTLSConfig("hub")
		}
	}

	tp := &transport.Transport{
		NodeID:               nodeID,
		TCPPort:               cfg.Node.TCPPort,
		Discovery:             discoveryLookup{disc},
		KeyStore:              keyStore,
		PSKAuthEnabled:        cfg.Security.PSKAuthEnabled,
		AllowUnauthenticated:  cfg.Security.AllowUnauthenticated,
		EncryptionEnabled:     cfg.Security.EncryptionEnabled,
		ServerTLSConfig:       serverTLS,
		ClientTLSFactory:      clientFactory,
	}
	if meshCA != nil {
		tp.RevocationCheckFn = meshCA.IsRevoked
	}

	var enroll *enrollment.Service
	if cfg.Security.PSKAuthEnabled && keyStore != nil {
		var certIssuer enrollment.CertIssuer
		if meshCA != nil {
			certIssuer = meshCA
		}
		enroll = enrollment.New(enrollment.Config{
			KeyStore:    keyStore,
			Sender:      tp,
			CertIssuer:  certIssuer,
			NodeID:      nodeID,
			PINLength:   cfg.Enrollment.PINLength,
			PINTimeout:  time.Duration(cfg.Enrollment.PINTimeout) * time.Second,
			MaxAttempts: cfg.Enrollment.MaxAttempts,
		})
		tp.EnrollmentActive = enroll.IsEnrollmentActive
	}

	reg := registry.New(orDefault(cfg.Registry.Path, "device_registry.json"))
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load device registry: %w", err)
	}

	autoEngine := automation.New(reg, orDefault(cfg.Automation.RulesPath, "automation_rules.json"))
	if err := autoEngine.Load(); err != nil {
		return nil, fmt.Errorf("load automation rules: %w", err)
	}

	fwStore := ota.NewFirmwareStore(orDefault(cfg.OTA.FirmwareDir, "firmware"))
	if err := fwStore.Load(); err != nil {
		return nil, fmt.Errorf("load firmware store: %w", err)
	}
	otaMgr := ota.NewManager(fwStore, tp, nodeID, cfg.OTA.ChunkSize, secondsToDuration(cfg.OTA.ChunkAckTimeout))

	groupMgr := groups.New(
		orDefault(cfg.Groups.GroupsPath, "groups.json"),
		orDefault(cfg.Groups.ScenesPath, "scenes.json"),
	)
	if err := groupMgr.Load(); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	var fedMgr *federation.Manager
	if cfg.Federation.ConfigPath != "" {
		fedMgr = federation.NewManager(nodeID, cfg.Federation.ConfigPath, cfg.Federation.SharedSecret, registrySource{reg})
		fedMgr.Load()
	}

	var pipe *pipeline.SensorPipeline
	if cfg.Pipeline.Enabled {
		pipe = pipeline.New(cfg.Pipeline.Path, cfg.Pipeline.MaxPoints, secondsToDuration(cfg.Pipeline.FlushInterval))
		pipe.Load()
	}

	ch := &Channel{
		NodeID:     nodeID,
		KeyStore:   keyStore,
		Discovery:  disc,
		CA:         meshCA,
		Transport:  tp,
		Enrollment: enroll,
		Registry:   reg,
		Automation: autoEngine,
		OTA:        otaMgr,
		Groups:     groupMgr,
		Federation: fedMgr,
		Pipeline:   pipe,
		cfg:        cfg,
		log:        logger.Get().WithComponent("channel"),
	}

	tp.OnMessage(ch.handleMeshMessage)
	disc.OnPeerSeen(ch.onPeerSeen)
	disc.OnPeerLost(ch.onPeerLost)
	if fedMgr != nil {
		fedMgr.SetLocalCommandHandler(ch.executeLocalCommand)
	}

	ch.otaWatchdog = &resilience.Watchdog{
		Name:     "ota-timeout-check",
		Interval: otaWatchdogInterval,
		Callback: func(context.Context) { ch.checkOTATimeouts() },
	}

	return ch, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// secondsToDuration converts a config field expressed in fractional seconds
// (float64, matching the Python source's time.monotonic()-based intervals)
// into a time.Duration. Zero maps to zero so callers' own defaulting still
// applies downstream.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hub"
	}
	return "hub-" + host
}

// -- lifecycle ---------------------------------------------------------------

// Start brings up discovery, transport, federation, the sensor pipeline,
// the OTA timeout watchdog, and (if configured) the status HTTP endpoint.
func (ch *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	ch.cancel = cancel

	if err := ch.Discovery.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start discovery: %w", err)
	}
	if err := ch.Transport.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}
	if ch.Federation != nil {
		ch.Federation.Start(runCtx)
	}
	if ch.Pipeline != nil {
		ch.Pipeline.Start()
	}
	ch.otaWatchdog.Start(runCtx)

	if ch.cfg.Status.Addr != "" {
		ch.startStatusServer(ch.cfg.Status.Addr)
	}

	ch.log.Info("mesh channel started", "node_id", ch.NodeID,
		"tcp_port", ch.cfg.Node.TCPPort, "udp_port", ch.cfg.Node.UDPPort)
	return nil
}

// Stop shuts down every subsystem in reverse dependency order.
func (ch *Channel) Stop() {
	if ch.cancel != nil {
		ch.cancel()
	}
	if ch.statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ch.statusServer.Shutdown(shutdownCtx); err != nil {
			ch.log.Warn("status server shutdown error", "error", err.Error())
		}
	}
	ch.otaWatchdog.Stop()
	if ch.Federation != nil {
		ch.Federation.Stop()
	}
	if ch.Pipeline != nil {
		ch.Pipeline.Stop()
	}
	ch.Transport.Stop()
	ch.Discovery.Stop()
	ch.log.Info("mesh channel stopped")
}

func (ch *Channel) checkOTATimeouts() {
	for _, nodeID := range ch.OTA.CheckTimeouts() {
		ch.log.Warn("ota session timed out", "node_id", nodeID)
	}
}

// -- inbound dispatch ----------------------------------------------------

// handleMeshMessage routes one inbound envelope to the subsystem that owns
// its message type. Registered as the transport's single message handler.
func (ch *Channel) handleMeshMessage(env protocol.Envelope) error {
	switch env.Type {
	case protocol.EnrollRequest:
		if ch.Enrollment != nil {
			ch.Enrollment.HandleEnrollRequest(env)
		}
	case protocol.StateReport:
		ch.handleStateReport(env)
	case protocol.OTAOffer, protocol.OTAAccept, protocol.OTAReject, protocol.OTAChunk,
		protocol.OTAChunkAck, protocol.OTAVerify, protocol.OTAComplete, protocol.OTAAbort:
		ch.OTA.HandleMessage(env)
	case protocol.Response:
		resp, ok := commands.ResponseFromEnvelope(env)
		if ok {
			ch.log.Debug("command response received", "device", resp.Device, "status", string(resp.Status))
		}
	default:
		ch.log.Debug("unhandled mesh message", "type", string(env.Type), "source", env.Source)
	}
	return nil
}

// handleStateReport applies a STATE_REPORT to the registry (auto-registering
// an unknown source as a generic device first, matching the original
// channel's "register on first contact" behaviour when discovery's beacon
// carries no capability metadata to register from), then evaluates and
// dispatches any automation rules the update triggers.
func (ch *Channel) handleStateReport(env protocol.Envelope) {
	stateData, _ := env.Payload["state"].(map[string]any)
	if len(stateData) == 0 {
		ch.log.Debug("empty state_report", "source", env.Source)
		return
	}

	if _, ok := ch.Registry.GetDevice(env.Source); !ok {
		ch.Registry.RegisterDevice(env.Source, "unknown", registry.RegisterOptions{})
	}
	ch.Registry.MarkOnline(env.Source)

	if !ch.Registry.UpdateState(env.Source, stateData) {
		ch.log.Warn("state_report for unregistered device", "source", env.Source)
		return
	}

	for _, cmd := range ch.Automation.Evaluate(env.Source) {
		ch.dispatchCommand(cmd)
	}
}

// dispatchCommand sends cmd to its target, forwarding across a federation
// link when the device lives on a remote hub.
func (ch *Channel) dispatchCommand(cmd commands.DeviceCommand) {
	if ch.Federation != nil && ch.Federation.IsRemoteDevice(cmd.Device) {
		value, _ := cmd.Params["value"]
		if ch.Federation.ForwardCommand(cmd.Device, cmd.Capability, value, 10*time.Second) {
			return
		}
		ch.log.Warn("federated command dispatch failed", "device", cmd.Device, "capability", cmd.Capability)
		return
	}

	env := commands.ToEnvelope(cmd, ch.NodeID)
	if !ch.Transport.Send(env) {
		ch.log.Warn("command dispatch failed", "device", cmd.Device,
			"action", string(cmd.Action), "capability", cmd.Capability)
	}
}

// executeLocalCommand runs a command forwarded in by a peer hub against a
// device owned by this hub, wired as the federation manager's local command
// executor.
func (ch *Channel) executeLocalCommand(nodeID, capability string, value any) (bool, error) {
	if _, ok := ch.Registry.GetDevice(nodeID); !ok {
		return false, fmt.Errorf("device %q not found", nodeID)
	}
	cmd := commands.DeviceCommand{
		Device:     nodeID,
		Action:     commands.Set,
		Capability: capability,
		Params:     map[string]any{"value": value},
	}
	env := commands.ToEnvelope(cmd, ch.NodeID)
	if !ch.Transport.Send(env) {
		return false, fmt.Errorf("failed to deliver to %q", nodeID)
	}
	return true, nil
}

// onPeerSeen marks a discovered peer online in the registry. Discovery's
// beacon carries only node id, TCP port and roles (no device
// type/capabilities), so unlike auto-registration from a beacon, new
// devices are registered on first STATE_REPORT instead (see
// handleStateReport).
func (ch *Channel) onPeerSeen(p discovery.PeerInfo) {
	ch.Registry.MarkOnline(p.NodeID)
}

func (ch *Channel) onPeerLost(nodeID string) {
	ch.Registry.MarkOffline(nodeID)
}

// -- enrollment / revocation convenience --------------------------------

// CreateEnrollmentPIN generates a new enrollment PIN. Returns ok=false if
// PSK authentication (and therefore enrollment) is disabled.
func (ch *Channel) CreateEnrollmentPIN() (pin string, expiresAt time.Time, ok bool) {
	if ch.Enrollment == nil {
		ch.log.Warn("enrollment unavailable, psk auth disabled")
		return "", time.Time{}, false
	}
	pin, expiresAt = ch.Enrollment.CreatePIN()
	return pin, expiresAt, true
}

// CancelEnrollmentPIN cancels the active enrollment PIN, if any.
func (ch *Channel) CancelEnrollmentPIN() bool {
	if ch.Enrollment == nil {
		return false
	}
	return ch.Enrollment.CancelPIN()
}

// RevokeDevice revokes a device's mTLS certificate and, optionally, removes
// it from the device registry. Returns false if mTLS is disabled or the
// device has no certificate to revoke.
func (ch *Channel) RevokeDevice(nodeID string, removeFromRegistry bool) bool {
	if ch.CA == nil {
		ch.log.Warn("cannot revoke, mtls not enabled")
		return false
	}
	if !ch.CA.HasDeviceCert(nodeID) {
		ch.log.Warn("cannot revoke, no certificate issued", "node_id", nodeID)
		return false
	}
	if err := ch.CA.RevokeDeviceCert(nodeID); err != nil {
		ch.log.Warn("failed to revoke device cert", "node_id", nodeID, "error", err.Error())
		return false
	}
	if removeFromRegistry {
		ch.Registry.RemoveDevice(nodeID)
	}
	return true
}

// GetDeviceSummary returns a human-readable summary of all registered
// devices.
func (ch *Channel) GetDeviceSummary() string {
	return ch.Registry.Summary()
}

// -- status HTTP endpoint --------------------------------------------------

type healthCheck struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Checks []healthCheck `json:"checks"`
}

type statusResponse struct {
	NodeID          string `json:"node_id"`
	DevicesTotal    int    `json:"devices_total"`
	DevicesOnline   int    `json:"devices_online"`
	AutomationRules int    `json:"automation_rules"`
	FederatedHubs   int    `json:"federated_hubs,omitempty"`
}

func (ch *Channel) startStatusServer(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ch.handleHealthz)
	mux.HandleFunc("/status", ch.handleStatus)

	ch.statusServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := ch.statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ch.log.Error("status server error", err)
		}
	}()
	ch.log.Info("status endpoint listening", "addr", addr)
}

func (ch *Channel) handleHealthz(w http.ResponseWriter, r *http.Request) {
	diskOK := isDiskWritable(ch.cfg.Registry.Path)
	checks := []healthCheck{
		{Name: "transport_listening", OK: ch.Transport != nil},
		{Name: "discovery_active", OK: ch.Discovery != nil},
		{Name: "registry_loaded", OK: ch.Registry != nil},
		{Name: "disk_writable", OK: diskOK},
	}

	status := "ok"
	for _, c := range checks {
		if !c.OK {
			status = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(healthResponse{Status: status, Checks: checks})
}

func (ch *Channel) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		NodeID:          ch.NodeID,
		DevicesTotal:    ch.Registry.DeviceCount(),
		DevicesOnline:   ch.Registry.OnlineCount(),
		AutomationRules: ch.Automation.RuleCount(),
	}
	if ch.Federation != nil {
		resp.FederatedHubs = len(ch.Federation.ListHubs())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func isDiskWritable(registryPath string) bool {
	dir := "."
	if registryPath != "" {
		if idx := lastSlash(registryPath); idx >= 0 {
			dir = registryPath[:idx]
		}
	}
	probe := dir + "/.health_probe"
	if dir == "" {
		probe = ".health_probe"
	}
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// -- adapters --------------------------------------------------------------

// discoveryLookup adapts *discovery.Discovery's PeerInfo-returning GetPeer
// to transport.PeerLookup's flatter (ip, tcpPort, ok) shape.
type discoveryLookup struct {
	d *discovery.Discovery
}

func (l discoveryLookup) GetPeer(nodeID string) (string, int, bool) {
	p, ok := l.d.GetPeer(nodeID)
	if !ok {
		return "", 0, false
	}
	return p.IP, p.TCPPort, true
}

// registrySource adapts *registry.Registry to federation.RegistrySource,
// translating internal Device/Capability records into the wire-shaped
// DeviceSnapshot/CapabilitySnap federation syncs.
type registrySource struct {
	r *registry.Registry
}

func (s registrySource) GetAllDevices() []federation.DeviceSnapshot {
	devices := s.r.GetAllDevices()
	out := make([]federation.DeviceSnapshot, len(devices))
	for i, d := range devices {
		out[i] = toSnapshot(d)
	}
	return out
}

func (s registrySource) GetDevice(nodeID string) (federation.DeviceSnapshot, bool) {
	d, ok := s.r.GetDevice(nodeID)
	if !ok {
		return federation.DeviceSnapshot{}, false
	}
	return toSnapshot(d), true
}

func toSnapshot(d *registry.Device) federation.DeviceSnapshot {
	caps := make([]federation.CapabilitySnap, len(d.Capabilities))
	for i, c := range d.Capabilities {
		caps[i] = federation.CapabilitySnap{
			Name:     c.Name,
			CapType:  string(c.CapType),
			DataType: string(c.DataType),
			Unit:     c.Unit,
		}
	}
	return federation.DeviceSnapshot{
		NodeID:       d.NodeID,
		DeviceType:   d.DeviceType,
		Name:         d.Name,
		Online:       d.Online,
		State:        d.State,
		Capabilities: caps,
	}
}
