// Package transport implements the TCP transport for reliable LAN mesh
// messaging.
//
// Each node runs a TCP listener. To send a message, the sender opens a
// short-lived TCP connection to the target peer (looked up via discovery),
// writes one length-prefixed JSON envelope, and closes the connection. This
// intentionally simple design avoids persistent connections, reconnect
// logic, and multiplexing — unnecessary on a low-latency LAN.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/mesh/ca"
	"github.com/meshcore/hub/pkg/mesh/protocol"
	"github.com/meshcore/hub/pkg/mesh/resilience"
	"github.com/meshcore/hub/pkg/mesh/security"
)

// encryptedTypes are the message types whose payloads carry user/device
// data worth encrypting. Enrollment, heartbeat, and broadcast messages are
// left in plaintext.
var encryptedTypes = map[protocol.MsgType]bool{
	protocol.Chat:     true,
	protocol.Command:  true,
	protocol.Response: true,
}

const connReadTimeout = 10 * time.Second
const connDialTimeout = 5 * time.Second

// PeerLookup resolves a node id to its IP/TCP port via discovery.
type PeerLookup interface {
	GetPeer(nodeID string) (ip string, tcpPort int, ok bool)
}

// MessageHandler is invoked for every received envelope. Handler errors are
// logged and do not stop dispatch to subsequent handlers.
type MessageHandler func(env protocol.Envelope) error

// EnrollmentActiveChecker reports whether enrollment is currently accepting
// ENROLL_REQUEST messages, bypassing PSK authentication for that one
// message type.
type EnrollmentActiveChecker func() bool

// ClientSSLFactory builds a tls.Config for connecting to a specific device,
// backed by the CA.
type ClientSSLFactory func(nodeID string) (*tls.Config, error)

// RevocationChecker reports whether a node's certificate has been revoked.
type RevocationChecker func(nodeID string) bool

// Transport is the TCP transport for sending and receiving mesh envelopes.
type Transport struct {
	NodeID  string
	Host    string
	TCPPort int

	Discovery PeerLookup
	KeyStore  *security.KeyStore

	PSKAuthEnabled       bool
	AllowUnauthenticated bool
	EncryptionEnabled    bool

	EnrollmentActive EnrollmentActiveChecker

	ServerTLSConfig   *tls.Config
	ClientTLSFactory  ClientSSLFactory
	RevocationCheckFn RevocationChecker

	handlers []MessageHandler
	listener net.Listener
	cancel   context.CancelFunc
	log      *logger.Logger
}

// TLSEnabled reports whether mTLS is configured for this transport.
func (t *Transport) TLSEnabled() bool {
	return t.ServerTLSConfig != nil
}

// OnMessage registers a callback invoked for every received envelope.
func (t *Transport) OnMessage(h MessageHandler) {
	t.handlers = append(t.handlers, h)
}

// Start starts the TCP listener and begins accepting connections.
func (t *Transport) Start(ctx context.Context) error {
	if t.log == nil {
		t.log = logger.Get().WithComponent("transport")
	}
	addr := fmt.Sprintf("%s:%d", t.Host, t.TCPPort)

	var ln net.Listener
	var err error
	if t.TLSEnabled() {
		ln, err = tls.Listen("tcp", addr, t.ServerTLSConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	t.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	tlsTag := ""
	if t.TLSEnabled() {
		tlsTag = " (mTLS)"
	}
	t.log.Info("transport listening", "addr", addr, "node_id", t.NodeID, "tls", t.TLSEnabled())
	_ = tlsTag

	go t.acceptLoop(runCtx)
	return nil
}

// Stop closes the listener.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.log.Info("transport stopped")
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		go t.handleConnection(conn)
	}
}

// handleConnection handles one inbound TCP connection (one envelope per
// connection).
func (t *Transport) handleConnection(conn net.Conn) {
	defer conn.Close()

	if t.TLSEnabled() && t.RevocationCheckFn != nil {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				t.log.Debug("tls handshake failed", "error", err.Error())
				return
			}
			if peerID, found := ca.GetPeerNodeID(tlsConn.ConnectionState()); found && t.RevocationCheckFn(peerID) {
				t.log.Warn("rejected connection from revoked node", "node_id", peerID)
				return
			}
		}
	}

	conn.SetReadDeadline(time.Now().Add(connReadTimeout))
	env, ok, err := protocol.ReadEnvelope(conn)
	if err != nil || !ok {
		return
	}

	if !t.TLSEnabled() {
		if !t.verifyInbound(env) {
			return
		}
		t.decryptInbound(&env)
	}

	t.log.Debug("received envelope", "type", string(env.Type), "source", env.Source)

	if env.Type == protocol.Ping {
		pong := protocol.New(protocol.Pong, t.NodeID, env.Source, nil)
		_ = protocol.WriteEnvelope(conn, pong)
	}

	for _, h := range t.handlers {
		if err := h(env); err != nil {
			t.log.Error("handler error", err)
		}
	}
}

// Send sends an envelope to the target peer, resolved via Discovery.
// Returns false if the peer is unreachable.
func (t *Transport) Send(env protocol.Envelope) bool {
	ip, port, ok := t.Discovery.GetPeer(env.Target)
	if !ok {
		t.log.Warn("peer not found or offline", "target", env.Target)
		return false
	}
	return t.sendTo(ip, port, env)
}

// SendWithRetry sends an envelope with exponential-backoff retries.
func (t *Transport) SendWithRetry(ctx context.Context, env protocol.Envelope, policy resilience.RetryPolicy) bool {
	return resilience.RetrySend(ctx, func() bool { return t.Send(env) }, policy, fmt.Sprintf("send->%s", env.Target))
}

// SendToAddress sends an envelope to an explicit IP:port, bypassing
// discovery lookup.
func (t *Transport) SendToAddress(ip string, port int, env protocol.Envelope) bool {
	return t.sendTo(ip, port, env)
}

func (t *Transport) sendTo(ip string, port int, env protocol.Envelope) bool {
	if !t.TLSEnabled() {
		t.encryptOutbound(&env)
		t.signOutbound(&env)
	}

	addr := fmt.Sprintf("%s:%d", ip, port)
	dialer := net.Dialer{Timeout: connDialTimeout}

	var conn net.Conn
	var err error
	if t.TLSEnabled() {
		clientCfg := t.getClientTLSConfig(env.Target)
		if clientCfg != nil {
			conn, err = tls.DialWithDialer(&dialer, "tcp", addr, clientCfg)
		} else {
			conn, err = dialer.Dial("tcp", addr)
		}
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		t.log.Warn("failed to send", "target", env.Target, "addr", addr, "error", err.Error())
		return false
	}
	defer conn.Close()

	if err := protocol.WriteEnvelope(conn, env); err != nil {
		t.log.Warn("failed to write envelope", "target", env.Target, "error", err.Error())
		return false
	}
	return true
}

func (t *Transport) getClientTLSConfig(targetNodeID string) *tls.Config {
	if t.ClientTLSFactory == nil {
		return nil
	}
	cfg, err := t.ClientTLSFactory(targetNodeID)
	if err != nil {
		t.log.Warn("failed to create client tls config", "target", targetNodeID, "error", err.Error())
		return nil
	}
	return cfg
}

// UpdateServerTLSConfig replaces the stored server TLS config. A listener
// that is already running keeps the config it was started with; the new
// config takes effect on the next Start.
func (t *Transport) UpdateServerTLSConfig(cfg *tls.Config) {
	t.ServerTLSConfig = cfg
	t.log.Info("server tls config updated")
}

// -- PSK authentication ----------------------------------------------------

func (t *Transport) verifyInbound(env protocol.Envelope) bool {
	if !t.PSKAuthEnabled || t.KeyStore == nil {
		return true
	}

	if env.Type == protocol.EnrollRequest {
		if t.EnrollmentActive != nil && t.EnrollmentActive() {
			t.log.Debug("allowing ENROLL_REQUEST", "source", env.Source)
			return true
		}
		t.log.Warn("rejected ENROLL_REQUEST, no active enrollment", "source", env.Source)
		return false
	}

	if env.HMAC == "" || env.Nonce == "" {
		if t.AllowUnauthenticated {
			t.log.Warn("unsigned message allowed through", "source", env.Source)
			return true
		}
		t.log.Warn("rejected unsigned message", "source", env.Source)
		return false
	}

	psk, ok := t.KeyStore.GetPSK(env.Source)
	if !ok {
		t.log.Warn("rejected message from unknown node", "source", env.Source)
		return false
	}

	canonical := env.CanonicalBytes()
	if !security.VerifyHMAC(canonical, env.Nonce, psk, env.HMAC) {
		t.log.Warn("rejected message, hmac verification failed", "source", env.Source)
		return false
	}

	ts := floatSecondsToTime(env.TS)
	if !t.KeyStore.CheckTimestamp(ts) {
		t.log.Warn("rejected message, timestamp outside window", "source", env.Source)
		return false
	}

	if !t.KeyStore.CheckAndRecordNonce(env.Nonce) {
		t.log.Warn("rejected replay", "source", env.Source, "nonce", env.Nonce)
		return false
	}

	t.log.Debug("authenticated message", "source", env.Source)
	return true
}

func (t *Transport) signOutbound(env *protocol.Envelope) {
	if !t.PSKAuthEnabled || t.KeyStore == nil {
		return
	}
	psk, ok := t.KeyStore.GetPSK(t.NodeID)
	if !ok {
		return
	}

	nonce, err := security.GenerateNonce()
	if err != nil {
		t.log.Error("failed to generate nonce", err)
		return
	}
	env.Nonce = nonce
	canonical := env.CanonicalBytes()
	sig, err := security.ComputeHMAC(canonical, nonce, psk)
	if err != nil {
		t.log.Error("failed to compute hmac", err)
		return
	}
	env.HMAC = sig
}

// -- AES-256-GCM encryption --------------------------------------------------

// encryptOutbound encrypts the payload with AES-256-GCM if enabled. Must be
// called before signOutbound (Encrypt-then-MAC).
func (t *Transport) encryptOutbound(env *protocol.Envelope) {
	if !t.EncryptionEnabled || t.KeyStore == nil {
		return
	}
	if !encryptedTypes[env.Type] {
		return
	}
	if env.Target == protocol.BroadcastTarget {
		return
	}

	psk, ok := t.KeyStore.GetPSK(env.Target)
	if !ok {
		return
	}

	encHex, ivHex, err := security.EncryptPayload(env.Payload, psk, string(env.Type), env.Source, env.Target, env.TS)
	if err != nil {
		t.log.Debug("encryption failed, sending plaintext", "error", err.Error())
		return
	}
	env.EncryptedPayload = encHex
	env.IV = ivHex
	env.Payload = map[string]any{}
}

// decryptInbound decrypts the payload if it carries AES-256-GCM ciphertext.
// Must be called after verifyInbound (Encrypt-then-MAC).
func (t *Transport) decryptInbound(env *protocol.Envelope) {
	if env.EncryptedPayload == "" || env.IV == "" {
		return
	}
	if t.KeyStore == nil {
		return
	}

	psk, ok := t.KeyStore.GetPSK(env.Source)
	if !ok {
		t.log.Warn("cannot decrypt, psk not found", "source", env.Source)
		return
	}

	payload, err := security.DecryptPayload(env.EncryptedPayload, env.IV, psk, string(env.Type), env.Source, env.Target, env.TS)
	if err != nil {
		t.log.Warn("failed to decrypt message", "source", env.Source, "error", err.Error())
		return
	}
	env.Payload = payload
	env.EncryptedPayload = ""
	env.IV = ""
}

func floatSecondsToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
