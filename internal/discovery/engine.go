// Package discovery orchestrates LAN broadcast announcements, a UDP
// listener, known-peer cleanup, and optional tracker rendezvous into a
// single known-peers table upstream code can query for partitioning.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/larson-carter/exo-larson/internal/capabilities"
	"github.com/larson-carter/exo-larson/internal/healing"
	"github.com/larson-carter/exo-larson/internal/nat"
	"github.com/larson-carter/exo-larson/internal/peer"
	"github.com/larson-carter/exo-larson/internal/tracker"
)

// maxDatagramSize is the largest announcement this engine will parse.
// Oversized or malformed datagrams are dropped silently (debug log only).
const maxDatagramSize = 64 * 1024

const heartbeatInterval = 20 * time.Second

// message is the announcement wire format. Unknown fields are ignored on
// receive; public_ip/public_port are sent as JSON null for a LAN-only node.
type message struct {
	Type               string         `json:"type"`
	NodeID             string         `json:"node_id"`
	GRPCPort           int            `json:"grpc_port"`
	DeviceCapabilities map[string]any `json:"device_capabilities"`
	PublicIP           *string        `json:"public_ip"`
	PublicPort         *int           `json:"public_port"`
}

// knownPeersEntry tracks when a peer was first and last observed, per the
// removal invariants below.
type knownPeersEntry struct {
	handle    peer.Handle
	firstSeen time.Time
	lastSeen  time.Time
}

// Config mirrors the recognized DiscoveryConfig options.
type Config struct {
	NodeID             string
	NodePort           int
	ListenPort         int
	BroadcastPort      int
	BroadcastInterval  time.Duration // default 1s
	DiscoveryTimeout   time.Duration // default 30s
	DeviceCapabilities capabilities.Capabilities
	TrackerURL         string
	CreatePeerHandle   peer.Factory
}

func (c *Config) applyDefaults() {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = time.Second
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 30 * time.Second
	}
}

// Engine is the discovery orchestrator: it owns the known-peers table and
// the four concurrent loops (broadcast, listen, cleanup, heartbeat) that
// keep it current.
type Engine struct {
	cfg    Config
	nat    nat.Result
	tc     *tracker.Client
	logger *slog.Logger

	mu         sync.Mutex
	knownPeers map[string]*knownPeersEntry
	conn       *net.UDPConn
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// parentCtx is retained so ExecuteAction(ActionRestartDiscovery) can
	// rebind the loops to a fresh cancellable context after Stop.
	parentCtx context.Context
}

// New builds an Engine. natResult is the outcome of an earlier NAT Probe —
// the engine only registers with the tracker and runs the heartbeat loop
// when natResult.BehindNAT is true.
func New(cfg Config, natResult nat.Result) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:        cfg,
		nat:        natResult,
		tc:         tracker.NewClient(cfg.TrackerURL, cfg.NodeID),
		logger:     slog.Default().With("component", "discovery"),
		knownPeers: make(map[string]*knownPeersEntry),
	}
}

// Start binds the listen socket and launches all concurrent loops. It
// blocks long enough to bind and, when behind NAT, for the initial tracker
// registration (bounded by the tracker client's timeout); the loops run in
// background goroutines until Stop (or ctx's cancellation) tears them down.
func (e *Engine) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: e.cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("bind listen socket on :%d: %w", e.cfg.ListenPort, err)
	}
	e.conn = conn
	e.parentCtx = ctx

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(3)
	go e.broadcastLoop(runCtx)
	go e.listenLoop(runCtx)
	go e.cleanupLoop(runCtx)

	if e.nat.BehindNAT {
		ip, port := e.advertisedEndpoint()
		if !e.tc.Register(runCtx, ip, port, e.cfg.DeviceCapabilities) {
			e.logger.Warn("initial tracker registration failed, continuing")
		}
		e.wg.Add(1)
		go e.heartbeatLoop(runCtx)
	}

	e.logger.Info("discovery started", "node_id", e.cfg.NodeID, "listen_port", e.cfg.ListenPort, "behind_nat", e.nat.BehindNAT)
	return nil
}

// Stop cancels all loops, best-effort deregisters from the tracker, and
// closes the listen socket. It blocks until every loop has exited.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	if e.nat.BehindNAT {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.tc.Deregister(ctx)
		cancel()
	}
	if e.conn != nil {
		e.conn.Close()
	}
	e.wg.Wait()
	e.mu.Lock()
	e.cancel = nil
	e.mu.Unlock()
	e.logger.Info("discovery stopped")
}

// DiscoverPeers polls the known-peers table every 100ms until it has at
// least waitForPeers entries (0 skips waiting), then returns LAN peers
// concatenated with WAN peers from the tracker if this node is behind NAT.
// The call is cancellable via ctx.
func (e *Engine) DiscoverPeers(ctx context.Context, waitForPeers int) ([]peer.Handle, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for waitForPeers > 0 && e.peerCount() < waitForPeers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	lan := e.lanPeers()
	if !e.nat.BehindNAT {
		return lan, nil
	}

	wan := e.wanPeersFromTracker(ctx)
	return append(lan, wan...), nil
}

func (e *Engine) peerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.knownPeers)
}

func (e *Engine) lanPeers() []peer.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]peer.Handle, 0, len(e.knownPeers))
	for _, entry := range e.knownPeers {
		out = append(out, entry.handle)
	}
	return out
}

func (e *Engine) wanPeersFromTracker(ctx context.Context) []peer.Handle {
	records := e.tc.Peers(ctx)
	out := make([]peer.Handle, 0, len(records))
	for _, r := range records {
		addr := fmt.Sprintf("%s:%d", r.IP, r.Port)
		out = append(out, e.cfg.CreatePeerHandle(r.NodeID, addr, r.Capabilities, true))
	}
	return out
}

// GetStats reports the known-peers table size and how many entries are
// currently connected, satisfying healing.StatsProvider.
func (e *Engine) GetStats() map[string]any {
	e.mu.Lock()
	handles := make([]peer.Handle, 0, len(e.knownPeers))
	for _, entry := range e.knownPeers {
		handles = append(handles, entry.handle)
	}
	state := "stopped"
	if e.cancel != nil {
		state = "running"
	}
	e.mu.Unlock()

	healthy := 0
	for _, h := range handles {
		if ok, err := h.IsConnected(context.Background()); err == nil && ok {
			healthy++
		}
	}

	return map[string]any{
		"peers_total":   len(handles),
		"peers_healthy": healthy,
		"state":         state,
	}
}

// ExecuteAction applies a healing action, satisfying healing.ActionExecutor.
func (e *Engine) ExecuteAction(action healing.Action) error {
	switch action {
	case healing.ActionReconnect:
		e.broadcastOnce()
		return nil
	case healing.ActionRestartDiscovery:
		parent := e.parentCtx
		if parent == nil {
			parent = context.Background()
		}
		e.Stop()
		return e.Start(parent)
	default:
		return nil
	}
}

func (e *Engine) advertisedEndpoint() (string, int) {
	if e.nat.ExternalIP != "" {
		return e.nat.ExternalIP, e.nat.ExternalPort
	}
	return "", e.cfg.NodePort
}

// --- loops ---

func (e *Engine) broadcastLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.BroadcastInterval)
	defer ticker.Stop()

	e.broadcastOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.broadcastOnce()
		}
	}
}

func (e *Engine) broadcastOnce() {
	payload, err := e.buildAnnouncement()
	if err != nil {
		e.logger.Error("marshal announcement failed", "error", err)
		return
	}

	for _, addr := range localIPv4Addresses() {
		if err := e.broadcastFrom(addr, payload); err != nil {
			e.logger.Debug("broadcast from address failed", "addr", addr, "error", err)
		}
	}
}

func (e *Engine) buildAnnouncement() ([]byte, error) {
	msg := message{
		Type:               "discovery",
		NodeID:             e.cfg.NodeID,
		GRPCPort:           e.cfg.NodePort,
		DeviceCapabilities: e.cfg.DeviceCapabilities.ToMap(),
	}
	if e.nat.BehindNAT && e.nat.ExternalIP != "" {
		ip := e.nat.ExternalIP
		port := e.nat.ExternalPort
		msg.PublicIP = &ip
		msg.PublicPort = &port
	}
	return json.Marshal(msg)
}

func (e *Engine) broadcastFrom(localAddr string, payload []byte) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(localAddr), Port: 0})
	if err != nil {
		return fmt.Errorf("bind ephemeral socket on %s: %w", localAddr, err)
	}
	defer conn.Close()

	if err := enableBroadcast(conn); err != nil {
		return fmt.Errorf("enable SO_BROADCAST: %w", err)
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: e.cfg.BroadcastPort}
	_, err = conn.WriteToUDP(payload, dst)
	return err
}

func (e *Engine) listenLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go e.handleDatagram(ctx, datagram, addr)
	}
}

func (e *Engine) handleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed[0] != '{' {
		e.logger.Debug("dropping non-object datagram", "addr", addr)
		return
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Debug("dropping malformed datagram", "addr", addr, "error", err)
		return
	}
	if msg.Type != "discovery" || msg.NodeID == "" || msg.NodeID == e.cfg.NodeID {
		return
	}

	peerID := msg.NodeID
	host := addr.IP.String()
	port := msg.GRPCPort
	isWAN := msg.PublicIP != nil
	if isWAN {
		host = *msg.PublicIP
		if msg.PublicPort != nil {
			port = *msg.PublicPort
		}
	}
	peerAddr := fmt.Sprintf("%s:%d", host, port)
	caps := capabilities.FromMap(msg.DeviceCapabilities)

	e.mu.Lock()
	existing, ok := e.knownPeers[peerID]
	sameAddr := ok && existing.handle.Addr() == peerAddr
	e.mu.Unlock()

	now := time.Now()
	if !ok || !sameAddr {
		handle := e.cfg.CreatePeerHandle(peerID, peerAddr, caps, isWAN)
		healthy, err := handle.HealthCheck(ctx)
		if err != nil {
			e.logger.Debug("health check errored for new peer", "peer_id", peerID, "error", err)
		}
		if !healthy {
			e.logger.Debug("new peer failed health check, skipping", "peer_id", peerID, "addr", peerAddr)
			return
		}
		e.mu.Lock()
		e.knownPeers[peerID] = &knownPeersEntry{handle: handle, firstSeen: now, lastSeen: now}
		e.mu.Unlock()
		e.logger.Info("peer discovered", "peer_id", peerID, "addr", peerAddr, "wan", isWAN)
		return
	}

	healthy, err := existing.handle.HealthCheck(ctx)
	if err != nil {
		e.logger.Debug("health check errored for known peer", "peer_id", peerID, "error", err)
	}
	if !healthy {
		e.mu.Lock()
		delete(e.knownPeers, peerID)
		e.mu.Unlock()
		existing.handle.Close()
		e.logger.Info("peer failed health check, removing", "peer_id", peerID)
		return
	}

	e.mu.Lock()
	existing.lastSeen = now
	e.mu.Unlock()
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupOnce(ctx)
		}
	}
}

func (e *Engine) cleanupOnce(ctx context.Context) {
	e.mu.Lock()
	snapshot := make(map[string]*knownPeersEntry, len(e.knownPeers))
	for id, entry := range e.knownPeers {
		snapshot[id] = entry
	}
	e.mu.Unlock()

	now := time.Now()
	for peerID, entry := range snapshot {
		remove := false

		connected, err := entry.handle.IsConnected(ctx)
		if err != nil {
			e.logger.Debug("is_connected errored during cleanup", "peer_id", peerID, "error", err)
		}
		if !connected && now.Sub(entry.firstSeen) > e.cfg.DiscoveryTimeout {
			remove = true
		}
		if now.Sub(entry.lastSeen) > e.cfg.DiscoveryTimeout {
			remove = true
		}
		if !remove {
			healthy, err := entry.handle.HealthCheck(ctx)
			if err != nil {
				e.logger.Debug("health check errored during cleanup", "peer_id", peerID, "error", err)
			}
			if !healthy {
				remove = true
			}
		}

		if remove {
			e.mu.Lock()
			delete(e.knownPeers, peerID)
			e.mu.Unlock()
			entry.handle.Close()
			e.logger.Info("peer removed by cleanup", "peer_id", peerID)
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tc.Heartbeat(ctx)
		}
	}
}

func localIPv4Addresses() []string {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	addrs := make([]string, 0, len(ifaces))
	for _, a := range ifaces {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		addrs = append(addrs, ip4.String())
	}
	return addrs
}
