// exo-larson-agent — demo binary wiring NAT probing, peer discovery, and
// layer partitioning into a single cluster node.
//
// Usage:
//
//	exo-larson-agent --config /etc/exo-larson/node.yaml
//	exo-larson-agent --tracker-url http://tracker:8080 --partition-mode balanced
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/larson-carter/exo-larson/internal/config"
	"github.com/larson-carter/exo-larson/internal/crypto/pqc"
	"github.com/larson-carter/exo-larson/internal/discovery"
	"github.com/larson-carter/exo-larson/internal/healing"
	"github.com/larson-carter/exo-larson/internal/nat"
	"github.com/larson-carter/exo-larson/internal/partition"
	"github.com/larson-carter/exo-larson/internal/peer"
	"github.com/larson-carter/exo-larson/internal/telemetry"
	"github.com/larson-carter/exo-larson/internal/topology"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to config file")
	trackerURL := flag.String("tracker-url", "", "tracker rendezvous URL")
	listenPort := flag.Int("listen-port", 0, "UDP discovery listen port (0 to use config default)")
	partitionMode := flag.String("partition-mode", "", "partitioning strategy: weighted/throughput/latency/balanced")
	logLevel := flag.String("log-level", "", "log level (debug/info/warn/error)")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("exo-larson-agent %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	if *trackerURL != "" {
		cfg.TrackerURL = *trackerURL
	}
	if *listenPort > 0 {
		cfg.ListenPort = *listenPort
	}
	if *partitionMode != "" {
		cfg.PartitionMode = *partitionMode
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	cfg.ApplyEnvOverrides()

	if cfg.NodeID == "" {
		b := make([]byte, 4)
		rand.Read(b)
		cfg.NodeID = fmt.Sprintf("exo-%s", hex.EncodeToString(b))
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG ERROR: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("exo-larson-agent starting",
		"version", Version,
		"node_id", cfg.NodeID,
		"arch", runtime.GOARCH,
		"partition_mode", cfg.PartitionMode,
	)

	ag, err := newAgent(cfg)
	if err != nil {
		slog.Error("failed to initialize agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := ag.start(ctx); err != nil {
		slog.Error("failed to start agent", "error", err)
		cancel()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)
	ag.stop()
	cancel()
	slog.Info("exo-larson-agent stopped")
}

// agent orchestrates the NAT probe, discovery engine, topology, healing
// loop, and partitioning strategy that make up one cluster node.
type agent struct {
	cfg         *config.Config
	disc        *discovery.Engine
	topo        *topology.Topology
	strategy    partition.Strategy
	healer      *healing.Monitor
	telem       *telemetry.Reporter
	handshakeLn net.Listener
	localTM     *pqc.TunnelManager
}

func newAgent(cfg *config.Config) (*agent, error) {
	createHandle, localTM, err := peer.NewTunnelHandle(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("peer handle factory: %w", err)
	}

	handshakeLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.NodePort))
	if err != nil {
		return nil, fmt.Errorf("bind handshake listener on :%d: %w", cfg.NodePort, err)
	}

	natProbe := nat.NewProbe(nat.DefaultServers, 3*time.Second)
	natResult, err := natProbe.Detect(context.Background(), cfg.ListenPort)
	if err != nil {
		slog.Warn("NAT probe failed, continuing LAN-only", "error", err)
		natResult = nat.Result{}
	}

	disc := discovery.New(discovery.Config{
		NodeID:             cfg.NodeID,
		NodePort:           cfg.NodePort,
		ListenPort:         cfg.ListenPort,
		BroadcastPort:      cfg.BroadcastPort,
		BroadcastInterval:  time.Duration(cfg.BroadcastInterval) * time.Second,
		DiscoveryTimeout:   time.Duration(cfg.DiscoveryTimeout) * time.Second,
		DeviceCapabilities: cfg.Capabilities(),
		TrackerURL:         cfg.TrackerURL,
		CreatePeerHandle:   createHandle,
	}, natResult)

	telem := telemetry.NewReporter(disc)
	healer := healing.NewMonitor(disc, disc)

	var strategy partition.Strategy
	switch cfg.PartitionMode {
	case "weighted":
		strategy = &partition.WeightedStrategy{
			LatencyWeight: cfg.WeightLatency,
			MemoryWeight:  cfg.WeightMemory,
			FlopsWeight:   cfg.WeightFlops,
		}
	default:
		strategy = partition.NewModeStrategy(partition.Mode(cfg.PartitionMode))
	}

	return &agent{
		cfg:         cfg,
		disc:        disc,
		topo:        topology.New(),
		strategy:    strategy,
		healer:      healer,
		telem:       telem,
		handshakeLn: handshakeLn,
		localTM:     localTM,
	}, nil
}

func (a *agent) start(ctx context.Context) error {
	if err := a.disc.Start(ctx); err != nil {
		return fmt.Errorf("discovery start: %w", err)
	}
	a.healer.Start()

	go peer.ServeHandshakes(a.localTM, a.handshakeLn)
	go a.partitionLoop(ctx)

	slog.Info("agent fully started", "node_id", a.cfg.NodeID, "listen_port", a.cfg.ListenPort)
	return nil
}

func (a *agent) stop() {
	a.healer.Stop()
	a.disc.Stop()
	a.handshakeLn.Close()
}

// partitionLoop periodically recomputes the current partitioning over
// whatever peers discovery has found so far and logs the resulting layer
// assignment — a stand-in for whatever upstream component would consume it.
func (a *agent) partitionLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.recomputePartition(ctx)
		}
	}
}

func (a *agent) recomputePartition(ctx context.Context) {
	peers, err := a.disc.DiscoverPeers(ctx, 0)
	if err != nil {
		slog.Debug("discover peers failed", "error", err)
		return
	}

	a.topo.UpdateNode(a.cfg.NodeID, a.cfg.Capabilities())
	for _, p := range peers {
		a.topo.UpdateNode(p.ID(), p.Capabilities())
	}

	partitions := a.strategy.Partition(a.topo, nil)
	slog.Info("partition recomputed", "node_count", a.topo.NodeCount(), "partitions", len(partitions))

	metrics := a.telem.Collect()
	slog.Debug("telemetry", "peers_total", metrics.PeersTotal, "peers_healthy", metrics.PeersHealthy)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
