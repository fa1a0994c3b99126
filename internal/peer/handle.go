// Package peer defines the PeerHandle contract discovery consumes and
// supplies a reference implementation backed by a post-quantum handshake.
package peer

import (
	"context"

	"github.com/larson-carter/exo-larson/internal/capabilities"
)

// Handle is the capability set discovery requires of a peer object: stable
// identity and wire address, declared capabilities, and async liveness
// probes. Handles are created by a Factory supplied to the discovery engine
// — this package never constructs one on its own behalf.
type Handle interface {
	ID() string
	Addr() string
	Capabilities() capabilities.Capabilities
	HealthCheck(ctx context.Context) (bool, error)
	IsConnected(ctx context.Context) (bool, error)
	// Close releases any per-peer state (e.g. a crypto session) the handle
	// holds. Called once discovery evicts the peer from known_peers.
	Close() error
}

// Factory builds a Handle for a newly observed peer. isWAN is true when the
// peer's advertised address came from its public endpoint (tracker or a
// self-reported public_ip) rather than the LAN broadcast source address.
type Factory func(peerID, addr string, caps capabilities.Capabilities, isWAN bool) Handle
