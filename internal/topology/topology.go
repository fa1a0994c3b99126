// Package topology holds the current view of known nodes, their declared
// capabilities, and the directed pairwise latencies between them. It is the
// single data structure partitioning strategies consume.
package topology

import (
	"sort"
	"sync"

	"github.com/larson-carter/exo-larson/internal/capabilities"
)

type edge struct {
	a, b string
}

func normalizeEdge(a, b string) edge {
	if a > b {
		a, b = b, a
	}
	return edge{a, b}
}

type latencyKey struct {
	src, dst string
}

// Topology is a thread-safe graph of nodes, undirected connectivity edges,
// and directed latency measurements.
type Topology struct {
	mu      sync.RWMutex
	nodes   map[string]capabilities.Capabilities
	edges   map[edge]struct{}
	latency map[latencyKey]float64
}

// New returns an empty Topology.
func New() *Topology {
	return &Topology{
		nodes:   make(map[string]capabilities.Capabilities),
		edges:   make(map[edge]struct{}),
		latency: make(map[latencyKey]float64),
	}
}

// UpdateNode inserts or replaces a node's capabilities. Idempotent,
// last-write-wins.
func (t *Topology) UpdateNode(id string, caps capabilities.Capabilities) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = caps
}

// AddEdge records an undirected connectivity edge between a and b. A
// self-loop (a == b) is a no-op.
func (t *Topology) AddEdge(a, b string) {
	if a == b {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edges[normalizeEdge(a, b)] = struct{}{}
}

// AddLatency records the directed latency, in seconds, observed travelling
// from src to dst. Latencies are asymmetric: AddLatency("a","b",...) does
// not imply anything about the reverse direction.
func (t *Topology) AddLatency(src, dst string, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency[latencyKey{src, dst}] = seconds
}

// GetLatency returns the directed latency from src to dst in seconds. An
// unmeasured pair returns 0 — this module's chosen sentinel for "unknown",
// distinct from a genuinely measured zero-latency loopback. Callers that
// need to distinguish the two should track which pairs they have populated
// separately; the partitioning strategies in this module never need to.
func (t *Topology) GetLatency(src, dst string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latency[latencyKey{src, dst}]
}

// GetNode returns the capabilities for id and whether it is known.
func (t *Topology) GetNode(id string) (capabilities.Capabilities, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.nodes[id]
	return c, ok
}

// NodeEntry is one (id, capabilities) pair as returned by AllNodes.
type NodeEntry struct {
	NodeID       string
	Capabilities capabilities.Capabilities
}

// AllNodes returns every known node sorted by id, so that iteration order is
// deterministic across calls given the same insertion history — partitioning
// strategies rely on this for reproducibility.
func (t *Topology) AllNodes() []NodeEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]NodeEntry, 0, len(t.nodes))
	for id, caps := range t.nodes {
		entries = append(entries, NodeEntry{NodeID: id, Capabilities: caps})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].NodeID < entries[j].NodeID })
	return entries
}

// HasEdge reports whether a and b are connected, in either direction.
func (t *Topology) HasEdge(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.edges[normalizeEdge(a, b)]
	return ok
}

// NodeCount returns the number of known nodes.
func (t *Topology) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
