package partition

import (
	"sort"

	"github.com/larson-carter/exo-larson/internal/topology"
)

// Mode selects the optimization objective for ModeStrategy.
type Mode string

const (
	ModeThroughput Mode = "throughput"
	ModeLatency    Mode = "latency"
	ModeBalanced   Mode = "balanced" // default
)

// highLatencyThreshold is the hard rule in balanced mode: no consecutive
// ring edge may exceed this many seconds of latency.
const highLatencyThreshold = 50.0

// permutationSearchCap bounds the factorial permutation search in balanced
// mode; beyond this node count a greedy nearest-neighbor heuristic is used
// instead (spec §9, "Permutation search in balanced mode").
const permutationSearchCap = 8

// ModeStrategy is spec §4.F.2, the mode-selected "advanced strategy"
// partitioner: throughput, latency, or balanced (default).
type ModeStrategy struct {
	Mode Mode
}

// NewModeStrategy returns a ModeStrategy defaulting to balanced mode.
func NewModeStrategy(mode Mode) *ModeStrategy {
	if mode == "" {
		mode = ModeBalanced
	}
	return &ModeStrategy{Mode: mode}
}

type deviceInfo struct {
	flops       float64
	memory      uint64
	maxFraction float64
}

func buildDeviceInfo(top *topology.Topology, modelMemoryRequirement *float64) map[string]*deviceInfo {
	nodes := top.AllNodes()
	info := make(map[string]*deviceInfo, len(nodes))
	for _, n := range nodes {
		maxFraction := 1.0
		if modelMemoryRequirement != nil && *modelMemoryRequirement > 0 {
			maxFraction = float64(n.Capabilities.Memory) / *modelMemoryRequirement
			if maxFraction > 1 {
				maxFraction = 1
			}
		}
		info[n.NodeID] = &deviceInfo{
			flops:       n.Capabilities.Flops.FP32,
			memory:      n.Capabilities.Memory,
			maxFraction: maxFraction,
		}
	}
	return info
}

// Partition implements Strategy.
func (s *ModeStrategy) Partition(top *topology.Topology, modelMemoryRequirement *float64) []Partition {
	nodes := top.AllNodes()
	if len(nodes) == 0 {
		return nil
	}

	info := buildDeviceInfo(top, modelMemoryRequirement)
	share := make(map[string]float64, len(info))
	for id := range info {
		share[id] = 0
	}

	switch s.Mode {
	case ModeThroughput:
		optimizeThroughput(info, share)
	case ModeLatency:
		optimizeLatency(info, share)
	default:
		optimizeBalanced(info, share, top)
	}

	order := make([]string, 0, len(share))
	for id := range share {
		order = append(order, id)
	}
	sort.Strings(order)

	return assemble(order, share)
}

// optimizeThroughput assigns shares proportional to FP32 FLOPS, capped at
// each node's max fraction, then redistributes any remainder proportionally
// among devices with spare capacity until the remainder is negligible or no
// device has room left (spec §4.F.2 mode `throughput`).
func optimizeThroughput(info map[string]*deviceInfo, share map[string]float64) {
	var totalFlops float64
	for _, d := range info {
		totalFlops += d.flops
	}
	if totalFlops == 0 {
		return
	}

	remainder := 1.0
	for id, d := range info {
		initial := d.flops / totalFlops
		assigned := min(initial, d.maxFraction)
		share[id] = assigned
		remainder -= assigned
	}

	distributeRemainder(info, share, remainder)

	for id, d := range info {
		share[id] = min(share[id], d.maxFraction)
	}
}

// distributeRemainder hands out `remainder` proportionally to FLOPS among
// nodes still below their max fraction, repeating until the remainder is
// below 1e-6 or no node has spare capacity.
func distributeRemainder(info map[string]*deviceInfo, share map[string]float64, remainder float64) {
	for remainder > 1e-6 {
		var availableFlops float64
		availableIDs := make([]string, 0, len(info))
		for id, d := range info {
			if share[id] < d.maxFraction-1e-6 {
				availableFlops += d.flops
				availableIDs = append(availableIDs, id)
			}
		}
		if len(availableIDs) == 0 || availableFlops == 0 {
			return
		}

		spent := 0.0
		for _, id := range availableIDs {
			d := info[id]
			availableFraction := d.maxFraction - share[id]
			fractionShare := (d.flops / availableFlops) * remainder
			assignable := min(fractionShare, availableFraction)
			share[id] += assignable
			spent += assignable
		}
		remainder -= spent
		if spent < 1e-9 {
			return
		}
	}
}

// optimizeLatency gives the single fastest node (by FP32 FLOPS) as much as
// its cap allows, then lets remaining nodes, ordered by descending FLOPS,
// consume what's left (spec §4.F.2 mode `latency`).
func optimizeLatency(info map[string]*deviceInfo, share map[string]float64) {
	if len(info) == 0 {
		return
	}

	var fastestID string
	var fastestFlops float64 = -1
	ids := make([]string, 0, len(info))
	for id, d := range info {
		ids = append(ids, id)
		if d.flops > fastestFlops {
			fastestFlops = d.flops
			fastestID = id
		}
	}

	assigned := min(1.0, info[fastestID].maxFraction)
	share[fastestID] = assigned
	remainder := 1.0 - assigned

	if remainder <= 1e-6 {
		return
	}

	rest := make([]string, 0, len(ids)-1)
	for _, id := range ids {
		if id != fastestID {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return info[rest[i]].flops > info[rest[j]].flops })

	for _, id := range rest {
		d := info[id]
		assignable := min(d.maxFraction, remainder)
		share[id] = assignable
		remainder -= assignable
		if remainder <= 1e-6 {
			break
		}
	}
}

// optimizeBalanced assigns a FLOPS-proportional initial share, finds the
// cyclic node ordering that minimizes ring latency without any edge
// exceeding highLatencyThreshold, rescales shares by the largest factor that
// keeps every node within its cap, then redistributes any residual (spec
// §4.F.2 mode `balanced`).
func optimizeBalanced(info map[string]*deviceInfo, share map[string]float64, top *topology.Topology) {
	var totalFlops float64
	for _, d := range info {
		totalFlops += d.flops
	}
	if totalFlops == 0 {
		return
	}

	for id, d := range info {
		initial := d.flops / totalFlops
		share[id] = min(initial, d.maxFraction)
	}

	ids := make([]string, 0, len(info))
	for id := range info {
		ids = append(ids, id)
	}
	order := minLatencyOrder(ids, top)

	var totalAssigned float64
	for _, id := range order {
		totalAssigned += share[id]
	}
	if totalAssigned == 0 {
		return
	}

	scale := 1.0 / totalAssigned
	for _, id := range order {
		if share[id] > 0 {
			maxScale := info[id].maxFraction / share[id]
			if maxScale < scale {
				scale = maxScale
			}
		}
	}

	for _, id := range order {
		share[id] = min(share[id]*scale, info[id].maxFraction)
	}

	var remainder float64 = 1.0
	for _, v := range share {
		remainder -= v
	}
	if remainder > 1e-6 {
		distributeRemainder(info, share, remainder)
	}

	for id, d := range info {
		share[id] = min(share[id], d.maxFraction)
	}
}

// minLatencyOrder finds the cyclic ordering of ids minimizing ring latency
// under the rule that no consecutive edge may exceed highLatencyThreshold.
// Exhaustive for n <= permutationSearchCap; a greedy nearest-neighbor
// heuristic otherwise. When every ordering violates the threshold, the
// exhaustive search returns the ids sorted by id.
func minLatencyOrder(ids []string, top *topology.Topology) []string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	if len(sorted) <= 1 {
		return sorted
	}
	if len(sorted) <= permutationSearchCap {
		return bestPermutation(sorted, top)
	}
	return greedyNearestNeighbor(sorted, top)
}

func bestPermutation(ids []string, top *topology.Topology) []string {
	var best []string
	bestLatency := -1.0

	permute(ids, 0, func(order []string) {
		total := 0.0
		n := len(order)
		for i := 0; i < n; i++ {
			lat := top.GetLatency(order[i], order[(i+1)%n])
			if lat > highLatencyThreshold {
				return
			}
			total += lat
		}
		if best == nil || total < bestLatency {
			best = append([]string(nil), order...)
			bestLatency = total
		}
	})

	if best == nil {
		return ids
	}
	return best
}

// permute invokes visit for every permutation of items (recursive
// swap-and-restore backtracking; items is back in its original order on return).
func permute(items []string, k int, visit func([]string)) {
	if k == len(items)-1 {
		visit(items)
		return
	}
	for i := k; i < len(items); i++ {
		items[k], items[i] = items[i], items[k]
		permute(items, k+1, visit)
		items[k], items[i] = items[i], items[k]
	}
}

// greedyNearestNeighbor builds a ring by repeatedly appending the unvisited
// node with lowest latency from the current tail, skipping edges above
// highLatencyThreshold when an alternative exists.
func greedyNearestNeighbor(ids []string, top *topology.Topology) []string {
	remaining := make(map[string]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}

	order := []string{ids[0]}
	delete(remaining, ids[0])

	for len(remaining) > 0 {
		tail := order[len(order)-1]
		var next string
		bestLatency := -1.0
		for id := range remaining {
			lat := top.GetLatency(tail, id)
			if bestLatency < 0 || lat < bestLatency {
				bestLatency = lat
				next = id
			}
		}
		order = append(order, next)
		delete(remaining, next)
	}
	return order
}
