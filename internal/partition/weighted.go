package partition

import (
	"sort"

	"github.com/larson-carter/exo-larson/internal/topology"
)

// WeightedStrategy scores each node on memory, FLOPS, and average latency to
// its peers, assigns shares proportional to that score (descending), then
// permutes adjacent-in-score nodes to reduce cyclic ring latency. This is
// spec §4.F.1, the "advanced weighted" partitioner.
type WeightedStrategy struct {
	LatencyWeight float64
	MemoryWeight  float64
	FlopsWeight   float64
}

// NewWeightedStrategy returns a WeightedStrategy with the spec's default
// weights (w_lat=0.4, w_mem=0.3, w_flops=0.3).
func NewWeightedStrategy() *WeightedStrategy {
	return &WeightedStrategy{LatencyWeight: 0.4, MemoryWeight: 0.3, FlopsWeight: 0.3}
}

const (
	maxMemoryBytes = 1 << 40    // 1 TiB cap
	maxFlopsScale  = 3e15       // divisor for the summed FP32+FP16+Int8 rates
	maxLatencySec  = 1.0        // latency normalization ceiling
)

type scoredNode struct {
	nodeID string
	score  float64
	width  float64 // populated once the total score is known
}

func (s *WeightedStrategy) nodeScore(nodeID string, top *topology.Topology) float64 {
	caps, _ := top.GetNode(nodeID)

	normMem := float64(caps.Memory) / maxMemoryBytes
	normFlops := caps.Flops.Total() / maxFlopsScale

	others := top.AllNodes()
	var sumLatency float64
	var count int
	for _, o := range others {
		if o.NodeID == nodeID {
			continue
		}
		sumLatency += top.GetLatency(nodeID, o.NodeID)
		count++
	}

	normLatency := 1.0
	if count > 0 {
		avgLatency := sumLatency / float64(count)
		normLatency = 1 - (avgLatency / maxLatencySec)
		if normLatency < 0 {
			normLatency = 0
		}
		if normLatency > 1 {
			normLatency = 1
		}
	}

	return s.MemoryWeight*normMem + s.FlopsWeight*normFlops + s.LatencyWeight*normLatency
}

// Partition implements Strategy. modelMemoryRequirement is accepted for
// interface compatibility but unused — the weighted strategy's memory term
// is folded into the score rather than a hard cap (spec §4.F.1 defines no
// memory-capping behavior of its own).
func (s *WeightedStrategy) Partition(top *topology.Topology, _ *float64) []Partition {
	nodes := top.AllNodes()
	if len(nodes) == 0 {
		return nil
	}

	scored := make([]scoredNode, 0, len(nodes))
	var totalScore float64
	for _, n := range nodes {
		sc := s.nodeScore(n.NodeID, top)
		scored = append(scored, scoredNode{nodeID: n.NodeID, score: sc})
		totalScore += sc
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	for i := range scored {
		if totalScore > 0 {
			scored[i].width = scored[i].score / totalScore
		} else {
			scored[i].width = 1.0 / float64(len(scored))
		}
	}

	order := make([]string, len(scored))
	width := make(map[string]float64, len(scored))
	for i, sn := range scored {
		order[i] = sn.nodeID
		width[sn.nodeID] = sn.width
	}

	order = optimizeRing(order, width, top)
	return assemble(order, width)
}

// ringLatency sums the directed latency travelling around order, wrapping
// from the last node back to the first (spec's "ring latency").
func ringLatency(order []string, top *topology.Topology) float64 {
	n := len(order)
	if n < 2 {
		return 0
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += top.GetLatency(order[i], order[(i+1)%n])
	}
	return total
}

// optimizeRing permutes order via swaps of adjacent entries to reduce ringLatency,
// comparing whole-ring totals before and after each candidate swap (per the
// spec's instruction to treat the original's `should_swap` — which compared
// get_latency(a,b) against get_latency(b,a) — as a bug). Swaps never change
// the per-node width map, only the assignment order. Iterates full sweeps
// until one yields no improvement.
func optimizeRing(order []string, width map[string]float64, top *topology.Topology) []string {
	n := len(order)
	if n < 2 {
		return order
	}

	current := make([]string, n)
	copy(current, order)
	currentLatency := ringLatency(current, top)

	improved := true
	for improved {
		improved = false
		for i := 0; i+1 < n; i++ {
			candidate := make([]string, n)
			copy(candidate, current)
			candidate[i], candidate[i+1] = candidate[i+1], candidate[i]

			candidateLatency := ringLatency(candidate, top)
			if candidateLatency < currentLatency {
				current = candidate
				currentLatency = candidateLatency
				improved = true
			}
		}
	}

	return current
}
