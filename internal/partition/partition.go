// Package partition computes, from a topology, a contiguous assignment of
// the unit interval [0,1] to nodes — interpreted upstream as a fraction of
// model layers each node should hold.
package partition

import (
	"math"

	"github.com/larson-carter/exo-larson/internal/topology"
)

// closeTolerance is the coverage slack the strategies are allowed before the
// last partition's end is coerced to 1.0 (spec §4.F.3).
const closeTolerance = 1e-4

// Partition assigns the half-open range [Start, End) of the unit interval to
// NodeID.
type Partition struct {
	NodeID string
	Start  float64
	End    float64
}

// Strategy computes an ordered, contiguous partitioning of a topology.
// modelMemoryRequirement, when non-nil, is the model's memory size:
// ModeStrategy caps each node's share at min(1, capabilities.Memory/requirement);
// WeightedStrategy ignores it and applies no memory cap.
type Strategy interface {
	Partition(top *topology.Topology, modelMemoryRequirement *float64) []Partition
}

func round5(f float64) float64 {
	return math.Round(f*100000) / 100000
}

// assemble converts an ordered list of (nodeID, share) pairs into
// contiguous Partitions, rounding each boundary to 5 decimals and coercing
// the final boundary to 1.0 when it lands within tolerance (spec §4.F.3).
func assemble(order []string, share map[string]float64) []Partition {
	partitions := make([]Partition, 0, len(order))
	start := 0.0
	for _, id := range order {
		end := round5(start + share[id])
		partitions = append(partitions, Partition{NodeID: id, Start: round5(start), End: end})
		start = end
	}
	if n := len(partitions); n > 0 {
		last := &partitions[n-1]
		if math.Abs(last.End-1.0) <= closeTolerance {
			last.End = 1.0
		}
	}
	return partitions
}
