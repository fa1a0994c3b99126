package partition

import (
	"testing"

	"github.com/larson-carter/exo-larson/internal/capabilities"
	"github.com/larson-carter/exo-larson/internal/topology"
)

func uniformTopology(n int, fp32 float64, memory uint64) *topology.Topology {
	top := topology.New()
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		top.UpdateNode(id, capabilities.Capabilities{Memory: memory, Flops: capabilities.Flops{FP32: fp32}})
	}
	return top
}

func TestThreeUniformNodesBalanced(t *testing.T) {
	top := uniformTopology(3, 10, 8000)
	partitions := NewModeStrategy(ModeBalanced).Partition(top, nil)

	if len(partitions) != 3 {
		t.Fatalf("len(partitions) = %d, want 3", len(partitions))
	}
	for _, p := range partitions {
		if !almostEqual(p.End-p.Start, 1.0/3.0, 1e-4) {
			t.Errorf("node %s width = %v, want ~0.3333", p.NodeID, p.End-p.Start)
		}
	}
}

func TestTwoNodesLatencyModeFastestTakesAll(t *testing.T) {
	top := topology.New()
	top.UpdateNode("a", capabilities.Capabilities{Memory: 8000, Flops: capabilities.Flops{FP32: 30}})
	top.UpdateNode("b", capabilities.Capabilities{Memory: 8000, Flops: capabilities.Flops{FP32: 10}})

	partitions := NewModeStrategy(ModeLatency).Partition(top, nil)

	var a, b Partition
	for _, p := range partitions {
		switch p.NodeID {
		case "a":
			a = p
		case "b":
			b = p
		}
	}
	if !almostEqual(a.End-a.Start, 1.0, 1e-4) {
		t.Errorf("fastest node width = %v, want 1.0", a.End-a.Start)
	}
	if !almostEqual(b.End-b.Start, 0.0, 1e-4) {
		t.Errorf("slowest node width = %v, want 0.0", b.End-b.Start)
	}
}

func TestBalancedAvoidsHighLatencyRingEdge(t *testing.T) {
	top := topology.New()
	for _, id := range []string{"node_1", "node_2", "node_3"} {
		top.UpdateNode(id, capabilities.Capabilities{Memory: 8000, Flops: capabilities.Flops{FP32: 10}})
	}
	top.AddLatency("node_1", "node_2", 5)
	top.AddLatency("node_2", "node_3", 100)
	top.AddLatency("node_1", "node_3", 5)
	// Reverse directions are intentionally left unmeasured (sentinel 0):
	// only one direction per pair was observed.

	partitions := NewModeStrategy(ModeBalanced).Partition(top, nil)

	order := make([]string, len(partitions))
	for i, p := range partitions {
		order[i] = p.NodeID
	}
	want := []string{"node_1", "node_2", "node_3"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("output order = %v, want sorted-by-id %v", order, want)
		}
	}

	if !almostEqual(sumWidths(partitions), 1.0, 1e-4) {
		t.Errorf("sum of widths = %v, want 1.0", sumWidths(partitions))
	}

	ids := []string{"node_1", "node_2", "node_3"}
	chosen := minLatencyOrder(ids, top)
	for i, n := range chosen {
		next := chosen[(i+1)%len(chosen)]
		if top.GetLatency(n, next) > highLatencyThreshold {
			t.Errorf("chosen ring order %v has a >50 edge %s->%s", chosen, n, next)
		}
	}
	// node_2 must not sit in the middle position (i.e. "between" node_1 and
	// node_3) — that placement is the only one forced to traverse the
	// measured 100s latency edge.
	if chosen[1] == "node_2" {
		t.Errorf("chosen ring order %v places node_2 between the other two", chosen)
	}
}

func TestMemoryCappedThroughput(t *testing.T) {
	top := topology.New()
	top.UpdateNode("a", capabilities.Capabilities{Memory: 4000, Flops: capabilities.Flops{FP32: 20}})
	top.UpdateNode("b", capabilities.Capabilities{Memory: 16000, Flops: capabilities.Flops{FP32: 5}})

	m := 10000.0
	partitions := NewModeStrategy(ModeThroughput).Partition(top, &m)

	var a Partition
	for _, p := range partitions {
		if p.NodeID == "a" {
			a = p
		}
	}
	if a.End-a.Start > 0.4+1e-5 {
		t.Errorf("node a width = %v, want <= 0.4 (4000/10000 cap)", a.End-a.Start)
	}
	if !almostEqual(sumWidths(partitions), 1.0, 1e-4) {
		t.Errorf("sum of widths = %v, want 1.0", sumWidths(partitions))
	}
}

func TestThroughputProportionalToFlopsNoMemoryConstraint(t *testing.T) {
	top := topology.New()
	flops := map[string]float64{"node_1": 10, "node_2": 20, "node_3": 30}
	var total float64
	for id, f := range flops {
		top.UpdateNode(id, capabilities.Capabilities{Memory: 8000, Flops: capabilities.Flops{FP32: f}})
		total += f
	}

	partitions := NewModeStrategy(ModeThroughput).Partition(top, nil)
	for _, p := range partitions {
		want := flops[p.NodeID] / total
		if !almostEqual(p.End-p.Start, want, 1e-4) {
			t.Errorf("node %s width = %v, want %v", p.NodeID, p.End-p.Start, want)
		}
	}
}

func TestEveryNodeExactlyOnce(t *testing.T) {
	top := uniformTopology(5, 7, 4000)
	for _, strategy := range []Strategy{NewWeightedStrategy(), NewModeStrategy(ModeThroughput), NewModeStrategy(ModeLatency), NewModeStrategy(ModeBalanced)} {
		partitions := strategy.Partition(top, nil)
		seen := map[string]int{}
		for _, p := range partitions {
			seen[p.NodeID]++
		}
		for _, e := range top.AllNodes() {
			if seen[e.NodeID] != 1 {
				t.Errorf("%T: node %s appeared %d times, want 1", strategy, e.NodeID, seen[e.NodeID])
			}
		}
	}
}

func TestLastPartitionCoercedToOne(t *testing.T) {
	top := uniformTopology(3, 1, 1000)
	for _, strategy := range []Strategy{NewWeightedStrategy(), NewModeStrategy(ModeBalanced)} {
		partitions := strategy.Partition(top, nil)
		last := partitions[len(partitions)-1]
		if last.End != 1.0 {
			t.Errorf("%T: last partition end = %v, want exactly 1.0", strategy, last.End)
		}
	}
}
