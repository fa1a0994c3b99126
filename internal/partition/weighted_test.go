package partition

import (
	"math"
	"testing"

	"github.com/larson-carter/exo-larson/internal/capabilities"
	"github.com/larson-carter/exo-larson/internal/topology"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func sumWidths(partitions []Partition) float64 {
	var total float64
	for _, p := range partitions {
		total += p.End - p.Start
	}
	return total
}

func TestWeightedStrategyCoversUnitInterval(t *testing.T) {
	top := topology.New()
	devices := []struct {
		id   string
		mem  uint64
		fp32 float64
	}{
		{"node1", 3 * (1 << 30), 1e12},
		{"node2", 1 * (1 << 30), 0.5e12},
		{"node3", 6 * (1 << 30), 0.2e12},
	}
	for _, d := range devices {
		top.UpdateNode(d.id, capabilities.Capabilities{Memory: d.mem, Flops: capabilities.Flops{FP32: d.fp32}})
	}
	top.AddLatency("node1", "node2", 0.1)
	top.AddLatency("node2", "node3", 0.2)
	top.AddLatency("node3", "node1", 0.15)

	strategy := NewWeightedStrategy()
	partitions := strategy.Partition(top, nil)

	if len(partitions) != 3 {
		t.Fatalf("len(partitions) = %d, want 3", len(partitions))
	}
	if !almostEqual(sumWidths(partitions), 1.0, 1e-4) {
		t.Errorf("sum of widths = %v, want 1.0", sumWidths(partitions))
	}

	start := 0.0
	seen := map[string]bool{}
	for _, p := range partitions {
		if !almostEqual(p.Start, start, 1e-9) {
			t.Errorf("partition %s start = %v, want contiguous %v", p.NodeID, p.Start, start)
		}
		start = p.End
		seen[p.NodeID] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected every node exactly once, got %v", seen)
	}
}

func TestWeightedStrategyRoundedToFiveDecimals(t *testing.T) {
	top := topology.New()
	top.UpdateNode("a", capabilities.Capabilities{Memory: 1000, Flops: capabilities.Flops{FP32: 1}})
	top.UpdateNode("b", capabilities.Capabilities{Memory: 2000, Flops: capabilities.Flops{FP32: 3}})

	partitions := NewWeightedStrategy().Partition(top, nil)
	for _, p := range partitions {
		if round5(p.Start) != p.Start || round5(p.End) != p.End {
			t.Errorf("partition %+v not rounded to 5 decimals", p)
		}
	}
}

func TestRingLatencyWraps(t *testing.T) {
	top := topology.New()
	top.AddLatency("a", "b", 1)
	top.AddLatency("b", "a", 9)

	got := ringLatency([]string{"a", "b"}, top)
	if got != 10 {
		t.Errorf("ringLatency = %v, want 10 (wraps b->a)", got)
	}
}

func TestOptimizeRingReducesLatencyAndPreservesWidths(t *testing.T) {
	top := topology.New()
	// a->b cheap, b->c expensive, c->a cheap: swapping b,c should help if it lowers the ring total.
	top.AddLatency("a", "b", 1)
	top.AddLatency("b", "c", 100)
	top.AddLatency("c", "a", 1)
	top.AddLatency("a", "c", 1)
	top.AddLatency("c", "b", 1)
	top.AddLatency("b", "a", 1)

	width := map[string]float64{"a": 0.2, "b": 0.3, "c": 0.5}
	order := optimizeRing([]string{"a", "b", "c"}, width, top)

	if len(order) != 3 {
		t.Fatalf("len(order) = %d", len(order))
	}
	gotWidths := map[string]bool{}
	for _, id := range order {
		gotWidths[id] = true
	}
	for id := range width {
		if !gotWidths[id] {
			t.Errorf("optimizeRing dropped node %s", id)
		}
	}
	if ringLatency(order, top) > ringLatency([]string{"a", "b", "c"}, top) {
		t.Error("optimizeRing should never worsen ring latency")
	}
}
