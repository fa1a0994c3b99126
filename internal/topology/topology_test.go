package topology

import (
	"testing"

	"github.com/larson-carter/exo-larson/internal/capabilities"
)

func TestUpdateNodeIdempotent(t *testing.T) {
	top := New()
	top.UpdateNode("a", capabilities.Capabilities{Model: "first"})
	top.UpdateNode("a", capabilities.Capabilities{Model: "second"})

	caps, ok := top.GetNode("a")
	if !ok {
		t.Fatal("node a should exist")
	}
	if caps.Model != "second" {
		t.Errorf("Model = %q, want last-write-wins \"second\"", caps.Model)
	}
	if top.NodeCount() != 1 {
		t.Errorf("NodeCount = %d, want 1", top.NodeCount())
	}
}

func TestAllNodesSortedDeterministic(t *testing.T) {
	top := New()
	top.UpdateNode("charlie", capabilities.Capabilities{})
	top.UpdateNode("alpha", capabilities.Capabilities{})
	top.UpdateNode("bravo", capabilities.Capabilities{})

	got := top.AllNodes()
	want := []string{"alpha", "bravo", "charlie"}
	for i, w := range want {
		if got[i].NodeID != w {
			t.Errorf("AllNodes()[%d] = %q, want %q", i, got[i].NodeID, w)
		}
	}

	// Repeated calls return the same order.
	got2 := top.AllNodes()
	for i := range got {
		if got[i].NodeID != got2[i].NodeID {
			t.Errorf("AllNodes() order not stable across calls")
		}
	}
}

func TestAddEdgeUndirectedNoSelfLoop(t *testing.T) {
	top := New()
	top.AddEdge("a", "b")
	if !top.HasEdge("a", "b") || !top.HasEdge("b", "a") {
		t.Error("edge should be undirected")
	}
	top.AddEdge("a", "a")
	if top.HasEdge("a", "a") {
		t.Error("self-loop should be rejected")
	}
}

func TestLatencyAsymmetric(t *testing.T) {
	top := New()
	top.AddLatency("a", "b", 0.2)
	top.AddLatency("b", "a", 0.5)

	if got := top.GetLatency("a", "b"); got != 0.2 {
		t.Errorf("GetLatency(a,b) = %v, want 0.2", got)
	}
	if got := top.GetLatency("b", "a"); got != 0.5 {
		t.Errorf("GetLatency(b,a) = %v, want 0.5", got)
	}
}

func TestLatencyUnknownPairIsZero(t *testing.T) {
	top := New()
	top.UpdateNode("a", capabilities.Capabilities{})
	top.UpdateNode("b", capabilities.Capabilities{})
	if got := top.GetLatency("a", "b"); got != 0 {
		t.Errorf("GetLatency on unmeasured pair = %v, want sentinel 0", got)
	}
}
