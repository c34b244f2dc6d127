package placement

import (
	"errors"
	"testing"

	"github.com/example/flock/internal/config"
	"github.com/example/flock/internal/factstore"
	"github.com/example/flock/internal/state"
)

type fakeSource struct {
	candidates []factstore.Candidate
}

func (f *fakeSource) PlacementCandidates(string) []factstore.Candidate {
	return f.candidates
}

func TestNewEngineRejectsUnknownStrategy(t *testing.T) {
	if _, err := NewEngine(&fakeSource{}, "leastconn", 1); err == nil {
		t.Fatalf("unknown strategy must be rejected")
	}
}

func TestSpreadPicksMostFreeNode(t *testing.T) {
	src := &fakeSource{candidates: []factstore.Candidate{
		{NodeID: "n1", CPUFree: 2, MemFreeMB: 2048},
		{NodeID: "n2", CPUFree: 6, MemFreeMB: 8192},
		{NodeID: "n3", CPUFree: 4, MemFreeMB: 4096},
	}}
	eng, err := NewEngine(src, config.StrategySpread, 1)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	node, err := eng.Place("w1")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if node != "n2" {
		t.Fatalf("spread must pick the emptiest node, got %s", node)
	}
}

func TestPackPicksTightestNode(t *testing.T) {
	src := &fakeSource{candidates: []factstore.Candidate{
		{NodeID: "n1", CPUFree: 2, MemFreeMB: 2048},
		{NodeID: "n2", CPUFree: 6, MemFreeMB: 8192},
	}}
	eng, err := NewEngine(src, config.StrategyPack, 1)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	node, err := eng.Place("w1")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if node != "n1" {
		t.Fatalf("pack must pick the fullest node, got %s", node)
	}
}

func TestTiesBreakByNodeID(t *testing.T) {
	src := &fakeSource{candidates: []factstore.Candidate{
		{NodeID: "n9", CPUFree: 4, MemFreeMB: 4096},
		{NodeID: "n1", CPUFree: 4, MemFreeMB: 4096},
	}}
	eng, err := NewEngine(src, config.StrategySpread, 1)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	node, err := eng.Place("w1")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if node != "n1" {
		t.Fatalf("equal scores must break ties by node id, got %s", node)
	}
}

func TestRandomStaysWithinCandidates(t *testing.T) {
	src := &fakeSource{candidates: []factstore.Candidate{
		{NodeID: "n1", CPUFree: 1, MemFreeMB: 1024},
		{NodeID: "n2", CPUFree: 2, MemFreeMB: 2048},
		{NodeID: "n3", CPUFree: 3, MemFreeMB: 3072},
	}}
	eng, err := NewEngine(src, config.StrategyRandom, 42)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	allowed := map[string]bool{"n1": true, "n2": true, "n3": true}
	for i := 0; i < 20; i++ {
		node, err := eng.Place("w1")
		if err != nil {
			t.Fatalf("place: %v", err)
		}
		if !allowed[node] {
			t.Fatalf("random picked a node outside the candidate set: %s", node)
		}
	}
}

func TestNoCandidatesError(t *testing.T) {
	eng, err := NewEngine(&fakeSource{}, config.StrategySpread, 1)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := eng.Place("w1"); !errors.Is(err, state.ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}
