package facts

import (
	"testing"
	"time"

	"github.com/example/flock/internal/state"
)

func TestTermKeyDistinguishesKinds(t *testing.T) {
	sym := New("p", Sym("a"))
	str := New("p", Str("a"))
	if sym.Key() == str.Key() {
		t.Fatalf("symbol and string arguments must not collide: %s", sym.Key())
	}
}

func TestDiffDrivesCurrentToDesired(t *testing.T) {
	current := NewSet(
		New("node", Str("n1"), Str("host-1"), Sym("available")),
		New("node_heartbeat", Str("n1"), Int(100)),
	)
	desired := NewSet(
		New("node", Str("n1"), Str("host-1"), Sym("unavailable")),
		New("node_heartbeat", Str("n1"), Int(100)),
	)
	toAssert, toRetract := Diff(current, desired)
	if len(toAssert) != 1 || len(toRetract) != 1 {
		t.Fatalf("expected 1 assert and 1 retract, got %d and %d", len(toAssert), len(toRetract))
	}
	if toAssert[0].Args[2].Sym != "unavailable" {
		t.Fatalf("wrong assert: %s", toAssert[0])
	}
	if toRetract[0].Args[2].Sym != "available" {
		t.Fatalf("wrong retract: %s", toRetract[0])
	}
}

func TestDiffIdenticalSetsIsEmpty(t *testing.T) {
	s := NewSet(New("workload", Str("w1"), Sym("process"), Sym("running")))
	toAssert, toRetract := Diff(s, s)
	if len(toAssert) != 0 || len(toRetract) != 0 {
		t.Fatalf("identical sets must diff to nothing, got +%d -%d", len(toAssert), len(toRetract))
	}
}

func TestProjectNode(t *testing.T) {
	hb := time.Unix(1700000000, 0)
	n := state.NodeRecord{
		ID:              "n1",
		Hostname:        "host-1",
		Status:          state.NodeAvailable,
		CPUTotal:        8,
		MemoryTotalMB:   16384,
		CPUUsed:         2,
		MemoryUsedMB:    4096,
		Hypervisor:      "firecracker",
		Capabilities:    map[string]string{"gpu": "none"},
		LastHeartbeatAt: &hb,
	}
	set := NewSet(ProjectNode(n)...)

	for _, want := range []Fact{
		New(PredNode, Str("n1"), Str("host-1"), Sym("available")),
		New(PredNodeResources, Str("n1"), Int(8), Int(16384)),
		New(PredNodeResourcesUsed, Str("n1"), Int(2), Int(4096)),
		New(PredNodeResourcesFree, Str("n1"), Int(6), Int(12288)),
		New(PredNodeHeartbeat, Str("n1"), Int(1700000000)),
		New(PredNodeCapability, Str("n1"), Sym("gpu"), Sym("none")),
		New(PredNodeCapability, Str("n1"), Sym("hypervisor"), Sym("firecracker")),
	} {
		if !set.Contains(want) {
			t.Fatalf("missing fact %s in projection", want)
		}
	}
	if len(set) != 7 {
		t.Fatalf("expected 7 facts, got %d", len(set))
	}
}

func TestProjectNodeWithoutHeartbeat(t *testing.T) {
	n := state.NodeRecord{ID: "n1", Hostname: "h", Status: state.NodeAvailable, CPUTotal: 1, MemoryTotalMB: 1024}
	for _, f := range ProjectNode(n) {
		if f.Predicate == PredNodeHeartbeat {
			t.Fatalf("node without heartbeat must not project %s", PredNodeHeartbeat)
		}
	}
}

func TestProjectWorkloadPlacement(t *testing.T) {
	w := state.WorkloadRecord{
		ID:               "w1",
		Type:             state.WorkloadProcess,
		Status:           state.StatusRunning,
		CPURequired:      1,
		MemoryRequiredMB: 256,
		NodeID:           "n1",
		Constraints:      map[string]string{"os": "linux"},
	}
	set := NewSet(ProjectWorkload(w)...)
	if !set.Contains(New(PredWorkloadPlacement, Str("w1"), Str("n1"))) {
		t.Fatalf("expected placement fact")
	}
	if !set.Contains(New(PredWorkloadConstraint, Str("w1"), Sym("os"), Sym("linux"))) {
		t.Fatalf("expected constraint fact")
	}

	w.NodeID = ""
	for _, f := range ProjectWorkload(w) {
		if f.Predicate == PredWorkloadPlacement {
			t.Fatalf("unplaced workload must not project %s", PredWorkloadPlacement)
		}
	}
}

func TestProjectionIsPureAndRepeatable(t *testing.T) {
	w := state.WorkloadRecord{ID: "w1", Type: state.WorkloadProcess, Status: state.StatusPending, CPURequired: 1, MemoryRequiredMB: 64}
	a := NewSet(ProjectWorkload(w)...)
	b := NewSet(ProjectWorkload(w)...)
	toAssert, toRetract := Diff(a, b)
	if len(toAssert) != 0 || len(toRetract) != 0 {
		t.Fatalf("projection must be deterministic")
	}
}

func TestRecordDispatch(t *testing.T) {
	n := state.NodeRecord{ID: "n1", Hostname: "h", Status: state.NodeAvailable, CPUTotal: 1, MemoryTotalMB: 1}
	rec := Record{Node: &n}
	if rec.EntityID() != "n1" {
		t.Fatalf("entity id = %q", rec.EntityID())
	}
	if got := len(Project(rec)); got == 0 {
		t.Fatalf("node record projected no facts")
	}
	if got := Project(Record{}); got != nil {
		t.Fatalf("empty record must project nil, got %v", got)
	}
}
