package facts

import (
	"github.com/example/flock/internal/state"
)

// Base predicate names. Everything the projection emits is listed
// here; reconciliation restricts its diff to this alphabet.
const (
	PredNode               = "node"
	PredNodeResources      = "node_resources"
	PredNodeResourcesUsed  = "node_resources_used"
	PredNodeResourcesFree  = "node_resources_free"
	PredNodeHeartbeat      = "node_heartbeat"
	PredNodeCapability     = "node_capability"
	PredWorkload           = "workload"
	PredWorkloadPlacement  = "workload_placement"
	PredWorkloadResources  = "workload_resources"
	PredWorkloadConstraint = "workload_constraint"
	PredWorkloadEvent      = "workload_event"
	PredNow                = "now"
)

// ProjectedPredicates is the set of predicates the projection can
// produce. now/1, valid_transition/2 and all derived predicates are
// outside it.
var ProjectedPredicates = map[string]bool{
	PredNode:               true,
	PredNodeResources:      true,
	PredNodeResourcesUsed:  true,
	PredNodeResourcesFree:  true,
	PredNodeHeartbeat:      true,
	PredNodeCapability:     true,
	PredWorkload:           true,
	PredWorkloadPlacement:  true,
	PredWorkloadResources:  true,
	PredWorkloadConstraint: true,
	PredWorkloadEvent:      true,
}

// ProjectNode maps one node record to its base facts. Pure; no I/O.
func ProjectNode(n state.NodeRecord) []Fact {
	out := []Fact{
		New(PredNode, Str(n.ID), Str(n.Hostname), Sym(n.Status)),
		New(PredNodeResources, Str(n.ID), IntOf(n.CPUTotal), IntOf(n.MemoryTotalMB)),
		New(PredNodeResourcesUsed, Str(n.ID), IntOf(n.CPUUsed), IntOf(n.MemoryUsedMB)),
		New(PredNodeResourcesFree, Str(n.ID), IntOf(n.CPUTotal-n.CPUUsed), IntOf(n.MemoryTotalMB-n.MemoryUsedMB)),
	}
	if n.LastHeartbeatAt != nil {
		out = append(out, New(PredNodeHeartbeat, Str(n.ID), Int(n.LastHeartbeatAt.Unix())))
	}
	for capType, capValue := range n.Capabilities {
		out = append(out, New(PredNodeCapability, Str(n.ID), Sym(capType), Sym(capValue)))
	}
	if n.Hypervisor != "" {
		out = append(out, New(PredNodeCapability, Str(n.ID), Sym("hypervisor"), Sym(n.Hypervisor)))
	}
	return out
}

// ProjectWorkload maps one workload record to its base facts.
func ProjectWorkload(w state.WorkloadRecord) []Fact {
	out := []Fact{
		New(PredWorkload, Str(w.ID), Sym(w.Type), Sym(w.Status)),
		New(PredWorkloadResources, Str(w.ID), IntOf(w.CPURequired), IntOf(w.MemoryRequiredMB)),
	}
	if w.NodeID != "" {
		out = append(out, New(PredWorkloadPlacement, Str(w.ID), Str(w.NodeID)))
	}
	for capType, capValue := range w.Constraints {
		out = append(out, New(PredWorkloadConstraint, Str(w.ID), Sym(capType), Sym(capValue)))
	}
	return out
}

// ProjectWorkloadEvent maps one audit row to its base fact.
func ProjectWorkloadEvent(ev state.WorkloadEventRecord) []Fact {
	return []Fact{
		New(PredWorkloadEvent, Str(ev.WorkloadID), Sym(ev.EventType), Int(ev.InsertedAt.Unix())),
	}
}

// Record is the sum of projectable record types, dispatched by tag.
type Record struct {
	Node          *state.NodeRecord
	Workload      *state.WorkloadRecord
	WorkloadEvent *state.WorkloadEventRecord
}

// Project dispatches on the record tag. Unknown (all-nil) records
// project to nothing.
func Project(r Record) []Fact {
	switch {
	case r.Node != nil:
		return ProjectNode(*r.Node)
	case r.Workload != nil:
		return ProjectWorkload(*r.Workload)
	case r.WorkloadEvent != nil:
		return ProjectWorkloadEvent(*r.WorkloadEvent)
	default:
		return nil
	}
}

// EntityID returns the id facts for this record are keyed by in the
// fact base: the node id, workload id, or event's workload id.
func (r Record) EntityID() string {
	switch {
	case r.Node != nil:
		return r.Node.ID
	case r.Workload != nil:
		return r.Workload.ID
	case r.WorkloadEvent != nil:
		return r.WorkloadEvent.WorkloadID
	default:
		return ""
	}
}
