// Package coordinator is the write façade over the durable store.
// Every mutation goes through here: it persists the record, publishes
// the change on the bus, and for scheduling-relevant paths pushes the
// projection synchronously so decisions see their own writes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/example/flock/internal/bus"
	"github.com/example/flock/internal/datalog"
	"github.com/example/flock/internal/dispatch"
	"github.com/example/flock/internal/facts"
	"github.com/example/flock/internal/factstore"
	"github.com/example/flock/internal/observability"
	"github.com/example/flock/internal/placement"
	"github.com/example/flock/internal/state"
	"github.com/example/flock/pkg/flockapi"
)

const defaultHypervisor = "firecracker"

type Coordinator struct {
	store      state.Store
	bus        *bus.Bus
	facts      *factstore.FactStore
	placer     *placement.Engine
	dispatcher *dispatch.Dispatcher
	logger     *log.Logger
	metrics    *observability.Registry
	clock      func() time.Time
}

type Options struct {
	Store      state.Store
	Bus        *bus.Bus
	Facts      *factstore.FactStore
	Placer     *placement.Engine
	Dispatcher *dispatch.Dispatcher
	Logger     *log.Logger
	Metrics    *observability.Registry
	Clock      func() time.Time
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:      opts.Store,
		bus:        opts.Bus,
		facts:      opts.Facts,
		placer:     opts.Placer,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if c.metrics == nil {
		c.metrics = observability.Default
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// --- nodes ---

func (c *Coordinator) ListNodes(ctx context.Context) ([]state.NodeRecord, error) {
	return c.store.ListNodes(ctx)
}

func (c *Coordinator) GetNode(ctx context.Context, id string) (state.NodeRecord, error) {
	n, ok, err := c.store.GetNode(ctx, id)
	if err != nil {
		return state.NodeRecord{}, err
	}
	if !ok {
		return state.NodeRecord{}, fmt.Errorf("%w: node %s", state.ErrNotFound, id)
	}
	return n, nil
}

func (c *Coordinator) CreateNode(ctx context.Context, n state.NodeRecord) (state.NodeRecord, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = state.NodeAvailable
	}
	now := c.clock()
	n.CreatedAt = now
	n.UpdatedAt = now
	if err := c.store.CreateNode(ctx, n); err != nil {
		return state.NodeRecord{}, err
	}
	c.publishNode(bus.OpCreate, n)
	c.facts.Apply(bus.OpCreate, facts.Record{Node: &n})
	c.logger.Printf("coordinator: registered node %s (%s)", n.ID, n.Hostname)
	return n, nil
}

func (c *Coordinator) UpdateNode(ctx context.Context, n state.NodeRecord) (state.NodeRecord, error) {
	n.UpdatedAt = c.clock()
	if err := c.store.UpdateNode(ctx, n); err != nil {
		return state.NodeRecord{}, err
	}
	c.publishNode(bus.OpUpdate, n)
	c.facts.Apply(bus.OpUpdate, facts.Record{Node: &n})
	return n, nil
}

// DeleteNode removes the node record. The store clears node_id on the
// workloads placed on it; the fact base keeps their placement until
// the next reconciliation, and the orphan rules match them until then.
func (c *Coordinator) DeleteNode(ctx context.Context, id string) error {
	n, err := c.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteNode(ctx, id); err != nil {
		return err
	}
	c.publishNode(bus.OpDelete, n)
	c.facts.Apply(bus.OpDelete, facts.Record{Node: &n})
	c.logger.Printf("coordinator: removed node %s (%s)", n.ID, n.Hostname)
	return nil
}

// MarkNodeUnavailable flips a node out of the schedulable pool.
func (c *Coordinator) MarkNodeUnavailable(ctx context.Context, id string) error {
	n, err := c.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == state.NodeUnavailable {
		return nil
	}
	n.Status = state.NodeUnavailable
	_, err = c.UpdateNode(ctx, n)
	return err
}

// Heartbeat ingests one agent report. Unknown hostnames register a
// fresh node; known ones get their usage and liveness stamped. A
// heartbeat naming a node id that no longer exists is rejected so a
// removed node cannot resurrect itself by id.
func (c *Coordinator) Heartbeat(ctx context.Context, req flockapi.HeartbeatRequest) (state.NodeRecord, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.heartbeat")
	defer span.End()

	now := c.clock()
	if req.NodeID != "" {
		n, ok, err := c.store.GetNode(ctx, req.NodeID)
		if err != nil {
			return state.NodeRecord{}, err
		}
		if !ok {
			return state.NodeRecord{}, fmt.Errorf("%w: node %s", state.ErrNotFound, req.NodeID)
		}
		return c.applyHeartbeat(ctx, n, req, now)
	}

	n, ok, err := c.store.GetNodeByHostname(ctx, req.Hostname)
	if err != nil {
		return state.NodeRecord{}, err
	}
	if !ok {
		fresh := state.NodeRecord{
			ID:              uuid.NewString(),
			Hostname:        req.Hostname,
			Status:          state.NodeAvailable,
			CPUTotal:        req.CPUTotal,
			MemoryTotalMB:   req.MemoryTotalMB,
			CPUUsed:         req.CPUUsed,
			MemoryUsedMB:    req.MemoryUsedMB,
			Hypervisor:      req.Hypervisor,
			Capabilities:    req.Capabilities,
			AgentURL:        req.AgentURL,
			LastHeartbeatAt: &now,
		}
		created, err := c.CreateNode(ctx, fresh)
		if err != nil {
			// A concurrent registration of the same hostname may have
			// won the unique index; update that row as the same node.
			existing, found, lookupErr := c.store.GetNodeByHostname(ctx, req.Hostname)
			if lookupErr == nil && found {
				return c.applyHeartbeat(ctx, existing, req, now)
			}
			return state.NodeRecord{}, err
		}
		c.metrics.IncCounter("flock_heartbeats_total", map[string]string{"kind": "register"}, 1)
		return created, nil
	}
	return c.applyHeartbeat(ctx, n, req, now)
}

func (c *Coordinator) applyHeartbeat(ctx context.Context, n state.NodeRecord, req flockapi.HeartbeatRequest, now time.Time) (state.NodeRecord, error) {
	n.CPUTotal = req.CPUTotal
	n.MemoryTotalMB = req.MemoryTotalMB
	n.CPUUsed = req.CPUUsed
	n.MemoryUsedMB = req.MemoryUsedMB
	if req.Hypervisor != "" {
		n.Hypervisor = req.Hypervisor
	}
	if len(req.Capabilities) > 0 {
		n.Capabilities = req.Capabilities
	}
	if req.AgentURL != "" {
		n.AgentURL = req.AgentURL
	}
	n.LastHeartbeatAt = &now
	if n.Status == state.NodeUnavailable {
		n.Status = state.NodeAvailable
	}
	updated, err := c.UpdateNode(ctx, n)
	if err != nil {
		return state.NodeRecord{}, err
	}
	c.metrics.IncCounter("flock_heartbeats_total", map[string]string{"kind": "report"}, 1)
	return updated, nil
}

// --- workloads ---

func (c *Coordinator) ListWorkloads(ctx context.Context) ([]state.WorkloadRecord, error) {
	return c.store.ListWorkloads(ctx)
}

func (c *Coordinator) GetWorkload(ctx context.Context, id string) (state.WorkloadRecord, error) {
	w, ok, err := c.store.GetWorkload(ctx, id)
	if err != nil {
		return state.WorkloadRecord{}, err
	}
	if !ok {
		return state.WorkloadRecord{}, fmt.Errorf("%w: workload %s", state.ErrNotFound, id)
	}
	return w, nil
}

// Deploy creates a pending workload and immediately tries to place
// and start it. A workload that cannot be placed stays pending; it is
// retried every time the candidate set changes.
func (c *Coordinator) Deploy(ctx context.Context, w state.WorkloadRecord) (state.WorkloadRecord, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.deploy")
	defer span.End()

	switch w.Type {
	case state.WorkloadProcess, state.WorkloadMicroVM:
	default:
		return state.WorkloadRecord{}, fmt.Errorf("%w: unknown workload type %q", state.ErrInvalidState, w.Type)
	}
	if w.Type == state.WorkloadMicroVM {
		if w.Constraints == nil {
			w.Constraints = map[string]string{}
		}
		if _, ok := w.Constraints["hypervisor"]; !ok {
			w.Constraints["hypervisor"] = defaultHypervisor
		}
	}
	if w.CPURequired <= 0 || w.MemoryRequiredMB <= 0 {
		return state.WorkloadRecord{}, fmt.Errorf("%w: workload resources must be positive", state.ErrInvalidState)
	}

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := c.clock()
	w.Status = state.StatusPending
	w.NodeID = ""
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := c.store.CreateWorkload(ctx, w); err != nil {
		return state.WorkloadRecord{}, err
	}
	c.publishWorkload(bus.OpCreate, w)
	c.appendEvent(ctx, w.ID, "created", nil)
	c.facts.Apply(bus.OpCreate, facts.Record{Workload: &w})

	placed, err := c.PlaceWorkload(ctx, w.ID)
	if err != nil {
		if errors.Is(err, state.ErrNoCandidates) {
			c.logger.Printf("coordinator: workload %s pending, no candidates", w.ID)
			return w, nil
		}
		return state.WorkloadRecord{}, err
	}
	return placed, nil
}

// PlaceWorkload picks a node for a pending workload, moves it to
// starting, and dispatches the start command. Called from Deploy and
// from the reactor when capacity appears.
func (c *Coordinator) PlaceWorkload(ctx context.Context, id string) (state.WorkloadRecord, error) {
	w, err := c.GetWorkload(ctx, id)
	if err != nil {
		return state.WorkloadRecord{}, err
	}
	if w.Status != state.StatusPending {
		return state.WorkloadRecord{}, fmt.Errorf("%w: workload %s is %s, not pending", state.ErrInvalidState, id, w.Status)
	}
	nodeID, err := c.placer.Place(id)
	if err != nil {
		return state.WorkloadRecord{}, err
	}
	node, err := c.GetNode(ctx, nodeID)
	if err != nil {
		return state.WorkloadRecord{}, err
	}

	w.NodeID = nodeID
	w.Status = state.StatusStarting
	w.Error = ""
	w.UpdatedAt = c.clock()
	if err := c.store.UpdateWorkload(ctx, w); err != nil {
		return state.WorkloadRecord{}, err
	}
	c.publishWorkload(bus.OpUpdate, w)
	c.appendEvent(ctx, w.ID, "scheduled", map[string]string{"node_id": nodeID})
	c.facts.Apply(bus.OpUpdate, facts.Record{Workload: &w})
	c.logger.Printf("coordinator: placed workload %s on node %s", w.ID, nodeID)

	res, err := c.dispatcher.Start(ctx, w, node)
	if err != nil {
		failed, ferr := c.FailWorkload(ctx, w.ID, fmt.Sprintf("start failed: %v", err), false)
		if ferr != nil {
			return state.WorkloadRecord{}, ferr
		}
		return failed, nil
	}

	now := c.clock()
	w.Status = state.StatusRunning
	w.IP = res.IP
	w.StartedAt = &now
	w.UpdatedAt = now
	if err := c.store.UpdateWorkload(ctx, w); err != nil {
		return state.WorkloadRecord{}, err
	}
	c.publishWorkload(bus.OpUpdate, w)
	c.appendEvent(ctx, w.ID, "started", map[string]string{"node_id": nodeID})
	c.facts.Apply(bus.OpUpdate, facts.Record{Workload: &w})
	return w, nil
}

// Stop moves a starting or running workload to stopping and fires the
// stop command at its agent. The agent's status push completes the
// transition to stopped.
func (c *Coordinator) Stop(ctx context.Context, id string) (state.WorkloadRecord, error) {
	w, err := c.GetWorkload(ctx, id)
	if err != nil {
		return state.WorkloadRecord{}, err
	}
	switch w.Status {
	case state.StatusRunning, state.StatusStarting:
	default:
		return state.WorkloadRecord{}, fmt.Errorf("%w: cannot stop workload in state %s", state.ErrInvalidState, w.Status)
	}

	w.Status = state.StatusStopping
	w.UpdatedAt = c.clock()
	if err := c.store.UpdateWorkload(ctx, w); err != nil {
		return state.WorkloadRecord{}, err
	}
	c.publishWorkload(bus.OpUpdate, w)
	c.appendEvent(ctx, w.ID, "stop_requested", nil)
	c.facts.Apply(bus.OpUpdate, facts.Record{Workload: &w})

	if w.NodeID != "" {
		if node, ok, err := c.store.GetNode(ctx, w.NodeID); err == nil && ok {
			c.dispatcher.Stop(w, node)
		}
	}
	return w, nil
}

// FailWorkload records a terminal failure. clearPlacement drops the
// node binding for workloads whose node is gone.
func (c *Coordinator) FailWorkload(ctx context.Context, id, reason string, clearPlacement bool) (state.WorkloadRecord, error) {
	w, err := c.GetWorkload(ctx, id)
	if err != nil {
		return state.WorkloadRecord{}, err
	}
	if w.Status == state.StatusFailed {
		return w, nil
	}
	now := c.clock()
	w.Status = state.StatusFailed
	w.Error = reason
	w.StoppedAt = &now
	w.UpdatedAt = now
	if clearPlacement {
		w.NodeID = ""
	}
	if err := c.store.UpdateWorkload(ctx, w); err != nil {
		return state.WorkloadRecord{}, err
	}
	c.publishWorkload(bus.OpUpdate, w)
	c.appendEvent(ctx, w.ID, "failed", map[string]string{"reason": reason})
	c.facts.Apply(bus.OpUpdate, facts.Record{Workload: &w})
	c.metrics.IncCounter("flock_workload_failures_total", nil, 1)
	return w, nil
}

// RestartWorkload requeues a failed workload as pending and tries to
// place it right away.
func (c *Coordinator) RestartWorkload(ctx context.Context, id string) (state.WorkloadRecord, error) {
	w, err := c.GetWorkload(ctx, id)
	if err != nil {
		return state.WorkloadRecord{}, err
	}
	if w.Status != state.StatusFailed {
		return state.WorkloadRecord{}, fmt.Errorf("%w: cannot restart workload in state %s", state.ErrInvalidState, w.Status)
	}
	w.Status = state.StatusPending
	w.NodeID = ""
	w.Error = ""
	w.IP = ""
	w.StartedAt = nil
	w.StoppedAt = nil
	w.UpdatedAt = c.clock()
	if err := c.store.UpdateWorkload(ctx, w); err != nil {
		return state.WorkloadRecord{}, err
	}
	c.publishWorkload(bus.OpUpdate, w)
	c.appendEvent(ctx, w.ID, "restart_requested", nil)
	c.facts.Apply(bus.OpUpdate, facts.Record{Workload: &w})

	placed, err := c.PlaceWorkload(ctx, w.ID)
	if err != nil {
		if errors.Is(err, state.ErrNoCandidates) {
			return w, nil
		}
		return state.WorkloadRecord{}, err
	}
	return placed, nil
}

// UpdateWorkloadStatus ingests an agent status push, checked against
// the lifecycle state machine.
func (c *Coordinator) UpdateWorkloadStatus(ctx context.Context, push flockapi.StatusPush) (state.WorkloadRecord, error) {
	w, err := c.GetWorkload(ctx, push.WorkloadID)
	if err != nil {
		return state.WorkloadRecord{}, err
	}
	if w.Status == push.Status {
		return w, nil
	}
	if !c.facts.CanTransition(w.ID, push.Status) {
		return state.WorkloadRecord{}, fmt.Errorf("%w: %s -> %s", state.ErrInvalidState, w.Status, push.Status)
	}
	now := c.clock()
	w.Status = push.Status
	if push.IP != "" {
		w.IP = push.IP
	}
	if push.Error != "" {
		w.Error = push.Error
	}
	switch push.Status {
	case state.StatusRunning:
		w.StartedAt = &now
	case state.StatusStopped, state.StatusFailed:
		w.StoppedAt = &now
	}
	w.UpdatedAt = now
	if err := c.store.UpdateWorkload(ctx, w); err != nil {
		return state.WorkloadRecord{}, err
	}
	c.publishWorkload(bus.OpUpdate, w)
	c.appendEvent(ctx, w.ID, "status_"+push.Status, nil)
	c.facts.Apply(bus.OpUpdate, facts.Record{Workload: &w})
	return w, nil
}

func (c *Coordinator) DeleteWorkload(ctx context.Context, id string) error {
	w, err := c.GetWorkload(ctx, id)
	if err != nil {
		return err
	}
	if !state.IsTerminalStatus(w.Status) {
		return fmt.Errorf("%w: cannot delete workload in state %s", state.ErrInvalidState, w.Status)
	}
	if err := c.store.DeleteWorkload(ctx, id); err != nil {
		return err
	}
	c.publishWorkload(bus.OpDelete, w)
	return nil
}

func (c *Coordinator) ListWorkloadEvents(ctx context.Context, workloadID string) ([]state.WorkloadEventRecord, error) {
	return c.store.ListWorkloadEvents(ctx, workloadID)
}

// --- rules ---

func (c *Coordinator) ListRules(ctx context.Context) ([]state.SchedulingRuleRecord, error) {
	return c.store.ListRules(ctx)
}

func (c *Coordinator) GetRule(ctx context.Context, id string) (state.SchedulingRuleRecord, error) {
	r, ok, err := c.store.GetRule(ctx, id)
	if err != nil {
		return state.SchedulingRuleRecord{}, err
	}
	if !ok {
		return state.SchedulingRuleRecord{}, fmt.Errorf("%w: rule %s", state.ErrNotFound, id)
	}
	return r, nil
}

// validateRuleText rejects rule text that fails to parse or that
// defines no clause at all.
func validateRuleText(text string) error {
	fs, rs, err := datalog.Parse(text)
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrRuleSyntax, err)
	}
	if len(fs) == 0 && len(rs) == 0 {
		return fmt.Errorf("%w: rule text is empty", state.ErrRuleSyntax)
	}
	return nil
}

func (c *Coordinator) CreateRule(ctx context.Context, r state.SchedulingRuleRecord) (state.SchedulingRuleRecord, error) {
	if err := validateRuleText(r.RuleText); err != nil {
		return state.SchedulingRuleRecord{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := c.clock()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := c.store.CreateRule(ctx, r); err != nil {
		return state.SchedulingRuleRecord{}, err
	}
	c.publishRule(bus.OpCreate, r)
	c.logger.Printf("coordinator: created rule %s (%s)", r.Name, r.ID)
	return r, nil
}

func (c *Coordinator) UpdateRule(ctx context.Context, r state.SchedulingRuleRecord) (state.SchedulingRuleRecord, error) {
	if err := validateRuleText(r.RuleText); err != nil {
		return state.SchedulingRuleRecord{}, err
	}
	r.UpdatedAt = c.clock()
	if err := c.store.UpdateRule(ctx, r); err != nil {
		return state.SchedulingRuleRecord{}, err
	}
	c.publishRule(bus.OpUpdate, r)
	return r, nil
}

func (c *Coordinator) DeleteRule(ctx context.Context, id string) error {
	r, err := c.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	c.publishRule(bus.OpDelete, r)
	return nil
}

// --- cluster status ---

type ClusterStatus struct {
	Nodes           map[string]int `json:"nodes"`
	Workloads       map[string]int `json:"workloads"`
	StaleNodes      []string       `json:"stale_nodes"`
	OverloadedNodes []string       `json:"overloaded_nodes"`
}

func (c *Coordinator) ClusterStatus(ctx context.Context) (ClusterStatus, error) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return ClusterStatus{}, err
	}
	workloads, err := c.store.ListWorkloads(ctx)
	if err != nil {
		return ClusterStatus{}, err
	}
	out := ClusterStatus{
		Nodes:           make(map[string]int),
		Workloads:       make(map[string]int),
		StaleNodes:      c.facts.StaleNodes(),
		OverloadedNodes: c.facts.OverloadedNodes(),
	}
	for _, n := range nodes {
		out.Nodes[n.Status]++
	}
	for _, w := range workloads {
		out.Workloads[w.Status]++
	}
	return out, nil
}

// --- helpers ---

func (c *Coordinator) appendEvent(ctx context.Context, workloadID, eventType string, metadata map[string]string) {
	ev := state.WorkloadEventRecord{
		ID:         uuid.NewString(),
		WorkloadID: workloadID,
		EventType:  eventType,
		Metadata:   metadata,
		InsertedAt: c.clock(),
	}
	if err := c.store.AppendWorkloadEvent(ctx, ev); err != nil {
		c.logger.Printf("coordinator: append event %s for %s: %v", eventType, workloadID, err)
		return
	}
	c.bus.PublishRecordChange(bus.RecordChange{Schema: bus.SchemaWorkloadEvents, Op: bus.OpCreate, WorkloadEvent: &ev})
}

func (c *Coordinator) publishNode(op bus.Op, n state.NodeRecord) {
	c.bus.PublishRecordChange(bus.RecordChange{Schema: bus.SchemaNodes, Op: op, Node: &n})
}

func (c *Coordinator) publishWorkload(op bus.Op, w state.WorkloadRecord) {
	c.bus.PublishRecordChange(bus.RecordChange{Schema: bus.SchemaWorkloads, Op: op, Workload: &w})
}

func (c *Coordinator) publishRule(op bus.Op, r state.SchedulingRuleRecord) {
	c.bus.PublishRecordChange(bus.RecordChange{Schema: bus.SchemaRules, Op: op, Rule: &r})
}
