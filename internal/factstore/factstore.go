// Package factstore owns the fact base and the rules engine. It is
// the single writer: every mutation flows through the actor loop or
// the synchronous Apply path, both serialized by one mutex. Reads go
// straight to the underlying database and may run concurrently.
package factstore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/example/flock/internal/bus"
	"github.com/example/flock/internal/datalog"
	"github.com/example/flock/internal/facts"
	"github.com/example/flock/internal/observability"
	"github.com/example/flock/internal/rules"
	"github.com/example/flock/internal/state"
)

// Options configures a FactStore. Store and Bus are required; zero
// intervals fall back to the defaults used in production.
type Options struct {
	Store             state.Store
	Bus               *bus.Bus
	Thresholds        rules.Thresholds
	TickInterval      time.Duration
	ReconcileInterval time.Duration
	Logger            *log.Logger
	Metrics           *observability.Registry
	Clock             func() time.Time
}

type FactStore struct {
	store     state.Store
	bus       *bus.Bus
	db        *datalog.Database
	logger    *log.Logger
	metrics   *observability.Registry
	clock     func() time.Time
	tick      time.Duration
	reconcile time.Duration

	shippedRules []datalog.Rule
	shippedFacts []facts.Fact

	mu        sync.Mutex
	userRules []datalog.Rule
	userFacts facts.Set
	userSig   string
	nowFact   facts.Fact
	hasNow    bool
}

func New(opts Options) (*FactStore, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("factstore: store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("factstore: bus is required")
	}
	th := opts.Thresholds
	if th.StaleThresholdS == 0 && th.OverloadThresholdPct == 0 {
		th = rules.DefaultThresholds()
	}
	fs := &FactStore{
		store:     opts.Store,
		bus:       opts.Bus,
		db:        datalog.NewDatabase(),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		tick:      opts.TickInterval,
		reconcile: opts.ReconcileInterval,
		userFacts: facts.NewSet(),
	}
	if fs.logger == nil {
		fs.logger = log.Default()
	}
	if fs.metrics == nil {
		fs.metrics = observability.Default
	}
	if fs.clock == nil {
		fs.clock = time.Now
	}
	if fs.tick <= 0 {
		fs.tick = 5 * time.Second
	}
	if fs.reconcile <= 0 {
		fs.reconcile = 30 * time.Second
	}

	text, err := rules.Shipped(th)
	if err != nil {
		return nil, err
	}
	shippedFacts, shippedRules, err := datalog.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("shipped rules: %w", err)
	}
	fs.shippedFacts = shippedFacts
	fs.shippedRules = shippedRules
	return fs, nil
}

// Start performs the startup bulk load: shipped facts and rules, user
// rules, and a full projection of every durable record, then one
// evaluation and one snapshot so subscribers start from a known level.
func (fs *FactStore) Start(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.db.AssertAll(fs.shippedFacts)
	if err := fs.db.LoadRules(fs.shippedRules); err != nil {
		return fmt.Errorf("shipped rules: %w", err)
	}
	if err := fs.reloadUserRulesLocked(ctx); err != nil {
		return err
	}

	nodes, err := fs.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("bulk load nodes: %w", err)
	}
	for _, n := range nodes {
		fs.db.AssertAll(facts.ProjectNode(n))
	}
	workloads, err := fs.store.ListWorkloads(ctx)
	if err != nil {
		return fmt.Errorf("bulk load workloads: %w", err)
	}
	for _, w := range workloads {
		fs.db.AssertAll(facts.ProjectWorkload(w))
		events, err := fs.store.ListWorkloadEvents(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("bulk load events for %s: %w", w.ID, err)
		}
		for _, ev := range events {
			fs.db.AssertAll(facts.ProjectWorkloadEvent(ev))
		}
	}

	fs.setNowLocked(fs.clock())
	fs.db.Evaluate()
	fs.publishSnapshotLocked()
	fs.logger.Printf("factstore: loaded %d nodes, %d workloads, %d user rules",
		len(nodes), len(workloads), len(fs.userRules))
	return nil
}

// Run is the actor loop: record-change subscription, the time tick,
// and periodic reconciliation. Returns when ctx is done.
func (fs *FactStore) Run(ctx context.Context) {
	sub := fs.bus.SubscribeRecordChanges()
	defer sub.Close()

	tick := time.NewTicker(fs.tick)
	defer tick.Stop()
	reconcile := time.NewTicker(fs.reconcile)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-sub.C:
			if !ok {
				return
			}
			fs.applyChange(ctx, ch)
		case <-tick.C:
			fs.Tick()
		case <-reconcile.C:
			if err := fs.Reconcile(ctx); err != nil {
				fs.logger.Printf("factstore: reconcile: %v", err)
			}
		}
	}
}

// Tick advances now/1 to the current clock reading, re-evaluates, and
// publishes a snapshot. Time only ever moves via this path.
func (fs *FactStore) Tick() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.setNowLocked(fs.clock())
	fs.db.Evaluate()
	fs.metrics.IncCounter("flock_factstore_evaluations_total", map[string]string{"trigger": "tick"}, 1)
	fs.publishSnapshotLocked()
}

// Apply synchronously projects a record mutation into the fact base
// and re-evaluates. The deploy path uses this so placement queries see
// the new workload without waiting for bus delivery; the same change
// arriving later over the bus is a no-op.
func (fs *FactStore) Apply(op bus.Op, rec facts.Record) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.applyRecordLocked(op, rec)
	fs.db.Evaluate()
	fs.metrics.IncCounter("flock_factstore_evaluations_total", map[string]string{"trigger": "change"}, 1)
	fs.publishSnapshotLocked()
}

func (fs *FactStore) applyChange(ctx context.Context, ch bus.RecordChange) {
	if ch.Schema == bus.SchemaRules {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if err := fs.reloadUserRulesLocked(ctx); err != nil {
			fs.logger.Printf("factstore: reload user rules: %v", err)
			return
		}
		fs.publishSnapshotLocked()
		return
	}
	rec := recordOf(ch)
	if rec.EntityID() == "" {
		return
	}
	fs.Apply(ch.Op, rec)
}

func recordOf(ch bus.RecordChange) facts.Record {
	switch ch.Schema {
	case bus.SchemaNodes:
		return facts.Record{Node: ch.Node}
	case bus.SchemaWorkloads:
		return facts.Record{Workload: ch.Workload}
	case bus.SchemaWorkloadEvents:
		return facts.Record{WorkloadEvent: ch.WorkloadEvent}
	default:
		return facts.Record{}
	}
}

func (fs *FactStore) applyRecordLocked(op bus.Op, rec facts.Record) {
	id := rec.EntityID()
	switch {
	case rec.WorkloadEvent != nil:
		// Audit rows are append-only; a delete only arrives via
		// workload cascade, handled below.
		if op != bus.OpDelete {
			fs.db.AssertAll(facts.Project(rec))
		}
		return
	case rec.Node != nil:
		current := fs.entityFactsLocked(nodePredicates, id)
		desired := facts.NewSet()
		if op != bus.OpDelete {
			desired = facts.NewSet(facts.Project(rec)...)
		}
		fs.applyDiffLocked(current, desired)
	case rec.Workload != nil:
		current := fs.entityFactsLocked(workloadPredicates, id)
		desired := facts.NewSet()
		if op != bus.OpDelete {
			desired = facts.NewSet(facts.Project(rec)...)
		} else {
			for _, f := range fs.entityFactsLocked([]string{facts.PredWorkloadEvent}, id).Slice() {
				fs.db.Retract(f)
			}
		}
		fs.applyDiffLocked(current, desired)
	}
}

var nodePredicates = []string{
	facts.PredNode,
	facts.PredNodeResources,
	facts.PredNodeResourcesUsed,
	facts.PredNodeResourcesFree,
	facts.PredNodeHeartbeat,
	facts.PredNodeCapability,
}

var workloadPredicates = []string{
	facts.PredWorkload,
	facts.PredWorkloadPlacement,
	facts.PredWorkloadResources,
	facts.PredWorkloadConstraint,
}

func (fs *FactStore) entityFactsLocked(predicates []string, id string) facts.Set {
	keep := make(map[string]bool, len(predicates))
	for _, p := range predicates {
		keep[p] = true
	}
	out := facts.NewSet()
	for _, f := range fs.db.BaseFacts(func(pred string) bool { return keep[pred] }).Slice() {
		if len(f.Args) > 0 && f.Args[0].Kind == facts.KindStr && f.Args[0].Str == id {
			out.Add(f)
		}
	}
	return out
}

func (fs *FactStore) applyDiffLocked(current, desired facts.Set) {
	toAssert, toRetract := facts.Diff(current, desired)
	for _, f := range toRetract {
		fs.db.Retract(f)
	}
	fs.db.AssertAll(toAssert)
	fs.metrics.IncCounter("flock_factstore_facts_retracted_total", nil, float64(len(toRetract)))
	fs.metrics.IncCounter("flock_factstore_facts_asserted_total", nil, float64(len(toAssert)))
}

// Reconcile re-projects every durable record and drives the fact base
// to match, restricted to projected predicates so rule-defined facts
// like valid_transition survive. User rules reload when their stored
// text changed.
func (fs *FactStore) Reconcile(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	desired := facts.NewSet()
	nodes, err := fs.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("reconcile nodes: %w", err)
	}
	for _, n := range nodes {
		for _, f := range facts.ProjectNode(n) {
			desired.Add(f)
		}
	}
	workloads, err := fs.store.ListWorkloads(ctx)
	if err != nil {
		return fmt.Errorf("reconcile workloads: %w", err)
	}
	for _, w := range workloads {
		for _, f := range facts.ProjectWorkload(w) {
			desired.Add(f)
		}
		events, err := fs.store.ListWorkloadEvents(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("reconcile events for %s: %w", w.ID, err)
		}
		for _, ev := range events {
			for _, f := range facts.ProjectWorkloadEvent(ev) {
				desired.Add(f)
			}
		}
	}

	current := fs.db.BaseFacts(func(pred string) bool { return facts.ProjectedPredicates[pred] })
	toAssert, toRetract := facts.Diff(current, desired)
	for _, f := range toRetract {
		fs.db.Retract(f)
	}
	fs.db.AssertAll(toAssert)
	if len(toAssert) > 0 || len(toRetract) > 0 {
		fs.logger.Printf("factstore: reconcile drift: +%d -%d facts", len(toAssert), len(toRetract))
		fs.metrics.IncCounter("flock_factstore_reconcile_drift_total", nil, float64(len(toAssert)+len(toRetract)))
	}

	if err := fs.reloadUserRulesLocked(ctx); err != nil {
		return err
	}
	fs.setNowLocked(fs.clock())
	fs.db.Evaluate()
	fs.metrics.IncCounter("flock_factstore_evaluations_total", map[string]string{"trigger": "reconcile"}, 1)
	fs.publishSnapshotLocked()
	return nil
}

// reloadUserRulesLocked compiles the enabled user rules in priority
// order after the shipped base. Rules that fail to parse are skipped
// with a log line; one bad rule must not take down scheduling.
func (fs *FactStore) reloadUserRulesLocked(ctx context.Context) error {
	records, err := fs.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Priority < records[j].Priority })

	sig := ""
	for _, r := range records {
		sig += r.ID + "\x00" + r.RuleText + "\x00"
	}
	if sig == fs.userSig {
		return nil
	}

	var compiled []datalog.Rule
	newFacts := facts.NewSet()
	for _, r := range records {
		fg, rg, err := datalog.Parse(r.RuleText)
		if err != nil {
			fs.logger.Printf("factstore: skipping rule %s (%s): %v", r.Name, r.ID, err)
			continue
		}
		compiled = append(compiled, rg...)
		for _, f := range fg {
			newFacts.Add(f)
		}
	}

	all := make([]datalog.Rule, 0, len(fs.shippedRules)+len(compiled))
	all = append(all, fs.shippedRules...)
	all = append(all, compiled...)

	toAssert, toRetract := facts.Diff(fs.userFacts, newFacts)
	for _, f := range toRetract {
		fs.db.Retract(f)
	}
	fs.db.AssertAll(toAssert)

	if err := fs.db.LoadRules(all); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	fs.userRules = compiled
	fs.userFacts = newFacts
	fs.userSig = sig
	fs.metrics.SetGauge("flock_factstore_user_rules", nil, float64(len(compiled)))
	return nil
}

// setNowLocked swaps the singleton now/1 fact.
func (fs *FactStore) setNowLocked(t time.Time) {
	if fs.hasNow {
		fs.db.Retract(fs.nowFact)
	}
	fs.nowFact = facts.New(facts.PredNow, facts.Int(t.Unix()))
	fs.hasNow = true
	fs.db.Assert(fs.nowFact)
}

func (fs *FactStore) publishSnapshotLocked() {
	snap := bus.Snapshot{
		At:         fs.clock(),
		StaleNodes: fs.firstArgs("node_stale"),
		ShouldFail: fs.firstArgs("should_fail"),
		Orphaned:   fs.firstArgs("workload_orphaned"),
		CanRestart: fs.firstArgs("can_restart"),
		Overloaded: fs.firstArgs("node_overloaded"),
	}
	fs.bus.PublishSnapshot(snap)
	fs.metrics.IncCounter("flock_factstore_snapshots_total", nil, 1)
}

// Query returns all facts matching the pattern, base and derived,
// deduplicated and deterministically ordered.
func (fs *FactStore) Query(p datalog.Pattern) []facts.Fact {
	return fs.db.Query(p)
}

// Candidate is one (node, free resources) row from
// placement_candidate for a pending workload.
type Candidate struct {
	NodeID    string
	CPUFree   int64
	MemFreeMB int64
}

// PlacementCandidates returns every node the rule base allows the
// workload to be placed on, with its free resources.
func (fs *FactStore) PlacementCandidates(workloadID string) []Candidate {
	rows := fs.db.Query(datalog.NewPattern("placement_candidate",
		datalog.ValueArg(facts.Str(workloadID)), datalog.AnyArg(), datalog.AnyArg(), datalog.AnyArg()))
	out := make([]Candidate, 0, len(rows))
	for _, f := range rows {
		if len(f.Args) != 4 {
			continue
		}
		out = append(out, Candidate{
			NodeID:    argString(f.Args[1]),
			CPUFree:   f.Args[2].Int,
			MemFreeMB: f.Args[3].Int,
		})
	}
	return out
}

// CanTransition reports whether the lifecycle state machine allows
// the workload to move to next.
func (fs *FactStore) CanTransition(workloadID, next string) bool {
	rows := fs.db.Query(datalog.NewPattern("can_transition",
		datalog.ValueArg(facts.Str(workloadID)), datalog.ValueArg(facts.Sym(next))))
	return len(rows) > 0
}

// PlaceablePending returns the pending workloads with at least one
// placement candidate.
func (fs *FactStore) PlaceablePending() []string {
	rows := fs.db.Query(datalog.NewPattern("can_place", datalog.AnyArg(), datalog.AnyArg()))
	seen := make(map[string]bool, len(rows))
	out := make([]string, 0, len(rows))
	for _, f := range rows {
		if len(f.Args) != 2 {
			continue
		}
		id := argString(f.Args[0])
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (fs *FactStore) StaleNodes() []string         { return fs.firstArgs("node_stale") }
func (fs *FactStore) OverloadedNodes() []string    { return fs.firstArgs("node_overloaded") }
func (fs *FactStore) WorkloadsToFail() []string    { return fs.firstArgs("should_fail") }
func (fs *FactStore) WorkloadsToRestart() []string { return fs.firstArgs("can_restart") }
func (fs *FactStore) OrphanedWorkloads() []string  { return fs.firstArgs("workload_orphaned") }

func (fs *FactStore) firstArgs(predicate string) []string {
	rows := fs.db.Query(datalog.NewPattern(predicate, datalog.AnyArg()))
	seen := make(map[string]bool, len(rows))
	out := make([]string, 0, len(rows))
	for _, f := range rows {
		if len(f.Args) != 1 {
			continue
		}
		v := argString(f.Args[0])
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func argString(t facts.Term) string {
	switch t.Kind {
	case facts.KindStr:
		return t.Str
	case facts.KindSym:
		return t.Sym
	default:
		return fmt.Sprintf("%d", t.Int)
	}
}
