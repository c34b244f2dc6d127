// Package reactor closes the control loop: it watches the derived
// fact snapshots and turns them into coordinator writes. Snapshots
// are level-triggered, so every action is debounced per (category,
// entity) and safe to repeat.
package reactor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/example/flock/internal/bus"
	"github.com/example/flock/internal/observability"
	"github.com/example/flock/internal/state"
)

// Actions is the slice of the coordinator the reactor drives. All
// writes go through it; the reactor never touches the store.
type Actions interface {
	MarkNodeUnavailable(ctx context.Context, id string) error
	FailWorkload(ctx context.Context, id, reason string, clearPlacement bool) (state.WorkloadRecord, error)
	RestartWorkload(ctx context.Context, id string) (state.WorkloadRecord, error)
	PlaceWorkload(ctx context.Context, id string) (state.WorkloadRecord, error)
}

// PendingSource surfaces pending workloads the rule base can place
// right now.
type PendingSource interface {
	PlaceablePending() []string
}

type Reactor struct {
	bus      *bus.Bus
	actions  Actions
	pending  PendingSource
	debounce time.Duration
	logger   *log.Logger
	metrics  *observability.Registry
	clock    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

type Options struct {
	Bus      *bus.Bus
	Actions  Actions
	Pending  PendingSource
	Debounce time.Duration
	Logger   *log.Logger
	Metrics  *observability.Registry
	Clock    func() time.Time
}

func New(opts Options) *Reactor {
	r := &Reactor{
		bus:      opts.Bus,
		actions:  opts.Actions,
		pending:  opts.Pending,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		last:     make(map[string]time.Time),
	}
	if r.debounce <= 0 {
		r.debounce = 30 * time.Second
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.metrics == nil {
		r.metrics = observability.Default
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	return r
}

// Run consumes snapshots until ctx is done.
func (r *Reactor) Run(ctx context.Context) {
	sub := r.bus.SubscribeSnapshots()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			r.Handle(ctx, snap)
		}
	}
}

// Handle reacts to one snapshot. Exported so tests can drive the
// reactor without the bus.
func (r *Reactor) Handle(ctx context.Context, snap bus.Snapshot) {
	for _, id := range snap.StaleNodes {
		r.act(ctx, "node_stale", id, func() error {
			return r.actions.MarkNodeUnavailable(ctx, id)
		})
	}
	for _, id := range snap.Orphaned {
		r.act(ctx, "orphaned", id, func() error {
			_, err := r.actions.FailWorkload(ctx, id, "Node no longer exists", true)
			return err
		})
	}
	for _, id := range snap.ShouldFail {
		r.act(ctx, "should_fail", id, func() error {
			_, err := r.actions.FailWorkload(ctx, id, "Node unhealthy", false)
			return err
		})
	}
	for _, id := range snap.CanRestart {
		r.act(ctx, "can_restart", id, func() error {
			_, err := r.actions.RestartWorkload(ctx, id)
			return err
		})
	}
	for _, id := range snap.Overloaded {
		r.act(ctx, "overloaded", id, func() error {
			r.logger.Printf("reactor: node %s is overloaded", id)
			return nil
		})
	}
	if r.pending != nil {
		for _, id := range r.pending.PlaceablePending() {
			r.act(ctx, "place_pending", id, func() error {
				_, err := r.actions.PlaceWorkload(ctx, id)
				return err
			})
		}
	}
}

// act runs fn unless the same (category, id) pair fired within the
// debounce window. The entry is recorded before running so a failing
// action does not hot-loop.
func (r *Reactor) act(ctx context.Context, category, id string, fn func() error) {
	key := category + "|" + id
	now := r.clock()
	r.mu.Lock()
	if t, ok := r.last[key]; ok && now.Sub(t) < r.debounce {
		r.mu.Unlock()
		return
	}
	r.last[key] = now
	r.mu.Unlock()

	_, span := observability.StartSpan(ctx, "reactor."+category)
	defer span.End()
	if err := fn(); err != nil {
		// A record that vanished or moved on between snapshot and
		// action is expected churn, not a failure.
		if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrInvalidState) || errors.Is(err, state.ErrNoCandidates) {
			r.metrics.IncCounter("flock_reactor_actions_total", map[string]string{"category": category, "outcome": "skipped"}, 1)
			return
		}
		r.logger.Printf("reactor: %s %s: %v", category, id, err)
		r.metrics.IncCounter("flock_reactor_actions_total", map[string]string{"category": category, "outcome": "error"}, 1)
		return
	}
	r.metrics.IncCounter("flock_reactor_actions_total", map[string]string{"category": category, "outcome": "ok"}, 1)
}
