// Package bus is the in-process publish/subscribe fabric between the
// coordinator façade, the FactStore, and the reactor. Delivery is
// at-least-once within the process; ordering is FIFO per subscriber
// per topic. Subscribers must tolerate duplicate snapshots.
package bus

import (
	"sync"
	"time"

	"github.com/example/flock/internal/state"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Schema string

const (
	SchemaNodes          Schema = "nodes"
	SchemaWorkloads      Schema = "workloads"
	SchemaWorkloadEvents Schema = "workload_events"
	SchemaRules          Schema = "scheduling_rules"
)

// RecordChange is one durable-record mutation. Exactly one record
// pointer is set, matching Schema.
type RecordChange struct {
	Schema        Schema
	Op            Op
	Node          *state.NodeRecord
	Workload      *state.WorkloadRecord
	WorkloadEvent *state.WorkloadEventRecord
	Rule          *state.SchedulingRuleRecord
}

// Snapshot is a level-triggered bundle of the reactor-relevant
// derived facts, published after each evaluation.
type Snapshot struct {
	At         time.Time
	StaleNodes []string
	ShouldFail []string
	Orphaned   []string
	CanRestart []string
	Overloaded []string
}

// queue is an unbounded FIFO pumping into an unbuffered channel, so
// publishers never block on slow subscribers.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	out    chan T
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{out: make(chan T)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

func (q *queue[T]) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- item
	}
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// RecordSub receives record changes on C until Close.
type RecordSub struct {
	C <-chan RecordChange
	q *queue[RecordChange]
	b *Bus
}

func (s *RecordSub) Close() {
	s.b.removeRecordSub(s)
	s.q.close()
}

// SnapshotSub receives derived-fact snapshots on C until Close.
type SnapshotSub struct {
	C <-chan Snapshot
	q *queue[Snapshot]
	b *Bus
}

func (s *SnapshotSub) Close() {
	s.b.removeSnapshotSub(s)
	s.q.close()
}

type Bus struct {
	mu           sync.Mutex
	recordSubs   []*RecordSub
	snapshotSubs []*SnapshotSub
}

func New() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeRecordChanges() *RecordSub {
	q := newQueue[RecordChange]()
	sub := &RecordSub{C: q.out, q: q, b: b}
	b.mu.Lock()
	b.recordSubs = append(b.recordSubs, sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) SubscribeSnapshots() *SnapshotSub {
	q := newQueue[Snapshot]()
	sub := &SnapshotSub{C: q.out, q: q, b: b}
	b.mu.Lock()
	b.snapshotSubs = append(b.snapshotSubs, sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) PublishRecordChange(change RecordChange) {
	b.mu.Lock()
	subs := append([]*RecordSub(nil), b.recordSubs...)
	b.mu.Unlock()
	for _, s := range subs {
		s.q.push(change)
	}
}

func (b *Bus) PublishSnapshot(snap Snapshot) {
	b.mu.Lock()
	subs := append([]*SnapshotSub(nil), b.snapshotSubs...)
	b.mu.Unlock()
	for _, s := range subs {
		s.q.push(snap)
	}
}

func (b *Bus) removeRecordSub(sub *RecordSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.recordSubs {
		if s == sub {
			b.recordSubs = append(b.recordSubs[:i], b.recordSubs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeSnapshotSub(sub *SnapshotSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.snapshotSubs {
		if s == sub {
			b.snapshotSubs = append(b.snapshotSubs[:i], b.snapshotSubs[i+1:]...)
			return
		}
	}
}
