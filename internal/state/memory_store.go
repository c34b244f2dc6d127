package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu        sync.Mutex
	nodes     map[string]NodeRecord
	workloads map[string]WorkloadRecord
	events    []WorkloadEventRecord
	rules     map[string]SchedulingRuleRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[string]NodeRecord),
		workloads: make(map[string]WorkloadRecord),
		events:    make([]WorkloadEventRecord, 0, 128),
		rules:     make(map[string]SchedulingRuleRecord),
	}
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyNode(n NodeRecord) NodeRecord {
	n.Capabilities = copyStringMap(n.Capabilities)
	if n.LastHeartbeatAt != nil {
		t := *n.LastHeartbeatAt
		n.LastHeartbeatAt = &t
	}
	return n
}

func copyWorkload(w WorkloadRecord) WorkloadRecord {
	w.Env = copyStringMap(w.Env)
	w.Constraints = copyStringMap(w.Constraints)
	if len(w.Args) > 0 {
		w.Args = append([]string(nil), w.Args...)
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		w.StartedAt = &t
	}
	if w.StoppedAt != nil {
		t := *w.StoppedAt
		w.StoppedAt = &t
	}
	return w
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeRecord, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetNode(_ context.Context, id string) (NodeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	return copyNode(n), ok, nil
}

func (m *MemoryStore) GetNodeByHostname(_ context.Context, hostname string) (NodeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.Hostname == hostname {
			return copyNode(n), true, nil
		}
	}
	return NodeRecord{}, false, nil
}

func (m *MemoryStore) CreateNode(_ context.Context, node NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.Hostname == node.Hostname {
			return fmt.Errorf("%w: duplicate hostname %s", ErrDurableStore, node.Hostname)
		}
	}
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	m.nodes[node.ID] = copyNode(node)
	return nil
}

func (m *MemoryStore) UpdateNode(_ context.Context, node NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.ID]; !ok {
		return ErrNotFound
	}
	node.UpdatedAt = time.Now().UTC()
	m.nodes[node.ID] = copyNode(node)
	return nil
}

func (m *MemoryStore) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, id)
	// nullify on delete, matching the relational schema
	for wid, w := range m.workloads {
		if w.NodeID == id {
			w.NodeID = ""
			m.workloads[wid] = w
		}
	}
	return nil
}

func (m *MemoryStore) ListWorkloads(_ context.Context) ([]WorkloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkloadRecord, 0, len(m.workloads))
	for _, w := range m.workloads {
		out = append(out, copyWorkload(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListWorkloadsByStatus(_ context.Context, status string) ([]WorkloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkloadRecord, 0)
	for _, w := range m.workloads {
		if w.Status == status {
			out = append(out, copyWorkload(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetWorkload(_ context.Context, id string) (WorkloadRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workloads[id]
	return copyWorkload(w), ok, nil
}

func (m *MemoryStore) CreateWorkload(_ context.Context, w WorkloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	m.workloads[w.ID] = copyWorkload(w)
	return nil
}

func (m *MemoryStore) UpdateWorkload(_ context.Context, w WorkloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workloads[w.ID]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now().UTC()
	m.workloads[w.ID] = copyWorkload(w)
	return nil
}

func (m *MemoryStore) DeleteWorkload(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workloads[id]; !ok {
		return ErrNotFound
	}
	delete(m.workloads, id)
	// cascade delete, matching the relational schema
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.WorkloadID != id {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

func (m *MemoryStore) AppendWorkloadEvent(_ context.Context, ev WorkloadEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.InsertedAt.IsZero() {
		ev.InsertedAt = time.Now().UTC()
	}
	ev.Metadata = copyStringMap(ev.Metadata)
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) ListWorkloadEvents(_ context.Context, workloadID string) ([]WorkloadEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkloadEventRecord, 0)
	for _, ev := range m.events {
		if ev.WorkloadID == workloadID {
			ev.Metadata = copyStringMap(ev.Metadata)
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRules(_ context.Context) ([]SchedulingRuleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SchedulingRuleRecord, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

func (m *MemoryStore) ListEnabledRules(_ context.Context) ([]SchedulingRuleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SchedulingRuleRecord, 0)
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []SchedulingRuleRecord) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (SchedulingRuleRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	return r, ok, nil
}

func (m *MemoryStore) CreateRule(_ context.Context, r SchedulingRuleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.Name == r.Name {
			return fmt.Errorf("%w: duplicate rule name %s", ErrDurableStore, r.Name)
		}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rules[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, r SchedulingRuleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	m.rules[r.ID] = r
	return nil
}

func (m *MemoryStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
