package state

import "context"

// Store is the durable source of truth. The coordinator façade is the
// only writer; the FactStore and reactor read through it during bulk
// load and reconciliation.
type Store interface {
	ListNodes(ctx context.Context) ([]NodeRecord, error)
	GetNode(ctx context.Context, id string) (NodeRecord, bool, error)
	GetNodeByHostname(ctx context.Context, hostname string) (NodeRecord, bool, error)
	CreateNode(ctx context.Context, node NodeRecord) error
	UpdateNode(ctx context.Context, node NodeRecord) error
	DeleteNode(ctx context.Context, id string) error

	ListWorkloads(ctx context.Context) ([]WorkloadRecord, error)
	ListWorkloadsByStatus(ctx context.Context, status string) ([]WorkloadRecord, error)
	GetWorkload(ctx context.Context, id string) (WorkloadRecord, bool, error)
	CreateWorkload(ctx context.Context, w WorkloadRecord) error
	UpdateWorkload(ctx context.Context, w WorkloadRecord) error
	DeleteWorkload(ctx context.Context, id string) error

	AppendWorkloadEvent(ctx context.Context, ev WorkloadEventRecord) error
	ListWorkloadEvents(ctx context.Context, workloadID string) ([]WorkloadEventRecord, error)

	ListRules(ctx context.Context) ([]SchedulingRuleRecord, error)
	ListEnabledRules(ctx context.Context) ([]SchedulingRuleRecord, error)
	GetRule(ctx context.Context, id string) (SchedulingRuleRecord, bool, error)
	CreateRule(ctx context.Context, r SchedulingRuleRecord) error
	UpdateRule(ctx context.Context, r SchedulingRuleRecord) error
	DeleteRule(ctx context.Context, id string) error

	Close() error
}
