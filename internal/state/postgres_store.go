package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/example/flock/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func scanTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

const nodeColumns = `id, hostname, status, cpu_total, memory_total_mb, cpu_used, memory_used_mb, hypervisor, capabilities_json, agent_url, last_heartbeat_at, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (NodeRecord, error) {
	var n NodeRecord
	var caps string
	var hb sql.NullTime
	err := row.Scan(&n.ID, &n.Hostname, &n.Status, &n.CPUTotal, &n.MemoryTotalMB, &n.CPUUsed, &n.MemoryUsedMB, &n.Hypervisor, &caps, &n.AgentURL, &hb, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return NodeRecord{}, err
	}
	if err := json.Unmarshal([]byte(caps), &n.Capabilities); err != nil {
		return NodeRecord{}, err
	}
	n.LastHeartbeatAt = scanTimePtr(hb)
	return n, nil
}

func (p *PostgresStore) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	defer rows.Close()
	out := make([]NodeRecord, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetNode(ctx context.Context, id string) (NodeRecord, bool, error) {
	n, err := scanNode(p.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRecord{}, false, nil
	}
	if err != nil {
		return NodeRecord{}, false, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return n, true, nil
}

func (p *PostgresStore) GetNodeByHostname(ctx context.Context, hostname string) (NodeRecord, bool, error) {
	n, err := scanNode(p.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE hostname=$1`, hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRecord{}, false, nil
	}
	if err != nil {
		return NodeRecord{}, false, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return n, true, nil
}

func (p *PostgresStore) CreateNode(ctx context.Context, node NodeRecord) error {
	caps, err := json.Marshal(orEmptyMap(node.Capabilities))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		node.ID, node.Hostname, node.Status, node.CPUTotal, node.MemoryTotalMB, node.CPUUsed, node.MemoryUsedMB, node.Hypervisor, string(caps), node.AgentURL, nullTime(node.LastHeartbeatAt), node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return nil
}

func (p *PostgresStore) UpdateNode(ctx context.Context, node NodeRecord) error {
	caps, err := json.Marshal(orEmptyMap(node.Capabilities))
	if err != nil {
		return err
	}
	node.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE nodes SET hostname=$2, status=$3, cpu_total=$4, memory_total_mb=$5, cpu_used=$6, memory_used_mb=$7, hypervisor=$8, capabilities_json=$9, agent_url=$10, last_heartbeat_at=$11, updated_at=$12 WHERE id=$1`,
		node.ID, node.Hostname, node.Status, node.CPUTotal, node.MemoryTotalMB, node.CPUUsed, node.MemoryUsedMB, node.Hypervisor, string(caps), node.AgentURL, nullTime(node.LastHeartbeatAt), node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return requireRow(res)
}

func (p *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return requireRow(res)
}

const workloadColumns = `id, type, status, command, args_json, env_json, cpu_required, memory_required_mb, constraints_json, node_id, error_text, ip, started_at, stopped_at, created_at, updated_at`

func scanWorkload(row interface{ Scan(...any) error }) (WorkloadRecord, error) {
	var w WorkloadRecord
	var args, env, constraints string
	var nodeID sql.NullString
	var started, stopped sql.NullTime
	err := row.Scan(&w.ID, &w.Type, &w.Status, &w.Command, &args, &env, &w.CPURequired, &w.MemoryRequiredMB, &constraints, &nodeID, &w.Error, &w.IP, &started, &stopped, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return WorkloadRecord{}, err
	}
	if err := json.Unmarshal([]byte(args), &w.Args); err != nil {
		return WorkloadRecord{}, err
	}
	if err := json.Unmarshal([]byte(env), &w.Env); err != nil {
		return WorkloadRecord{}, err
	}
	if err := json.Unmarshal([]byte(constraints), &w.Constraints); err != nil {
		return WorkloadRecord{}, err
	}
	if nodeID.Valid {
		w.NodeID = nodeID.String
	}
	w.StartedAt = scanTimePtr(started)
	w.StoppedAt = scanTimePtr(stopped)
	return w, nil
}

func (p *PostgresStore) ListWorkloads(ctx context.Context) ([]WorkloadRecord, error) {
	return p.queryWorkloads(ctx, `SELECT `+workloadColumns+` FROM workloads ORDER BY id`)
}

func (p *PostgresStore) ListWorkloadsByStatus(ctx context.Context, status string) ([]WorkloadRecord, error) {
	return p.queryWorkloads(ctx, `SELECT `+workloadColumns+` FROM workloads WHERE status=$1 ORDER BY id`, status)
}

func (p *PostgresStore) queryWorkloads(ctx context.Context, query string, args ...any) ([]WorkloadRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	defer rows.Close()
	out := make([]WorkloadRecord, 0)
	for rows.Next() {
		w, err := scanWorkload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetWorkload(ctx context.Context, id string) (WorkloadRecord, bool, error) {
	w, err := scanWorkload(p.db.QueryRowContext(ctx, `SELECT `+workloadColumns+` FROM workloads WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkloadRecord{}, false, nil
	}
	if err != nil {
		return WorkloadRecord{}, false, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return w, true, nil
}

func (p *PostgresStore) CreateWorkload(ctx context.Context, w WorkloadRecord) error {
	args, env, constraints, err := marshalWorkloadJSON(w)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workloads (`+workloadColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		w.ID, w.Type, w.Status, w.Command, args, env, w.CPURequired, w.MemoryRequiredMB, constraints, nullString(w.NodeID), w.Error, w.IP, nullTime(w.StartedAt), nullTime(w.StoppedAt), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return nil
}

func (p *PostgresStore) UpdateWorkload(ctx context.Context, w WorkloadRecord) error {
	args, env, constraints, err := marshalWorkloadJSON(w)
	if err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE workloads SET type=$2, status=$3, command=$4, args_json=$5, env_json=$6, cpu_required=$7, memory_required_mb=$8, constraints_json=$9, node_id=$10, error_text=$11, ip=$12, started_at=$13, stopped_at=$14, updated_at=$15 WHERE id=$1`,
		w.ID, w.Type, w.Status, w.Command, args, env, w.CPURequired, w.MemoryRequiredMB, constraints, nullString(w.NodeID), w.Error, w.IP, nullTime(w.StartedAt), nullTime(w.StoppedAt), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return requireRow(res)
}

func (p *PostgresStore) DeleteWorkload(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM workloads WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return requireRow(res)
}

func marshalWorkloadJSON(w WorkloadRecord) (string, string, string, error) {
	args := w.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", "", "", err
	}
	envJSON, err := json.Marshal(orEmptyMap(w.Env))
	if err != nil {
		return "", "", "", err
	}
	constraintsJSON, err := json.Marshal(orEmptyMap(w.Constraints))
	if err != nil {
		return "", "", "", err
	}
	return string(argsJSON), string(envJSON), string(constraintsJSON), nil
}

func (p *PostgresStore) AppendWorkloadEvent(ctx context.Context, ev WorkloadEventRecord) error {
	meta, err := json.Marshal(orEmptyMap(ev.Metadata))
	if err != nil {
		return err
	}
	if ev.InsertedAt.IsZero() {
		ev.InsertedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workload_events (id, workload_id, event_type, metadata_json, inserted_at) VALUES ($1,$2,$3,$4,$5)`,
		ev.ID, ev.WorkloadID, ev.EventType, string(meta), ev.InsertedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return nil
}

func (p *PostgresStore) ListWorkloadEvents(ctx context.Context, workloadID string) ([]WorkloadEventRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, workload_id, event_type, metadata_json, inserted_at FROM workload_events WHERE workload_id=$1 ORDER BY inserted_at`, workloadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	defer rows.Close()
	out := make([]WorkloadEventRecord, 0)
	for rows.Next() {
		var ev WorkloadEventRecord
		var meta string
		if err := rows.Scan(&ev.ID, &ev.WorkloadID, &ev.EventType, &meta, &ev.InsertedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const ruleColumns = `id, name, description, rule_text, enabled, priority, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (SchedulingRuleRecord, error) {
	var r SchedulingRuleRecord
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.RuleText, &r.Enabled, &r.Priority, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (p *PostgresStore) ListRules(ctx context.Context) ([]SchedulingRuleRecord, error) {
	return p.queryRules(ctx, `SELECT `+ruleColumns+` FROM scheduling_rules ORDER BY priority, name`)
}

func (p *PostgresStore) ListEnabledRules(ctx context.Context) ([]SchedulingRuleRecord, error) {
	return p.queryRules(ctx, `SELECT `+ruleColumns+` FROM scheduling_rules WHERE enabled ORDER BY priority, name`)
}

func (p *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]SchedulingRuleRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	defer rows.Close()
	out := make([]SchedulingRuleRecord, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRule(ctx context.Context, id string) (SchedulingRuleRecord, bool, error) {
	r, err := scanRule(p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM scheduling_rules WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SchedulingRuleRecord{}, false, nil
	}
	if err != nil {
		return SchedulingRuleRecord{}, false, fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return r, true, nil
}

func (p *PostgresStore) CreateRule(ctx context.Context, r SchedulingRuleRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO scheduling_rules (`+ruleColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.Name, r.Description, r.RuleText, r.Enabled, r.Priority, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return nil
}

func (p *PostgresStore) UpdateRule(ctx context.Context, r SchedulingRuleRecord) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE scheduling_rules SET name=$2, description=$3, rule_text=$4, enabled=$5, priority=$6, updated_at=$7 WHERE id=$1`,
		r.ID, r.Name, r.Description, r.RuleText, r.Enabled, r.Priority, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return requireRow(res)
}

func (p *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scheduling_rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStore, err)
	}
	return requireRow(res)
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
