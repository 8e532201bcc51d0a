package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/fitops/relay/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

//go:embed migrations/001_initial_schema.sql
var schemaSQL string

// schemaVersion is stamped into PRAGMA user_version after the schema applies.
// Bump it together with the schema script when the layout changes.
const schemaVersion = 1

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db". The schema is
// applied on open, so a fresh path yields a ready store.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	if err := s.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// applySchema brings the database to the current schema version, using
// PRAGMA user_version as the marker. Opening an up-to-date database is a
// no-op; everything in the script is IF NOT EXISTS so a crash between the
// script and the stamp heals on the next open.
func (s *LibSQLStore) applySchema(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	var stmt strings.Builder
	for _, line := range strings.Split(schemaSQL, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		stmt.WriteString(line)
		stmt.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			if _, err := s.db.ExecContext(ctx, stmt.String()); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			stmt.Reset()
		}
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// --- Workflow catalog ---

func (s *LibSQLStore) PublishWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, tenant_id, name, status, trigger_type, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Version, wf.TenantID, wf.Name, string(wf.Status), wf.TriggerType,
		string(def), timeOrNow(wf.CreatedAt), now,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s version %d already published", wf.ID, wf.Version)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, tenant_id, name, status, trigger_type, definition, created_at, updated_at
		 FROM workflows WHERE id = ? AND version = ?`, id, version)
	return scanWorkflow(row, id)
}

func (s *LibSQLStore) GetLatestWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, tenant_id, name, status, trigger_type, definition, created_at, updated_at
		 FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	return scanWorkflow(row, id)
}

func (s *LibSQLStore) ListWorkflowsByTrigger(ctx context.Context, tenantID, triggerType string) ([]*schema.Workflow, error) {
	// Only the latest version of each workflow participates in matching.
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id, w.version, w.tenant_id, w.name, w.status, w.trigger_type, w.definition, w.created_at, w.updated_at
		 FROM workflows w
		 JOIN (SELECT id, MAX(version) AS version FROM workflows WHERE tenant_id = ? GROUP BY id) latest
		   ON w.id = latest.id AND w.version = latest.version
		 WHERE w.trigger_type = ? AND w.status = ?
		 ORDER BY w.id`,
		tenantID, triggerType, string(schema.WorkflowActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, tenantID string) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id, w.version, w.tenant_id, w.name, w.status, w.trigger_type, w.definition, w.created_at, w.updated_at
		 FROM workflows w
		 JOIN (SELECT id, MAX(version) AS version FROM workflows WHERE tenant_id = ? GROUP BY id) latest
		   ON w.id = latest.id AND w.version = latest.version
		 ORDER BY w.id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *LibSQLStore) ListScheduledWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id, w.version, w.tenant_id, w.name, w.status, w.trigger_type, w.definition, w.created_at, w.updated_at
		 FROM workflows w
		 JOIN (SELECT id, MAX(version) AS version FROM workflows GROUP BY id) latest
		   ON w.id = latest.id AND w.version = latest.version
		 WHERE w.trigger_type = ? AND w.status = ?
		 ORDER BY w.id`,
		schema.TriggerSchedule, string(schema.WorkflowActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *LibSQLStore) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Run lifecycle ---

func (s *LibSQLStore) Reserve(ctx context.Context, req ReserveRequest) (*Run, error) {
	vars, err := marshalMapOrDefault(req.Variables)
	if err != nil {
		return nil, fmt.Errorf("marshal run variables: %w", err)
	}

	run := &Run{
		ID:              newRunID(),
		WorkflowID:      req.WorkflowID,
		WorkflowVersion: req.WorkflowVersion,
		TenantID:        req.TenantID,
		TriggerEventID:  req.TriggerEventID,
		Status:          schema.RunPending,
		CurrentNodeID:   req.StartNodeID,
		Variables:       vars,
		CreatedAt:       time.Now().UTC(),
	}

	// INSERT OR IGNORE + RowsAffected detects the (workflow, event) unique
	// conflict without parsing driver error strings.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs
		 (id, workflow_id, workflow_version, tenant_id, trigger_event_id, status, current_node_id, variables, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, run.TenantID, run.TriggerEventID,
		string(run.Status), run.CurrentNodeID, string(vars), run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrDuplicateRun
	}
	return run, nil
}

func (s *LibSQLStore) ClaimNext(ctx context.Context, owner string, ttl time.Duration) (*Run, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM runs
		 WHERE status = ? AND (retry_at IS NULL OR retry_at <= ?) AND (lease_owner = '' OR lease_expires_at <= ?)
		 ORDER BY created_at LIMIT 1`,
		string(schema.RunPending), now, now.UnixNano(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, lease_owner = ?, lease_expires_at = ?,
		 started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = ?`,
		string(schema.RunRunning), owner, now.Add(ttl).UnixNano(), now, id, string(schema.RunPending))
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}

	run, err := getRunTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lease_expires_at = ? WHERE id = ? AND lease_owner = ? AND status = ?`,
		time.Now().UTC().Add(ttl).UnixNano(), runID, owner, string(schema.RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *LibSQLStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lease_owner = '', lease_expires_at = 0 WHERE id = ? AND lease_owner = ?`,
		runID, owner)
	return err
}

func (s *LibSQLStore) ReclaimExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, lease_owner = '', lease_expires_at = 0
		 WHERE status = ? AND lease_expires_at > 0 AND lease_expires_at <= ?`,
		string(schema.RunPending), string(schema.RunRunning), time.Now().UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *LibSQLStore) Advance(ctx context.Context, runID string, step *Step, nextNodeID string, variables map[string]any) error {
	vars, err := marshalMapOrDefault(variables)
	if err != nil {
		return fmt.Errorf("marshal run variables: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertStepTx(ctx, tx, step); err != nil {
		return err
	}

	// step_seq < seq makes replays of an already-applied advance a no-op.
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET current_node_id = ?, variables = ?, step_seq = ?,
		 attempt_count = 0, retry_at = NULL, last_error = NULL
		 WHERE id = ? AND step_seq < ?`,
		nextNodeID, string(vars), step.Seq, runID, step.Seq)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ScheduleRetry(ctx context.Context, runID string, step *Step, retryAt time.Time, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertStepTx(ctx, tx, step); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, retry_at = ?, step_seq = ?, attempt_count = attempt_count + 1,
		 last_error = ?, lease_owner = '', lease_expires_at = 0
		 WHERE id = ? AND status IN (?, ?)`,
		string(schema.RunPending), retryAt.UTC(), step.Seq, lastError,
		runID, string(schema.RunRunning), string(schema.RunPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunFinished
	}
	return tx.Commit()
}

func (s *LibSQLStore) Complete(ctx context.Context, runID string, step *Step, variables map[string]any, status schema.RunStatus, lastError string) error {
	if !status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s is not a terminal status", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	extraClause := ""
	args := []any{string(status), nullStr(lastError), time.Now().UTC()}
	if step != nil {
		if err := insertStepTx(ctx, tx, step); err != nil {
			return err
		}
		extraClause += ", step_seq = ?"
		args = append(args, step.Seq)
	}
	if variables != nil {
		vars, err := marshalMapOrDefault(variables)
		if err != nil {
			return fmt.Errorf("marshal run variables: %w", err)
		}
		extraClause += ", variables = ?"
		args = append(args, string(vars))
	}
	args = append(args, runID, string(schema.RunRunning), string(schema.RunPending))

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, last_error = ?, completed_at = ?, lease_owner = '', lease_expires_at = 0`+
			extraClause+` WHERE id = ? AND status IN (?, ?)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunFinished
	}
	return tx.Commit()
}

func (s *LibSQLStore) CancelRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, lease_owner = '', lease_expires_at = 0
		 WHERE id = ? AND status IN (?, ?)`,
		string(schema.RunCancelled), time.Now().UTC(), runID,
		string(schema.RunPending), string(schema.RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrRunFinished
	}
	return nil
}

// --- Inspection ---

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	return getRunTx(ctx, s.db, runID)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TriggerEventID != "" {
		conds = append(conds, "trigger_event_id = ?")
		args = append(args, filter.TriggerEventID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, node_id, outcome, response, detail, entered_at, exited_at
		 FROM run_steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		var response, detail sql.NullString
		var outcome string
		if err := rows.Scan(&st.RunID, &st.Seq, &st.NodeID, &outcome, &response, &detail,
			&st.EnteredAt, &st.ExitedAt); err != nil {
			return nil, err
		}
		st.Outcome = schema.StepOutcome(outcome)
		st.Response = rawOrNil(response)
		st.Detail = detail.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Notifications ---

func (s *LibSQLStore) AddNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, tenant_id, run_id, title, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.TenantID, n.RunID, n.Title, nullStr(n.Body), timeOrNow(n.CreatedAt))
	return err
}

var _ Store = (*LibSQLStore)(nil)

// --- Scanning ---

const runColumns = `id, workflow_id, workflow_version, tenant_id, trigger_event_id, status,
	current_node_id, variables, step_seq, attempt_count, retry_at, lease_owner,
	lease_expires_at, last_error, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRunTx(ctx context.Context, q querier, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	return run, err
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var status string
	var variables, lastError sql.NullString
	var retryAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.WorkflowID, &r.WorkflowVersion, &r.TenantID, &r.TriggerEventID,
		&status, &r.CurrentNodeID, &variables, &r.StepSeq, &r.AttemptCount, &retryAt,
		&r.LeaseOwner, &r.LeaseExpiresAt, &lastError, &r.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.Variables = rawOrNil(variables)
	r.LastError = lastError.String
	if retryAt.Valid {
		r.RetryAt = &retryAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func scanWorkflow(row rowScanner, id string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var status, def string
	err := row.Scan(&wf.ID, &wf.Version, &wf.TenantID, &wf.Name, &status, &wf.TriggerType,
		&def, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "corrupt definition for workflow %s", wf.ID).WithCause(err)
	}
	return wf, nil
}

func scanWorkflows(rows *sql.Rows) ([]*schema.Workflow, error) {
	var wfs []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows, "")
		if err != nil {
			return nil, err
		}
		wfs = append(wfs, wf)
	}
	return wfs, rows.Err()
}

func insertStepTx(ctx context.Context, tx *sql.Tx, step *Step) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_steps (run_id, seq, node_id, outcome, response, detail, entered_at, exited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Seq, step.NodeID, string(step.Outcome),
		nullRaw(step.Response), nullStr(step.Detail),
		timeOrNow(step.EnteredAt), timeOrNow(step.ExitedAt))
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RelayError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
