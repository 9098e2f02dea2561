package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/marqops/conductor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/conductor.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition missing ID")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_definitions (id, name, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflow_definitions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %q: %w", id, err)
	}
	return &def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	return nil
}

// --- Execution records ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution record missing ID")
	}
	completed, _ := json.Marshal(rec.CompletedSteps)
	failed, _ := json.Marshal(rec.FailedSteps)
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO executions
		(execution_id, workflow_id, org_id, user_id, status, input_data, output_data,
		 completed_steps, failed_steps, started_at, completed_at, duration_seconds, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.WorkflowID, rec.OrgID, rec.UserID, string(rec.Status),
		nullableRaw(rec.InputData), nullableRaw(rec.OutputData),
		string(completed), string(failed),
		rec.StartedAt, rec.CompletedAt, rec.DurationSeconds, rec.Error)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT execution_id, workflow_id, org_id, user_id, status,
		input_data, output_data, completed_steps, failed_steps,
		started_at, completed_at, duration_seconds, error
		FROM executions WHERE execution_id = ?`, executionID)

	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	query := `SELECT execution_id, workflow_id, org_id, user_id, status,
		input_data, output_data, completed_steps, failed_steps,
		started_at, completed_at, duration_seconds, error
		FROM executions WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var orgID, userID, inputData, outputData, completedSteps, failedSteps, errMsg sql.NullString
	if err := row.Scan(
		&rec.ExecutionID, &rec.WorkflowID, &orgID, &userID, &rec.Status,
		&inputData, &outputData, &completedSteps, &failedSteps,
		&rec.StartedAt, &rec.CompletedAt, &rec.DurationSeconds, &errMsg,
	); err != nil {
		return nil, err
	}
	rec.OrgID = orgID.String
	rec.UserID = userID.String
	rec.Error = errMsg.String
	if inputData.Valid {
		rec.InputData = json.RawMessage(inputData.String)
	}
	if outputData.Valid {
		rec.OutputData = json.RawMessage(outputData.String)
	}
	if completedSteps.Valid {
		_ = json.Unmarshal([]byte(completedSteps.String), &rec.CompletedSteps)
	}
	if failedSteps.Valid {
		_ = json.Unmarshal([]byte(failedSteps.String), &rec.FailedSteps)
	}
	return &rec, nil
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled run missing ID")
	}
	var input any
	if run.Input != nil {
		raw, err := json.Marshal(run.Input)
		if err != nil {
			return fmt.Errorf("marshal scheduled run input: %w", err)
		}
		input = string(raw)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_runs
		(id, workflow_id, run_at, input, org_id, user_id, recurring, pattern, status, execution_id, created_at, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.RunAt, input, run.OrgID, run.UserID,
		boolToInt(run.Recurring), run.Pattern, string(run.Status), run.ExecutionID,
		createdAt, run.FiredAt)
	if err != nil {
		return fmt.Errorf("insert scheduled run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workflow_id, run_at, input, org_id, user_id,
		recurring, pattern, status, execution_id, created_at, fired_at
		FROM scheduled_runs WHERE id = ?`, id)

	run, err := scanScheduledRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	query := `UPDATE scheduled_runs SET id = id`
	var args []any
	if update.Status != nil {
		query += `, status = ?`
		args = append(args, string(*update.Status))
	}
	if update.ExecutionID != nil {
		query += `, execution_id = ?`
		args = append(args, *update.ExecutionID)
	}
	if update.FiredAt != nil {
		query += `, fired_at = ?`
		args = append(args, *update.FiredAt)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update scheduled run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %q not found", id)
	}
	return nil
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	query := `SELECT id, workflow_id, run_at, input, org_id, user_id,
		recurring, pattern, status, execution_id, created_at, fired_at
		FROM scheduled_runs WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DueBefore != nil {
		query += ` AND run_at <= ?`
		args = append(args, *filter.DueBefore)
	}
	query += ` ORDER BY run_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		run, err := scanScheduledRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %q not found", id)
	}
	return nil
}

func scanScheduledRun(row rowScanner) (*ScheduledRun, error) {
	var run ScheduledRun
	var input, orgID, userID, pattern, executionID sql.NullString
	var recurring int
	var firedAt sql.NullTime
	if err := row.Scan(
		&run.ID, &run.WorkflowID, &run.RunAt, &input, &orgID, &userID,
		&recurring, &pattern, &run.Status, &executionID, &run.CreatedAt, &firedAt,
	); err != nil {
		return nil, err
	}
	run.OrgID = orgID.String
	run.UserID = userID.String
	run.Pattern = pattern.String
	run.ExecutionID = executionID.String
	run.Recurring = recurring != 0
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &run.Input); err != nil {
			return nil, fmt.Errorf("unmarshal scheduled run input: %w", err)
		}
	}
	if firedAt.Valid {
		t := firedAt.Time
		run.FiredAt = &t
	}
	return &run, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "event is nil")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO events
		(workflow_id, execution_id, step_id, event_type, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, event.ExecutionID, event.StepID, event.Type,
		nullableRaw(event.Payload), ts)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	query := `SELECT id, workflow_id, execution_id, step_id, event_type, payload, timestamp
		FROM events WHERE id > ?`
	args := []any{since}
	if executionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var executionID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &executionID, &stepID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.ExecutionID = executionID.String
		e.StepID = stepID.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return nil
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
