package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/rendis/lakeflow/pkg/schema"
)

// SQL driver names accepted by NewSQLStore.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// SQLStore implements Store over database/sql. It runs on libSQL (embedded
// SQLite fork) by default and on the pure-Go modernc SQLite driver.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given file URI, e.g. "file:/path/to/lakeflow.db".
func NewLibSQLStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DriverLibSQL, dsn)
}

// NewSQLiteStore opens a modernc SQLite database at the given path.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DriverSQLite, dsn)
}

// NewSQLStore opens dsn with the named driver and applies connection PRAGMAs.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver != DriverLibSQL && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	// A single connection serializes writers, which keeps event sequences gap-free.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := runMigrations(ctx, s.db)
	return err
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// --- Runs ---

const runColumns = `id, current_state, status, trigger_source, params, step_outputs, failure_reason,
	poll_attempts, version, started_at, deadline_at, updated_at, completed_at, archived_at`

func (s *SQLStore) CreateRun(ctx context.Context, run *RunRecord) error {
	params, outputs, err := marshalRunPayloads(run)
	if err != nil {
		return err
	}
	if run.Version == 0 {
		run.Version = 1
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.StartedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.State), string(run.Status), nullStr(run.Trigger), params, outputs,
		nullStr(run.FailureReason), run.PollAttempts, run.Version,
		toNanos(run.StartedAt), toNanos(run.DeadlineAt), toNanos(run.UpdatedAt),
		nullNanos(run.CompletedAt), nullNanos(run.ArchivedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateRun(run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveRun(ctx context.Context, run *RunRecord) error {
	params, outputs, err := marshalRunPayloads(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_state = ?, status = ?, params = ?, step_outputs = ?, failure_reason = ?,
		   poll_attempts = ?, version = version + 1, updated_at = ?, completed_at = ?, archived_at = ?
		 WHERE id = ? AND version = ? AND status = ?`,
		string(run.State), string(run.Status), params, outputs, nullStr(run.FailureReason),
		run.PollAttempts, toNanos(run.UpdatedAt), nullNanos(run.CompletedAt), nullNanos(run.ArchivedAt),
		run.ID, run.Version, string(schema.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("run", run.ID)
		}
		if err != nil {
			return err
		}
		return runConflict(run.ID, run.Version)
	}
	run.Version++
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Trigger != "" {
		where = append(where, "trigger_source = ?")
		args = append(args, filter.Trigger)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, toNanos(*filter.Since))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run                     RunRecord
		state, status           string
		trigger, reason         sql.NullString
		paramsJSON, outputsJSON string
		started, deadline, upd  int64
		completed, archived     sql.NullInt64
	)
	if err := row.Scan(&run.ID, &state, &status, &trigger, &paramsJSON, &outputsJSON, &reason,
		&run.PollAttempts, &run.Version, &started, &deadline, &upd, &completed, &archived); err != nil {
		return nil, err
	}
	run.State = schema.State(state)
	run.Status = schema.RunStatus(status)
	run.Trigger = trigger.String
	run.FailureReason = reason.String
	run.StartedAt = fromNanos(started)
	run.DeadlineAt = fromNanos(deadline)
	run.UpdatedAt = fromNanos(upd)
	run.CompletedAt = fromNullNanos(completed)
	run.ArchivedAt = fromNullNanos(archived)
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if outputsJSON != "" {
		if err := json.Unmarshal([]byte(outputsJSON), &run.StepOutputs); err != nil {
			return nil, fmt.Errorf("unmarshal step_outputs: %w", err)
		}
	}
	return &run, nil
}

// --- Events ---

// AppendEvent assigns the next per-run sequence and inserts the event.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, sequence, event_type, step, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.Step), nullRaw(event.Payload), toNanos(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (s *SQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, step, payload, timestamp
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &step, &payload, &ts); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Triggers ---

const triggerColumns = `id, cron_expression, params, enabled, last_run_at, next_run_at, last_run_id, last_run_status, created_at`

func (s *SQLStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	params, err := marshalMapOrDefault(t.Params)
	if err != nil {
		return fmt.Errorf("marshal trigger params: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CronExpression, string(params), boolInt(t.Enabled),
		nullNanos(t.LastRunAt), nullNanos(t.NextRunAt), nullStr(t.LastRunID), nullStr(t.LastRunStatus),
		toNanos(t.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q already exists", t.ID)
	}
	return err
}

func (s *SQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("trigger", id)
	}
	return t, err
}

func (s *SQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, toNanos(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, toNanos(*update.NextRunAt))
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE triggers SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *SQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *SQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var (
		t                  Trigger
		paramsJSON         string
		enabled            int
		lastRun, nextRun   sql.NullInt64
		lastID, lastStatus sql.NullString
		created            int64
	)
	if err := row.Scan(&t.ID, &t.CronExpression, &paramsJSON, &enabled, &lastRun, &nextRun,
		&lastID, &lastStatus, &created); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	t.LastRunAt = fromNullNanos(lastRun)
	t.NextRunAt = fromNullNanos(nextRun)
	t.LastRunID = lastID.String
	t.LastRunStatus = lastStatus.String
	t.CreatedAt = fromNanos(created)
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
			return nil, fmt.Errorf("unmarshal trigger params: %w", err)
		}
	}
	return &t, nil
}

// --- Helpers ---

func marshalRunPayloads(run *RunRecord) (params string, outputs string, err error) {
	p, err := marshalMapOrDefault(run.Params)
	if err != nil {
		return "", "", fmt.Errorf("marshal params: %w", err)
	}
	o := []byte("{}")
	if len(run.StepOutputs) > 0 {
		if o, err = json.Marshal(run.StepOutputs); err != nil {
			return "", "", fmt.Errorf("marshal step_outputs: %w", err)
		}
	}
	return string(p), string(o), nil
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
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
