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

	"github.com/rendis/actuator/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
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

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Prune deletes invocations created before the cutoff, with their attempts
// and journal entries. Returns the number of invocations removed.
func (s *LibSQLStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE invocation_id IN (SELECT id FROM invocations WHERE created_at < ?)`, before,
	); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM invocations WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

// --- Invocations ---

func (s *LibSQLStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	params, err := marshalMapOrDefault(inv.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	status := inv.Status
	if status == "" {
		status = schema.InvocationStatusRunning
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, action, source, params, status, attempts, output, error, created_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Action, nullStr(inv.Source), string(params), string(status), inv.Attempts,
		nullRaw(inv.Output), nullRaw(inv.Error), timeOrNow(inv.CreatedAt), nullTime(inv.CompletedAt), inv.DurationMs,
	)
	return err
}

func (s *LibSQLStore) FinishInvocation(ctx context.Context, id string, update InvocationUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, attempts = ?, output = ?, error = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		string(update.Status), update.Attempts, nullRaw(update.Output), nullRaw(update.Error),
		timeOrNow(update.CompletedAt), update.DurationMs, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "invocation", id)
}

const invocationColumns = "id, action, source, params, status, attempts, output, error, created_at, completed_at, duration_ms"

func (s *LibSQLStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("invocation", id)
	}
	return inv, err
}

func (s *LibSQLStore) ListInvocations(ctx context.Context, filter InvocationFilter) ([]*Invocation, error) {
	var where []string
	var args []any

	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + invocationColumns + " FROM invocations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	inv := &Invocation{}
	var (
		source                sql.NullString
		paramsJSON, status    string
		outputJSON, errorJSON sql.NullString
		completedAt           sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.Action, &source, &paramsJSON, &status, &inv.Attempts,
		&outputJSON, &errorJSON, &inv.CreatedAt, &completedAt, &inv.DurationMs); err != nil {
		return nil, err
	}
	inv.Source = source.String
	inv.Status = schema.InvocationStatus(status)
	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &inv.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	inv.Output = rawOrNil(outputJSON)
	inv.Error = rawOrNil(errorJSON)
	if completedAt.Valid {
		inv.CompletedAt = &completedAt.Time
	}
	return inv, nil
}

// --- Attempts ---

func (s *LibSQLStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (invocation_id, number, outcome, error_code, error_message, status_code, delay_ms, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.InvocationID, a.Number, string(a.Outcome), nullStr(a.ErrorCode), nullStr(a.ErrorMessage),
		nullInt(a.StatusCode), a.DelayMs, timeOrNow(a.StartedAt), a.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListAttempts(ctx context.Context, invocationID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation_id, number, outcome, error_code, error_message, status_code, delay_ms, started_at, duration_ms
		 FROM attempts WHERE invocation_id = ? ORDER BY number ASC`, invocationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var (
			outcome       string
			code, message sql.NullString
			statusCode    sql.NullInt64
		)
		if err := rows.Scan(&a.InvocationID, &a.Number, &outcome, &code, &message, &statusCode,
			&a.DelayMs, &a.StartedAt, &a.DurationMs); err != nil {
			return nil, err
		}
		a.Outcome = schema.AttemptOutcome(outcome)
		a.ErrorCode = code.String
		a.ErrorMessage = message.String
		a.StatusCode = int(statusCode.Int64)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with the next per-invocation sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE invocation_id = ?`, event.InvocationID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (invocation_id, action, attempt, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.InvocationID, nullStr(event.Action), nullInt(event.Attempt), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
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

// GetEvents returns events for an invocation with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, invocationID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invocation_id, action, attempt, event_type, payload, timestamp, sequence
		 FROM events WHERE invocation_id = ? AND sequence > ? ORDER BY sequence ASC`,
		invocationID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var (
			action  sql.NullString
			attempt sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.InvocationID, &action, &attempt, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Action = action.String
		e.Attempt = int(attempt.Int64)
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ActuatorError {
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

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
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

var _ Store = (*LibSQLStore)(nil)
