package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"intentline/internal/domain"
)

const executionColumns = `id,intent_type,tenant_id,session_id,fingerprint,parameters_json,metadata_json,status,error_json,cancel_requested,created_at,started_at,finished_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e                 domain.Execution
		params, meta      string
		errJSON           sql.NullString
		cancelRequested   int
		started, finished sql.NullString
	)
	err := row.Scan(&e.ID, &e.IntentType, &e.TenantID, &e.SessionID, &e.Fingerprint, &params, &meta,
		&e.Status, &errJSON, &cancelRequested, &e.CreatedAt, &started, &finished, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if e.Parameters, err = unmarshalMap(params); err != nil {
		return e, err
	}
	if e.Metadata, err = unmarshalMap(meta); err != nil {
		return e, err
	}
	if errJSON.Valid && errJSON.String != "" {
		var ee domain.ExecutionError
		if err := json.Unmarshal([]byte(errJSON.String), &ee); err != nil {
			return e, fmt.Errorf("decode execution error: %w", err)
		}
		e.Error = &ee
	}
	e.CancelRequested = cancelRequested != 0
	e.StartedAt = stringPtr(started)
	e.FinishedAt = stringPtr(finished)
	return e, nil
}

func (r Repo) InsertExecution(ctx context.Context, q Querier, e domain.Execution) error {
	params, err := marshalMap(e.Parameters)
	if err != nil {
		return err
	}
	meta, err := marshalMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.IntentType, e.TenantID, e.SessionID, e.Fingerprint, params, meta, e.Status, nil, 0,
		e.CreatedAt, nullableStringPtr(e.StartedAt), nullableStringPtr(e.FinishedAt), e.UpdatedAt)
	return err
}

func (r Repo) GetExecution(ctx context.Context, q Querier, id string) (domain.Execution, error) {
	return scanExecution(q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

// StatusUpdate describes a compare-and-set status change on an execution.
type StatusUpdate struct {
	From       []domain.ExecutionStatus
	To         domain.ExecutionStatus
	Error      *domain.ExecutionError
	StartedAt  string
	FinishedAt string
	UpdatedAt  string
}

// UpdateExecutionStatus applies u only if the current status is one of u.From.
// It reports whether a row changed.
func (r Repo) UpdateExecutionStatus(ctx context.Context, q Querier, id string, u StatusUpdate) (bool, error) {
	if len(u.From) == 0 {
		return false, fmt.Errorf("status update requires at least one predecessor")
	}
	fields := []string{"status=?", "updated_at=?"}
	args := []any{u.To, u.UpdatedAt}
	if u.Error != nil {
		data, err := json.Marshal(u.Error)
		if err != nil {
			return false, fmt.Errorf("marshal execution error: %w", err)
		}
		fields = append(fields, "error_json=?")
		args = append(args, string(data))
	}
	if u.StartedAt != "" {
		fields = append(fields, "started_at=?")
		args = append(args, u.StartedAt)
	}
	if u.FinishedAt != "" {
		fields = append(fields, "finished_at=?")
		args = append(args, u.FinishedAt)
	}
	args = append(args, id)
	for _, s := range u.From {
		args = append(args, s)
	}
	query := fmt.Sprintf(`UPDATE executions SET %s WHERE id=? AND status IN (%s)`, strings.Join(fields, ","), placeholders(len(u.From)))
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkCancelRequested flags a running execution for cooperative cancellation.
func (r Repo) MarkCancelRequested(ctx context.Context, q Querier, id, now string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE executions SET cancel_requested=1, updated_at=? WHERE id=? AND status=?`, now, id, domain.ExecutionRunning)
	if err != nil {
		return false, err
	}
	return affected(res)
}

type ExecutionFilters struct {
	TenantID string
	Status   domain.ExecutionStatus
	// CreatedBefore restricts to executions created strictly before this timestamp.
	CreatedBefore string
	Limit         int
}

func (r Repo) ListExecutions(ctx context.Context, q Querier, f ExecutionFilters) ([]domain.Execution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.CreatedBefore)
	}
	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertExecutionArtifact(ctx context.Context, q Querier, executionID, name, artifactID string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO execution_artifacts(execution_id,name,artifact_id) VALUES (?,?,?)
		ON CONFLICT(execution_id,name) DO UPDATE SET artifact_id=excluded.artifact_id`, executionID, name, artifactID)
	return err
}

func (r Repo) ExecutionArtifacts(ctx context.Context, q Querier, executionID string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name,artifact_id FROM execution_artifacts WHERE execution_id=? ORDER BY name`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		res[name] = id
	}
	return res, rows.Err()
}

func (r Repo) ExecutionEvents(ctx context.Context, q Querier, executionID string) ([]domain.ExecutionEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq,type,ts,data_json FROM execution_events WHERE execution_id=? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionEvent
	for rows.Next() {
		var ev domain.ExecutionEvent
		var data string
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.TS, &data); err != nil {
			return nil, err
		}
		if ev.Data, err = unmarshalMap(data); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// IdempotencyKey binds a fingerprint to the execution that currently owns it.
type IdempotencyKey struct {
	Fingerprint string
	TenantID    string
	IntentType  string
	ExecutionID string
	CreatedAt   string
	// ExpiresAt is empty for keys that never expire.
	ExpiresAt string
}

func (r Repo) GetIdempotencyKey(ctx context.Context, q Querier, fingerprint string) (IdempotencyKey, error) {
	var k IdempotencyKey
	var expires sql.NullString
	err := q.QueryRowContext(ctx, `SELECT fingerprint,tenant_id,intent_type,execution_id,created_at,expires_at FROM idempotency_keys WHERE fingerprint=?`, fingerprint).
		Scan(&k.Fingerprint, &k.TenantID, &k.IntentType, &k.ExecutionID, &k.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if expires.Valid {
		k.ExpiresAt = expires.String
	}
	return k, err
}

// PutIdempotencyKey inserts the key or re-points an existing fingerprint.
func (r Repo) PutIdempotencyKey(ctx context.Context, q Querier, k IdempotencyKey) error {
	_, err := q.ExecContext(ctx, `INSERT INTO idempotency_keys(fingerprint,tenant_id,intent_type,execution_id,created_at,expires_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(fingerprint) DO UPDATE SET execution_id=excluded.execution_id, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		k.Fingerprint, k.TenantID, k.IntentType, k.ExecutionID, k.CreatedAt, nullable(k.ExpiresAt))
	return err
}

// PurgeExpiredKeys removes window keys that expired before now.
func (r Repo) PurgeExpiredKeys(ctx context.Context, q Querier, now string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at<=?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventsAfter returns up to limit execution events appended after cursor,
// across all executions, oldest first.
func (r Repo) EventsAfter(ctx context.Context, q Querier, cursor int64, limit int) ([]domain.FeedEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT ev.rowid, ev.execution_id, x.tenant_id, x.intent_type, ev.seq, ev.type, ev.ts, ev.data_json
		FROM execution_events ev JOIN executions x ON x.id = ev.execution_id
		WHERE ev.rowid > ? ORDER BY ev.rowid ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedEvent
	for rows.Next() {
		var ev domain.FeedEvent
		var data string
		if err := rows.Scan(&ev.Cursor, &ev.ExecutionID, &ev.TenantID, &ev.IntentType, &ev.Seq, &ev.Type, &ev.TS, &data); err != nil {
			return nil, err
		}
		if ev.Data, err = unmarshalMap(data); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// LatestEventCursor returns the cursor of the newest execution event, or 0.
func (r Repo) LatestEventCursor(ctx context.Context, q Querier) (int64, error) {
	var cur sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(rowid) FROM execution_events`).Scan(&cur); err != nil {
		return 0, err
	}
	return cur.Int64, nil
}
