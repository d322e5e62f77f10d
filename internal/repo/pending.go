package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"intentline/internal/domain"
)

const pendingColumns = `id,intent_type,target_artifact_id,tenant_id,COALESCE(session_id,''),COALESCE(user_id,''),context_json,status,resumed_by,created_at,updated_at`

func scanPending(row rowScanner) (domain.PendingIntent, error) {
	var p domain.PendingIntent
	var ctxJSON string
	var resumedBy sql.NullString
	err := row.Scan(&p.ID, &p.IntentType, &p.TargetArtifactID, &p.TenantID, &p.SessionID, &p.UserID,
		&ctxJSON, &p.Status, &resumedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ResumedBy = stringPtr(resumedBy)
	p.Context, err = unmarshalMap(ctxJSON)
	return p, err
}

// InsertPending inserts p unless an intent with the same tenant, target and
// type exists. It reports whether a row was inserted.
func (r Repo) InsertPending(ctx context.Context, q Querier, p domain.PendingIntent) (bool, error) {
	ctxJSON, err := marshalMap(p.Context)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO pending_intents(id,intent_type,target_artifact_id,tenant_id,session_id,user_id,context_json,status,resumed_by,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(tenant_id,target_artifact_id,intent_type) DO NOTHING`,
		p.ID, p.IntentType, p.TargetArtifactID, p.TenantID, nullable(p.SessionID), nullable(p.UserID), ctxJSON, p.Status,
		nullableStringPtr(p.ResumedBy), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) GetPending(ctx context.Context, q Querier, id string) (domain.PendingIntent, error) {
	return scanPending(q.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_intents WHERE id=?`, id))
}

func (r Repo) GetPendingByTarget(ctx context.Context, q Querier, tenantID, targetID, intentType string) (domain.PendingIntent, error) {
	return scanPending(q.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_intents WHERE tenant_id=? AND target_artifact_id=? AND intent_type=?`,
		tenantID, targetID, intentType))
}

// AdvancePending sets the status when the current status is one of from.
func (r Repo) AdvancePending(ctx context.Context, q Querier, id string, from []domain.PendingStatus, to domain.PendingStatus, resumedBy, now string) (bool, error) {
	args := []any{to, now, nullable(resumedBy), id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := q.ExecContext(ctx, `UPDATE pending_intents SET status=?, updated_at=?, resumed_by=COALESCE(?,resumed_by) WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClaimedPending lists intents still in progress under executionID.
func (r Repo) ClaimedPending(ctx context.Context, q Querier, executionID string) ([]domain.PendingIntent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_intents WHERE resumed_by=? AND status=? ORDER BY created_at ASC, id ASC`,
		executionID, domain.PendingInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingIntent
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type PendingFilters struct {
	TenantID         string
	IntentType       string
	TargetArtifactID string
	Statuses         []domain.PendingStatus
	Limit            int
	Offset           int
}

func (r Repo) ListPending(ctx context.Context, q Querier, f PendingFilters) ([]domain.PendingIntent, int, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.IntentType != "" {
		clauses = append(clauses, "intent_type=?")
		args = append(args, f.IntentType)
	}
	if f.TargetArtifactID != "" {
		clauses = append(clauses, "target_artifact_id=?")
		args = append(args, f.TargetArtifactID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_intents`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + pendingColumns + ` FROM pending_intents` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.PendingIntent{}
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, p)
	}
	return res, total, rows.Err()
}

// PendingTargets returns target ids carrying intentType in one of statuses.
func (r Repo) PendingTargets(ctx context.Context, q Querier, tenantID, intentType string, statuses []domain.PendingStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{tenantID, intentType}
	for _, s := range statuses {
		args = append(args, s)
	}
	rows, err := q.QueryContext(ctx, `SELECT target_artifact_id FROM pending_intents WHERE tenant_id=? AND intent_type=? AND status IN (`+placeholders(len(statuses))+`) ORDER BY target_artifact_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
