package repo

import (
	"context"
	"strings"

	"intentline/internal/domain"
)

// UpsertIndexRow writes the projection of s unless a newer one is stored.
func (r Repo) UpsertIndexRow(ctx context.Context, q Querier, s domain.ArtifactSummary) error {
	desc, err := marshalMap(s.SemanticDescriptor)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO artifact_index(artifact_id,seq,tenant_id,artifact_type,lifecycle_state,descriptor_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(artifact_id) DO UPDATE SET
		seq=excluded.seq, lifecycle_state=excluded.lifecycle_state, descriptor_json=excluded.descriptor_json, updated_at=excluded.updated_at
		WHERE excluded.updated_at >= artifact_index.updated_at`,
		s.ID, s.Seq, s.TenantID, s.ArtifactType, s.LifecycleState, desc, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) ClearIndex(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, `DELETE FROM artifact_index`)
	return err
}

type IndexFilters struct {
	TenantID     string
	ArtifactType string
	States       []domain.LifecycleState
	ExcludeIDs   []string
	// Limit <= 0 returns every matching row.
	Limit  int
	Offset int
}

func indexWhere(f IndexFilters) (string, []any) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.ArtifactType != "" {
		clauses = append(clauses, "artifact_type=?")
		args = append(args, f.ArtifactType)
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "lifecycle_state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, s)
		}
	}
	if len(f.ExcludeIDs) > 0 {
		clauses = append(clauses, "artifact_id NOT IN ("+placeholders(len(f.ExcludeIDs))+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryIndex returns the requested page and the total number of matches.
func (r Repo) QueryIndex(ctx context.Context, q Querier, f IndexFilters) ([]domain.ArtifactSummary, int, error) {
	where, args := indexWhere(f)
	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifact_index`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT artifact_id,seq,tenant_id,artifact_type,lifecycle_state,descriptor_json,created_at,updated_at FROM artifact_index` + where + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.ArtifactSummary{}
	for rows.Next() {
		var s domain.ArtifactSummary
		var desc string
		if err := rows.Scan(&s.ID, &s.Seq, &s.TenantID, &s.ArtifactType, &s.LifecycleState, &desc, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, err
		}
		if s.SemanticDescriptor, err = unmarshalMap(desc); err != nil {
			return nil, 0, err
		}
		res = append(res, s)
	}
	return res, total, rows.Err()
}
