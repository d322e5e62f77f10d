package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"intentline/internal/domain"
)

const artifactColumns = `seq,id,artifact_type,tenant_id,lifecycle_state,descriptor_json,produced_by_intent,produced_by_execution,created_at,updated_at`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var desc string
	err := row.Scan(&a.Seq, &a.ID, &a.ArtifactType, &a.TenantID, &a.LifecycleState, &desc,
		&a.ProducedBy.IntentType, &a.ProducedBy.ExecutionID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.SemanticDescriptor, err = unmarshalMap(desc)
	return a, err
}

// InsertArtifact stores the artifact header and returns its sequence number.
func (r Repo) InsertArtifact(ctx context.Context, q Querier, a domain.Artifact) (int64, error) {
	desc, err := marshalMap(a.SemanticDescriptor)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO artifacts(id,artifact_type,tenant_id,lifecycle_state,descriptor_json,produced_by_intent,produced_by_execution,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ArtifactType, a.TenantID, a.LifecycleState, desc, a.ProducedBy.IntentType, a.ProducedBy.ExecutionID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertArtifactParents(ctx context.Context, q Querier, artifactID string, parents []string) error {
	for i, p := range parents {
		if _, err := q.ExecContext(ctx, `INSERT INTO artifact_parents(artifact_id,position,parent_id) VALUES (?,?,?)`, artifactID, i, p); err != nil {
			return fmt.Errorf("insert parent %s: %w", p, err)
		}
	}
	return nil
}

// AppendMaterialization adds m after the existing materializations of the artifact.
func (r Repo) AppendMaterialization(ctx context.Context, q Querier, artifactID string, m domain.Materialization, now string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO materializations(artifact_id,position,location,format,kind,created_at)
		SELECT ?, COALESCE(MAX(position),-1)+1, ?, ?, ?, ? FROM materializations WHERE artifact_id=?`,
		artifactID, m.Location, m.Format, m.Kind, now, artifactID)
	return err
}

func (r Repo) GetArtifactHeader(ctx context.Context, q Querier, id string) (domain.Artifact, error) {
	return scanArtifact(q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
}

// GetArtifact loads the artifact with its ordered parents and materializations.
func (r Repo) GetArtifact(ctx context.Context, q Querier, id string) (domain.Artifact, error) {
	a, err := r.GetArtifactHeader(ctx, q, id)
	if err != nil {
		return a, err
	}
	if a.ParentArtifacts, err = r.ArtifactParents(ctx, q, id); err != nil {
		return a, err
	}
	if a.Materializations, err = r.Materializations(ctx, q, id); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) ArtifactParents(ctx context.Context, q Querier, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT parent_id FROM artifact_parents WHERE artifact_id=? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) Materializations(ctx context.Context, q Querier, id string) ([]domain.Materialization, error) {
	rows, err := q.QueryContext(ctx, `SELECT location,format,kind FROM materializations WHERE artifact_id=? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Materialization{}
	for rows.Next() {
		var m domain.Materialization
		if err := rows.Scan(&m.Location, &m.Format, &m.Kind); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ArtifactTenants returns the tenant of every id that exists.
func (r Repo) ArtifactTenants(ctx context.Context, q Querier, ids []string) (map[string]string, error) {
	res := map[string]string{}
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT id,tenant_id FROM artifacts WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, tenant string
		if err := rows.Scan(&id, &tenant); err != nil {
			return nil, err
		}
		res[id] = tenant
	}
	return res, rows.Err()
}

// UpdateArtifactState moves the artifact from one state to another.
// It reports false when the current state is no longer from.
func (r Repo) UpdateArtifactState(ctx context.Context, q Querier, id string, from, to domain.LifecycleState, now string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE artifacts SET lifecycle_state=?, updated_at=? WHERE id=? AND lifecycle_state=?`, to, now, id, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) TouchArtifact(ctx context.Context, q Querier, id, now string) error {
	_, err := q.ExecContext(ctx, `UPDATE artifacts SET updated_at=? WHERE id=?`, now, id)
	return err
}

func (r Repo) InsertTransition(ctx context.Context, q Querier, t domain.LifecycleTransition) error {
	_, err := q.ExecContext(ctx, `INSERT INTO artifact_transitions(artifact_id,from_state,to_state,by_intent,by_execution,ts) VALUES (?,?,?,?,?,?)`,
		t.ArtifactID, t.From, t.To, t.ByIntent, t.ByExecution, t.TS)
	return err
}

func (r Repo) ListTransitions(ctx context.Context, q Querier, artifactID string) ([]domain.LifecycleTransition, error) {
	rows, err := q.QueryContext(ctx, `SELECT artifact_id,from_state,to_state,by_intent,by_execution,ts FROM artifact_transitions WHERE artifact_id=? ORDER BY id ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LifecycleTransition
	for rows.Next() {
		var t domain.LifecycleTransition
		if err := rows.Scan(&t.ArtifactID, &t.From, &t.To, &t.ByIntent, &t.ByExecution, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type ArtifactFilters struct {
	TenantID string
	// AfterSeq pages through artifacts in registry order.
	AfterSeq int64
	Limit    int
}

// ListArtifactHeaders returns artifact headers ordered by seq.
func (r Repo) ListArtifactHeaders(ctx context.Context, q Querier, f ArtifactFilters) ([]domain.Artifact, error) {
	clauses := []string{"seq>?"}
	args := []any{f.AfterSeq}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
