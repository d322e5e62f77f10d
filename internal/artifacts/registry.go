// Package artifacts is the authoritative store of artifacts, their lineage
// and their lifecycle state.
package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/repo"
)

const defaultCacheSize = 1024

// Actor identifies the execution performing a mutation.
type Actor struct {
	IntentType  string
	ExecutionID string
}

// Projector receives every artifact after a committed write.
type Projector interface {
	Project(a domain.Artifact)
}

// Promoters decides which intent types may mutate artifacts they did not produce.
type Promoters interface {
	CanPromote(artifactType, intentType string) bool
}

type Options struct {
	CacheSize int
	Projector Projector
	Promoters Promoters
	Now       func() time.Time
	Logger    *slog.Logger
}

type Registry struct {
	DB        *sql.DB
	Repo      repo.Repo
	Projector Projector
	Promoters Promoters
	Now       func() time.Time

	cache  *lru.Cache[string, domain.Artifact]
	logger *slog.Logger

	// fillMu guards gen. A cache fill only lands when no write committed
	// since the fill's read started.
	fillMu    sync.Mutex
	gen       uint64
	afterLoad func(id string)
}

func New(db *sql.DB, opts Options) (*Registry, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, domain.Artifact](size)
	if err != nil {
		return nil, fmt.Errorf("artifact cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Projector: opts.Projector,
		Promoters: opts.Promoters,
		Now:       opts.Now,
		cache:     cache,
		logger:    logger.With("component", "artifacts"),
	}, nil
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

type RegisterInput struct {
	TenantID           string
	ArtifactType       string
	SemanticDescriptor map[string]any
	Parents            []string
	ProducedBy         domain.ProducedBy
	Materializations   []domain.Materialization
}

// dedupeParents keeps the first occurrence of every parent id.
func dedupeParents(parents []string) []string {
	seen := make(map[string]struct{}, len(parents))
	out := make([]string, 0, len(parents))
	for _, p := range parents {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func validateMaterialization(m domain.Materialization) error {
	if m.Location == "" {
		return apperr.New(apperr.CodeInvalidParameters, "materialization location is required")
	}
	if m.Format == "" || m.Kind == "" {
		return apperr.New(apperr.CodeInvalidParameters, "materialization format and kind are required")
	}
	return nil
}

// Register creates an artifact in PENDING. Every parent must already exist
// in the same tenant; otherwise nothing is written.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (domain.Artifact, error) {
	if in.TenantID == "" {
		return domain.Artifact{}, apperr.New(apperr.CodeMissingContext, "tenant_id is required")
	}
	if in.ArtifactType == "" {
		return domain.Artifact{}, apperr.New(apperr.CodeInvalidParameters, "artifact_type is required")
	}
	if in.ProducedBy.IntentType == "" || in.ProducedBy.ExecutionID == "" {
		return domain.Artifact{}, apperr.New(apperr.CodeInvalidParameters, "produced_by requires intent_type and execution_id")
	}
	for _, m := range in.Materializations {
		if err := validateMaterialization(m); err != nil {
			return domain.Artifact{}, err
		}
	}
	parents := dedupeParents(in.Parents)
	ts := domain.FormatTime(r.now())
	a := domain.Artifact{
		ID:                 uuid.NewString(),
		ArtifactType:       in.ArtifactType,
		TenantID:           in.TenantID,
		LifecycleState:     domain.LifecyclePending,
		SemanticDescriptor: maps.Clone(in.SemanticDescriptor),
		ParentArtifacts:    parents,
		ProducedBy:         in.ProducedBy,
		Materializations:   append([]domain.Materialization{}, in.Materializations...),
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
	if a.SemanticDescriptor == nil {
		a.SemanticDescriptor = map[string]any{}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	tenants, err := r.Repo.ArtifactTenants(ctx, tx, parents)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("resolve parents: %w", err)
	}
	for _, p := range parents {
		if owner, ok := tenants[p]; !ok || owner != in.TenantID {
			return domain.Artifact{}, apperr.New(apperr.CodeInvalidLineage, "parent artifact %s does not resolve", p).
				WithDetail("parent_id", p)
		}
	}
	seq, err := r.Repo.InsertArtifact(ctx, tx, a)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	a.Seq = seq
	if err := r.Repo.InsertArtifactParents(ctx, tx, a.ID, parents); err != nil {
		return domain.Artifact{}, err
	}
	for _, m := range a.Materializations {
		if err := r.Repo.AppendMaterialization(ctx, tx, a.ID, m, ts); err != nil {
			return domain.Artifact{}, fmt.Errorf("insert materialization: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	r.cache.Add(a.ID, a)
	r.project(a)
	r.logger.Debug("artifact registered", "artifact_id", a.ID, "artifact_type", a.ArtifactType, "tenant_id", a.TenantID)
	return clone(a), nil
}

// AddMaterialization appends a materialization without changing state.
func (r *Registry) AddMaterialization(ctx context.Context, tenantID, id string, m domain.Materialization, by Actor) (domain.Artifact, error) {
	if err := validateMaterialization(m); err != nil {
		return domain.Artifact{}, err
	}
	return r.mutate(ctx, tenantID, id, by, func(tx *sql.Tx, a domain.Artifact, ts string) error {
		if err := r.Repo.AppendMaterialization(ctx, tx, id, m, ts); err != nil {
			return fmt.Errorf("append materialization: %w", err)
		}
		return r.Repo.TouchArtifact(ctx, tx, id, ts)
	})
}

// TransitionLifecycle moves the artifact along its lifecycle.
func (r *Registry) TransitionLifecycle(ctx context.Context, tenantID, id string, to domain.LifecycleState, by Actor) (domain.Artifact, error) {
	if !to.Valid() {
		return domain.Artifact{}, apperr.New(apperr.CodeInvalidTransition, "unknown lifecycle state %q", to)
	}
	return r.mutate(ctx, tenantID, id, by, func(tx *sql.Tx, a domain.Artifact, ts string) error {
		if err := ensureLifecycleTransition(a.LifecycleState, to); err != nil {
			return err
		}
		ok, err := r.Repo.UpdateArtifactState(ctx, tx, id, a.LifecycleState, to, ts)
		if err != nil {
			return fmt.Errorf("update lifecycle: %w", err)
		}
		if !ok {
			return apperr.New(apperr.CodeInvalidTransition, "artifact %s changed state concurrently", id).WithRetryable(true)
		}
		return r.Repo.InsertTransition(ctx, tx, domain.LifecycleTransition{
			ArtifactID:  id,
			From:        a.LifecycleState,
			To:          to,
			ByIntent:    by.IntentType,
			ByExecution: by.ExecutionID,
			TS:          ts,
		})
	})
}

func (r *Registry) mutate(ctx context.Context, tenantID, id string, by Actor, fn func(tx *sql.Tx, a domain.Artifact, ts string) error) (domain.Artifact, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	a, err := r.Repo.GetArtifactHeader(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && a.TenantID != tenantID) {
		return domain.Artifact{}, apperr.NotFound("artifact", id)
	}
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := r.authorize(a, by); err != nil {
		return domain.Artifact{}, err
	}
	ts := domain.FormatTime(r.now())
	if err := fn(tx, a, ts); err != nil {
		return domain.Artifact{}, err
	}
	updated, err := r.Repo.GetArtifact(ctx, tx, id)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	r.invalidate(id)
	r.project(updated)
	return clone(updated), nil
}

func (r *Registry) authorize(a domain.Artifact, by Actor) error {
	if by.IntentType != "" && by.IntentType == a.ProducedBy.IntentType {
		return nil
	}
	if r.Promoters != nil && by.IntentType != "" && r.Promoters.CanPromote(a.ArtifactType, by.IntentType) {
		return nil
	}
	return apperr.New(apperr.CodeUnauthorizedMutation, "intent %q may not mutate %s artifact %s", by.IntentType, a.ArtifactType, a.ID).
		WithDetail("artifact_id", a.ID)
}

func (r *Registry) project(a domain.Artifact) {
	if r.Projector != nil {
		r.Projector.Project(clone(a))
	}
}

func (r *Registry) invalidate(id string) {
	r.fillMu.Lock()
	defer r.fillMu.Unlock()
	r.gen++
	r.cache.Remove(id)
}

func (r *Registry) fill(id string, a domain.Artifact, gen uint64) {
	r.fillMu.Lock()
	defer r.fillMu.Unlock()
	if r.gen == gen {
		r.cache.Add(id, a)
	}
}

// Resolve returns the artifact when it exists in tenantID. Artifacts of other
// tenants are reported as not found.
func (r *Registry) Resolve(ctx context.Context, tenantID, id string) (domain.Artifact, error) {
	if a, ok := r.cache.Get(id); ok {
		if a.TenantID != tenantID {
			return domain.Artifact{}, apperr.NotFound("artifact", id)
		}
		return clone(a), nil
	}
	r.fillMu.Lock()
	gen := r.gen
	r.fillMu.Unlock()
	a, err := r.Repo.GetArtifact(ctx, r.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Artifact{}, apperr.NotFound("artifact", id)
	}
	if err != nil {
		return domain.Artifact{}, err
	}
	if r.afterLoad != nil {
		r.afterLoad(id)
	}
	r.fill(id, a, gen)
	if a.TenantID != tenantID {
		return domain.Artifact{}, apperr.NotFound("artifact", id)
	}
	return clone(a), nil
}

// Ancestors walks parent edges breadth first and returns each ancestor once.
// Reaching id again through its own ancestry is reported as INVALID_LINEAGE.
func (r *Registry) Ancestors(ctx context.Context, tenantID, id string) ([]domain.Artifact, error) {
	root, err := r.Resolve(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	queue := append([]string{}, root.ParentArtifacts...)
	var res []domain.Artifact
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == root.ID {
			return nil, apperr.New(apperr.CodeInvalidLineage, "artifact %s is its own ancestor", root.ID).
				WithDetail("artifact_id", root.ID)
		}
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		a, err := r.Resolve(ctx, tenantID, next)
		if err != nil {
			return nil, fmt.Errorf("ancestor %s: %w", next, err)
		}
		res = append(res, a)
		queue = append(queue, a.ParentArtifacts...)
	}
	return res, nil
}

// Transitions returns the lifecycle audit log of an artifact.
func (r *Registry) Transitions(ctx context.Context, tenantID, id string) ([]domain.LifecycleTransition, error) {
	if _, err := r.Resolve(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return r.Repo.ListTransitions(ctx, r.DB, id)
}

// Scan calls fn for every artifact header in registry order.
func (r *Registry) Scan(ctx context.Context, pageSize int, fn func(domain.Artifact) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	var after int64
	for {
		page, err := r.Repo.ListArtifactHeaders(ctx, r.DB, repo.ArtifactFilters{AfterSeq: after, Limit: pageSize})
		if err != nil {
			return err
		}
		for _, a := range page {
			if err := fn(a); err != nil {
				return err
			}
			after = a.Seq
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func clone(a domain.Artifact) domain.Artifact {
	a.SemanticDescriptor = maps.Clone(a.SemanticDescriptor)
	a.ParentArtifacts = slices.Clone(a.ParentArtifacts)
	a.Materializations = slices.Clone(a.Materializations)
	return a
}
