// Package pending stores intents staged for later execution against a target artifact.
package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/repo"
)

// TargetResolver checks that a target artifact exists in a tenant.
type TargetResolver interface {
	Resolve(ctx context.Context, tenantID, id string) (domain.Artifact, error)
}

type Registry struct {
	DB      *sql.DB
	Repo    repo.Repo
	Targets TargetResolver
	Now     func() time.Time
	Logger  *slog.Logger
}

func New(db *sql.DB, targets TargetResolver) *Registry {
	return &Registry{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Targets: targets,
		Now:     time.Now,
		Logger:  slog.Default().With("component", "pending"),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// ParseStatus accepts any casing of the four pending statuses.
func ParseStatus(s string) (domain.PendingStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return domain.PendingStaged, nil
	case "in_progress", "in-progress":
		return domain.PendingInProgress, nil
	case "completed":
		return domain.PendingCompleted, nil
	case "failed":
		return domain.PendingFailed, nil
	}
	return "", apperr.New(apperr.CodeInvalidParameters, "unknown pending status %q", s)
}

type CreateInput struct {
	IntentType       string
	TargetArtifactID string
	TenantID         string
	SessionID        string
	UserID           string
	Context          map[string]any
}

// Create stages an intent. A second create for the same tenant, target and
// intent type returns the existing record unchanged.
func (r *Registry) Create(ctx context.Context, in CreateInput) (domain.PendingIntent, error) {
	if in.TenantID == "" {
		return domain.PendingIntent{}, apperr.New(apperr.CodeMissingContext, "tenant_id is required")
	}
	if in.IntentType == "" || in.TargetArtifactID == "" {
		return domain.PendingIntent{}, apperr.New(apperr.CodeInvalidParameters, "intent_type and target_artifact_id are required")
	}
	if r.Targets != nil {
		if _, err := r.Targets.Resolve(ctx, in.TenantID, in.TargetArtifactID); err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				return domain.PendingIntent{}, apperr.NotFound("artifact", in.TargetArtifactID).
					WithRemediation("resubmit with a valid target_artifact_id")
			}
			return domain.PendingIntent{}, err
		}
	}
	ts := domain.FormatTime(r.now())
	p := domain.PendingIntent{
		ID:               uuid.NewString(),
		IntentType:       in.IntentType,
		TargetArtifactID: in.TargetArtifactID,
		Context:          in.Context,
		Status:           domain.PendingStaged,
		TenantID:         in.TenantID,
		SessionID:        in.SessionID,
		UserID:           in.UserID,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if p.Context == nil {
		p.Context = map[string]any{}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingIntent{}, err
	}
	defer tx.Rollback()
	inserted, err := r.Repo.InsertPending(ctx, tx, p)
	if err != nil {
		return domain.PendingIntent{}, fmt.Errorf("insert pending intent: %w", err)
	}
	if !inserted {
		existing, err := r.Repo.GetPendingByTarget(ctx, tx, in.TenantID, in.TargetArtifactID, in.IntentType)
		if err != nil {
			return domain.PendingIntent{}, err
		}
		return existing, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingIntent{}, err
	}
	r.logger().Debug("intent staged", "intent_id", p.ID, "intent_type", p.IntentType, "target_artifact_id", p.TargetArtifactID)
	return p, nil
}

// Get returns the pending intent when it belongs to tenantID.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (domain.PendingIntent, error) {
	p, err := r.Repo.GetPending(ctx, r.DB, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && p.TenantID != tenantID) {
		return domain.PendingIntent{}, apperr.NotFound("intent", id)
	}
	return p, err
}

// FindByTarget returns the intent of intentType staged on the target in any
// status, or nil when none was staged.
func (r *Registry) FindByTarget(ctx context.Context, tenantID, targetID, intentType string) (*domain.PendingIntent, error) {
	p, err := r.Repo.GetPendingByTarget(ctx, r.DB, tenantID, targetID, intentType)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindPending returns the resumable intent for the target, or nil.
func (r *Registry) FindPending(ctx context.Context, tenantID, targetID, intentType string) (*domain.PendingIntent, error) {
	p, err := r.Repo.GetPendingByTarget(ctx, r.DB, tenantID, targetID, intentType)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Status.Resumable() {
		return nil, nil
	}
	return &p, nil
}

func predecessors(to domain.PendingStatus) []domain.PendingStatus {
	switch to {
	case domain.PendingInProgress:
		return []domain.PendingStatus{domain.PendingStaged, domain.PendingFailed}
	case domain.PendingCompleted, domain.PendingFailed:
		return []domain.PendingStatus{domain.PendingInProgress}
	}
	return nil
}

// Advance moves the intent to status when its current status permits it.
// The update is a compare-and-set, so of two concurrent callers moving the
// same intent to in_progress exactly one succeeds.
func (r *Registry) Advance(ctx context.Context, tenantID, id string, to domain.PendingStatus, byExecution string) (domain.PendingIntent, error) {
	from := predecessors(to)
	if len(from) == 0 {
		return domain.PendingIntent{}, apperr.New(apperr.CodeInvalidTransition, "pending intents cannot move to %s", to)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingIntent{}, err
	}
	defer tx.Rollback()

	current, err := r.Repo.GetPending(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && current.TenantID != tenantID) {
		return domain.PendingIntent{}, apperr.NotFound("intent", id)
	}
	if err != nil {
		return domain.PendingIntent{}, err
	}
	resumedBy := ""
	if to == domain.PendingInProgress {
		resumedBy = byExecution
	}
	ok, err := r.Repo.AdvancePending(ctx, tx, id, from, to, resumedBy, domain.FormatTime(r.now()))
	if err != nil {
		return domain.PendingIntent{}, fmt.Errorf("advance pending intent: %w", err)
	}
	if !ok {
		if current.Status == domain.PendingInProgress && to == domain.PendingInProgress {
			return domain.PendingIntent{}, apperr.New(apperr.CodeAlreadyInProgress, "intent %s is already in progress", id).
				WithRetryable(true).
				WithDetail("intent_id", id)
		}
		return domain.PendingIntent{}, apperr.New(apperr.CodeInvalidTransition, "pending intent %s cannot move %s -> %s", id, current.Status, to).
			WithDetail("intent_id", id)
	}
	updated, err := r.Repo.GetPending(ctx, tx, id)
	if err != nil {
		return domain.PendingIntent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingIntent{}, err
	}
	return updated, nil
}

// ClaimedBy lists the intents executionID still holds in progress.
func (r *Registry) ClaimedBy(ctx context.Context, executionID string) ([]domain.PendingIntent, error) {
	return r.Repo.ClaimedPending(ctx, r.DB, executionID)
}

type Filter struct {
	TenantID         string
	IntentType       string
	TargetArtifactID string
	Statuses         []domain.PendingStatus
	Limit            int
	Offset           int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

func (r *Registry) List(ctx context.Context, f Filter) ([]domain.PendingIntent, int, error) {
	if f.TenantID == "" {
		return nil, 0, apperr.New(apperr.CodeMissingContext, "tenant_id is required")
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return r.Repo.ListPending(ctx, r.DB, repo.PendingFilters{
		TenantID:         f.TenantID,
		IntentType:       f.IntentType,
		TargetArtifactID: f.TargetArtifactID,
		Statuses:         f.Statuses,
		Limit:            f.Limit,
		Offset:           f.Offset,
	})
}

// TargetsWithStatus lists target artifacts carrying intentType in any of statuses.
func (r *Registry) TargetsWithStatus(ctx context.Context, tenantID, intentType string, statuses []domain.PendingStatus) ([]string, error) {
	return r.Repo.PendingTargets(ctx, r.DB, tenantID, intentType, statuses)
}
