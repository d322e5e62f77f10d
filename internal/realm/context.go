package realm

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"intentline/internal/apperr"
	"intentline/internal/artifacts"
	"intentline/internal/blob"
	"intentline/internal/domain"
	"intentline/internal/events"
	"intentline/internal/pending"
)

type ArtifactStore interface {
	Register(ctx context.Context, in artifacts.RegisterInput) (domain.Artifact, error)
	AddMaterialization(ctx context.Context, tenantID, id string, m domain.Materialization, by artifacts.Actor) (domain.Artifact, error)
	TransitionLifecycle(ctx context.Context, tenantID, id string, to domain.LifecycleState, by artifacts.Actor) (domain.Artifact, error)
	Resolve(ctx context.Context, tenantID, id string) (domain.Artifact, error)
}

type PendingStore interface {
	Create(ctx context.Context, in pending.CreateInput) (domain.PendingIntent, error)
	FindByTarget(ctx context.Context, tenantID, targetID, intentType string) (*domain.PendingIntent, error)
	Advance(ctx context.Context, tenantID, id string, to domain.PendingStatus, byExecution string) (domain.PendingIntent, error)
	ClaimedBy(ctx context.Context, executionID string) ([]domain.PendingIntent, error)
}

// Context is handed to an adapter for the duration of one execution.
// Mutations made through it are attributed to that execution.
type Context struct {
	ExecutionID string
	IntentType  string
	TenantID    string
	SessionID   string
	Parameters  map[string]any
	Metadata    map[string]any

	Artifacts ArtifactStore
	Pending   PendingStore
	Blobs     blob.Store
	Logger    *slog.Logger

	// OnEmit appends an event to the execution log.
	OnEmit func(ctx context.Context, evtType string, data map[string]any) error
	// IsCancelled reports whether cancellation was requested.
	IsCancelled func() bool

	mu       sync.Mutex
	resumed  *domain.PendingIntent
	settled  bool
	produced []string
}

func (rc *Context) actor() artifacts.Actor {
	return artifacts.Actor{IntentType: rc.IntentType, ExecutionID: rc.ExecutionID}
}

func (rc *Context) log() *slog.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return slog.Default()
}

type ArtifactInput struct {
	ArtifactType       string
	SemanticDescriptor map[string]any
	Parents            []string
	Materializations   []domain.Materialization
}

// RegisterArtifact creates an artifact produced by this execution.
func (rc *Context) RegisterArtifact(ctx context.Context, in ArtifactInput) (domain.Artifact, error) {
	a, err := rc.Artifacts.Register(ctx, artifacts.RegisterInput{
		TenantID:           rc.TenantID,
		ArtifactType:       in.ArtifactType,
		SemanticDescriptor: in.SemanticDescriptor,
		Parents:            in.Parents,
		ProducedBy:         domain.ProducedBy{IntentType: rc.IntentType, ExecutionID: rc.ExecutionID},
		Materializations:   in.Materializations,
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	rc.mu.Lock()
	rc.produced = append(rc.produced, a.ID)
	rc.mu.Unlock()
	if err := rc.Emit(ctx, events.ArtifactCreated, map[string]any{"artifact_id": a.ID, "artifact_type": a.ArtifactType}); err != nil {
		return a, err
	}
	return a, nil
}

func (rc *Context) AddMaterialization(ctx context.Context, artifactID string, m domain.Materialization) (domain.Artifact, error) {
	a, err := rc.Artifacts.AddMaterialization(ctx, rc.TenantID, artifactID, m, rc.actor())
	if err != nil {
		return domain.Artifact{}, err
	}
	return a, rc.Emit(ctx, events.Materialized, map[string]any{"artifact_id": artifactID, "location": m.Location})
}

func (rc *Context) Transition(ctx context.Context, artifactID string, to domain.LifecycleState) (domain.Artifact, error) {
	before, err := rc.Artifacts.Resolve(ctx, rc.TenantID, artifactID)
	if err != nil {
		return domain.Artifact{}, err
	}
	a, err := rc.Artifacts.TransitionLifecycle(ctx, rc.TenantID, artifactID, to, rc.actor())
	if err != nil {
		return domain.Artifact{}, err
	}
	return a, rc.Emit(ctx, events.Transitioned, map[string]any{
		"artifact_id": artifactID,
		"from":        string(before.LifecycleState),
		"to":          string(to),
	})
}

func (rc *Context) Resolve(ctx context.Context, artifactID string) (domain.Artifact, error) {
	return rc.Artifacts.Resolve(ctx, rc.TenantID, artifactID)
}

// Stage creates a pending intent of intentType against target.
func (rc *Context) Stage(ctx context.Context, intentType, targetID string, staged map[string]any) (domain.PendingIntent, error) {
	userID, _ := rc.Metadata["user_id"].(string)
	p, err := rc.Pending.Create(ctx, pending.CreateInput{
		IntentType:       intentType,
		TargetArtifactID: targetID,
		TenantID:         rc.TenantID,
		SessionID:        rc.SessionID,
		UserID:           userID,
		Context:          staged,
	})
	if err != nil {
		return domain.PendingIntent{}, err
	}
	return p, rc.Emit(ctx, events.PendingStaged, map[string]any{"intent_id": p.ID, "intent_type": intentType, "target_artifact_id": targetID})
}

// Resume claims the resumable pending intent of this execution's intent type
// on target, if one exists, and returns the parameters with the staged
// context merged beneath them. Explicit parameters win over staged values.
// An intent already claimed by another execution fails with
// ALREADY_IN_PROGRESS; a missing or completed intent leaves params as given.
func (rc *Context) Resume(ctx context.Context, targetID string) (*domain.PendingIntent, map[string]any, error) {
	params := maps.Clone(rc.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	p, err := rc.Pending.FindByTarget(ctx, rc.TenantID, targetID, rc.IntentType)
	if err != nil {
		return nil, params, err
	}
	if p == nil || p.Status == domain.PendingCompleted {
		return nil, params, nil
	}
	var claimed domain.PendingIntent
	switch {
	case p.Status == domain.PendingInProgress && p.ResumedBy != nil && *p.ResumedBy == rc.ExecutionID:
		claimed = *p
	case p.Status == domain.PendingInProgress:
		return nil, params, apperr.New(apperr.CodeAlreadyInProgress, "intent %s is already in progress", p.ID).
			WithExecution(rc.ExecutionID).
			WithRetryable(true).
			WithDetail("intent_id", p.ID)
	default:
		claimed, err = rc.Pending.Advance(ctx, rc.TenantID, p.ID, domain.PendingInProgress, rc.ExecutionID)
		if err != nil {
			return nil, params, err
		}
	}
	merged := maps.Clone(claimed.Context)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, params)

	rc.mu.Lock()
	if rc.settled {
		rc.mu.Unlock()
		if _, err := rc.Pending.Advance(context.WithoutCancel(ctx), rc.TenantID, claimed.ID, domain.PendingFailed, rc.ExecutionID); err != nil {
			rc.log().Warn("could not release late claim", "execution_id", rc.ExecutionID, "intent_id", claimed.ID, "err", err)
		}
		return nil, params, ErrSettled
	}
	rc.resumed = &claimed
	rc.mu.Unlock()
	if err := rc.Emit(ctx, events.PendingResumed, map[string]any{"intent_id": claimed.ID, "target_artifact_id": targetID}); err != nil {
		return &claimed, merged, err
	}
	return &claimed, merged, nil
}

// Emit appends a domain event to the execution log.
func (rc *Context) Emit(ctx context.Context, evtType string, data map[string]any) error {
	if rc.OnEmit == nil {
		return nil
	}
	if err := rc.OnEmit(ctx, evtType, data); err != nil {
		return fmt.Errorf("emit %s: %w", evtType, err)
	}
	return nil
}

// Cancelled reports whether the caller asked to cancel this execution.
func (rc *Context) Cancelled() bool {
	return rc.IsCancelled != nil && rc.IsCancelled()
}

func (rc *Context) Log() *slog.Logger {
	return rc.log().With("execution_id", rc.ExecutionID, "intent_type", rc.IntentType)
}

// Settle marks the execution's outcome as recorded and returns the pending
// intent claimed by Resume, if any. A later Resume releases its claim.
func (rc *Context) Settle() *domain.PendingIntent {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.settled = true
	return rc.resumed
}

// Resumed returns the pending intent claimed by Resume, if any.
func (rc *Context) Resumed() *domain.PendingIntent {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.resumed
}

// Produced returns the ids of artifacts registered through this context.
func (rc *Context) Produced() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string{}, rc.produced...)
}
