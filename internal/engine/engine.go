// Package engine accepts intents, deduplicates them and runs them on the
// registered realm adapters.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"intentline/internal/apperr"
	"intentline/internal/blob"
	"intentline/internal/config"
	"intentline/internal/domain"
	"intentline/internal/events"
	"intentline/internal/idempotency"
	"intentline/internal/realm"
	"intentline/internal/repo"
	"intentline/internal/telemetry"
)

// Submission statuses returned by Submit.
const (
	SubmitPending  = "pending"
	SubmitAccepted = "accepted"
)

const defaultPollInterval = 20 * time.Millisecond

type Options struct {
	Realms    *realm.Registry
	Artifacts realm.ArtifactStore
	Pending   realm.PendingStore
	Blobs     blob.Store
	Telemetry *telemetry.Provider
	Logger    *slog.Logger
	Now       func() time.Time
}

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Realms       *realm.Registry
	Artifacts    realm.ArtifactStore
	Pending      realm.PendingStore
	Blobs        blob.Store
	Resolver     idempotency.Resolver
	Capabilities realm.Capabilities
	Telemetry    *telemetry.Provider
	Now          func() time.Time
	PollInterval time.Duration

	logger   *slog.Logger
	limiters *limiters
	queue    chan string

	mu       sync.Mutex
	inflight map[string]*inflight

	startOnce sync.Once
	wg        sync.WaitGroup
}

// inflight is the in-process handle on a running execution.
type inflight struct {
	cancel    context.CancelFunc
	requested chan struct{}
	once      sync.Once
}

func (f *inflight) request() {
	f.once.Do(func() { close(f.requested) })
}

// New builds an engine over the realms registered so far. Realms registered
// after New get the default forever scope on every parameter.
func New(db *sql.DB, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Realms == nil {
		return nil, errors.New("engine requires a realm registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lims, err := newLimiters(cfg.Runtime.SubmitRate, cfg.Runtime.SubmitBurst)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Config:       cfg,
		Realms:       opts.Realms,
		Artifacts:    opts.Artifacts,
		Pending:      opts.Pending,
		Blobs:        opts.Blobs,
		Capabilities: realm.Capabilities(cfg.Capabilities),
		Telemetry:    opts.Telemetry,
		Now:          opts.Now,
		PollInterval: defaultPollInterval,
		logger:       logger.With("component", "engine"),
		limiters:     lims,
		queue:        make(chan string, cfg.Runtime.QueueSize),
		inflight:     map[string]*inflight{},
	}
	e.Events = events.Writer{Now: e.now}
	e.Resolver = idempotency.Resolver{
		ScopeFuncs: map[string]idempotency.ScopeFunc{},
		Scopes:     map[string]idempotency.Scope{},
	}
	for _, it := range opts.Realms.IntentTypes() {
		reg, _ := opts.Realms.Lookup(it)
		if reg.ScopeFunc != nil {
			e.Resolver.ScopeFuncs[it] = reg.ScopeFunc
		}
		e.Resolver.Scopes[it] = scopeFor(cfg, reg)
	}
	return e, nil
}

// scopeFor applies the config override of an intent type over its registration.
func scopeFor(cfg *config.Config, reg realm.Registration) idempotency.Scope {
	p, ok := cfg.Intents[reg.IntentType]
	if !ok {
		return reg.Scope
	}
	switch p.Dedupe {
	case config.DedupeForever:
		return idempotency.Scope{Kind: idempotency.Forever}
	case config.DedupeWindow:
		return idempotency.Scope{Kind: idempotency.Window, Window: p.Window}
	}
	return reg.Scope
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) deadline(intentType string) time.Duration {
	var fallback time.Duration
	if reg, ok := e.Realms.Lookup(intentType); ok {
		fallback = reg.Deadline
	}
	return e.Config.Deadline(intentType, fallback)
}

type Submission struct {
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status" enum:"pending,accepted"`
	Deduplicated bool   `json:"deduplicated"`
}

// Submit validates intent and either returns the live execution holding its
// fingerprint or creates a new pending execution and queues it.
func (e *Engine) Submit(ctx context.Context, intent domain.Intent) (Submission, error) {
	sub, err := e.submit(ctx, intent)
	switch {
	case err != nil:
		e.Telemetry.RecordSubmission(ctx, intent.IntentType, telemetry.OutcomeRejected, string(apperr.CodeOf(err)))
	case sub.Deduplicated:
		e.Telemetry.RecordSubmission(ctx, intent.IntentType, telemetry.OutcomeDeduplicated, "")
	default:
		e.Telemetry.RecordSubmission(ctx, intent.IntentType, telemetry.OutcomeAccepted, "")
	}
	return sub, err
}

func (e *Engine) submit(ctx context.Context, intent domain.Intent) (Submission, error) {
	reg, ok := e.Realms.Lookup(intent.IntentType)
	if !ok {
		return Submission{}, apperr.New(apperr.CodeUnknownIntent, "intent type %q is not registered", intent.IntentType).
			WithDetail("intent_type", intent.IntentType)
	}
	var missing []string
	if intent.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if intent.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if len(missing) > 0 {
		return Submission{}, apperr.New(apperr.CodeMissingContext, "intent is missing %v", missing).
			WithDetail("missing", missing)
	}
	if role, _ := intent.Metadata["agent_role"].(string); role != "" && !e.Capabilities.Allows(role, intent.IntentType) {
		return Submission{}, apperr.New(apperr.CodeForbiddenIntent, "role %s may not submit %s", role, intent.IntentType).
			WithDetail("agent_role", role).
			WithDetail("intent_type", intent.IntentType)
	}
	if err := e.Realms.ValidateParameters(reg.IntentType, intent.Parameters); err != nil {
		return Submission{}, err
	}

	now := e.now()
	key, err := e.Resolver.Resolve(intent, now)
	if err != nil {
		return Submission{}, apperr.Wrap(apperr.CodeInvalidParameters, err, "parameters cannot be fingerprinted")
	}
	ts := domain.FormatTime(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Submission{}, err
	}
	defer tx.Rollback()

	if id, ok, err := e.liveExecution(ctx, tx, key.Fingerprint, ts); err != nil {
		return Submission{}, err
	} else if ok {
		if err := tx.Commit(); err != nil {
			return Submission{}, err
		}
		e.logger.Debug("submission deduplicated", "execution_id", id, "intent_type", intent.IntentType)
		return Submission{ExecutionID: id, Status: SubmitAccepted, Deduplicated: true}, nil
	}
	if err := e.limiters.allow(intent.TenantID, now); err != nil {
		return Submission{}, err
	}

	exec := domain.Execution{
		ID:          uuid.NewString(),
		IntentType:  intent.IntentType,
		TenantID:    intent.TenantID,
		SessionID:   intent.SessionID,
		Fingerprint: key.Fingerprint,
		Parameters:  intent.Parameters,
		Metadata:    intent.Metadata,
		Status:      domain.ExecutionPending,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		return Submission{}, fmt.Errorf("insert execution: %w", err)
	}
	k := repo.IdempotencyKey{
		Fingerprint: key.Fingerprint,
		TenantID:    intent.TenantID,
		IntentType:  intent.IntentType,
		ExecutionID: exec.ID,
		CreatedAt:   ts,
	}
	if !key.ExpiresAt.IsZero() {
		k.ExpiresAt = domain.FormatTime(key.ExpiresAt)
	}
	if err := e.Repo.PutIdempotencyKey(ctx, tx, k); err != nil {
		return Submission{}, fmt.Errorf("store idempotency key: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, exec.ID, events.Submitted, events.EventPayload{
		"intent_type": exec.IntentType,
		"fingerprint": key.Fingerprint,
	}); err != nil {
		return Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return Submission{}, err
	}
	e.enqueue(exec.ID)
	e.logger.Info("execution submitted", "execution_id", exec.ID, "intent_type", exec.IntentType, "tenant_id", exec.TenantID)
	return Submission{ExecutionID: exec.ID, Status: SubmitPending}, nil
}

// liveExecution returns the execution still holding fingerprint at now.
// Expired window keys and failed or cancelled executions release it.
func (e *Engine) liveExecution(ctx context.Context, q repo.Querier, fingerprint, now string) (string, bool, error) {
	k, err := e.Repo.GetIdempotencyKey(ctx, q, fingerprint)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	if k.ExpiresAt != "" && k.ExpiresAt <= now {
		return "", false, nil
	}
	exec, err := e.Repo.GetExecution(ctx, q, k.ExecutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	switch exec.Status {
	case domain.ExecutionFailed, domain.ExecutionCancelled:
		return "", false, nil
	}
	return exec.ID, true, nil
}

func (e *Engine) enqueue(id string) bool {
	select {
	case e.queue <- id:
		return true
	default:
		e.logger.Warn("dispatch queue full, execution left for the sweeper", "execution_id", id)
		return false
	}
}

// ArtifactRef is an execution result resolved against the registry.
type ArtifactRef struct {
	ArtifactID      string                   `json:"artifact_id"`
	ArtifactType    string                   `json:"artifact_type"`
	LifecycleState  domain.LifecycleState    `json:"lifecycle_state"`
	SemanticPayload map[string]any           `json:"semantic_payload"`
	Renderings      []domain.Materialization `json:"renderings"`
}

type Status struct {
	ExecutionID     string                  `json:"execution_id"`
	IntentType      string                  `json:"intent_type"`
	TenantID        string                  `json:"tenant_id"`
	SessionID       string                  `json:"session_id"`
	Status          domain.ExecutionStatus  `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Artifacts       map[string]ArtifactRef  `json:"artifacts"`
	Events          []domain.ExecutionEvent `json:"events"`
	Error           *domain.ExecutionError  `json:"error"`
	CancelRequested bool                    `json:"cancel_requested"`
	CreatedAt       string                  `json:"created_at" format:"date-time"`
	StartedAt       *string                 `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string                 `json:"finished_at,omitempty" format:"date-time"`
}

// GetStatus returns the current snapshot of an execution.
func (e *Engine) GetStatus(ctx context.Context, id string) (Status, error) {
	exec, err := e.Repo.GetExecution(ctx, e.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Status{}, apperr.NotFound("execution", id).WithExecution(id)
	}
	if err != nil {
		return Status{}, err
	}
	evts, err := e.Repo.ExecutionEvents(ctx, e.DB, id)
	if err != nil {
		return Status{}, fmt.Errorf("read events: %w", err)
	}
	names, err := e.Repo.ExecutionArtifacts(ctx, e.DB, id)
	if err != nil {
		return Status{}, fmt.Errorf("read execution artifacts: %w", err)
	}
	st := Status{
		ExecutionID:     exec.ID,
		IntentType:      exec.IntentType,
		TenantID:        exec.TenantID,
		SessionID:       exec.SessionID,
		Status:          exec.Status,
		Artifacts:       map[string]ArtifactRef{},
		Events:          evts,
		Error:           exec.Error,
		CancelRequested: exec.CancelRequested,
		CreatedAt:       exec.CreatedAt,
		StartedAt:       exec.StartedAt,
		FinishedAt:      exec.FinishedAt,
	}
	if st.Events == nil {
		st.Events = []domain.ExecutionEvent{}
	}
	for name, artifactID := range names {
		a, err := e.Artifacts.Resolve(ctx, exec.TenantID, artifactID)
		if err != nil {
			e.logger.Warn("execution artifact unresolvable", "execution_id", id, "artifact_id", artifactID, "err", err)
			continue
		}
		st.Artifacts[name] = ArtifactRef{
			ArtifactID:      a.ID,
			ArtifactType:    a.ArtifactType,
			LifecycleState:  a.LifecycleState,
			SemanticPayload: a.SemanticDescriptor,
			Renderings:      a.Materializations,
		}
	}
	return st, nil
}

// List returns executions of a tenant, oldest first.
func (e *Engine) List(ctx context.Context, tenantID string, status domain.ExecutionStatus, limit int) ([]domain.Execution, error) {
	if tenantID == "" {
		return nil, apperr.New(apperr.CodeMissingContext, "tenant_id is required")
	}
	return e.Repo.ListExecutions(ctx, e.DB, repo.ExecutionFilters{TenantID: tenantID, Status: status, Limit: limit})
}

// Cancel cancels a pending execution outright and asks a running one to stop.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Execution, error) {
	for attempt := 0; attempt < 2; attempt++ {
		exec, err := e.Repo.GetExecution(ctx, e.DB, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Execution{}, apperr.NotFound("execution", id).WithExecution(id)
		}
		if err != nil {
			return domain.Execution{}, err
		}
		if err := ensureExecutionTransition(exec.Status, domain.ExecutionCancelled); err != nil {
			return domain.Execution{}, err.WithExecution(id)
		}
		ts := domain.FormatTime(e.now())
		switch exec.Status {
		case domain.ExecutionPending:
			ok, err := e.finalize(ctx, exec.ID, []domain.ExecutionStatus{domain.ExecutionPending}, domain.ExecutionCancelled, cancelledError(), events.Cancelled, events.EventPayload{"before_dispatch": true}, ts)
			if err != nil {
				return domain.Execution{}, err
			}
			if !ok {
				continue
			}
		case domain.ExecutionRunning:
			if exec.CancelRequested {
				e.signalCancel(id)
				return exec, nil
			}
			ok, err := e.requestCancel(ctx, id, ts)
			if err != nil {
				return domain.Execution{}, err
			}
			if !ok {
				continue
			}
			e.signalCancel(id)
		}
		e.logger.Info("cancellation requested", "execution_id", id, "status", exec.Status)
		return e.Repo.GetExecution(ctx, e.DB, id)
	}
	exec, err := e.Repo.GetExecution(ctx, e.DB, id)
	if err != nil {
		return domain.Execution{}, err
	}
	return domain.Execution{}, apperr.New(apperr.CodeInvalidTransition, "execution %s changed status during cancellation", id).
		WithExecution(id).
		WithRetryable(true).
		WithDetail("status", string(exec.Status))
}

func (e *Engine) requestCancel(ctx context.Context, id, ts string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.MarkCancelRequested(ctx, tx, id, ts)
	if err != nil || !ok {
		return false, err
	}
	if _, err := e.Events.Append(ctx, tx, id, events.CancelRequested, nil); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (e *Engine) signalCancel(id string) {
	e.mu.Lock()
	f := e.inflight[id]
	e.mu.Unlock()
	if f != nil {
		f.request()
	}
}

func cancelledError() *domain.ExecutionError {
	return &domain.ExecutionError{Code: string(apperr.CodeCancelled), Message: "execution cancelled"}
}

// finalize moves an execution to a terminal status and appends the matching
// event. It reports false when the execution had already left every from status.
func (e *Engine) finalize(ctx context.Context, id string, from []domain.ExecutionStatus, to domain.ExecutionStatus, execErr *domain.ExecutionError, evtType string, payload events.EventPayload, ts string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateExecutionStatus(ctx, tx, id, repo.StatusUpdate{
		From:       from,
		To:         to,
		Error:      execErr,
		FinishedAt: ts,
		UpdatedAt:  ts,
	})
	if err != nil {
		return false, fmt.Errorf("update execution %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	if execErr != nil {
		payload["code"] = execErr.Code
		payload["message"] = execErr.Message
		payload["retryable"] = execErr.Retryable
	}
	if _, err := e.Events.Append(ctx, tx, id, evtType, payload); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Await polls until the execution is terminal or ctx is done.
func (e *Engine) Await(ctx context.Context, id string) (Status, error) {
	interval := e.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		exec, err := e.Repo.GetExecution(ctx, e.DB, id)
		if errors.Is(err, repo.ErrNotFound) {
			return Status{}, apperr.NotFound("execution", id).WithExecution(id)
		}
		if err != nil {
			return Status{}, err
		}
		if exec.Status.Terminal() {
			return e.GetStatus(ctx, id)
		}
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-t.C:
		}
	}
}
