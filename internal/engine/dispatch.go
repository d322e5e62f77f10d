package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/events"
	"intentline/internal/realm"
	"intentline/internal/repo"
)

// Start launches the worker pool and the sweeper. It returns immediately;
// call Wait after cancelling ctx to drain in-flight executions.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		workers := e.Config.Runtime.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			e.wg.Add(1)
			go e.worker(ctx, i)
		}
		e.wg.Add(1)
		go e.sweeper(ctx)
		e.logger.Info("engine started", "workers", workers)
		e.recoverPending(ctx)
	})
}

// recoverPending queues executions left pending by an earlier process.
func (e *Engine) recoverPending(ctx context.Context) {
	pending, err := e.Repo.ListExecutions(ctx, e.DB, repo.ExecutionFilters{Status: domain.ExecutionPending, Limit: cap(e.queue)})
	if err != nil {
		e.logger.Error("recover pending executions", "err", err)
		return
	}
	for _, exec := range pending {
		if !e.enqueue(exec.ID) {
			return
		}
	}
	if len(pending) > 0 {
		e.logger.Info("recovered pending executions", "count", len(pending))
	}
}

// Wait blocks until every worker and the sweeper have stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, n int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			if err := e.dispatch(ctx, id); err != nil && ctx.Err() == nil {
				e.logger.Error("dispatch failed", "execution_id", id, "worker", n, "err", err)
			}
		}
	}
}

type outcome struct {
	result realm.Result
	err    error
	panic  any
	stack  []byte
}

// dispatch runs one pending execution to a terminal status. Executions that
// are no longer pending are skipped.
func (e *Engine) dispatch(ctx context.Context, id string) error {
	exec, err := e.Repo.GetExecution(ctx, e.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status != domain.ExecutionPending {
		return nil
	}
	started, err := e.markRunning(ctx, exec)
	if err != nil || !started {
		return err
	}

	// Finalization must land even if the engine is shutting down.
	base := context.WithoutCancel(ctx)
	spanCtx, end := e.Telemetry.StartExecution(base, exec.ID, exec.IntentType)

	reg, ok := e.Realms.Lookup(exec.IntentType)
	if !ok {
		execErr := &domain.ExecutionError{Code: string(apperr.CodeUnknownIntent), Message: fmt.Sprintf("intent type %q is no longer registered", exec.IntentType)}
		_, err := e.finalize(base, exec.ID, running, domain.ExecutionFailed, execErr, events.Failed, nil, domain.FormatTime(e.now()))
		end(string(domain.ExecutionFailed), execErr.Code)
		return err
	}

	deadline := e.deadline(exec.IntentType)
	runCtx, cancel := context.WithTimeout(spanCtx, deadline)
	defer cancel()
	handle := &inflight{cancel: cancel, requested: make(chan struct{})}
	e.mu.Lock()
	e.inflight[exec.ID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, exec.ID)
		e.mu.Unlock()
	}()

	rc := &realm.Context{
		ExecutionID: exec.ID,
		IntentType:  exec.IntentType,
		TenantID:    exec.TenantID,
		SessionID:   exec.SessionID,
		Parameters:  exec.Parameters,
		Metadata:    exec.Metadata,
		Artifacts:   e.Artifacts,
		Pending:     e.Pending,
		Blobs:       e.Blobs,
		Logger:      e.logger,
		OnEmit: func(ctx context.Context, evtType string, data map[string]any) error {
			_, err := e.Events.Append(ctx, e.DB, exec.ID, evtType, data)
			return err
		},
		IsCancelled: func() bool { return e.cancelRequested(base, handle, exec.ID) },
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panic: r, stack: debug.Stack()}
			}
		}()
		res, err := reg.Adapter.Handle(runCtx, rc)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-done:
	case <-handle.requested:
		handle.cancel()
		grace := time.NewTimer(cancelGrace)
		select {
		case out = <-done:
			// An adapter that finished anyway keeps its result.
			if out.err != nil {
				out = outcome{err: realm.ErrCancelled}
			}
		case <-grace.C:
			out = outcome{err: realm.ErrCancelled}
		}
		grace.Stop()
	case <-runCtx.Done():
		select {
		case out = <-done:
		default:
			timedOut = true
		}
	}

	status, execErr := e.classify(base, exec, out, timedOut, deadline)
	e.settleResumed(base, rc, status)
	e.releaseClaims(base, exec.ID)

	ts := domain.FormatTime(e.now())
	var changed bool
	switch status {
	case domain.ExecutionCompleted:
		changed, err = e.complete(base, exec.ID, out.result.Artifacts, ts)
	case domain.ExecutionCancelled:
		changed, err = e.finalize(base, exec.ID, running, domain.ExecutionCancelled, execErr, events.Cancelled, nil, ts)
	default:
		changed, err = e.finalize(base, exec.ID, running, domain.ExecutionFailed, execErr, events.Failed, nil, ts)
	}
	code := ""
	if execErr != nil {
		code = execErr.Code
	}
	end(string(status), code)
	if err != nil {
		return err
	}
	if !changed {
		e.logger.Warn("execution finished after it was reclaimed", "execution_id", exec.ID, "status", status)
		return nil
	}
	e.logger.Info("execution finished", "execution_id", exec.ID, "intent_type", exec.IntentType, "status", status, "code", code)
	return nil
}

var running = []domain.ExecutionStatus{domain.ExecutionRunning}

// cancelGrace bounds how long a cancelled adapter may take to return.
const cancelGrace = time.Second

func (e *Engine) markRunning(ctx context.Context, exec domain.Execution) (bool, error) {
	if err := ensureExecutionTransition(exec.Status, domain.ExecutionRunning); err != nil {
		return false, err
	}
	ts := domain.FormatTime(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateExecutionStatus(ctx, tx, exec.ID, repo.StatusUpdate{
		From:      []domain.ExecutionStatus{domain.ExecutionPending},
		To:        domain.ExecutionRunning,
		StartedAt: ts,
		UpdatedAt: ts,
	})
	if err != nil {
		return false, fmt.Errorf("start execution %s: %w", exec.ID, err)
	}
	if !ok {
		return false, nil
	}
	if _, err := e.Events.Append(ctx, tx, exec.ID, events.Started, events.EventPayload{"deadline_ms": e.deadline(exec.IntentType).Milliseconds()}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// cancelRequested checks the in-process signal first and falls back to the
// stored flag so that cancellations recorded by another process are seen.
func (e *Engine) cancelRequested(ctx context.Context, handle *inflight, id string) bool {
	select {
	case <-handle.requested:
		return true
	default:
	}
	exec, err := e.Repo.GetExecution(ctx, e.DB, id)
	if err != nil {
		return false
	}
	if exec.CancelRequested {
		handle.request()
		return true
	}
	return false
}

// classify maps an adapter outcome onto a terminal status and error payload.
func (e *Engine) classify(ctx context.Context, exec domain.Execution, out outcome, timedOut bool, deadline time.Duration) (domain.ExecutionStatus, *domain.ExecutionError) {
	switch {
	case timedOut:
		return domain.ExecutionFailed, &domain.ExecutionError{
			Code:        string(apperr.CodeAdapterTimeout),
			Message:     fmt.Sprintf("adapter exceeded its deadline of %s", deadline),
			Retryable:   true,
			Remediation: "resubmit the intent",
		}
	case out.panic != nil:
		e.logger.Error("adapter panicked", "execution_id", exec.ID, "panic", out.panic, "stack", string(out.stack))
		return domain.ExecutionFailed, &domain.ExecutionError{
			Code:      string(apperr.CodeAdapterError),
			Message:   fmt.Sprintf("adapter panic: %v", out.panic),
			Retryable: true,
		}
	case out.err != nil:
		if errors.Is(out.err, realm.ErrCancelled) {
			return domain.ExecutionCancelled, cancelledError()
		}
		return domain.ExecutionFailed, adapterError(out.err)
	}
	for name, id := range out.result.Artifacts {
		a, err := e.Artifacts.Resolve(ctx, exec.TenantID, id)
		if err != nil {
			return domain.ExecutionFailed, invalidResult(name, id, fmt.Sprintf("artifact %s does not resolve in tenant %s", id, exec.TenantID))
		}
		if a.ProducedBy.ExecutionID != exec.ID {
			return domain.ExecutionFailed, invalidResult(name, id, fmt.Sprintf("artifact %s was produced by execution %s", id, a.ProducedBy.ExecutionID))
		}
	}
	return domain.ExecutionCompleted, nil
}

func invalidResult(name, id, msg string) *domain.ExecutionError {
	return &domain.ExecutionError{
		Code:    string(apperr.CodeInvalidResult),
		Message: msg,
		Details: map[string]any{"result": name, "artifact_id": id},
	}
}

// adapterError preserves the code and retryability an adapter or registry
// attached to err. Anything else becomes a retryable ADAPTER_ERROR.
func adapterError(err error) *domain.ExecutionError {
	var re *realm.Error
	if errors.As(err, &re) {
		return &domain.ExecutionError{Code: re.Code, Message: re.Message, Retryable: re.Retryable, Details: re.Details}
	}
	if ae, ok := apperr.AsError(err); ok {
		return &domain.ExecutionError{
			Code:        string(ae.Code),
			Message:     ae.Message,
			Retryable:   ae.Retryable,
			Remediation: ae.Remediation,
			Details:     ae.Details,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ExecutionError{Code: string(apperr.CodeAdapterTimeout), Message: err.Error(), Retryable: true}
	}
	return &domain.ExecutionError{Code: string(apperr.CodeAdapterError), Message: err.Error(), Retryable: true}
}

// settleResumed closes out the pending intent the execution claimed.
func (e *Engine) settleResumed(ctx context.Context, rc *realm.Context, status domain.ExecutionStatus) {
	p := rc.Settle()
	if p == nil || e.Pending == nil {
		return
	}
	to := domain.PendingFailed
	if status == domain.ExecutionCompleted {
		to = domain.PendingCompleted
	}
	if _, err := e.Pending.Advance(ctx, rc.TenantID, p.ID, to, rc.ExecutionID); err != nil {
		e.logger.Warn("could not settle resumed intent", "execution_id", rc.ExecutionID, "intent_id", p.ID, "to", to, "err", err)
	}
}

// releaseClaims fails the pending intents executionID still holds in
// progress so that another execution can resume them.
func (e *Engine) releaseClaims(ctx context.Context, executionID string) int {
	if e.Pending == nil {
		return 0
	}
	claims, err := e.Pending.ClaimedBy(ctx, executionID)
	if err != nil {
		e.logger.Warn("could not list claimed intents", "execution_id", executionID, "err", err)
		return 0
	}
	released := 0
	for _, p := range claims {
		if _, err := e.Pending.Advance(ctx, p.TenantID, p.ID, domain.PendingFailed, executionID); err != nil {
			e.logger.Warn("could not release claimed intent", "execution_id", executionID, "intent_id", p.ID, "err", err)
			continue
		}
		released++
	}
	if released > 0 {
		e.logger.Info("released claimed intents", "execution_id", executionID, "count", released)
	}
	return released
}

func (e *Engine) complete(ctx context.Context, id string, results map[string]string, ts string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateExecutionStatus(ctx, tx, id, repo.StatusUpdate{
		From:       running,
		To:         domain.ExecutionCompleted,
		FinishedAt: ts,
		UpdatedAt:  ts,
	})
	if err != nil {
		return false, fmt.Errorf("complete execution %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	names := map[string]any{}
	for name, artifactID := range results {
		if err := e.Repo.InsertExecutionArtifact(ctx, tx, id, name, artifactID); err != nil {
			return false, fmt.Errorf("record result %s: %w", name, err)
		}
		names[name] = artifactID
	}
	if _, err := e.Events.Append(ctx, tx, id, events.Completed, events.EventPayload{"artifacts": names}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
