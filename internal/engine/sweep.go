package engine

import (
	"context"
	"fmt"
	"time"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/events"
	"intentline/internal/repo"
)

const sweepBatch = 500

type SweepReport struct {
	TimedOut   int   `json:"timed_out"`
	Released   int   `json:"released"`
	Requeued   int   `json:"requeued"`
	KeysPurged int64 `json:"keys_purged"`
}

func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()
	interval := e.Config.Runtime.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep fails running executions that outlived their deadline plus the
// configured grace and releases the pending intents they claimed, requeues pending executions nobody picked up and purges
// expired idempotency keys.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := e.now()

	stuck, err := e.Repo.ListExecutions(ctx, e.DB, repo.ExecutionFilters{Status: domain.ExecutionRunning, Limit: sweepBatch})
	if err != nil {
		return report, fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range stuck {
		if exec.StartedAt == nil {
			continue
		}
		started, err := domain.ParseTime(*exec.StartedAt)
		if err != nil {
			e.logger.Warn("unparseable started_at", "execution_id", exec.ID, "started_at", *exec.StartedAt)
			continue
		}
		deadline := e.deadline(exec.IntentType)
		if now.Before(started.Add(deadline + e.Config.Runtime.StuckGrace)) {
			continue
		}
		execErr := &domain.ExecutionError{
			Code:        string(apperr.CodeAdapterTimeout),
			Message:     fmt.Sprintf("execution did not finish within %s and was reclaimed", deadline),
			Retryable:   true,
			Remediation: "resubmit the intent",
		}
		ok, err := e.finalize(ctx, exec.ID, running, domain.ExecutionFailed, execErr, events.Failed, events.EventPayload{"reclaimed": true}, domain.FormatTime(now))
		if err != nil {
			return report, err
		}
		if !ok {
			continue
		}
		e.mu.Lock()
		if f := e.inflight[exec.ID]; f != nil {
			f.cancel()
		}
		e.mu.Unlock()
		report.TimedOut++
		report.Released += e.releaseClaims(ctx, exec.ID)
		e.logger.Warn("reclaimed stuck execution", "execution_id", exec.ID, "intent_type", exec.IntentType, "started_at", *exec.StartedAt)
	}

	if after := e.Config.Runtime.RequeueAfter; after > 0 {
		stale, err := e.Repo.ListExecutions(ctx, e.DB, repo.ExecutionFilters{
			Status:        domain.ExecutionPending,
			CreatedBefore: domain.FormatTime(now.Add(-after)),
			Limit:         sweepBatch,
		})
		if err != nil {
			return report, fmt.Errorf("list stale executions: %w", err)
		}
		for _, exec := range stale {
			if !e.enqueue(exec.ID) {
				break
			}
			if _, err := e.Events.Append(ctx, e.DB, exec.ID, events.Requeued, nil); err != nil {
				return report, err
			}
			report.Requeued++
		}
	}

	purged, err := e.Repo.PurgeExpiredKeys(ctx, e.DB, domain.FormatTime(now))
	if err != nil {
		return report, fmt.Errorf("purge idempotency keys: %w", err)
	}
	report.KeysPurged = purged

	e.Telemetry.RecordSweep(ctx, "timeout", report.TimedOut)
	e.Telemetry.RecordSweep(ctx, "requeue", report.Requeued)
	e.Telemetry.RecordSweep(ctx, "purge", int(report.KeysPurged))
	if report.TimedOut > 0 || report.Requeued > 0 {
		e.logger.Info("sweep finished", "timed_out", report.TimedOut, "requeued", report.Requeued, "keys_purged", report.KeysPurged)
	}
	return report, nil
}
