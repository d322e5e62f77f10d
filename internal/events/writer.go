package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"intentline/internal/domain"
	"intentline/internal/repo"
)

const (
	Submitted       = "execution.submitted"
	Started         = "execution.started"
	Completed       = "execution.completed"
	Failed          = "execution.failed"
	Cancelled       = "execution.cancelled"
	CancelRequested = "execution.cancel_requested"
	Requeued        = "execution.requeued"
	ArtifactCreated = "artifact.registered"
	Materialized    = "artifact.materialized"
	Transitioned    = "artifact.transitioned"
	PendingStaged   = "pending.staged"
	PendingResumed  = "pending.resumed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes the next event of an execution inside q. Sequence numbers are
// assigned per execution so the log is causally ordered.
func (w Writer) Append(ctx context.Context, q repo.Querier, executionID, evtType string, payload EventPayload) (domain.ExecutionEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.ExecutionEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	var seq int64
	err = q.QueryRowContext(ctx, `INSERT INTO execution_events(execution_id,seq,type,ts,data_json)
		SELECT ?, COALESCE(MAX(seq),0)+1, ?, ?, ? FROM execution_events WHERE execution_id=?
		RETURNING seq`, executionID, evtType, ts, string(data), executionID).Scan(&seq)
	if err != nil {
		return domain.ExecutionEvent{}, fmt.Errorf("append %s: %w", evtType, err)
	}
	return domain.ExecutionEvent{Seq: seq, Type: evtType, TS: ts, Data: payload}, nil
}
