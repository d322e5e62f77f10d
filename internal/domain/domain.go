package domain

import "time"

// TimeFormat is fixed width so that lexical order of stored timestamps
// equals chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

type Intent struct {
	IntentType string         `json:"intent_type"`
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

type ExecutionError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Retryable   bool           `json:"retryable"`
	Remediation string         `json:"remediation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

type ExecutionEvent struct {
	Seq  int64          `json:"seq"`
	Type string         `json:"type"`
	TS   string         `json:"timestamp" format:"date-time"`
	Data map[string]any `json:"data,omitempty"`
}

type Execution struct {
	ID              string            `json:"execution_id"`
	IntentType      string            `json:"intent_type"`
	TenantID        string            `json:"tenant_id"`
	SessionID       string            `json:"session_id"`
	Fingerprint     string            `json:"fingerprint"`
	Parameters      map[string]any    `json:"parameters,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Status          ExecutionStatus   `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Artifacts       map[string]string `json:"artifacts,omitempty"`
	Events          []ExecutionEvent  `json:"events,omitempty"`
	Error           *ExecutionError   `json:"error,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	StartedAt       *string           `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string           `json:"finished_at,omitempty" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
}

type LifecycleState string

const (
	LifecyclePending    LifecycleState = "PENDING"
	LifecycleReady      LifecycleState = "READY"
	LifecycleActive     LifecycleState = "ACTIVE"
	LifecycleArchived   LifecycleState = "ARCHIVED"
	LifecycleTerminated LifecycleState = "TERMINATED"
)

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	switch s {
	case LifecyclePending, LifecycleReady, LifecycleActive, LifecycleArchived, LifecycleTerminated:
		return true
	}
	return false
}

type ProducedBy struct {
	IntentType  string `json:"intent_type"`
	ExecutionID string `json:"execution_id"`
}

type Materialization struct {
	Location string `json:"location"`
	Format   string `json:"format"`
	Kind     string `json:"kind"`
}

type Artifact struct {
	ID                 string            `json:"artifact_id"`
	Seq                int64             `json:"-"`
	ArtifactType       string            `json:"artifact_type"`
	TenantID           string            `json:"tenant_id"`
	LifecycleState     LifecycleState    `json:"lifecycle_state" enum:"PENDING,READY,ACTIVE,ARCHIVED,TERMINATED"`
	SemanticDescriptor map[string]any    `json:"semantic_descriptor"`
	ParentArtifacts    []string          `json:"parent_artifacts"`
	ProducedBy         ProducedBy        `json:"produced_by"`
	Materializations   []Materialization `json:"materializations"`
	CreatedAt          string            `json:"created_at" format:"date-time"`
	UpdatedAt          string            `json:"updated_at" format:"date-time"`
}

// ArtifactSummary is the denormalized row served by the index.
type ArtifactSummary struct {
	ID                 string         `json:"artifact_id"`
	Seq                int64          `json:"-"`
	ArtifactType       string         `json:"artifact_type"`
	TenantID           string         `json:"-"`
	LifecycleState     LifecycleState `json:"lifecycle_state"`
	SemanticDescriptor map[string]any `json:"semantic_descriptor"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

// Summary projects a full artifact record into its index row.
func (a Artifact) Summary() ArtifactSummary {
	return ArtifactSummary{
		ID:                 a.ID,
		Seq:                a.Seq,
		ArtifactType:       a.ArtifactType,
		TenantID:           a.TenantID,
		LifecycleState:     a.LifecycleState,
		SemanticDescriptor: a.SemanticDescriptor,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

type LifecycleTransition struct {
	ArtifactID  string         `json:"artifact_id"`
	From        LifecycleState `json:"from"`
	To          LifecycleState `json:"to"`
	ByIntent    string         `json:"by_intent"`
	ByExecution string         `json:"by_execution"`
	TS          string         `json:"ts" format:"date-time"`
}

type PendingStatus string

const (
	PendingStaged     PendingStatus = "PENDING"
	PendingInProgress PendingStatus = "in_progress"
	PendingCompleted  PendingStatus = "COMPLETED"
	PendingFailed     PendingStatus = "FAILED"
)

// Resumable reports whether a resuming execution may pick the intent up.
func (s PendingStatus) Resumable() bool {
	return s == PendingStaged || s == PendingFailed
}

type PendingIntent struct {
	ID               string         `json:"intent_id"`
	IntentType       string         `json:"intent_type"`
	TargetArtifactID string         `json:"target_artifact_id"`
	Context          map[string]any `json:"context"`
	Status           PendingStatus  `json:"status" enum:"PENDING,in_progress,COMPLETED,FAILED"`
	TenantID         string         `json:"tenant_id"`
	SessionID        string         `json:"session_id,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	ResumedBy        *string        `json:"resumed_by,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// APIKey binds a hashed secret to one tenant. The plaintext is never stored.
type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FeedEvent is an execution event in global append order.
type FeedEvent struct {
	Cursor      int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	IntentType  string         `json:"intent_type"`
	Seq         int64          `json:"seq"`
	Type        string         `json:"type"`
	TS          string         `json:"ts" format:"date-time"`
	Data        map[string]any `json:"data,omitempty"`
}
