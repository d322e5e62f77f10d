package server

import (
	"intentline/internal/domain"
)

// Request payloads

type SubmitIntentRequest struct {
	IntentType string         `json:"intent_type,omitempty" example:"ingest_file"`
	TenantID   string         `json:"tenant_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ListArtifactsRequest struct {
	TenantID       string `json:"tenant_id,omitempty"`
	ArtifactType   string `json:"artifact_type,omitempty"`
	LifecycleState string `json:"lifecycle_state,omitempty" enum:"PENDING,READY,ACTIVE,ARCHIVED,TERMINATED"`
	EligibleFor    string `json:"eligible_for,omitempty" doc:"only artifacts an intent of this type may act on"`
	Limit          int    `json:"limit,omitempty" minimum:"0" maximum:"1000"`
	Offset         int    `json:"offset,omitempty" minimum:"0"`
}

type ArtifactRefRequest struct {
	TenantID     string `json:"tenant_id,omitempty"`
	ArtifactID   string `json:"artifact_id" minLength:"1"`
	ArtifactType string `json:"artifact_type,omitempty" doc:"when set, a record of another type is reported as not found"`
}

type CreatePendingIntentRequest struct {
	IntentType       string         `json:"intent_type,omitempty"`
	TargetArtifactID string         `json:"target_artifact_id,omitempty"`
	TenantID         string         `json:"tenant_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

type ListPendingIntentsRequest struct {
	TenantID         string   `json:"tenant_id,omitempty"`
	IntentType       string   `json:"intent_type,omitempty"`
	TargetArtifactID string   `json:"target_artifact_id,omitempty"`
	Statuses         []string `json:"statuses,omitempty"`
	Limit            int      `json:"limit,omitempty" minimum:"0" maximum:"1000"`
	Offset           int      `json:"offset,omitempty" minimum:"0"`
}

// Response payloads

type SubmitIntentResponse struct {
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status" enum:"pending,accepted"`
	Deduplicated bool   `json:"deduplicated"`
}

type ArtifactListResponse struct {
	Artifacts []domain.ArtifactSummary `json:"artifacts"`
	Total     int                      `json:"total"`
	Limit     int                      `json:"limit"`
	Offset    int                      `json:"offset"`
}

type ResolveArtifactResponse struct {
	Artifact domain.Artifact `json:"artifact"`
}

type ExecutionListResponse struct {
	Items []domain.Execution `json:"items"`
}

type LineageResponse struct {
	ArtifactID  string                       `json:"artifact_id"`
	Ancestors   []domain.Artifact            `json:"ancestors"`
	Transitions []domain.LifecycleTransition `json:"transitions"`
}

type PendingIntentListResponse struct {
	Intents []domain.PendingIntent `json:"intents"`
	Total   int                    `json:"total"`
}
