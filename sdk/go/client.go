package intentlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Intentline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval paces Await.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		BasePath:     "/v1",
		TenantID:     tenantID,
		Timeout:      10 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

type Intent struct {
	IntentType string         `json:"intent_type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	SessionID  string         `json:"session_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type Submission struct {
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated"`
}

type ExecutionError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Retryable   bool           `json:"retryable"`
	Remediation string         `json:"remediation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

type Event struct {
	Seq  int64          `json:"seq"`
	Type string         `json:"type"`
	TS   string         `json:"timestamp"`
	Data map[string]any `json:"data,omitempty"`
}

type ArtifactRef struct {
	ArtifactID      string         `json:"artifact_id"`
	ArtifactType    string         `json:"artifact_type"`
	LifecycleState  string         `json:"lifecycle_state"`
	SemanticPayload map[string]any `json:"semantic_payload"`
}

// Execution is the status snapshot served by GET /executions/{id}.
type Execution struct {
	ExecutionID     string                 `json:"execution_id"`
	IntentType      string                 `json:"intent_type"`
	TenantID        string                 `json:"tenant_id"`
	SessionID       string                 `json:"session_id"`
	Status          string                 `json:"status"`
	Artifacts       map[string]ArtifactRef `json:"artifacts"`
	Events          []Event                `json:"events"`
	Error           *ExecutionError        `json:"error"`
	CancelRequested bool                   `json:"cancel_requested"`
	CreatedAt       string                 `json:"created_at"`
}

// Terminal reports whether the execution can no longer change.
func (e Execution) Terminal() bool {
	switch e.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

type Artifact struct {
	ID                 string         `json:"artifact_id"`
	ArtifactType       string         `json:"artifact_type"`
	TenantID           string         `json:"tenant_id"`
	LifecycleState     string         `json:"lifecycle_state"`
	SemanticDescriptor map[string]any `json:"semantic_descriptor"`
	ParentArtifacts    []string       `json:"parent_artifacts"`
	ProducedBy         struct {
		IntentType  string `json:"intent_type"`
		ExecutionID string `json:"execution_id"`
	} `json:"produced_by"`
	Materializations []struct {
		Location string `json:"location"`
		Format   string `json:"format"`
		Kind     string `json:"kind"`
	} `json:"materializations"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ArtifactQuery struct {
	ArtifactType   string `json:"artifact_type,omitempty"`
	LifecycleState string `json:"lifecycle_state,omitempty"`
	EligibleFor    string `json:"eligible_for,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

type ArtifactPage struct {
	Items  []Artifact `json:"artifacts"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

type Transition struct {
	ArtifactID  string `json:"artifact_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	ByIntent    string `json:"by_intent"`
	ByExecution string `json:"by_execution"`
	TS          string `json:"ts"`
}

type Lineage struct {
	ArtifactID  string       `json:"artifact_id"`
	Ancestors   []Artifact   `json:"ancestors"`
	Transitions []Transition `json:"transitions"`
}

type PendingIntent struct {
	ID               string         `json:"intent_id"`
	IntentType       string         `json:"intent_type"`
	TargetArtifactID string         `json:"target_artifact_id"`
	Context          map[string]any `json:"context"`
	Status           string         `json:"status"`
	TenantID         string         `json:"tenant_id"`
	ResumedBy        *string        `json:"resumed_by,omitempty"`
}

// APIError wraps non-2xx responses. Code is empty when the body is not the
// runtime's error envelope.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	ExecutionID string
	Retryable   bool
	Body        string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the runtime error code carried by err, if any.
func ErrorCode(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Submit sends an intent. The client's tenant fills an empty TenantID.
func (c *Client) Submit(ctx context.Context, intent Intent) (Submission, error) {
	if intent.TenantID == "" {
		intent.TenantID = c.TenantID
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, "intents", intent, &resp)
	return resp, err
}

// Execution fetches the current status of an execution.
func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Await polls until the execution is terminal or ctx is done.
func (c *Client) Await(ctx context.Context, id string) (Execution, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		exec, err := c.Execution(ctx, id)
		if err != nil {
			return Execution{}, err
		}
		if exec.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation and returns the resulting status.
func (c *Client) Cancel(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Executions lists recent executions of the client's tenant.
func (c *Client) Executions(ctx context.Context, status string, limit int) ([]Execution, error) {
	q := url.Values{}
	q.Set("tenant_id", c.TenantID)
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Execution `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "executions?"+q.Encode(), nil, &resp)
	return resp.Items, err
}

// Artifacts lists index rows matching q.
func (c *Client) Artifacts(ctx context.Context, q ArtifactQuery) (ArtifactPage, error) {
	body := struct {
		TenantID string `json:"tenant_id,omitempty"`
		ArtifactQuery
	}{c.TenantID, q}
	var resp ArtifactPage
	err := c.do(ctx, http.MethodPost, "artifacts/list", body, &resp)
	return resp, err
}

func (c *Client) Artifact(ctx context.Context, id string) (Artifact, error) {
	var resp struct {
		Artifact Artifact `json:"artifact"`
	}
	err := c.do(ctx, http.MethodPost, "artifacts/resolve", c.artifactRef(id), &resp)
	return resp.Artifact, err
}

func (c *Client) Lineage(ctx context.Context, id string) (Lineage, error) {
	var resp Lineage
	err := c.do(ctx, http.MethodPost, "artifacts/lineage", c.artifactRef(id), &resp)
	return resp, err
}

// StageIntent records a follow-up intent against an artifact.
func (c *Client) StageIntent(ctx context.Context, intentType, targetID string, stagedContext map[string]any) (PendingIntent, error) {
	body := map[string]any{
		"tenant_id":          c.TenantID,
		"intent_type":        intentType,
		"target_artifact_id": targetID,
		"context":            stagedContext,
	}
	var resp PendingIntent
	err := c.do(ctx, http.MethodPost, "pending-intents", body, &resp)
	return resp, err
}

// PendingIntents lists staged intents, optionally filtered by status names
// (pending, in_progress, completed, failed).
func (c *Client) PendingIntents(ctx context.Context, intentType string, statuses ...string) ([]PendingIntent, error) {
	body := map[string]any{"tenant_id": c.TenantID}
	if intentType != "" {
		body["intent_type"] = intentType
	}
	if len(statuses) > 0 {
		body["statuses"] = statuses
	}
	var resp struct {
		Intents []PendingIntent `json:"intents"`
	}
	err := c.do(ctx, http.MethodPost, "pending-intents/list", body, &resp)
	return resp.Intents, err
}

func (c *Client) artifactRef(id string) map[string]string {
	return map[string]string{"tenant_id": c.TenantID, "artifact_id": id}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code        string `json:"code"`
			Message     string `json:"message"`
			ExecutionID string `json:"execution_id"`
			Retryable   bool   `json:"retryable"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.ExecutionID = env.Error.ExecutionID
		ae.Retryable = env.Error.Retryable
	}
	return ae
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
