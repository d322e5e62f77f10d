package realm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/idempotency"
)

var noop = AdapterFunc(func(context.Context, *Context) (Result, error) { return Result{}, nil })

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, reg.Register(Registration{IntentType: "ingest_file", Adapter: noop}))
	assert.Error(t, reg.Register(Registration{IntentType: "ingest_file", Adapter: noop}))
	assert.Error(t, reg.Register(Registration{IntentType: "", Adapter: noop}))
	assert.Error(t, reg.Register(Registration{IntentType: "x"}))
	assert.Error(t, reg.Register(Registration{IntentType: "y", Adapter: noop, Scope: idempotency.Scope{Kind: idempotency.Window}}))
	assert.Error(t, reg.Register(Registration{IntentType: "z", Adapter: noop, ParametersSchema: "{not json"}))
	assert.Error(t, reg.Register(Registration{IntentType: "w", Adapter: noop, Eligibility: &Eligibility{Where: "artifact.("}}))

	assert.Equal(t, []string{"ingest_file"}, reg.IntentTypes())
	_, ok := reg.Lookup("parse_content")
	assert.False(t, ok)
}

func TestValidateParameters(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Register(Registration{
		IntentType: "ingest_file",
		Adapter:    noop,
		ParametersSchema: `{
			"type": "object",
			"required": ["file_name", "content"],
			"properties": {
				"file_name": {"type": "string", "minLength": 1},
				"content": {"type": "string"},
				"size": {"type": "integer"}
			}
		}`,
	}))

	assert.NoError(t, reg.ValidateParameters("ingest_file", map[string]any{"file_name": "a.txt", "content": "x", "size": 3}))
	assert.NoError(t, reg.ValidateParameters("unregistered_schema", nil))

	err = reg.ValidateParameters("ingest_file", map[string]any{"file_name": ""})
	ae, ok := apperr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidParameters, ae.Code)
	assert.NotEmpty(t, ae.Details["violations"])
}

func TestValidateParametersDecodesNumbers(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Register(Registration{
		IntentType:       "summarize",
		Adapter:          noop,
		ParametersSchema: `{"type": "object", "properties": {"max_words": {"type": "integer", "minimum": 1}}}`,
	}))

	assert.NoError(t, reg.ValidateParameters("summarize", map[string]any{"max_words": 200}))
	assert.NoError(t, reg.ValidateParameters("summarize", map[string]any{"max_words": float64(12)}))
	assert.True(t, apperr.Is(reg.ValidateParameters("summarize", map[string]any{"max_words": 2.5}), apperr.CodeInvalidParameters))
	assert.True(t, apperr.Is(reg.ValidateParameters("summarize", map[string]any{"max_words": 0}), apperr.CodeInvalidParameters))
	assert.True(t, apperr.Is(reg.ValidateParameters("summarize", map[string]any{"max_words": "ten"}), apperr.CodeInvalidParameters))
}

func TestCanPromoteAndCapabilities(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Register(Registration{IntentType: "promote_artifact", Adapter: noop, Promotes: []string{"*"}}))
	require.NoError(t, reg.Register(Registration{IntentType: "curate", Adapter: noop, Promotes: []string{"blueprint"}}))

	assert.True(t, reg.CanPromote("file", "promote_artifact"))
	assert.True(t, reg.CanPromote("blueprint", "curate"))
	assert.False(t, reg.CanPromote("file", "curate"))
	assert.False(t, reg.CanPromote("file", "unknown"))

	caps := Capabilities{"reader": {"parse_content"}, "admin": {"*"}}
	assert.True(t, caps.Allows("reader", "parse_content"))
	assert.False(t, caps.Allows("reader", "ingest_file"))
	assert.True(t, caps.Allows("admin", "ingest_file"))
	assert.False(t, caps.Allows("guest", "parse_content"))
}

func TestEligibilityMatch(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Register(Registration{
		IntentType: "parse_content",
		Adapter:    noop,
		Deadline:   time.Second,
		Eligibility: &Eligibility{
			ArtifactType: "file",
			States:       []domain.LifecycleState{domain.LifecycleReady},
			Where:        `artifact.semantic_descriptor.size_bytes > 2`,
		},
	}))
	elig, ok := reg.Eligibility("parse_content")
	require.True(t, ok)
	assert.True(t, elig.Filtered())

	match := func(s domain.ArtifactSummary) bool {
		ok, err := elig.Match(s)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, match(domain.ArtifactSummary{ArtifactType: "file", LifecycleState: domain.LifecycleReady, SemanticDescriptor: map[string]any{"size_bytes": float64(10)}}))
	assert.False(t, match(domain.ArtifactSummary{ArtifactType: "file", LifecycleState: domain.LifecycleReady, SemanticDescriptor: map[string]any{"size_bytes": float64(1)}}))
	assert.False(t, match(domain.ArtifactSummary{ArtifactType: "file", LifecycleState: domain.LifecyclePending, SemanticDescriptor: map[string]any{"size_bytes": float64(10)}}))
	assert.False(t, match(domain.ArtifactSummary{ArtifactType: "blueprint", LifecycleState: domain.LifecycleReady}))

	_, ok = reg.Eligibility("unknown")
	assert.False(t, ok)
}
