package realm

import (
	"fmt"
	"slices"

	"github.com/google/cel-go/cel"

	"intentline/internal/domain"
)

// Eligibility describes which artifacts an intent type may target.
type Eligibility struct {
	ArtifactType string
	States       []domain.LifecycleState
	// ExcludePending hides targets that already carry this intent type
	// in one of these pending statuses.
	ExcludePending []domain.PendingStatus
	// Where is an optional CEL expression over the variable "artifact".
	Where string

	program cel.Program
}

func newEligibilityEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("artifact", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("eligibility env: %w", err)
	}
	return env, nil
}

func (e *Eligibility) compile(env *cel.Env) error {
	if e.Where == "" {
		return nil
	}
	ast, issues := env.Compile(e.Where)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("eligibility compile error: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("eligibility program error: %w", err)
	}
	e.program = prg
	return nil
}

// Filtered reports whether the declaration needs per-artifact evaluation.
func (e *Eligibility) Filtered() bool {
	return e.program != nil
}

// Match evaluates the static and CEL constraints against a summary.
func (e *Eligibility) Match(a domain.ArtifactSummary) (bool, error) {
	if e.ArtifactType != "" && a.ArtifactType != e.ArtifactType {
		return false, nil
	}
	if len(e.States) > 0 && !slices.Contains(e.States, a.LifecycleState) {
		return false, nil
	}
	if e.program == nil {
		return true, nil
	}
	desc := a.SemanticDescriptor
	if desc == nil {
		desc = map[string]any{}
	}
	out, _, err := e.program.Eval(map[string]any{
		"artifact": map[string]any{
			"artifact_id":         a.ID,
			"artifact_type":       a.ArtifactType,
			"lifecycle_state":     string(a.LifecycleState),
			"semantic_descriptor": desc,
			"created_at":          a.CreatedAt,
			"updated_at":          a.UpdatedAt,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eligibility eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("eligibility result not boolean")
	}
	return ok, nil
}
