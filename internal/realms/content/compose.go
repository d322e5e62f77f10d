package content

import (
	"context"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/realm"
)

// promote moves any artifact of the tenant along its lifecycle. The promoted
// artifact belongs to its producer, so the result carries no artifacts.
func promote(ctx context.Context, rc *realm.Context) (realm.Result, error) {
	id := stringParam(rc.Parameters, "artifact_id")
	to := domain.LifecycleState(stringParam(rc.Parameters, "target_state"))
	if !to.Valid() {
		return realm.Result{}, apperr.New(apperr.CodeInvalidParameters, "unknown target_state %q", to)
	}
	if _, err := rc.Transition(ctx, id, to); err != nil {
		return realm.Result{}, err
	}
	return realm.Result{}, nil
}

func composeBlueprint(ctx context.Context, rc *realm.Context) (realm.Result, error) {
	raw, _ := rc.Parameters["sources"].([]any)
	sources := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			sources = append(sources, s)
		}
	}
	types := make([]any, 0, len(sources))
	for _, id := range sources {
		a, err := rc.Resolve(ctx, id)
		if apperr.Is(err, apperr.CodeNotFound) {
			return realm.Result{}, apperr.New(apperr.CodeInvalidLineage, "source artifact %s does not resolve", id).
				WithDetail("parent_id", id)
		}
		if err != nil {
			return realm.Result{}, err
		}
		types = append(types, a.ArtifactType)
	}
	bp, err := rc.RegisterArtifact(ctx, realm.ArtifactInput{
		ArtifactType: TypeBlueprint,
		SemanticDescriptor: map[string]any{
			"name":           stringParam(rc.Parameters, "name"),
			"source_count":   len(sources),
			"source_types":   types,
			"schema_version": schemaVersion,
		},
		Parents: sources,
	})
	if err != nil {
		return realm.Result{}, err
	}
	if _, err := rc.Transition(ctx, bp.ID, domain.LifecycleReady); err != nil {
		return realm.Result{}, err
	}
	return realm.Result{Artifacts: map[string]string{"blueprint": bp.ID}}, nil
}

func createSession(ctx context.Context, rc *realm.Context) (realm.Result, error) {
	s, err := rc.RegisterArtifact(ctx, realm.ArtifactInput{
		ArtifactType: TypeSession,
		SemanticDescriptor: map[string]any{
			"user_id":        stringParam(rc.Parameters, "user_id"),
			"session_id":     rc.SessionID,
			"schema_version": schemaVersion,
		},
	})
	if err != nil {
		return realm.Result{}, err
	}
	for _, to := range []domain.LifecycleState{domain.LifecycleReady, domain.LifecycleActive} {
		if _, err := rc.Transition(ctx, s.ID, to); err != nil {
			return realm.Result{}, err
		}
	}
	return realm.Result{Artifacts: map[string]string{"session": s.ID}}, nil
}
