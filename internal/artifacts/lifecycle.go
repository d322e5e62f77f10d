package artifacts

import (
	"intentline/internal/apperr"
	"intentline/internal/domain"
)

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to domain.LifecycleState) bool {
	return ensureLifecycleTransition(from, to) == nil
}

func ensureLifecycleTransition(from, to domain.LifecycleState) error {
	if to == domain.LifecycleTerminated && from != domain.LifecycleTerminated && from.Valid() {
		return nil
	}
	switch from {
	case domain.LifecyclePending:
		if to == domain.LifecycleReady {
			return nil
		}
	case domain.LifecycleReady:
		if to == domain.LifecycleActive {
			return nil
		}
	case domain.LifecycleActive:
		if to == domain.LifecycleArchived {
			return nil
		}
	}
	return apperr.New(apperr.CodeInvalidTransition, "invalid lifecycle transition %s -> %s", from, to).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}
