package engine

import (
	"intentline/internal/apperr"
	"intentline/internal/domain"
)

func ensureExecutionTransition(from, to domain.ExecutionStatus) *apperr.Error {
	switch from {
	case domain.ExecutionPending:
		if to == domain.ExecutionRunning || to == domain.ExecutionCancelled {
			return nil
		}
	case domain.ExecutionRunning:
		if to == domain.ExecutionCompleted || to == domain.ExecutionFailed || to == domain.ExecutionCancelled {
			return nil
		}
	}
	return apperr.New(apperr.CodeInvalidTransition, "execution cannot move from %s to %s", from, to).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}
