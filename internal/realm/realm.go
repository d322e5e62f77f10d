// Package realm defines the contract between the runtime and domain handlers.
package realm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intentline/internal/idempotency"
)

// ErrCancelled is returned by adapters that stopped at a safe point after
// observing a cancellation request.
var ErrCancelled = errors.New("execution cancelled")

// ErrSettled is returned by Context methods called after the engine already
// recorded the execution's outcome.
var ErrSettled = errors.New("execution already settled")

// Adapter handles one intent type.
type Adapter interface {
	Handle(ctx context.Context, rc *Context) (Result, error)
}

type AdapterFunc func(ctx context.Context, rc *Context) (Result, error)

func (f AdapterFunc) Handle(ctx context.Context, rc *Context) (Result, error) {
	return f(ctx, rc)
}

// Result names the artifacts an execution produced.
type Result struct {
	Artifacts map[string]string
}

// Error lets an adapter control the code and retryability a failed execution reports.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Details   map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fail builds an adapter error.
func Fail(code string, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// Registration binds an intent type to its adapter and runtime policy.
type Registration struct {
	IntentType string
	Adapter    Adapter
	// Scope defaults to forever.
	Scope idempotency.Scope
	// ScopeFunc defaults to every parameter.
	ScopeFunc idempotency.ScopeFunc
	// ParametersSchema is an optional JSON Schema document.
	ParametersSchema string
	Eligibility      *Eligibility
	// Promotes lists artifact types this intent may mutate without having
	// produced them. "*" matches every type.
	Promotes []string
	Deadline time.Duration
}
