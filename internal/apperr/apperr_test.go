package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfWrapped(t *testing.T) {
	base := New(CodeInvalidLineage, "parent %s missing", "a1")
	wrapped := fmt.Errorf("register: %w", base)

	assert.Equal(t, CodeInvalidLineage, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeInvalidLineage))
	assert.False(t, Is(wrapped, CodeNotFound))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestErrorMessageIncludesExecution(t *testing.T) {
	err := New(CodeAdapterError, "storage down").WithExecution("exec-1").WithRetryable(true)
	assert.Equal(t, "ADAPTER_ERROR: storage down (execution=exec-1)", err.Error())

	ae, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, ae.Retryable)
}

func TestNotFoundDetail(t *testing.T) {
	err := NotFound("artifact", "a-7")
	assert.Equal(t, "a-7", err.Details["artifact_id"])
}

func TestWrapUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	err := Wrap(CodeAdapterError, inner, "write blob")
	assert.ErrorIs(t, err, inner)
}
