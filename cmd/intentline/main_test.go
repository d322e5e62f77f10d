package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams(`{"sources":["a"],"name":"x"}`, []string{"name=y", "size=3", "flag=true", "note=hello world"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, got["sources"])
	assert.Equal(t, "y", got["name"])
	assert.Equal(t, float64(3), got["size"])
	assert.Equal(t, true, got["flag"])
	assert.Equal(t, "hello world", got["note"])

	empty, err := parseParams("", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = parseParams("", []string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams("[1]", nil)
	assert.Error(t, err)
}
