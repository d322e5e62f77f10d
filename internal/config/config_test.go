package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, 30*time.Second, cfg.Runtime.DefaultDeadline)
	assert.Equal(t, DedupeWindow, cfg.Intents["create_session"].Dedupe)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
runtime:
  workers: 2
  submit_rate: 5
  submit_burst: 10
intents:
  ingest_file:
    deadline: 2m
capabilities:
  reader: [parse_content]
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Runtime.Workers)
	assert.Equal(t, 256, cfg.Runtime.QueueSize)
	assert.Equal(t, 2*time.Minute, cfg.Deadline("ingest_file", 0))
	assert.Equal(t, 30*time.Second, cfg.Deadline("parse_content", 0))
	assert.Equal(t, 5*time.Second, cfg.Deadline("parse_content", 5*time.Second))
	assert.Equal(t, []string{"parse_content"}, cfg.Capabilities["reader"])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"window without duration": "intents:\n  x:\n    dedupe: window\n",
		"unknown dedupe":          "intents:\n  x:\n    dedupe: hourly\n",
		"s3 without bucket":       "storage:\n  kind: s3\n  s3:\n    endpoint: localhost:9000\n",
		"rate without burst":      "runtime:\n  submit_rate: 1\n",
		"zero workers":            "runtime:\n  workers: 0\n",
		"webhook without url":     "webhooks:\n  - events: [execution.completed]\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "intentline.yml"), []byte("runtime:\n  workers: 8\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Runtime.Workers)
}
