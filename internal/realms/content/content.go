// Package content registers the built-in file, parsing, promotion,
// blueprint and session realms.
package content

import (
	"errors"
	"fmt"
	"time"

	"intentline/internal/blob"
	"intentline/internal/domain"
	"intentline/internal/idempotency"
	"intentline/internal/realm"
)

const (
	IntentIngestFile       = "ingest_file"
	IntentParseContent     = "parse_content"
	IntentPromoteArtifact  = "promote_artifact"
	IntentComposeBlueprint = "compose_blueprint"
	IntentCreateSession    = "create_session"

	TypeFile          = "file"
	TypeParsedContent = "parsed_content"
	TypeBlueprint     = "blueprint"
	TypeSession       = "session"

	schemaVersion = 1

	DefaultSessionWindow = 30 * time.Second
)

type Options struct {
	Blobs blob.Store
	// SessionWindow deduplicates create_session retries. Zero uses DefaultSessionWindow.
	SessionWindow time.Duration
}

// Register adds every built-in realm to reg.
func Register(reg *realm.Registry, opts Options) error {
	if opts.Blobs == nil {
		return errors.New("content realms require a blob store")
	}
	window := opts.SessionWindow
	if window <= 0 {
		window = DefaultSessionWindow
	}
	files := fileRealm{blobs: opts.Blobs}
	regs := []realm.Registration{
		{
			IntentType:       IntentIngestFile,
			Adapter:          realm.AdapterFunc(files.ingest),
			ScopeFunc:        ingestScope,
			ParametersSchema: ingestSchema,
		},
		{
			IntentType:       IntentParseContent,
			Adapter:          realm.AdapterFunc(files.parse),
			ScopeFunc:        idempotency.Keys("file_id", "parser_config"),
			ParametersSchema: parseSchema,
			Eligibility: &realm.Eligibility{
				ArtifactType:   TypeFile,
				States:         []domain.LifecycleState{domain.LifecycleReady},
				ExcludePending: []domain.PendingStatus{domain.PendingInProgress, domain.PendingCompleted},
			},
		},
		{
			IntentType:       IntentPromoteArtifact,
			Adapter:          realm.AdapterFunc(promote),
			ScopeFunc:        idempotency.Keys("artifact_id", "target_state"),
			ParametersSchema: promoteSchema,
			Promotes:         []string{"*"},
		},
		{
			IntentType:       IntentComposeBlueprint,
			Adapter:          realm.AdapterFunc(composeBlueprint),
			ScopeFunc:        idempotency.Keys("sources", "name"),
			ParametersSchema: blueprintSchema,
		},
		{
			IntentType:       IntentCreateSession,
			Adapter:          realm.AdapterFunc(createSession),
			Scope:            idempotency.Scope{Kind: idempotency.Window, Window: window},
			ScopeFunc:        idempotency.Keys("user_id"),
			ParametersSchema: sessionSchema,
		},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return fmt.Errorf("register %s: %w", r.IntentType, err)
		}
	}
	return nil
}

func stringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}

const ingestSchema = `{
	"type": "object",
	"required": ["file_name", "content"],
	"properties": {
		"file_name": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"content_type": {"type": "string"},
		"ingestion_profile": {"type": "string"}
	}
}`

const parseSchema = `{
	"type": "object",
	"required": ["file_id"],
	"properties": {
		"file_id": {"type": "string", "minLength": 1},
		"parser_config": {"type": ["string", "object"]},
		"ingestion_profile": {"type": "string"}
	}
}`

const promoteSchema = `{
	"type": "object",
	"required": ["artifact_id", "target_state"],
	"properties": {
		"artifact_id": {"type": "string", "minLength": 1},
		"target_state": {"enum": ["READY", "ACTIVE", "ARCHIVED", "TERMINATED"]}
	}
}`

const blueprintSchema = `{
	"type": "object",
	"required": ["sources", "name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"sources": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

const sessionSchema = `{
	"type": "object",
	"required": ["user_id"],
	"properties": {
		"user_id": {"type": "string", "minLength": 1}
	}
}`
