package content_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentline/internal/apperr"
	"intentline/internal/artifacts"
	"intentline/internal/blob"
	"intentline/internal/config"
	"intentline/internal/db"
	"intentline/internal/domain"
	"intentline/internal/engine"
	"intentline/internal/index"
	"intentline/internal/migrate"
	"intentline/internal/pending"
	"intentline/internal/realm"
	"intentline/internal/realms/content"
)

type stack struct {
	ctx       context.Context
	engine    *engine.Engine
	artifacts *artifacts.Registry
	pending   *pending.Registry
	index     *index.Index
	blobs     blob.Store
}

func newStack(t *testing.T) stack {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	blobs, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	realms, err := realm.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, content.Register(realms, content.Options{Blobs: blobs}))

	ix := index.New(conn, index.Options{Eligibility: realms})
	arts, err := artifacts.New(conn, artifacts.Options{Projector: ix, Promoters: realms})
	require.NoError(t, err)
	pend := pending.New(conn, arts)
	ix.Wire(arts, pend)

	eng, err := engine.New(conn, config.Default(), engine.Options{
		Realms:    realms,
		Artifacts: arts,
		Pending:   pend,
		Blobs:     blobs,
	})
	require.NoError(t, err)
	eng.PollInterval = 5 * time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	eng.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})
	return stack{ctx: ctx, engine: eng, artifacts: arts, pending: pend, index: ix, blobs: blobs}
}

func (s stack) run(t *testing.T, intentType string, params map[string]any) engine.Status {
	t.Helper()
	sub, err := s.engine.Submit(s.ctx, domain.Intent{IntentType: intentType, TenantID: "t1", SessionID: "s1", Parameters: params})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	st, err := s.engine.Await(ctx, sub.ExecutionID)
	require.NoError(t, err)
	return st
}

func (s stack) ingest(t *testing.T, name, body string) domain.Artifact {
	t.Helper()
	st := s.run(t, content.IntentIngestFile, map[string]any{"file_name": name, "content": body, "ingestion_profile": "fast"})
	require.Equal(t, domain.ExecutionCompleted, st.Status, "%+v", st.Error)
	file, err := s.artifacts.Resolve(s.ctx, "t1", st.Artifacts["file"].ArtifactID)
	require.NoError(t, err)
	return file
}

func TestIngestStoresBytesAndStagesParse(t *testing.T) {
	s := newStack(t)
	file := s.ingest(t, "notes.txt", "hello world\nsecond line\n")

	assert.Equal(t, content.TypeFile, file.ArtifactType)
	assert.Equal(t, domain.LifecycleReady, file.LifecycleState)
	assert.Equal(t, "notes.txt", file.SemanticDescriptor["file_name"])
	assert.EqualValues(t, 24, file.SemanticDescriptor["size_bytes"])
	require.Len(t, file.Materializations, 1)
	raw, err := s.blobs.Get(s.ctx, file.Materializations[0].Location)
	require.NoError(t, err)
	assert.Equal(t, "hello world\nsecond line\n", string(raw))

	staged, err := s.pending.FindPending(s.ctx, "t1", file.ID, content.IntentParseContent)
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.Equal(t, "fast", staged.Context["ingestion_profile"])
	assert.Equal(t, "notes.txt", staged.Context["file_name"])
}

func TestIngestSameContentIsDeduplicated(t *testing.T) {
	s := newStack(t)
	params := map[string]any{"file_name": "a.txt", "content": "same bytes"}
	first, err := s.engine.Submit(s.ctx, domain.Intent{IntentType: content.IntentIngestFile, TenantID: "t1", SessionID: "s1", Parameters: params})
	require.NoError(t, err)
	second, err := s.engine.Submit(s.ctx, domain.Intent{IntentType: content.IntentIngestFile, TenantID: "t1", SessionID: "s2", Parameters: map[string]any{"file_name": "b.txt", "content": "same bytes"}})
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
}

func TestIngestRejectsWrongHash(t *testing.T) {
	s := newStack(t)
	st := s.run(t, content.IntentIngestFile, map[string]any{
		"file_name":    "a.txt",
		"content":      "abc",
		"content_hash": "0000000000000000000000000000000000000000000000000000000000000000",
	})
	assert.Equal(t, domain.ExecutionFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, "CONTENT_HASH_MISMATCH", st.Error.Code)
	assert.False(t, st.Error.Retryable)
}

func TestParseResumesStagedIntent(t *testing.T) {
	s := newStack(t)
	file := s.ingest(t, "doc.txt", "one two three\nfour five\n")
	require.NoError(t, s.index.Flush(s.ctx))

	page, err := s.index.List(s.ctx, index.Query{TenantID: "t1", EligibleFor: content.IntentParseContent})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, file.ID, page.Items[0].ID)

	st := s.run(t, content.IntentParseContent, map[string]any{"file_id": file.ID})
	require.Equal(t, domain.ExecutionCompleted, st.Status, "%+v", st.Error)
	ref := st.Artifacts["parsed_content"]
	assert.Equal(t, content.TypeParsedContent, ref.ArtifactType)
	assert.EqualValues(t, 2, ref.SemanticPayload["line_count"])
	assert.EqualValues(t, 5, ref.SemanticPayload["word_count"])
	assert.Equal(t, "fast", ref.SemanticPayload["ingestion_profile"])

	out, err := s.artifacts.Resolve(s.ctx, "t1", ref.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, []string{file.ID}, out.ParentArtifacts)

	resumable, err := s.pending.FindPending(s.ctx, "t1", file.ID, content.IntentParseContent)
	require.NoError(t, err)
	assert.Nil(t, resumable)
	intents, total, err := s.pending.List(s.ctx, pending.Filter{TenantID: "t1", TargetArtifactID: file.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, domain.PendingCompleted, intents[0].Status)

	require.NoError(t, s.index.Flush(s.ctx))
	page, err = s.index.List(s.ctx, index.Query{TenantID: "t1", EligibleFor: content.IntentParseContent})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestParseFailsWhileAnotherExecutionHoldsTheIntent(t *testing.T) {
	s := newStack(t)
	file := s.ingest(t, "doc.txt", "one two\n")
	staged, err := s.pending.FindPending(s.ctx, "t1", file.ID, content.IntentParseContent)
	require.NoError(t, err)
	require.NotNil(t, staged)
	_, err = s.pending.Advance(s.ctx, "t1", staged.ID, domain.PendingInProgress, "other-exec")
	require.NoError(t, err)

	st := s.run(t, content.IntentParseContent, map[string]any{"file_id": file.ID})
	assert.Equal(t, domain.ExecutionFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, string(apperr.CodeAlreadyInProgress), st.Error.Code)
	assert.True(t, st.Error.Retryable)
	assert.Empty(t, st.Artifacts)

	got, err := s.pending.Get(s.ctx, "t1", staged.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingInProgress, got.Status)
	require.NotNil(t, got.ResumedBy)
	assert.Equal(t, "other-exec", *got.ResumedBy)
}

func TestPromoteFollowsLifecycleGraph(t *testing.T) {
	s := newStack(t)
	file := s.ingest(t, "a.txt", "x")

	st := s.run(t, content.IntentPromoteArtifact, map[string]any{"artifact_id": file.ID, "target_state": "ARCHIVED"})
	assert.Equal(t, domain.ExecutionFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, string(apperr.CodeInvalidTransition), st.Error.Code)
	unchanged, err := s.artifacts.Resolve(s.ctx, "t1", file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleReady, unchanged.LifecycleState)

	for _, to := range []string{"ACTIVE", "ARCHIVED", "TERMINATED"} {
		st := s.run(t, content.IntentPromoteArtifact, map[string]any{"artifact_id": file.ID, "target_state": to})
		require.Equal(t, domain.ExecutionCompleted, st.Status, "%s: %+v", to, st.Error)
	}
	history, err := s.artifacts.Transitions(s.ctx, "t1", file.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, content.IntentIngestFile, history[0].ByIntent)
	assert.Equal(t, content.IntentPromoteArtifact, history[3].ByIntent)
	assert.Equal(t, domain.LifecycleTerminated, history[3].To)
}

func TestComposeBlueprintLineage(t *testing.T) {
	s := newStack(t)
	sop := s.ingest(t, "sop.txt", "step one")
	workflow := s.ingest(t, "workflow.txt", "step two")

	st := s.run(t, content.IntentComposeBlueprint, map[string]any{"name": "bp", "sources": []any{sop.ID, "file_2"}})
	assert.Equal(t, domain.ExecutionFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, string(apperr.CodeInvalidLineage), st.Error.Code)
	assert.Empty(t, st.Artifacts)

	st = s.run(t, content.IntentComposeBlueprint, map[string]any{"name": "bp", "sources": []any{workflow.ID, sop.ID}})
	require.Equal(t, domain.ExecutionCompleted, st.Status, "%+v", st.Error)
	bp, err := s.artifacts.Resolve(s.ctx, "t1", st.Artifacts["blueprint"].ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, []string{workflow.ID, sop.ID}, bp.ParentArtifacts)
	assert.EqualValues(t, 2, bp.SemanticDescriptor["source_count"])

	ancestors, err := s.artifacts.Ancestors(s.ctx, "t1", bp.ID)
	require.NoError(t, err)
	assert.Len(t, ancestors, 2)
}

func TestCreateSessionIsWindowed(t *testing.T) {
	s := newStack(t)
	st := s.run(t, content.IntentCreateSession, map[string]any{"user_id": "u1"})
	require.Equal(t, domain.ExecutionCompleted, st.Status, "%+v", st.Error)
	assert.Equal(t, domain.LifecycleActive, st.Artifacts["session"].LifecycleState)

	again, err := s.engine.Submit(s.ctx, domain.Intent{IntentType: content.IntentCreateSession, TenantID: "t1", SessionID: "s1", Parameters: map[string]any{"user_id": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, st.ExecutionID, again.ExecutionID)
	assert.True(t, again.Deduplicated)
}

func TestRegisterRequiresBlobStore(t *testing.T) {
	realms, err := realm.NewRegistry()
	require.NoError(t, err)
	assert.Error(t, content.Register(realms, content.Options{}))
}
