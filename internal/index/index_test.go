package index_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentline/internal/apperr"
	"intentline/internal/artifacts"
	"intentline/internal/db"
	"intentline/internal/domain"
	"intentline/internal/index"
	"intentline/internal/migrate"
	"intentline/internal/pending"
	"intentline/internal/realm"
)

type env struct {
	ctx      context.Context
	index    *index.Index
	registry *artifacts.Registry
	pending  *pending.Registry
}

func newEnv(t *testing.T, queueSize int) env {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	realms, err := realm.NewRegistry()
	require.NoError(t, err)
	noop := realm.AdapterFunc(func(context.Context, *realm.Context) (realm.Result, error) { return realm.Result{}, nil })
	require.NoError(t, realms.Register(realm.Registration{
		IntentType: "parse_content",
		Adapter:    noop,
		Eligibility: &realm.Eligibility{
			ArtifactType:   "file",
			States:         []domain.LifecycleState{domain.LifecycleReady},
			ExcludePending: []domain.PendingStatus{domain.PendingInProgress, domain.PendingCompleted},
		},
	}))
	require.NoError(t, realms.Register(realm.Registration{
		IntentType: "summarize",
		Adapter:    noop,
		Eligibility: &realm.Eligibility{
			ArtifactType: "file",
			Where:        `artifact.semantic_descriptor.size_bytes >= 10`,
		},
	}))
	require.NoError(t, realms.Register(realm.Registration{IntentType: "create_session", Adapter: noop}))

	ix := index.New(conn, index.Options{QueueSize: queueSize, Eligibility: realms})
	reg, err := artifacts.New(conn, artifacts.Options{Projector: ix})
	require.NoError(t, err)
	pend := pending.New(conn, reg)
	ix.Wire(reg, pend)
	return env{ctx: ctx, index: ix, registry: reg, pending: pend}
}

var by = artifacts.Actor{IntentType: "ingest_file", ExecutionID: "exec-1"}

func (e env) file(t *testing.T, tenant string, size int, state domain.LifecycleState) domain.Artifact {
	t.Helper()
	a, err := e.registry.Register(e.ctx, artifacts.RegisterInput{
		TenantID:           tenant,
		ArtifactType:       "file",
		SemanticDescriptor: map[string]any{"size_bytes": size},
		ProducedBy:         domain.ProducedBy{IntentType: by.IntentType, ExecutionID: by.ExecutionID},
	})
	require.NoError(t, err)
	if state == domain.LifecycleReady {
		a, err = e.registry.TransitionLifecycle(e.ctx, tenant, a.ID, domain.LifecycleReady, by)
		require.NoError(t, err)
	}
	return a
}

func ids(items []domain.ArtifactSummary) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, s.ID)
	}
	return out
}

func TestListFiltersAndOrders(t *testing.T) {
	e := newEnv(t, 64)
	a := e.file(t, "t1", 1, domain.LifecycleReady)
	b := e.file(t, "t1", 1, domain.LifecyclePending)
	c := e.file(t, "t1", 1, domain.LifecycleReady)
	e.file(t, "t2", 1, domain.LifecycleReady)
	require.NoError(t, e.index.Flush(e.ctx))

	page, err := e.index.List(e.ctx, index.Query{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(page.Items))

	page, err = e.index.List(e.ctx, index.Query{TenantID: "t1", LifecycleState: domain.LifecycleReady})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, ids(page.Items))

	page, err = e.index.List(e.ctx, index.Query{TenantID: "t1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{b.ID}, ids(page.Items))

	page, err = e.index.List(e.ctx, index.Query{TenantID: "t1", ArtifactType: "blueprint"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
}

func TestListPagesThroughLargeFilteredSet(t *testing.T) {
	e := newEnv(t, 512)
	var ready []string
	for i := 0; i < 150; i++ {
		ready = append(ready, e.file(t, "t1", i, domain.LifecycleReady).ID)
		if i%30 == 0 {
			e.file(t, "t1", i, domain.LifecyclePending)
			e.file(t, "t2", i, domain.LifecycleReady)
		}
	}
	require.NoError(t, e.index.Flush(e.ctx))

	page, err := e.index.List(e.ctx, index.Query{TenantID: "t1", ArtifactType: "file", LifecycleState: domain.LifecycleReady, Limit: 10, Offset: 140})
	require.NoError(t, err)
	assert.Equal(t, 150, page.Total)
	assert.Equal(t, 10, page.Limit)
	assert.Equal(t, 140, page.Offset)
	assert.Equal(t, ready[140:], ids(page.Items))

	page, err = e.index.List(e.ctx, index.Query{TenantID: "t1", ArtifactType: "file", LifecycleState: domain.LifecycleReady, Limit: 10, Offset: 150})
	require.NoError(t, err)
	assert.Equal(t, 150, page.Total)
	assert.Empty(t, page.Items)
}

func TestListValidation(t *testing.T) {
	e := newEnv(t, 8)
	_, err := e.index.List(e.ctx, index.Query{})
	assert.True(t, apperr.Is(err, apperr.CodeMissingContext))
	_, err = e.index.List(e.ctx, index.Query{TenantID: "t1", Limit: -1})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidParameters))
	_, err = e.index.List(e.ctx, index.Query{TenantID: "t1", LifecycleState: "DONE"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidParameters))
	_, err = e.index.List(e.ctx, index.Query{TenantID: "t1", EligibleFor: "create_session"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidParameters))
}

func TestEligibleForExcludesClaimedTargets(t *testing.T) {
	e := newEnv(t, 64)
	staged := e.file(t, "t1", 1, domain.LifecycleReady)
	claimed := e.file(t, "t1", 1, domain.LifecycleReady)
	free := e.file(t, "t1", 1, domain.LifecycleReady)
	e.file(t, "t1", 1, domain.LifecyclePending)

	_, err := e.pending.Create(e.ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: staged.ID, TenantID: "t1"})
	require.NoError(t, err)
	p, err := e.pending.Create(e.ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: claimed.ID, TenantID: "t1"})
	require.NoError(t, err)
	_, err = e.pending.Advance(e.ctx, "t1", p.ID, domain.PendingInProgress, "exec-9")
	require.NoError(t, err)
	require.NoError(t, e.index.Flush(e.ctx))

	page, err := e.index.List(e.ctx, index.Query{TenantID: "t1", EligibleFor: "parse_content"})
	require.NoError(t, err)
	assert.Equal(t, []string{staged.ID, free.ID}, ids(page.Items))
	assert.Equal(t, 2, page.Total)
}

func TestEligibleForWherePredicate(t *testing.T) {
	e := newEnv(t, 64)
	e.file(t, "t1", 3, domain.LifecycleReady)
	big := e.file(t, "t1", 12, domain.LifecyclePending)
	bigger := e.file(t, "t1", 40, domain.LifecycleReady)
	require.NoError(t, e.index.Flush(e.ctx))

	page, err := e.index.List(e.ctx, index.Query{TenantID: "t1", EligibleFor: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, []string{big.ID, bigger.ID}, ids(page.Items))

	page, err = e.index.List(e.ctx, index.Query{TenantID: "t1", EligibleFor: "summarize", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, []string{bigger.ID}, ids(page.Items))
}

func TestFullQueueTriggersRebuild(t *testing.T) {
	e := newEnv(t, 1)
	a := e.file(t, "t1", 1, domain.LifecycleReady)
	b := e.file(t, "t1", 1, domain.LifecycleReady)
	assert.True(t, e.index.Dirty())

	require.NoError(t, e.index.Flush(e.ctx))
	assert.False(t, e.index.Dirty())

	page, err := e.index.List(e.ctx, index.Query{TenantID: "t1", LifecycleState: domain.LifecycleReady})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids(page.Items))
}

func TestRebuildMatchesIncrementalProjection(t *testing.T) {
	e := newEnv(t, 64)
	for i := 0; i < 5; i++ {
		e.file(t, "t1", i, domain.LifecycleReady)
	}
	require.NoError(t, e.index.Flush(e.ctx))
	before, err := e.index.List(e.ctx, index.Query{TenantID: "t1"})
	require.NoError(t, err)

	require.NoError(t, e.index.Rebuild(e.ctx))
	after, err := e.index.List(e.ctx, index.Query{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
