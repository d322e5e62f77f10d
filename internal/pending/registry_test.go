package pending_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentline/internal/apperr"
	"intentline/internal/db"
	"intentline/internal/domain"
	"intentline/internal/migrate"
	"intentline/internal/pending"
)

type knownTargets map[string]string

func (k knownTargets) Resolve(_ context.Context, tenantID, id string) (domain.Artifact, error) {
	if owner, ok := k[id]; ok && owner == tenantID {
		return domain.Artifact{ID: id, TenantID: owner}, nil
	}
	return domain.Artifact{}, apperr.NotFound("artifact", id)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return conn
}

func newRegistry(t *testing.T) *pending.Registry {
	return pending.New(openTestDB(t), knownTargets{"file-1": "t1", "file-2": "t1"})
}

func TestCreateIsIdempotentPerTarget(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	in := pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-1", TenantID: "t1", SessionID: "s1", Context: map[string]any{"ingestion_profile": "default"}}

	first, err := reg.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStaged, first.Status)

	in.Context = map[string]any{"ingestion_profile": "other"}
	second, err := reg.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "default", second.Context["ingestion_profile"])
}

func TestCreateRejectsUnknownTarget(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Create(context.Background(), pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "nope", TenantID: "t1"})
	ae, ok := apperr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeNotFound, ae.Code)
	assert.Equal(t, "resubmit with a valid target_artifact_id", ae.Remediation)

	_, err = reg.Create(context.Background(), pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-1", TenantID: "t2"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestFindPendingOnlyReturnsResumable(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	p, err := reg.Create(ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-1", TenantID: "t1"})
	require.NoError(t, err)

	found, err := reg.FindPending(ctx, "t1", "file-1", "parse_content")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)

	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingInProgress, "exec-1")
	require.NoError(t, err)
	found, err = reg.FindPending(ctx, "t1", "file-1", "parse_content")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingFailed, "exec-1")
	require.NoError(t, err)
	found, err = reg.FindPending(ctx, "t1", "file-1", "parse_content")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.PendingFailed, found.Status)

	found, err = reg.FindPending(ctx, "t1", "file-2", "parse_content")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByTargetAndClaimedBy(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	p, err := reg.Create(ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-1", TenantID: "t1"})
	require.NoError(t, err)
	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingInProgress, "exec-1")
	require.NoError(t, err)

	found, err := reg.FindByTarget(ctx, "t1", "file-1", "parse_content")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.PendingInProgress, found.Status)
	require.NotNil(t, found.ResumedBy)
	assert.Equal(t, "exec-1", *found.ResumedBy)

	found, err = reg.FindByTarget(ctx, "t1", "file-2", "parse_content")
	require.NoError(t, err)
	assert.Nil(t, found)

	claims, err := reg.ClaimedBy(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, p.ID, claims[0].ID)

	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingCompleted, "exec-1")
	require.NoError(t, err)
	claims, err = reg.ClaimedBy(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestAdvanceTransitions(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	p, err := reg.Create(ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-1", TenantID: "t1"})
	require.NoError(t, err)

	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingCompleted, "exec-1")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	got, err := reg.Advance(ctx, "t1", p.ID, domain.PendingInProgress, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PendingInProgress, got.Status)
	require.NotNil(t, got.ResumedBy)
	assert.Equal(t, "exec-1", *got.ResumedBy)

	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingInProgress, "exec-2")
	ae, ok := apperr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeAlreadyInProgress, ae.Code)
	assert.True(t, ae.Retryable)

	got, err = reg.Advance(ctx, "t1", p.ID, domain.PendingCompleted, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PendingCompleted, got.Status)

	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingInProgress, "exec-3")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = reg.Advance(ctx, "t1", p.ID, domain.PendingStaged, "exec-3")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = reg.Advance(ctx, "t2", p.ID, domain.PendingFailed, "exec-3")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestConcurrentAdvanceHasOneWinner(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	p, err := reg.Create(ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-1", TenantID: "t1"})
	require.NoError(t, err)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		inFlight int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Advance(ctx, "t1", p.ID, domain.PendingInProgress, "exec")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperr.Is(err, apperr.CodeAlreadyInProgress):
				inFlight++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, inFlight)
}

func TestListAndTargets(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	p1, err := reg.Create(ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-1", TenantID: "t1"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, pending.CreateInput{IntentType: "parse_content", TargetArtifactID: "file-2", TenantID: "t1"})
	require.NoError(t, err)
	_, err = reg.Advance(ctx, "t1", p1.ID, domain.PendingInProgress, "exec-1")
	require.NoError(t, err)

	items, total, err := reg.List(ctx, pending.Filter{TenantID: "t1", Statuses: []domain.PendingStatus{domain.PendingStaged}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "file-2", items[0].TargetArtifactID)

	targets, err := reg.TargetsWithStatus(ctx, "t1", "parse_content", []domain.PendingStatus{domain.PendingInProgress, domain.PendingCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"file-1"}, targets)

	_, total, err = reg.List(ctx, pending.Filter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]domain.PendingStatus{
		"pending":     domain.PendingStaged,
		"PENDING":     domain.PendingStaged,
		"IN_PROGRESS": domain.PendingInProgress,
		"completed":   domain.PendingCompleted,
		"Failed":      domain.PendingFailed,
	} {
		got, err := pending.ParseStatus(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := pending.ParseStatus("done")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidParameters))
}
