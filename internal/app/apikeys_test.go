package app

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentline/internal/apperr"
	"intentline/internal/repo"
)

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer rt.Close(ctx)

	key, secret, err := rt.CreateAPIKey(ctx, "acme", "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, apiKeyPrefix))
	assert.NotEqual(t, secret, key.KeyHash)

	r := repo.Repo{DB: rt.DB}
	found, err := r.GetAPIKeyByHash(ctx, rt.DB, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)
	assert.Equal(t, "acme", found.TenantID)

	_, _, err = rt.CreateAPIKey(ctx, "globex", "")
	require.NoError(t, err)
	keys, err := rt.ListAPIKeys(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ci", keys[0].Name)

	require.NoError(t, rt.RevokeAPIKey(ctx, key.ID))
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(rt.RevokeAPIKey(ctx, key.ID)))
	_, err = r.GetAPIKeyByHash(ctx, rt.DB, repo.HashAPIKey(secret))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateAPIKeyRequiresTenant(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer rt.Close(ctx)

	_, _, err = rt.CreateAPIKey(ctx, " ", "x")
	assert.Equal(t, apperr.CodeMissingContext, apperr.CodeOf(err))
}
