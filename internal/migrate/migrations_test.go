package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer conn.Close()

	latest, err := Latest()
	require.NoError(t, err)
	require.Greater(t, latest, 0)

	v, err := Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	v, err = Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM artifacts`).Scan(&n))
	assert.Equal(t, 0, n)
}
