package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryMigrations(t *testing.T) {
	versions, err := listVersions(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	for i, v := range versions {
		assert.Equal(t, i+1, v, "migration versions must be contiguous")
	}
}

func TestCreateMigration(t *testing.T) {
	dir := t.TempDir()

	up, down, err := createMigration(dir, "Add bidder index")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "000001_add_bidder_index.up.sql"), up)
	assert.Equal(t, filepath.Join(dir, "000001_add_bidder_index.down.sql"), down)

	up, _, err = createMigration(dir, "settlement-audit")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "000002_settlement_audit.up.sql"), up)

	latest, err := latestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	_, _, err = createMigration(dir, "!!!")
	assert.Error(t, err)
}

func TestListVersions(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		versions, err := listVersions(filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("half pair", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_init.up.sql"), []byte("--"), 0o644))
		_, err := listVersions(dir)
		assert.Error(t, err)
	})

	t.Run("ignores other files", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"000003_b.up.sql", "000003_b.down.sql", "000001_a.up.sql", "000001_a.down.sql", "README.md"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644))
		}
		versions, err := listVersions(dir)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3}, versions)
	})
}
