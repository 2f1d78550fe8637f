package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateUpAndVersion(t *testing.T) {
	store := newTestDB(t)

	require.NoError(t, store.MigrateUp("migrations"))

	version, dirty, err := store.MigrateVersion("migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// Running up again is a no-op.
	require.NoError(t, store.MigrateUp("migrations"))
}

func TestRunMigrateCommand(t *testing.T) {
	store := newTestDB(t)

	out, err := store.RunMigrateCommand("up", "migrations")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1")

	out, err = store.RunMigrateCommand("version", "migrations")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1")

	_, err = store.RunMigrateCommand("sideways", "migrations")
	assert.Error(t, err)

	_, err = store.RunMigrateCommand("force", "migrations")
	assert.Error(t, err)
}
