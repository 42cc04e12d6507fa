package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestIntentThenApplied(t *testing.T) {
	j := open(t)

	require.NoError(t, j.Intent("cycle-1", "mod-a", "/system"))

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/system", pending[0].Target)
	assert.Equal(t, "mod-a", pending[0].Module)

	require.NoError(t, j.Applied("cycle-1", "mod-a", "/system"))

	pending, err = j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Applied)
}

func TestEntriesSortedByTarget(t *testing.T) {
	j := open(t)

	require.NoError(t, j.Intent("cycle-1", "mod-a", "/vendor"))
	require.NoError(t, j.Intent("cycle-1", "mod-a", "/system"))

	all, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/system", all[0].Target)
	assert.Equal(t, "/vendor", all[1].Target)
}

func TestRemove(t *testing.T) {
	j := open(t)

	require.NoError(t, j.Intent("cycle-1", "mod-a", "/system"))
	require.NoError(t, j.Remove("/system"))

	all, err := j.Entries()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReset(t *testing.T) {
	j := open(t)

	require.NoError(t, j.Applied("cycle-1", "mod-a", "/system"))
	require.NoError(t, j.Applied("cycle-1", "mod-b", "/vendor"))
	require.NoError(t, j.Reset())

	all, err := j.Entries()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Intent("cycle-1", "mod-a", "/system"))
	require.NoError(t, j.Close())

	j, err = Open(dir)
	require.NoError(t, err)
	defer j.Close()

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cycle-1", pending[0].CycleID)
}
