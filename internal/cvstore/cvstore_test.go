package cvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_SeedsDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cv.yaml")

	table, err := Load(path)
	require.NoError(t, err)

	v, ok := table.Get(32)
	require.True(t, ok)
	assert.Equal(t, Defaults[32], v)

	reloaded, err := Load(path)
	require.NoError(t, err)
	v2, ok := reloaded.Get(32)
	require.True(t, ok)
	assert.Equal(t, v, v2)
}

func TestValidateAndUpdate_RejectsOutOfRange(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "cv.yaml"))
	require.NoError(t, err)

	_, err = table.ValidateAndUpdate(32, "9999")
	require.Error(t, err)

	v, _ := table.Get(32)
	assert.Equal(t, Defaults[32], v, "rejected update must not mutate the table")
}

func TestValidateAndUpdate_RejectsUnknownCV(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "cv.yaml"))
	require.NoError(t, err)

	_, err = table.ValidateAndUpdate(999, "1")
	assert.Error(t, err)
}

func TestValidateAndUpdate_RejectsNonNumeric(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "cv.yaml"))
	require.NoError(t, err)

	_, err = table.ValidateAndUpdate(32, "not-a-number")
	assert.Error(t, err)
}

func TestValidateAndUpdate_AppliesInBounds(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "cv.yaml"))
	require.NoError(t, err)

	_, err = table.ValidateAndUpdate(32, "150")
	require.NoError(t, err)

	v, _ := table.Get(32)
	assert.Equal(t, Value(150), v)
}

func TestSnapshot_IsACopy(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "cv.yaml"))
	require.NoError(t, err)

	snap := table.Snapshot()
	snap[32] = 1

	v, _ := table.Get(32)
	assert.NotEqual(t, Value(1), v, "mutating a snapshot must not affect the table")
}
