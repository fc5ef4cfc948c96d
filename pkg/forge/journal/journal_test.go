package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRestoreRecreatesDisplacedOriginal(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(outputPath, []byte("old"), 0644))

	j := New(filepath.Join(dir, ".staging"), nil)
	require.NoError(t, j.BeforeWrite(outputPath))
	require.NoError(t, os.WriteFile(outputPath, []byte("new"), 0644))

	require.NoError(t, j.Restore())

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))
}

func TestRestoreRemovesPathWithNoOriginal(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.txt")

	j := New(filepath.Join(dir, ".staging"), nil)
	require.NoError(t, j.BeforeWrite(outputPath))
	require.NoError(t, os.WriteFile(outputPath, []byte("new"), 0644))

	require.NoError(t, j.Restore())

	_, err := os.Stat(outputPath)
	require.True(t, os.IsNotExist(err))
}

func TestCommitDiscardsStagedOriginals(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(outputPath, []byte("old"), 0644))

	stagingRoot := filepath.Join(dir, ".staging")
	j := New(stagingRoot, nil)
	require.NoError(t, j.BeforeWrite(outputPath))
	require.NoError(t, os.WriteFile(outputPath, []byte("new"), 0644))

	require.NoError(t, j.Commit())

	_, err := os.Stat(stagingRoot)
	require.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func TestRecoverRestoresAbandonedSession(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(outputPath, []byte("old"), 0644))

	stagingRoot := filepath.Join(dir, ".staging")
	sessionRoot := filepath.Join(stagingRoot, "session-1")
	j := New(sessionRoot, nil)
	require.NoError(t, j.BeforeWrite(outputPath))
	require.NoError(t, os.WriteFile(outputPath, []byte("new"), 0644))
	// No Commit or Restore call here: this simulates a process that crashed
	// mid-build, after staging but before either finalization path ran.

	require.NoError(t, Recover(stagingRoot, nil))

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))

	_, err = os.Stat(sessionRoot)
	require.True(t, os.IsNotExist(err))
}

func TestRecoverRemovesAbandonedSessionWithNoOriginal(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.txt")

	stagingRoot := filepath.Join(dir, ".staging")
	sessionRoot := filepath.Join(stagingRoot, "session-1")
	j := New(sessionRoot, nil)
	require.NoError(t, j.BeforeWrite(outputPath))
	require.NoError(t, os.WriteFile(outputPath, []byte("new"), 0644))

	require.NoError(t, Recover(stagingRoot, nil))

	_, err := os.Stat(outputPath)
	require.True(t, os.IsNotExist(err))
}

func TestBeforeWriteTwiceOnSamePathKeepsBothStagedOriginals(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(outputPath, []byte("v1"), 0644))

	j := New(filepath.Join(dir, ".staging"), nil)
	require.NoError(t, j.BeforeWrite(outputPath))
	require.NoError(t, os.WriteFile(outputPath, []byte("v2"), 0644))
	require.NoError(t, j.BeforeWrite(outputPath))
	require.NoError(t, os.WriteFile(outputPath, []byte("v3"), 0644))

	require.Len(t, j.entries, 2)
	require.NotEqual(t, j.entries[0].Staged, j.entries[1].Staged)

	require.NoError(t, j.Restore())
	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestRecoverIsNoopWhenStagingRootMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Recover(filepath.Join(dir, "missing"), nil))
}
