package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/opid"
	"github.com/forgebuild/forge/pkg/hashing"
)

func TestFileStoreLoadMissingIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "cache.yml"), nil)
	state, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, state.Entries)
	require.True(t, state.Completed)
}

func TestFileStoreCommitAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yml")
	store := NewFileStore(path, nil)

	session, err := store.Begin("session-1")
	require.NoError(t, err)

	id := opid.NewBuildFile("gzip_one", 0, hashing.FingerprintBytes([]byte("a")), "/out/a.gz")
	state := &State{
		Entries: []Entry{{
			ID:                id,
			Facts:             []fsprobe.FileFact{{Kind: fsprobe.FactFile, Path: "/in/a", Fingerprint: hashing.FingerprintBytes([]byte("a"))}},
			OutputFingerprint: hashing.FingerprintBytes([]byte("gz-content")),
			BuildID:           "session-1",
		}},
		Outputs: []string{"/out/a.gz"},
	}
	require.NoError(t, session.Commit(state))

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, reloaded.Entries, 1)
	require.Equal(t, id, reloaded.Entries[0].ID)
	require.Equal(t, []string{"/out/a.gz"}, reloaded.Outputs)
}

func TestFileStoreBeginFailsWhileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yml")
	store := NewFileStore(path, nil)

	first, err := store.Begin("session-1")
	require.NoError(t, err)
	defer first.Discard()

	_, err = store.Begin("session-2")
	require.Error(t, err)
}
