package vfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/journal"
	"github.com/forgebuild/forge/pkg/forge/opid"
	"github.com/forgebuild/forge/pkg/forge/recorder"
)

func opIDStub() opid.ID {
	return opid.New(opid.KindBuild, "top", 0, [32]byte{})
}

func newTestVFS(t *testing.T, probe fsprobe.Probe, priorOutputs []string) *VirtualFs {
	t.Helper()
	j := journal.New(filepath.Join(t.TempDir(), ".staging"), nil)
	return New(probe, recorder.New(), j, priorOutputs)
}

func TestExistsRecordsFileFact(t *testing.T) {
	probe := fsprobe.NewMemory()
	probe.WriteFile("/in/a.txt", []byte("hello"))
	rec := recorder.New()
	v := New(probe, rec, journal.New(filepath.Join(t.TempDir(), ".staging"), nil), nil)

	frame, err := rec.Push(1, opIDStub())
	require.NoError(t, err)

	exists, err := v.Exists(1, "/in/a.txt")
	require.NoError(t, err)
	require.True(t, exists)
	require.Len(t, frame.Facts(), 1)
	require.Equal(t, fsprobe.FactFile, frame.Facts()[0].Kind)
}

func TestPendingOutputHiddenFromReadsUntilReleased(t *testing.T) {
	probe := fsprobe.NewMemory()
	v := newTestVFS(t, probe, nil)

	require.NoError(t, v.AuthorizeOutput(1, "/out/a.gz"))
	exists, err := v.Exists(2, "/out/a.gz")
	require.NoError(t, err)
	require.False(t, exists)

	probe.WriteFile("/out/a.gz", []byte("gz"))
	v.Release(1, "/out/a.gz", true)

	exists, err = v.Exists(2, "/out/a.gz")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestWriteOutputRejectsUnauthorizedPath(t *testing.T) {
	probe := fsprobe.NewMemory()
	v := newTestVFS(t, probe, nil)

	require.NoError(t, v.AuthorizeOutput(1, "/out/a.gz"))
	_, err := v.WriteOutput(1, "/out/b.gz", []byte("data"))
	require.Error(t, err)
}

func TestAuthorizeOutputRejectsSecondClaimByDifferentThread(t *testing.T) {
	probe := fsprobe.NewMemory()
	v := newTestVFS(t, probe, nil)

	require.NoError(t, v.AuthorizeOutput(1, "/out/a.gz"))
	err := v.AuthorizeOutput(2, "/out/a.gz")
	require.Error(t, err)
	require.IsType(t, &ErrProgrammingError{}, err)
}

func TestAuthorizeOutputAllowsReclaimBySameThread(t *testing.T) {
	probe := fsprobe.NewMemory()
	v := newTestVFS(t, probe, nil)

	require.NoError(t, v.AuthorizeOutput(1, "/out/a.gz"))
	require.NoError(t, v.AuthorizeOutput(1, "/out/a.gz"))
}

func TestOrphansTrackUnprovenCarryover(t *testing.T) {
	probe := fsprobe.NewMemory()
	v := newTestVFS(t, probe, []string{"/out/a.gz", "/out/b.gz"})

	v.MarkSurvived("/out/a.gz")

	orphans := v.Orphans()
	require.Equal(t, []string{"/out/b.gz"}, orphans)
}
