package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/pkg/forge/cache"
	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/opid"
	"github.com/forgebuild/forge/pkg/hashing"
)

func alwaysValid(opid.ID) (bool, error) { return true, nil }

func TestEntryValidWhenFactsUnchanged(t *testing.T) {
	probe := fsprobe.NewMemory()
	probe.WriteFile("/in/a.txt", []byte("hello"))

	entry := cache.Entry{
		Facts: []fsprobe.FileFact{{Kind: fsprobe.FactFile, Path: "/in/a.txt", Fingerprint: hashing.FingerprintBytes([]byte("hello"))}},
	}

	valid, err := Entry(entry, probe, alwaysValid)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestEntryInvalidWhenContentChanges(t *testing.T) {
	probe := fsprobe.NewMemory()
	probe.WriteFile("/in/a.txt", []byte("hello!"))

	entry := cache.Entry{
		Facts: []fsprobe.FileFact{{Kind: fsprobe.FactFile, Path: "/in/a.txt", Fingerprint: hashing.FingerprintBytes([]byte("hello"))}},
	}

	valid, err := Entry(entry, probe, alwaysValid)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestEntryInvalidWhenFileRemoved(t *testing.T) {
	probe := fsprobe.NewMemory()

	entry := cache.Entry{
		Facts: []fsprobe.FileFact{{Kind: fsprobe.FactFile, Path: "/in/a.txt", Fingerprint: hashing.FingerprintBytes([]byte("hello"))}},
	}

	valid, err := Entry(entry, probe, alwaysValid)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestEntryInvalidWhenChildInvalid(t *testing.T) {
	probe := fsprobe.NewMemory()
	entry := cache.Entry{
		Children: []cache.ChildRef{{ID: opid.New(opid.KindSubbuild, "child", 0, hashing.Fingerprint{})}},
	}

	valid, err := Entry(entry, probe, func(opid.ID) (bool, error) { return false, nil })
	require.NoError(t, err)
	require.False(t, valid)
}
