// Package fsprobe provides the raw, read-only file-system primitives the
// build cache engine observes and fingerprints. Every FsProbe operation is
// idempotent and side-effect free on the underlying file system; the only
// mutable state is an internal fingerprint memo that FsProbe itself is free
// to discard at any time without changing observable behavior.
package fsprobe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/groupcache/lru"

	"github.com/forgebuild/forge/pkg/hashing"
)

// FactKind identifies which of the closed set of observations a FileFact
// represents.
type FactKind uint8

const (
	// FactMissing records that a path does not exist.
	FactMissing FactKind = iota
	// FactFile records that a path exists as a regular file with a given
	// content Fingerprint.
	FactFile
	// FactDirectory records that a path exists as a directory with a given
	// (ordered) child-name set.
	FactDirectory
	// FactSymlink records that a path is a symbolic link to a given target.
	FactSymlink
	// FactListing records the ordered child-name listing of a directory,
	// distinct from FactDirectory in that it is produced by an explicit
	// list-dir query rather than an is-dir query.
	FactListing
)

// FileFact is one observation about a path, drawn from the closed set the
// Validator must be able to re-verify: does-not-exist, exists-as-file (with
// a Fingerprint), exists-as-directory (with a child-set), is-symlink-to, or
// listing-of-dir (with ordered children).
type FileFact struct {
	Kind        FactKind
	Path        string
	Fingerprint hashing.Fingerprint
	Children    []string
	Target      string
}

// Equal reports whether two FileFacts represent the same observation. The
// Validator uses this to decide whether a recorded fact still holds.
func (f FileFact) Equal(other FileFact) bool {
	if f.Kind != other.Kind || f.Path != other.Path {
		return false
	}
	switch f.Kind {
	case FactMissing:
		return true
	case FactFile:
		return f.Fingerprint == other.Fingerprint
	case FactDirectory, FactListing:
		return stringSlicesEqual(f.Children, other.Children)
	case FactSymlink:
		return f.Target == other.Target
	default:
		return false
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Probe is the capability set FsProbe implementations provide: exists,
// is-file, is-dir, list-dir, read-bytes, fingerprint-file, read-symlink. It
// is polymorphic over a real file-system-backed implementation and an
// in-memory implementation usable in tests, per the engine's design notes.
type Probe interface {
	// Stat reports a FactMissing, FactFile, FactDirectory, or FactSymlink
	// fact describing path's current type.
	Stat(path string) (FileFact, error)
	// ListDir returns the canonically (lexicographically) ordered children
	// of the directory at path, as a FactListing fact.
	ListDir(path string) (FileFact, error)
	// ReadBytes returns the full content of the file at path along with the
	// FactFile fact for its Fingerprint.
	ReadBytes(path string) ([]byte, FileFact, error)
	// FingerprintFile returns only the FactFile fact for path, without
	// returning its content, for declared-but-unread dependencies.
	FingerprintFile(path string) (FileFact, error)
	// ReadSymlink returns the FactSymlink fact for the symbolic link at
	// path.
	ReadSymlink(path string) (FileFact, error)
}

// cacheKey is the memoization key for a fingerprint computation: identical
// (path, size, mtime) is treated as a hint that content hasn't changed, but
// never as a substitute for actually hashing content the first time it's
// observed at that (size, mtime) pair.
type cacheKey struct {
	path  string
	size  int64
	mtime int64
}

// Real is the real-file-system-backed Probe implementation. It memoizes
// fingerprints by (path, size, mtime) using an LRU cache so that repeated
// builds that re-probe an unchanged file don't re-hash its content; mtime
// equality is only ever a cache hint, because the cache is never consulted
// to avoid reading content the first time a given (size, mtime) is seen.
type Real struct {
	cache *lru.Cache
}

// NewReal creates a real FsProbe with a fingerprint memo of the given
// maximum entry count.
func NewReal(memoEntries int) *Real {
	return &Real{cache: lru.New(memoEntries)}
}

// Stat implements Probe.Stat.
func (r *Real) Stat(path string) (FileFact, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return FileFact{Kind: FactMissing, Path: path}, nil
	} else if err != nil {
		return FileFact{}, fmt.Errorf("unable to stat %q: %w", path, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return r.ReadSymlink(path)
	case info.IsDir():
		return r.directoryFact(path, FactDirectory)
	default:
		return r.fingerprint(path, info)
	}
}

// ListDir implements Probe.ListDir.
func (r *Real) ListDir(path string) (FileFact, error) {
	return r.directoryFact(path, FactListing)
}

func (r *Real) directoryFact(path string, kind FactKind) (FileFact, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return FileFact{}, fmt.Errorf("unable to list %q: %w", path, err)
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	sort.Strings(names)
	return FileFact{Kind: kind, Path: path, Children: names}, nil
}

// ReadBytes implements Probe.ReadBytes.
func (r *Real) ReadBytes(path string) ([]byte, FileFact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, FileFact{}, fmt.Errorf("unable to read %q: %w", path, err)
	}
	return data, FileFact{Kind: FactFile, Path: path, Fingerprint: hashing.FingerprintBytes(data)}, nil
}

// FingerprintFile implements Probe.FingerprintFile.
func (r *Real) FingerprintFile(path string) (FileFact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileFact{}, fmt.Errorf("unable to stat %q: %w", path, err)
	}
	return r.fingerprint(path, info)
}

func (r *Real) fingerprint(path string, info os.FileInfo) (FileFact, error) {
	key := cacheKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if cached, ok := r.cache.Get(key); ok {
		return FileFact{Kind: FactFile, Path: path, Fingerprint: cached.(hashing.Fingerprint)}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return FileFact{}, fmt.Errorf("unable to open %q: %w", path, err)
	}
	defer file.Close()

	fingerprint, err := hashing.FingerprintReader(io.Reader(file))
	if err != nil {
		return FileFact{}, fmt.Errorf("unable to fingerprint %q: %w", path, err)
	}

	r.cache.Add(key, fingerprint)
	return FileFact{Kind: FactFile, Path: path, Fingerprint: fingerprint}, nil
}

// ReadSymlink implements Probe.ReadSymlink.
func (r *Real) ReadSymlink(path string) (FileFact, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return FileFact{}, fmt.Errorf("unable to read symlink %q: %w", path, err)
	}
	return FileFact{Kind: FactSymlink, Path: path, Target: target}, nil
}

// JoinChild is a small helper used by callers assembling child paths from a
// directory listing fact, kept here so that VirtualFs and the engine use a
// single, consistent joining convention.
func JoinChild(dir, name string) string {
	return filepath.Join(dir, name)
}
