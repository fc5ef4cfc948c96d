// Package cache implements the CacheStore: persistence of cache entries
// keyed by build identity, with atomic load/commit semantics across runs.
// CacheStore is polymorphic over {load, begin, commit, discard}; this
// package provides a file-backed implementation (the default) and a
// sqlite-backed implementation for build graphs too large to comfortably
// hold as a single in-memory document.
package cache

import (
	"fmt"

	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/opid"
	"github.com/forgebuild/forge/pkg/hashing"
)

// FormatVersion is the current on-disk cache schema version. A store that
// encounters an unrecognized version treats the cache as empty rather than
// misinterpreting it, per the cache file format contract.
const FormatVersion = 1

// ChildRef is a child-operation invocation recorded by a parent's
// DependencyRecorder frame, retained so the Validator can recursively
// validate or re-run it.
type ChildRef struct {
	ID opid.ID `yaml:"id"`
}

// Entry is the persisted record of one successful Operation.
type Entry struct {
	ID                opid.ID             `yaml:"id"`
	Facts             []fsprobe.FileFact  `yaml:"facts"`
	Children          []ChildRef          `yaml:"children"`
	Value             []byte              `yaml:"value,omitempty"`
	OutputFingerprint hashing.Fingerprint `yaml:"output_fingerprint,omitempty"`
	BuildID           string              `yaml:"build_id"`
	FunctionVersion   int                 `yaml:"function_version"`
}

// State is the union of all CacheEntries surviving from the most recently
// completed build, plus the set of output-file paths it produced.
type State struct {
	FormatVersion   int      `yaml:"format_version"`
	Completed       bool     `yaml:"completed"`
	TopLevelVersion int      `yaml:"top_level_version"`
	Entries         []Entry  `yaml:"entries"`
	Outputs         []string `yaml:"outputs"`
}

// EntryByID returns the Entry for id, if present.
func (s *State) EntryByID(id opid.ID) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	for _, e := range s.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Empty returns a freshly initialized, empty State at the current format
// version.
func Empty() *State {
	return &State{FormatVersion: FormatVersion, Completed: true}
}

// Session is a writable handle on a CacheStore for the duration of one
// BuildSession.
type Session interface {
	// Commit atomically replaces the store's persisted State with state. It
	// must be crash-safe: a partially written cache must never be loaded.
	Commit(state *State) error
	// Discard abandons the session without persisting any changes,
	// releasing any resources (such as an advisory lock) acquired by Begin.
	Discard() error
}

// Store is the CacheStore abstraction: a cache backing identified by a
// caller-supplied path, exposing load/begin/commit/discard.
type Store interface {
	// Load returns the most recently committed State, or an empty State if
	// none exists, the file is absent, or its format version is
	// unrecognized (cache-corruption is treated as empty, not fatal).
	Load() (*State, error)
	// Begin opens a writable Session for sessionID, failing if another
	// session is already open against the same backing (single global
	// session per cache path).
	Begin(sessionID string) (Session, error)
}

// ErrCorrupt is returned internally (and logged, never propagated past
// Load) when a cache file fails to parse; Load recovers by returning an
// empty State.
type ErrCorrupt struct {
	Path string
	Err  error
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("cache at %q is corrupt: %s", e.Path, e.Err)
}

func (e *ErrCorrupt) Unwrap() error {
	return e.Err
}
