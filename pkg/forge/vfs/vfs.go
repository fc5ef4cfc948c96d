// Package vfs implements the VirtualFs: the file-system view presented to
// build functions. It wraps an fsprobe.Probe but intercepts every read to
// (a) record a FileFact via the active DependencyRecorder frame and (b)
// report an output that a build_file operation of this session is still
// producing (a pending path) as missing to Exists, IsFile, IsDir and Walk,
// while ListDir also lists pending and committed output names. Committed
// outputs are read from disk, where they have already been written.
// Carryover outputs of a prior build are not hidden: a query at such a path
// reports whatever the real file system holds there. ReadText, ReadBinary
// and DeclareRead always read the real file system.
package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/forgebuild/forge/pkg/filesystem"
	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/journal"
	"github.com/forgebuild/forge/pkg/forge/recorder"
	"github.com/forgebuild/forge/pkg/hashing"
)

// ErrProgrammingError reports a violation of the rules the VirtualFs
// enforces: a write outside of an authorized build_file operation, or a
// write to a path other than that operation's declared output.
type ErrProgrammingError struct {
	Message string
}

func (e *ErrProgrammingError) Error() string {
	return "programming error: " + e.Message
}

// VirtualFs is the file-system view presented to build functions during one
// BuildSession.
type VirtualFs struct {
	probe    fsprobe.Probe
	recorder *recorder.Recorder
	journal  *journal.Journal

	mutex sync.Mutex
	// pending maps an output path currently claimed by an in-flight
	// build_file operation to the thread that claimed it, so a second,
	// distinct operation claiming the same path is caught as a
	// programming error rather than silently clobbering the first.
	pending    map[string]int64
	committed  map[string]bool
	carryover  map[string]bool
	authorized map[int64]string
}

// New creates a VirtualFs over probe, recording observations into recorder
// and routing output writes through journal. priorOutputs seeds the
// carryover set with every output path produced by the last completed
// build; each entry is removed from carryover as its producing operation is
// validated or re-executed in this session, and whatever remains at commit
// time is deleted as orphaned.
func New(probe fsprobe.Probe, rec *recorder.Recorder, j *journal.Journal, priorOutputs []string) *VirtualFs {
	carryover := make(map[string]bool, len(priorOutputs))
	for _, path := range priorOutputs {
		carryover[path] = true
	}
	return &VirtualFs{
		probe:      probe,
		recorder:   rec,
		journal:    j,
		pending:    make(map[string]int64),
		committed:  make(map[string]bool),
		carryover:  carryover,
		authorized: make(map[int64]string),
	}
}

func (v *VirtualFs) recordFact(thread int64, fact fsprobe.FileFact) {
	if frame := v.recorder.Current(thread); frame != nil {
		frame.RecordFact(fact)
	}
}

// Exists implements the exists(P) operation.
func (v *VirtualFs) Exists(thread int64, path string) (bool, error) {
	fact, err := v.stat(path)
	if err != nil {
		return false, err
	}
	v.recordFact(thread, fact)
	return fact.Kind != fsprobe.FactMissing, nil
}

// IsFile implements the is_file(P) operation.
func (v *VirtualFs) IsFile(thread int64, path string) (bool, error) {
	fact, err := v.stat(path)
	if err != nil {
		return false, err
	}
	v.recordFact(thread, fact)
	return fact.Kind == fsprobe.FactFile, nil
}

// IsDir implements the is_dir(P) operation.
func (v *VirtualFs) IsDir(thread int64, path string) (bool, error) {
	fact, err := v.stat(path)
	if err != nil {
		return false, err
	}
	v.recordFact(thread, fact)
	return fact.Kind == fsprobe.FactDirectory, nil
}

// ListDir implements the list_dir(P) operation, returning a canonically
// (lexicographically) ordered sequence of child names.
func (v *VirtualFs) ListDir(thread int64, path string) ([]string, error) {
	fact, err := v.probe.ListDir(path)
	if err != nil {
		return nil, fmt.Errorf("fs-error: %w", err)
	}
	children := v.mergeOverlayChildren(path, fact.Children)
	fact.Children = children
	v.recordFact(thread, fact)
	return children, nil
}

// mergeOverlayChildren merges the on-disk listing with any pending or
// committed output names directly inside dir, deduplicating by name and
// preferring the session view (which is already reflected on disk for
// committed outputs, and simply added for pending ones not yet visible).
func (v *VirtualFs) mergeOverlayChildren(dir string, diskChildren []string) []string {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	seen := make(map[string]bool, len(diskChildren))
	result := make([]string, 0, len(diskChildren))
	for _, name := range diskChildren {
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}
	for path := range v.pending {
		if filepath.Dir(path) == dir {
			name := filepath.Base(path)
			if !seen[name] {
				seen[name] = true
				result = append(result, name)
			}
		}
	}
	sort.Strings(result)
	return result
}

// ReadText implements the read_text(P) operation.
func (v *VirtualFs) ReadText(thread int64, path string) (string, error) {
	data, err := v.ReadBinary(thread, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBinary implements the read_binary(P) operation.
func (v *VirtualFs) ReadBinary(thread int64, path string) ([]byte, error) {
	data, fact, err := v.probe.ReadBytes(path)
	if err != nil {
		return nil, fmt.Errorf("fs-error: %w", err)
	}
	v.recordFact(thread, fact)
	return data, nil
}

// DeclareRead implements the declare_read(P) operation: it records a
// Fingerprint fact without returning content, for functions that shell out
// to external tools that will themselves read the file.
func (v *VirtualFs) DeclareRead(thread int64, path string) error {
	fact, err := v.probe.FingerprintFile(path)
	if err != nil {
		return fmt.Errorf("fs-error: %w", err)
	}
	v.recordFact(thread, fact)
	return nil
}

// WalkEntry is one tuple yielded by Walk: a directory, its immediate
// subdirectory names, and its immediate file names, both canonically
// ordered.
type WalkEntry struct {
	Dir      string
	Subdirs  []string
	Subfiles []string
}

// Walk implements the walk(root) operation: a lazy, finite, non-restartable
// sequence of WalkEntry tuples. Each tuple's directory listing is recorded
// as a FileFact at the moment it is yielded (i.e. as visit passes it to
// yield), not before, since a real walk wouldn't get that moment with its
// own child-pruning choices pre-existing for unvisited subtrees.
func (v *VirtualFs) Walk(thread int64, root string, visit func(WalkEntry) error) error {
	children, err := v.ListDir(thread, root)
	if err != nil {
		return err
	}

	var subdirs, subfiles []string
	for _, name := range children {
		childPath := filepath.Join(root, name)
		fact, err := v.stat(childPath)
		if err != nil {
			return err
		}
		if fact.Kind == fsprobe.FactDirectory {
			subdirs = append(subdirs, name)
		} else {
			subfiles = append(subfiles, name)
		}
	}

	if err := visit(WalkEntry{Dir: root, Subdirs: subdirs, Subfiles: subfiles}); err != nil {
		return err
	}

	for _, name := range subdirs {
		if err := v.Walk(thread, filepath.Join(root, name), visit); err != nil {
			return err
		}
	}
	return nil
}

// stat resolves a FileFact for path: FactMissing if path is an output still
// pending in this session, otherwise the real file system's answer.
// Carryover outputs whose survival is not yet proven are not excluded.
func (v *VirtualFs) stat(path string) (fsprobe.FileFact, error) {
	v.mutex.Lock()
	_, pending := v.pending[path]
	v.mutex.Unlock()

	if pending {
		return fsprobe.FileFact{Kind: fsprobe.FactMissing, Path: path}, nil
	}

	fact, err := v.probe.Stat(path)
	if err != nil {
		return fsprobe.FileFact{}, fmt.Errorf("fs-error: %w", err)
	}
	return fact, nil
}

// AuthorizeOutput grants the call chain identified by thread permission to
// write exactly one file, at path, for the duration of the current
// build_file operation. It must be paired with Release once that operation
// completes (successfully or not). Two distinct OpIds producing the same
// output path within one session is a programming error (section 5), so a
// second claim on a path already pending under a different thread is
// rejected rather than silently clobbering the first claim.
func (v *VirtualFs) AuthorizeOutput(thread int64, path string) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if owner, claimed := v.pending[path]; claimed && owner != thread {
		return &ErrProgrammingError{Message: fmt.Sprintf("output %q is already claimed by another in-flight build_file operation", path)}
	}
	v.authorized[thread] = path
	v.pending[path] = thread
	return nil
}

// Release revokes the write authorization granted by AuthorizeOutput. If
// committed is true, path moves from pending to committed; otherwise it is
// simply removed from the pending set (the operation failed without
// producing a usable output).
func (v *VirtualFs) Release(thread int64, path string, committed bool) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	delete(v.authorized, thread)
	if owner, claimed := v.pending[path]; claimed && owner == thread {
		delete(v.pending, path)
	}
	if committed {
		v.committed[path] = true
	}
	delete(v.carryover, path)
}

// MarkSurvived records that a carryover output at path validated in this
// session without being rewritten, so it must not be deleted as an orphan.
func (v *VirtualFs) MarkSurvived(path string) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	delete(v.carryover, path)
	v.committed[path] = true
}

// Orphans returns the output paths from the prior build that were never
// proven to survive this session, and so must be deleted at commit time.
func (v *VirtualFs) Orphans() []string {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	orphans := make([]string, 0, len(v.carryover))
	for path := range v.carryover {
		orphans = append(orphans, path)
	}
	sort.Strings(orphans)
	return orphans
}

// Outputs returns every path produced or carried over successfully in this
// session, suitable for persisting as the new BuildState's output set.
func (v *VirtualFs) Outputs() []string {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	outputs := make([]string, 0, len(v.committed))
	for path := range v.committed {
		outputs = append(outputs, path)
	}
	sort.Strings(outputs)
	return outputs
}

// WriteOutput writes data to path on behalf of the build_file operation
// executing on thread, enforcing that thread is authorized to write
// exactly that path. Any pre-existing file at path is first staged by the
// RollbackJournal so it can be restored if the session later rolls back.
// It returns the Fingerprint of the written content.
func (v *VirtualFs) WriteOutput(thread int64, path string, data []byte) (hashing.Fingerprint, error) {
	v.mutex.Lock()
	authorizedPath, ok := v.authorized[thread]
	v.mutex.Unlock()
	if !ok {
		return hashing.Fingerprint{}, &ErrProgrammingError{Message: "write attempted outside a build_file operation"}
	}
	if authorizedPath != path {
		return hashing.Fingerprint{}, &ErrProgrammingError{Message: fmt.Sprintf("write to %q not permitted; operation's declared output is %q", path, authorizedPath)}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return hashing.Fingerprint{}, fmt.Errorf("unable to create output directory: %w", err)
	}
	if err := v.journal.BeforeWrite(path); err != nil {
		return hashing.Fingerprint{}, fmt.Errorf("unable to stage displaced original: %w", err)
	}
	if err := filesystem.WriteFileAtomic(path, data, 0644, nil); err != nil {
		return hashing.Fingerprint{}, fmt.Errorf("unable to write output: %w", err)
	}

	return hashing.FingerprintBytes(data), nil
}
