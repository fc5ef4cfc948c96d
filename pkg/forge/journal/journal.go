// Package journal implements the RollbackJournal: before any write to an
// output path, the prior-build file at that path (if any) is moved into a
// session-scoped staging area; on success the staged originals are
// discarded, and on rollback every staged original is restored (or its
// output path removed, if there was no original). The staging scheme is a
// flat, per-session staging root with names derived from the output path's
// own digest plus a random suffix, so re-staging the same path twice in a
// session can't collide. Each move is also appended to a durable
// manifest inside that staging root, so Recover can replay a session a
// crashed process never got to finalize.
package journal

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/forgebuild/forge/pkg/filesystem"
	"github.com/forgebuild/forge/pkg/logging"
	"github.com/forgebuild/forge/pkg/must"
	"github.com/forgebuild/forge/pkg/random"
)

// manifestName is the durable append-log of staged moves kept inside a
// Journal's staging root, read back by Recover.
const manifestName = "manifest.yml"

// entry is one recorded (path, staged-location-or-none) pair.
type entry struct {
	Path   string `yaml:"path"`
	Staged string `yaml:"staged"`
}

// Journal is a RollbackJournal scoped to a single BuildSession.
type Journal struct {
	mutex   sync.Mutex
	root    string
	logger  *logging.Logger
	entries []entry
	sealed  bool
}

// New creates a Journal staging displaced originals under root, which must
// not yet exist; root is created on first use and removed entirely once the
// journal is finalized (committed or rolled back).
func New(root string, logger *logging.Logger) *Journal {
	return &Journal{root: root, logger: logger}
}

func (j *Journal) ensureRoot() error {
	if err := os.MkdirAll(j.root, 0700); err != nil {
		return fmt.Errorf("unable to create rollback staging root: %w", err)
	}
	return nil
}

// stagedPathFor derives a staging file name for path: a digest of path
// itself keeps related staged files grouped for easier inspection, suffixed
// with random bytes so that staging the same output path a second time
// within one session (e.g. after the engine's single-retry of a divergent
// build_file) never clobbers the first staged original.
func (j *Journal) stagedPathFor(path string) (string, error) {
	digest := sha1.Sum([]byte(path))
	suffix, err := random.New(8)
	if err != nil {
		return "", fmt.Errorf("unable to generate staging suffix: %w", err)
	}
	name := hex.EncodeToString(digest[:]) + "-" + hex.EncodeToString(suffix)
	return filepath.Join(j.root, name), nil
}

// appendManifest durably records e by appending it to this session's
// manifest file. A failure here only degrades the crash-recovery guarantee
// for this one move — the staging rename itself has already happened — so
// it's logged rather than propagated, per must.Encode's contract.
func (j *Journal) appendManifest(e entry) {
	file, err := os.OpenFile(filepath.Join(j.root, manifestName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		j.logger.Warnf("Unable to open rollback manifest: %s", err.Error())
		return
	}
	defer must.Close(file, j.logger)

	// A fresh encoder emits no document separator before its first document,
	// so write one explicitly; otherwise consecutive entries would run
	// together into a single YAML mapping.
	if _, err := file.WriteString("---\n"); err != nil {
		j.logger.Warnf("Unable to append to rollback manifest: %s", err.Error())
		return
	}
	encoder := yaml.NewEncoder(file)
	must.Encode(encoder, e, j.logger)
	must.Close(encoder, j.logger)
}

// BeforeWrite must be called before a build_file operation writes to path
// for the first time in a session. If a file already exists at path, it is
// moved into the staging area and the move is recorded durably before
// BeforeWrite returns, so that a crash between this call and the eventual
// write can still be rolled back by Recover on the next process startup.
func (j *Journal) BeforeWrite(path string) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.sealed {
		return fmt.Errorf("journal already finalized")
	}

	if err := j.ensureRoot(); err != nil {
		return err
	}

	staged := ""
	if _, err := os.Lstat(path); err == nil {
		staged, err = j.stagedPathFor(path)
		if err != nil {
			return err
		}
		if err := filesystem.RenameAtomic(path, staged); err != nil {
			return fmt.Errorf("unable to stage displaced original of %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("unable to stat %q before write: %w", path, err)
	}

	e := entry{Path: path, Staged: staged}
	j.appendManifest(e)
	j.entries = append(j.entries, e)
	return nil
}

// Commit discards all staged originals; it is called once a build session
// has completed successfully and its new BuildState has been committed to
// the CacheStore.
func (j *Journal) Commit() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	j.sealed = true
	if err := os.RemoveAll(j.root); err != nil {
		return fmt.Errorf("unable to remove rollback staging root: %w", err)
	}
	return nil
}

// Restore reverses every recorded (path, staged) pair: a staged original is
// moved back into place, and a path with no original is removed. It is
// called when a top-level build function fails.
func (j *Journal) Restore() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	j.sealed = true
	if err := restoreEntries(j.entries, j.logger); err != nil {
		return err
	}
	j.entries = nil
	return os.RemoveAll(j.root)
}

// restoreEntries reverses entries in last-recorded-first order: a staged
// original is moved back into place, and a path with no original is
// removed.
func restoreEntries(entries []entry, logger *logging.Logger) error {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Staged == "" {
			must.OSRemove(e.Path, logger)
			continue
		}
		if err := filesystem.RenameAtomic(e.Staged, e.Path); err != nil {
			return fmt.Errorf("unable to restore %q from staged original: %w", e.Path, err)
		}
	}
	return nil
}

// Recover runs the crash-recovery pass required before any new work begins:
// it scans stagingRoot for session directories a prior process left behind
// (one per BuildVersioned invocation that never reached Commit or Restore),
// replays each one's durable manifest to undo its partially applied writes,
// and removes the directory. It is safe to call when stagingRoot does not
// exist or holds no leftover sessions, and it is best-effort across
// sessions: a failure restoring one session is logged and recovery
// continues with the next, since an orphaned session is already a salvage
// situation and one bad entry shouldn't block cleanup of the rest.
func Recover(stagingRoot string, logger *logging.Logger) error {
	sessions, err := os.ReadDir(stagingRoot)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("unable to list rollback staging root: %w", err)
	}

	for _, session := range sessions {
		if !session.IsDir() {
			continue
		}
		root := filepath.Join(stagingRoot, session.Name())
		if err := recoverSession(root, logger); err != nil {
			logger.Errorf("Unable to recover staged session %q: %s", session.Name(), err.Error())
			continue
		}
	}
	return nil
}

func recoverSession(root string, logger *logging.Logger) error {
	entries, err := readManifest(filepath.Join(root, manifestName))
	if os.IsNotExist(err) {
		// No manifest means no write was ever recorded durably for this
		// session (or it never got past ensureRoot); nothing to replay.
		return os.RemoveAll(root)
	} else if err != nil {
		return err
	}

	if err := restoreEntries(entries, logger); err != nil {
		return err
	}
	return os.RemoveAll(root)
}

// readManifest decodes every entry appended to a session's manifest file, in
// append order.
func readManifest(path string) ([]entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer must.Close(file, nil)

	decoder := yaml.NewDecoder(file)
	var entries []entry
	for {
		var e entry
		if err := decoder.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("unable to decode rollback manifest %q: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
