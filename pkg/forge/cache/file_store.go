package cache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/forgebuild/forge/pkg/encoding"
	"github.com/forgebuild/forge/pkg/filesystem/locking"
	"github.com/forgebuild/forge/pkg/logging"
)

// FileStore is the default CacheStore backend: a single YAML document at a
// caller-supplied path, written atomically via temp-file-then-rename.
type FileStore struct {
	path   string
	logger *logging.Logger
}

// NewFileStore creates a FileStore backed by the file at path.
func NewFileStore(path string, logger *logging.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Load implements Store.Load.
func (s *FileStore) Load() (*State, error) {
	var state State
	err := encoding.LoadAndUnmarshal(s.path, func(data []byte) error {
		return yaml.Unmarshal(data, &state)
	})
	if os.IsNotExist(err) {
		return Empty(), nil
	} else if err != nil {
		s.logger.Warnf("Treating cache as empty after load failure: %s", (&ErrCorrupt{Path: s.path, Err: err}).Error())
		return Empty(), nil
	}

	if state.FormatVersion != FormatVersion {
		s.logger.Warnf("Treating cache as empty due to unrecognized format version %d", state.FormatVersion)
		return Empty(), nil
	}
	if !state.Completed {
		s.logger.Warnf("Treating cache as empty because its snapshot was never cleanly committed")
		return Empty(), nil
	}

	return &state, nil
}

// fileSession is the FileStore's Session implementation. It holds an
// advisory lock on the cache file for its lifetime, preventing two builds
// from concurrently mutating the same cache backing.
type fileSession struct {
	store  *FileStore
	locker *locking.Locker
}

// Begin implements Store.Begin.
func (s *FileStore) Begin(sessionID string) (Session, error) {
	locker, err := locking.NewLocker(s.path+".lock", 0600)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache lock: %w", err)
	}
	if err := locker.Lock(false); err != nil {
		return nil, fmt.Errorf("cache is locked by another build session: %w", err)
	}
	return &fileSession{store: s, locker: locker}, nil
}

// Commit implements Session.Commit.
func (s *fileSession) Commit(state *State) error {
	state.FormatVersion = FormatVersion
	state.Completed = true
	err := encoding.MarshalAndSave(s.store.path, s.store.logger, func() ([]byte, error) {
		return yaml.Marshal(state)
	})
	if err != nil {
		return fmt.Errorf("unable to commit cache state: %w", err)
	}
	return s.close()
}

// Discard implements Session.Discard.
func (s *fileSession) Discard() error {
	return s.close()
}

func (s *fileSession) close() error {
	if err := s.locker.Unlock(); err != nil {
		return fmt.Errorf("unable to release cache lock: %w", err)
	}
	return s.locker.Close()
}
