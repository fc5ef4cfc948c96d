package locking

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Locker provides file locking facilities. It backs both the CacheStore's
// exclusive access to a cache file and the RollbackJournal's exclusive claim
// on a build session's staging area, so that two forge processes never treat
// the same cache or session concurrently. It is not a replacement for the
// per-OpId single-flight coordination used within a single process; it only
// arbitrates between processes.
type Locker struct {
	// file is the underlying file object to be locked.
	file *os.File
	// lock guards held.
	lock sync.Mutex
	// held records whether or not this Locker currently holds the lock.
	held bool
}

// NewLocker attempts to create a lock with the file at the specified path,
// creating the file if necessary. The lock is returned in an unlocked state.
func NewLocker(path string, permissions os.FileMode) (*Locker, error) {
	mode := os.O_RDWR | os.O_CREATE | os.O_APPEND
	if file, err := os.OpenFile(path, mode, permissions); err != nil {
		return nil, errors.Wrap(err, "unable to open lock file")
	} else {
		return &Locker{file: file}, nil
	}
}

// Held returns whether or not this Locker currently holds the lock.
func (l *Locker) Held() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.held
}

// Close closes the underlying lock file. It does not release the lock if it
// is still held; callers should call Unlock first.
func (l *Locker) Close() error {
	return l.file.Close()
}
