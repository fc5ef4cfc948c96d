package engine

import "github.com/pkg/errors"

// Kind classifies an engine-level failure per the error handling design:
// programming errors are fatal to the offending operation, user-function
// errors propagate and roll back the enclosing top-level build, fs-errors
// are surfaced as user-function errors once outside a tracked read,
// cache-corruption degrades to an empty-cache rebuild, a dependency that
// changes while its operation runs is retried once before being reported as
// a user-function error, and concurrent-mutation reports that another build
// session holds the cache.
type Kind int

const (
	// KindProgrammingError is fatal to the current operation: the build
	// function violated a rule the engine enforces.
	KindProgrammingError Kind = iota
	// KindUserFunctionError wraps a failure raised by a build function.
	KindUserFunctionError
	// KindFsError wraps an unexpected file-system failure during a tracked
	// read.
	KindFsError
	// KindCacheCorruption indicates the CacheStore detected an
	// inconsistent on-disk snapshot.
	KindCacheCorruption
	// KindConcurrentMutation indicates that the CacheStore could not be
	// opened because another build session already holds it.
	KindConcurrentMutation
)

// Error is an engine-classified failure, retaining the originating error's
// context via github.com/pkg/errors for logging.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err with a stack-carrying context and classifies it.
func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Wrap(err, op)}
}
