// Package must provides best-effort wrappers around cleanup operations whose
// errors are worth logging but not worth propagating — closing a file after
// the data it held has already been flushed and verified, removing a
// temporary that was only ever scratch space, and similar janitorial calls
// scattered through the cache store, rollback journal, and virtualized
// filesystem.
package must

import (
	"io"
	"os"

	"github.com/forgebuild/forge/pkg/logging"
)

// Close closes c, logging (rather than propagating) any error.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Unable to close: %s", err.Error())
	}
}

// OSRemove removes the named file, logging any error.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil {
		logger.Warnf("Unable to remove '%s': %s", name, err.Error())
	}
}

// Encode invokes Encode on e, logging any error. It's used for best-effort
// journal appends where the caller has already decided a failure here
// degrades recovery guarantees but shouldn't abort the build in progress.
func Encode(e interface {
	Encode(value any) error
}, value any, logger *logging.Logger) {
	if err := e.Encode(value); err != nil {
		logger.Warnf("Unable to encode %v: %s", value, err.Error())
	}
}

// Succeed logs err, attributed to task, if it's non-nil.
func Succeed(err error, task string, logger *logging.Logger) {
	if err != nil {
		logger.Warnf("Unable to succeed at %s; %s", task, err.Error())
	}
}
