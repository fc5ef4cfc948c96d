package engine

import (
	"fmt"

	"github.com/forgebuild/forge/pkg/forge/cache"
	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/opid"
	"github.com/forgebuild/forge/pkg/forge/recorder"
	"github.com/forgebuild/forge/pkg/forge/vfs"
	"github.com/forgebuild/forge/pkg/hashing"
)

// Context is the handle a build function receives: every file-system query
// and every nested build_file/subbuild invocation goes through it, so the
// engine can attribute observations to the operation currently executing on
// this call chain.
type Context struct {
	session *session
	thread  int64
}

// Fork returns a new Context that shares this Context's session but
// carries an independent thread token, for use by a build function that
// dispatches work across its own goroutines. The new thread token starts
// with no Frame on its DependencyRecorder stack, so file-system queries made
// directly through a forked Context, and the build_file/subbuild calls it
// makes, are not recorded as dependencies or children of the parent
// operation; the operations those calls start still record their own
// dependencies as usual.
func (c *Context) Fork() *Context {
	return &Context{session: c.session, thread: c.session.nextThread()}
}

// Exists implements the exists(P) operation.
func (c *Context) Exists(path string) (bool, error) {
	return c.session.vfs.Exists(c.thread, path)
}

// IsFile implements the is_file(P) operation.
func (c *Context) IsFile(path string) (bool, error) {
	return c.session.vfs.IsFile(c.thread, path)
}

// IsDir implements the is_dir(P) operation.
func (c *Context) IsDir(path string) (bool, error) {
	return c.session.vfs.IsDir(c.thread, path)
}

// ListDir implements the list_dir(P) operation.
func (c *Context) ListDir(path string) ([]string, error) {
	return c.session.vfs.ListDir(c.thread, path)
}

// ReadText implements the read_text(P) operation.
func (c *Context) ReadText(path string) (string, error) {
	return c.session.vfs.ReadText(c.thread, path)
}

// ReadBinary implements the read_binary(P) operation.
func (c *Context) ReadBinary(path string) ([]byte, error) {
	return c.session.vfs.ReadBinary(c.thread, path)
}

// DeclareRead implements the declare_read(P) operation.
func (c *Context) DeclareRead(path string) error {
	return c.session.vfs.DeclareRead(c.thread, path)
}

// Walk implements the walk(root) operation.
func (c *Context) Walk(root string, visit func(vfs.WalkEntry) error) error {
	return c.session.vfs.Walk(c.thread, root, visit)
}

// pushFrame begins tracking a new operation's observations on c's thread,
// returning the Frame to read back from once fn has run and a pop function
// that must be deferred by the caller.
func (c *Context) pushFrame(id opid.ID) (*recorder.Frame, func(), error) {
	frame, err := c.session.recorder.Push(c.thread, id)
	if err != nil {
		return nil, nil, newError(KindProgrammingError, id.String(), err)
	}
	return frame, func() { c.session.recorder.Pop(c.thread) }, nil
}

func (c *Context) recordChild(id opid.ID, value interface{}) {
	if frame := c.session.recorder.Current(c.thread); frame != nil {
		frame.RecordChild(recorder.ChildResult{ID: id, Value: value})
	}
}

// BuildFile implements the build_file(function, version, args, output, fn)
// operation: fn is invoked with a child Context scoped to the new
// operation, and its returned bytes are written to output, but only if the
// operation's cached result (keyed by function, version, args, and output)
// is missing or invalidated by a changed dependency.
func (c *Context) BuildFile(function string, version int, args []interface{}, output string, fn func(*Context) ([]byte, error)) error {
	_, err := c.buildFile(function, version, args, output, fn, nil)
	return err
}

// BuildFileWithComparison is BuildFile, but when fn must be re-run because
// its own recorded dependencies no longer validate, the newly produced
// bytes are compared against the previous on-disk content via comparator
// before being written. If comparator reports the two as semantically
// equal, the new bytes are discarded and the existing output file (and its
// recorded Fingerprint) is left completely untouched, so that anything
// downstream which depends on output sees no change at all. comparator
// must be pure, total, and symmetric; a panic inside it is treated as a
// programming error and aborts the enclosing build.
func (c *Context) BuildFileWithComparison(function string, version int, args []interface{}, output string, fn func(*Context) ([]byte, error), comparator func(old, new []byte) bool) error {
	_, err := c.buildFile(function, version, args, output, fn, comparator)
	return err
}

func (c *Context) buildFile(function string, version int, args []interface{}, output string, fn func(*Context) ([]byte, error), comparator func(old, new []byte) bool) (hashing.Fingerprint, error) {
	argFingerprint, err := opid.FingerprintArguments(args...)
	if err != nil {
		return hashing.Fingerprint{}, newError(KindProgrammingError, function, err)
	}
	id := opid.NewBuildFile(function, version, argFingerprint, output)

	_, fingerprint, err := c.session.dispatch(c.thread, id, func() (interface{}, hashing.Fingerprint, []fsprobe.FileFact, []cache.ChildRef, error) {
		return c.runBuildFile(id, output, fn, comparator)
	})
	if err != nil {
		return hashing.Fingerprint{}, err
	}
	c.recordChild(id, nil)
	return fingerprint, nil
}

func (c *Context) runBuildFile(id opid.ID, output string, fn func(*Context) ([]byte, error), comparator func(old, new []byte) bool) (interface{}, hashing.Fingerprint, []fsprobe.FileFact, []cache.ChildRef, error) {
	child := &Context{session: c.session, thread: c.session.nextThread()}
	frame, pop, err := child.pushFrame(id)
	if err != nil {
		return nil, hashing.Fingerprint{}, nil, nil, err
	}
	defer pop()

	if err := child.session.vfs.AuthorizeOutput(child.thread, output); err != nil {
		return nil, hashing.Fingerprint{}, nil, nil, newError(KindProgrammingError, id.String(), err)
	}
	committed := false
	defer func() { child.session.vfs.Release(child.thread, output, committed) }()

	data, err := fn(child)
	if err != nil {
		return nil, hashing.Fingerprint{}, nil, nil, newError(KindUserFunctionError, id.String(), err)
	}

	if comparator != nil {
		if old, _, readErr := child.session.engine.probe.ReadBytes(output); readErr == nil {
			equal, cerr := equalSafely(comparator, old, data)
			if cerr != nil {
				return nil, hashing.Fingerprint{}, nil, nil, newError(KindProgrammingError, id.String(), cerr)
			}
			if equal {
				fingerprint, ferr := child.session.engine.probe.FingerprintFile(output)
				if ferr == nil {
					committed = true
					return nil, fingerprint.Fingerprint, frame.Facts(), childRefs(frame.Children()), nil
				}
			}
		}
	}

	fingerprint, err := child.session.vfs.WriteOutput(child.thread, output, data)
	if err != nil {
		return nil, hashing.Fingerprint{}, nil, nil, newError(KindFsError, id.String(), err)
	}
	committed = true
	return nil, fingerprint, frame.Facts(), childRefs(frame.Children()), nil
}

// equalSafely runs comparator, converting a panic (a violation of the
// pure/total/symmetric contract build_file_with_comparison requires) into
// an error rather than crashing the process; the caller reports that error
// as a programming error and writes nothing.
func equalSafely(comparator func(old, new []byte) bool, old, newData []byte) (equal bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			equal = false
			err = fmt.Errorf("comparator panicked: %v", r)
		}
	}()
	return comparator(old, newData), nil
}

func childRefs(children []recorder.ChildResult) []cache.ChildRef {
	refs := make([]cache.ChildRef, len(children))
	for i, child := range children {
		refs[i] = cache.ChildRef{ID: child.ID}
	}
	return refs
}

// Subbuild implements the subbuild(function, version, args, fn) operation.
// It is a package-level function rather than a *Context method because Go
// does not permit methods with their own type parameters: fn's result type
// T is fixed at the call site, giving callers a strongly typed return
// instead of an interface{} they'd have to assert themselves. T's value is
// persisted across builds via encoding/gob, so a struct T must be
// registered with gob.Register before it can survive a cache reload;
// built-in kinds such as string and int need no such registration.
func Subbuild[T any](c *Context, function string, version int, args []interface{}, fn func(*Context) (T, error)) (T, error) {
	var zero T

	argFingerprint, err := opid.FingerprintArguments(args...)
	if err != nil {
		return zero, newError(KindProgrammingError, function, err)
	}
	id := opid.New(opid.KindSubbuild, function, version, argFingerprint)

	value, _, err := c.session.dispatch(c.thread, id, func() (interface{}, hashing.Fingerprint, []fsprobe.FileFact, []cache.ChildRef, error) {
		child := &Context{session: c.session, thread: c.session.nextThread()}
		frame, pop, perr := child.pushFrame(id)
		if perr != nil {
			return nil, hashing.Fingerprint{}, nil, nil, perr
		}
		defer pop()

		result, ferr := fn(child)
		if ferr != nil {
			return nil, hashing.Fingerprint{}, nil, nil, newError(KindUserFunctionError, id.String(), ferr)
		}
		return result, hashing.Fingerprint{}, frame.Facts(), childRefs(frame.Children()), nil
	})
	if err != nil {
		return zero, err
	}
	c.recordChild(id, value)

	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, newError(KindProgrammingError, function, fmt.Errorf("cached value type mismatch for %s", id))
	}
	return typed, nil
}
