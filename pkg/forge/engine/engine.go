// Package engine implements the Engine: the coordinator that ties together
// FsProbe, CacheStore, VirtualFs, DependencyRecorder, and RollbackJournal
// into the public build/build_file/subbuild/clean operations. It owns
// exactly one concurrency core per top-level build invocation, realized as
// a session.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/forgebuild/forge/pkg/forge/cache"
	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/journal"
	"github.com/forgebuild/forge/pkg/forge/metrics"
	"github.com/forgebuild/forge/pkg/logging"
	"github.com/forgebuild/forge/pkg/must"
)

// Engine is the build cache coordinator. A single Engine may run successive
// top-level builds against the same CacheStore; it does not support two
// builds running concurrently against the same store (Store.Begin enforces
// this with an advisory lock).
type Engine struct {
	probe   fsprobe.Probe
	store   cache.Store
	logger  *logging.Logger
	metrics *metrics.Collector

	// stagingRoot is the parent directory under which each build session's
	// RollbackJournal stages displaced originals.
	stagingRoot string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger sets the Logger the Engine and everything it constructs log
// through. A nil Logger (the default) silently discards all output.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the Collector the Engine reports cache hit/miss and
// build-duration metrics to. A nil Collector (the default) records nothing.
func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = collector }
}

// WithFingerprintMemo bounds the number of (path, size, mtime) fingerprint
// memo entries the default real FsProbe retains. It installs a new real
// FsProbe, so when WithProbe is also supplied, whichever of the two options
// comes later in the list decides the probe.
func WithFingerprintMemo(entries int) Option {
	return func(e *Engine) { e.probe = fsprobe.NewReal(entries) }
}

// WithProbe overrides the FsProbe implementation, chiefly for testing
// against an in-memory file system.
func WithProbe(probe fsprobe.Probe) Option {
	return func(e *Engine) { e.probe = probe }
}

// New creates an Engine persisting its BuildState through store, staging
// rollback originals under stagingRoot (a directory the Engine owns
// exclusively; it must not be shared with another Engine instance). Before
// returning, it runs the crash-recovery pass over stagingRoot, so that a
// session left behind by a process that was killed mid-build is rolled back
// before any new build begins.
func New(store cache.Store, stagingRoot string, options ...Option) *Engine {
	e := &Engine{
		store:       store,
		probe:       fsprobe.NewReal(8192),
		stagingRoot: stagingRoot,
	}
	for _, option := range options {
		option(e)
	}
	if err := journal.Recover(stagingRoot, e.logger); err != nil {
		e.logger.Error(fmt.Errorf("rollback recovery failed: %w", err))
	}
	return e
}

func (e *Engine) metricsOrNoop() *metrics.Collector {
	return e.metrics
}

// Build runs fn as a top-level build, returning its result once every
// tracked dependency has been recorded and the new BuildState has been
// durably committed. On failure, every output touched during this
// invocation is rolled back to its pre-build state and the prior
// BuildState is left untouched.
func Build(e *Engine, fn func(*Context) error) error {
	_, err := BuildVersioned(e, 0, fn)
	return err
}

// BuildVersioned is Build with an explicit top-level version, allowing a
// caller to force a full rebuild by incrementing version between runs
// (for example, after a change to fn's own logic that no recorded FileFact
// would otherwise detect). It returns the BuildID assigned to this
// invocation, primarily useful for log correlation.
func BuildVersioned(e *Engine, version int, fn func(*Context) error) (string, error) {
	started := time.Now()
	buildID := uuid.NewString()

	priorState, err := e.store.Load()
	if err != nil {
		return buildID, newError(KindCacheCorruption, "load cache", err)
	}
	if priorState.TopLevelVersion != version {
		e.logger.Infof("Top-level version changed (%d -> %d); discarding cache", priorState.TopLevelVersion, version)
		priorState = cache.Empty()
	}

	cacheSession, err := e.store.Begin(buildID)
	if err != nil {
		return buildID, newError(KindConcurrentMutation, "begin cache session", err)
	}

	sessionStaging := filepath.Join(e.stagingRoot, buildID)
	s := newSession(e, buildID, version, priorState, cacheSession, sessionStaging)

	ctx := &Context{session: s, thread: s.nextThread()}

	runErr := fn(ctx)

	e.metricsOrNoop().ObserveBuildDuration(time.Since(started).Seconds())

	if runErr != nil {
		if err := s.journal.Restore(); err != nil {
			e.logger.Error(fmt.Errorf("rollback failed: %w", err))
		}
		must.Succeed(cacheSession.Discard(), "discard cache session", e.logger)
		return buildID, newError(KindUserFunctionError, "build", runErr)
	}

	orphans := s.vfs.Orphans()
	for _, path := range orphans {
		e.deleteOrphan(path)
	}
	e.metricsOrNoop().OrphansPruned(len(orphans))

	if err := s.commitState(); err != nil {
		if rerr := s.journal.Restore(); rerr != nil {
			e.logger.Error(fmt.Errorf("rollback after commit failure failed: %w", rerr))
		}
		return buildID, newError(KindCacheCorruption, "commit cache", err)
	}
	if err := s.journal.Commit(); err != nil {
		e.logger.Warn(fmt.Errorf("unable to clean up rollback staging: %w", err))
	}

	return buildID, nil
}

// Clean removes every output file recorded in the most recently committed
// BuildState and resets the cache to empty, so the next build starts from
// scratch.
func Clean(e *Engine) error {
	state, err := e.store.Load()
	if err != nil {
		return newError(KindCacheCorruption, "load cache", err)
	}

	cacheSession, err := e.store.Begin(uuid.NewString())
	if err != nil {
		return newError(KindConcurrentMutation, "begin cache session", err)
	}

	for _, path := range state.Outputs {
		e.deleteOrphan(path)
	}

	if err := cacheSession.Commit(cache.Empty()); err != nil {
		must.Succeed(cacheSession.Discard(), "discard cache session", e.logger)
		return newError(KindCacheCorruption, "commit empty cache", err)
	}
	return nil
}

func (e *Engine) deleteOrphan(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warnf("Unable to remove stale output %q: %s", path, err.Error())
	}
}
