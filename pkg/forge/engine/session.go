package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/forgebuild/forge/pkg/forge"
	"github.com/forgebuild/forge/pkg/forge/cache"
	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/journal"
	"github.com/forgebuild/forge/pkg/forge/opid"
	"github.com/forgebuild/forge/pkg/forge/recorder"
	"github.com/forgebuild/forge/pkg/forge/validate"
	"github.com/forgebuild/forge/pkg/forge/vfs"
	"github.com/forgebuild/forge/pkg/hashing"
	"github.com/sasha-s/go-deadlock"
)

// init turns go-deadlock's detection off unless FORGE_DEBUG=1.
func init() {
	deadlock.Opts.Disable = !forge.DebugEnabled
}

// sealedResult is what a singleflight-coordinated dispatch produces: the
// in-memory value (for subbuild/build, nil for build_file) and, for
// build_file, the written output's Fingerprint.
type sealedResult struct {
	value       interface{}
	fingerprint hashing.Fingerprint
}

// session is the runtime state of one top-level build: a VirtualFs
// overlay, a RollbackJournal, the set of OpIds validated-or-recomputed in
// this session, per-OpId single-flight coordination, and a reference to
// the prior BuildState loaded from the CacheStore.
type session struct {
	engine       *Engine
	buildID      string
	version      int
	vfs          *vfs.VirtualFs
	recorder     *recorder.Recorder
	journal      *journal.Journal
	priorState   *cache.State
	cacheSession cache.Session

	// mutex guards entries and values. It's a deadlock-detecting mutex
	// (detection enabled when FORGE_DEBUG=1) rather than a bare sync.Mutex,
	// because this map is touched from every concurrently dispatched
	// operation and a lock-order bug here would otherwise hang silently.
	mutex   deadlock.Mutex
	entries map[opid.ID]cache.Entry
	values  map[opid.ID]interface{}

	sf        singleflight.Group
	threadSeq int64
}

func newSession(e *Engine, buildID string, version int, priorState *cache.State, cacheSession cache.Session, stagingRoot string) *session {
	j := journal.New(stagingRoot, e.logger)
	rec := recorder.New()
	return &session{
		engine:       e,
		buildID:      buildID,
		version:      version,
		recorder:     rec,
		journal:      j,
		priorState:   priorState,
		cacheSession: cacheSession,
		vfs:          vfs.New(e.probe, rec, j, priorState.Outputs),
		entries:      make(map[opid.ID]cache.Entry),
		values:       make(map[opid.ID]interface{}),
	}
}

func (s *session) nextThread() int64 {
	return atomic.AddInt64(&s.threadSeq, 1)
}

// seen returns the entry recorded for id earlier in this session, if any.
func (s *session) seen(id opid.ID) (cache.Entry, interface{}, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return cache.Entry{}, nil, false
	}
	return entry, s.values[id], true
}

func (s *session) record(id opid.ID, entry cache.Entry, value interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[id] = entry
	s.values[id] = value
}

// childResolver adapts this session's dispatch logic into the
// validate.ChildResolver signature, so the Validator can recursively
// validate or re-run a referenced child operation without needing to know
// how that happens.
func (s *session) childResolver(thread int64) validate.ChildResolver {
	return func(id opid.ID) (bool, error) {
		_, _, err := s.resolveSubbuildByID(thread, id)
		return err == nil, nil
	}
}

// resolveSubbuildByID re-validates-or-reruns a previously recorded subbuild
// child purely from its stored entry, with no access to the original
// function (since none is available via OpId alone). It is only used by
// childResolver for entries whose function is already known to have run
// successfully at least once in a prior build; if such an entry's facts no
// longer hold, the child is conservatively considered invalid, causing the
// parent to also be invalidated and re-run (which will itself re-invoke the
// concrete child function through the normal dispatch path).
func (s *session) resolveSubbuildByID(thread int64, id opid.ID) (interface{}, hashing.Fingerprint, error) {
	if entry, value, ok := s.seen(id); ok {
		return value, entry.OutputFingerprint, nil
	}

	prior, ok := s.priorState.EntryByID(id)
	if !ok {
		return nil, hashing.Fingerprint{}, fmt.Errorf("no prior entry for %s", id)
	}
	valid, err := validate.Entry(prior, s.engine.probe, s.childResolver(thread))
	if err != nil {
		return nil, hashing.Fingerprint{}, err
	}
	if !valid {
		return nil, hashing.Fingerprint{}, fmt.Errorf("entry %s no longer valid", id)
	}

	value, err := decodeValue(prior.Value)
	if err != nil {
		return nil, hashing.Fingerprint{}, err
	}
	s.record(id, prior, value)
	if id.Kind == opid.KindBuildFile {
		s.vfs.MarkSurvived(id.OutputPath)
	}
	return value, prior.OutputFingerprint, nil
}

// dispatch is the shared coordination point for build/build_file/subbuild:
// it enforces single-flight per OpId, reuses a result already produced in
// this session, attempts prior-entry validation, and otherwise invokes run
// to actually execute the function and produce a fresh CacheEntry.
func (s *session) dispatch(
	thread int64,
	id opid.ID,
	run func() (value interface{}, fingerprint hashing.Fingerprint, facts []fsprobe.FileFact, children []cache.ChildRef, err error),
) (interface{}, hashing.Fingerprint, error) {
	if entry, value, ok := s.seen(id); ok {
		return value, entry.OutputFingerprint, nil
	}

	result, err, _ := s.sf.Do(id.String(), func() (interface{}, error) {
		if entry, value, ok := s.seen(id); ok {
			return sealedResult{value: value, fingerprint: entry.OutputFingerprint}, nil
		}

		if prior, ok := s.priorState.EntryByID(id); ok {
			valid, verr := validate.Entry(prior, s.engine.probe, s.childResolver(thread))
			if verr != nil {
				return nil, verr
			}
			if valid && s.outputStillMatches(id, prior) {
				value, derr := decodeValue(prior.Value)
				if derr != nil {
					return nil, derr
				}
				s.record(id, prior, value)
				if id.Kind == opid.KindBuildFile {
					s.vfs.MarkSurvived(id.OutputPath)
				}
				s.engine.metricsOrNoop().CacheHit()
				return sealedResult{value: value, fingerprint: prior.OutputFingerprint}, nil
			}
		}

		s.engine.metricsOrNoop().CacheMiss()
		value, fingerprint, facts, children, diverged, rerr := s.runAndCheck(thread, id, run)
		if rerr != nil {
			return nil, rerr
		}
		if diverged {
			// Per the single-retry policy: a dependency that moved underneath
			// the first attempt is given one more chance to settle before the
			// build gives up on it.
			s.engine.metricsOrNoop().CacheMiss()
			value, fingerprint, facts, children, diverged, rerr = s.runAndCheck(thread, id, run)
			if rerr != nil {
				return nil, rerr
			}
			if diverged {
				return nil, newError(KindUserFunctionError, id.String(), fmt.Errorf("a tracked dependency of %s kept changing across a retry; giving up", id))
			}
		}

		entry := cache.Entry{
			ID:                id,
			Facts:             facts,
			Children:          children,
			OutputFingerprint: fingerprint,
			BuildID:           s.buildID,
			FunctionVersion:   id.Version,
		}
		if id.Kind != opid.KindBuildFile {
			encoded, eerr := encodeValue(value)
			if eerr != nil {
				return nil, newError(KindProgrammingError, "subbuild return value", eerr)
			}
			entry.Value = encoded
		}
		s.record(id, entry, value)
		return sealedResult{value: value, fingerprint: fingerprint}, nil
	})
	if err != nil {
		return nil, hashing.Fingerprint{}, err
	}

	sealed := result.(sealedResult)
	return sealed.value, sealed.fingerprint, nil
}

// runAndCheck invokes run once and re-validates the facts and children it
// just produced against the live file system. A dependency fingerprinted
// when first read might have been mutated again by the time the operation
// finished, by something outside this session entirely (another process, a
// concurrently running tool). Re-probing every recorded fact here — a
// second fingerprint pass against the same facts the operation just
// produced — catches that window; diverged reports whether it did, leaving
// the caller to decide whether to retry.
func (s *session) runAndCheck(
	thread int64,
	id opid.ID,
	run func() (value interface{}, fingerprint hashing.Fingerprint, facts []fsprobe.FileFact, children []cache.ChildRef, err error),
) (value interface{}, fingerprint hashing.Fingerprint, facts []fsprobe.FileFact, children []cache.ChildRef, diverged bool, err error) {
	value, fingerprint, facts, children, err = run()
	if err != nil {
		return nil, hashing.Fingerprint{}, nil, nil, false, err
	}

	recheck := cache.Entry{Facts: facts, Children: children}
	unchanged, cerr := validate.Entry(recheck, s.engine.probe, s.childResolver(thread))
	if cerr != nil {
		return nil, hashing.Fingerprint{}, nil, nil, false, cerr
	}
	return value, fingerprint, facts, children, !unchanged, nil
}

// outputStillMatches re-fingerprints a build_file's output path and
// compares it against the recorded Fingerprint, per section 4.6: a
// validated entry is only reused if the output file on disk still matches.
// For non-file operations this is vacuously true.
func (s *session) outputStillMatches(id opid.ID, prior cache.Entry) bool {
	if id.Kind != opid.KindBuildFile {
		return true
	}
	fact, err := s.engine.probe.FingerprintFile(id.OutputPath)
	if err != nil {
		return false
	}
	return fact.Fingerprint == prior.OutputFingerprint
}

// commitState computes the new BuildState from everything recorded this
// session and persists it via the CacheStore.
func (s *session) commitState() error {
	s.mutex.Lock()
	entries := make([]cache.Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mutex.Unlock()

	state := &cache.State{TopLevelVersion: s.version, Entries: entries, Outputs: s.vfs.Outputs()}
	return s.cacheSession.Commit(state)
}

func encodeValue(value interface{}) ([]byte, error) {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(&value); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func decodeValue(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var value interface{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}
