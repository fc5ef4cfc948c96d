// Package recorder implements the DependencyRecorder: a per-session stack
// of frames, one per in-flight Operation, that accumulates the ordered
// FileFacts and child-operation invocations an operation observes during
// execution. Ordering is preserved because the Validator must replay the
// same probes in the same order during revalidation.
package recorder

import (
	"fmt"
	"sync"

	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/opid"
)

// ChildResult records a child operation's identity and the value it
// produced, as observed by its parent.
type ChildResult struct {
	ID    opid.ID
	Value interface{}
}

// Frame accumulates the observations made by a single in-flight Operation.
type Frame struct {
	mutex    sync.Mutex
	facts    []fsprobe.FileFact
	children []ChildResult
}

// RecordFact appends a FileFact to the frame in observation order.
func (f *Frame) RecordFact(fact fsprobe.FileFact) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.facts = append(f.facts, fact)
}

// RecordChild appends a child-operation invocation and its result to the
// frame in invocation order.
func (f *Frame) RecordChild(result ChildResult) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.children = append(f.children, result)
}

// Facts returns the ordered FileFacts observed by this frame.
func (f *Frame) Facts() []fsprobe.FileFact {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]fsprobe.FileFact(nil), f.facts...)
}

// Children returns the ordered child invocations observed by this frame.
func (f *Frame) Children() []ChildResult {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]ChildResult(nil), f.children...)
}

// Recorder maintains a per-goroutine stack of Frames, one per in-flight
// Operation on that goroutine's call chain. It also detects cyclic
// parent-child OpId references: revisiting an OpId already in-flight on the
// same stack is a programming error (section 9, "Cyclic references").
type Recorder struct {
	mutex sync.Mutex
	// stacks is keyed by an opaque "thread" token supplied by the engine,
	// which is a synchronous call chain identifier (the engine uses the
	// Go goroutine's logical call chain via explicit threading rather than
	// goroutine-local storage, since Go has none).
	stacks map[int64][]stackEntry
}

type stackEntry struct {
	id    opid.ID
	frame *Frame
}

// New creates an empty Recorder.
func New() *Recorder {
	return &Recorder{stacks: make(map[int64][]stackEntry)}
}

// Push begins a new Frame for id on the call chain identified by thread. It
// returns the new Frame, or an error if id is already in-flight on that
// call chain (a cyclic reference).
func (r *Recorder) Push(thread int64, id opid.ID) (*Frame, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, entry := range r.stacks[thread] {
		if entry.id == id {
			return nil, fmt.Errorf("cyclic reference detected for operation %s", id)
		}
	}

	frame := &Frame{}
	r.stacks[thread] = append(r.stacks[thread], stackEntry{id: id, frame: frame})
	return frame, nil
}

// Pop removes the top Frame for the call chain identified by thread. It
// must be called exactly once for each successful Push, in LIFO order, once
// the corresponding Operation has completed (successfully or not).
func (r *Recorder) Pop(thread int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stack := r.stacks[thread]
	if len(stack) == 0 {
		return
	}
	r.stacks[thread] = stack[:len(stack)-1]
	if len(r.stacks[thread]) == 0 {
		delete(r.stacks, thread)
	}
}

// Current returns the Frame for the innermost in-flight Operation on the
// call chain identified by thread, or nil if none is in flight.
func (r *Recorder) Current(thread int64) *Frame {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stack := r.stacks[thread]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1].frame
}
