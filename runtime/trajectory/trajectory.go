// Package trajectory records the per-run sequence of planner steps. The
// trajectory is the durable reasoning log: every step holds the action taken
// and the redacted observation it produced. Raw tool output never lands here.
package trajectory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow/runtime/planner"
)

type (
	// Step is one planner hop. Observation is always the redacted view;
	// values stripped during redaction live in the artifact store, reachable
	// through the reference documents embedded in the observation.
	Step struct {
		Index       int                  `json:"index"`
		Action      planner.Action       `json:"action"`
		Observation *planner.Observation `json:"observation,omitempty"`
		Latency     time.Duration        `json:"latency_ms"`
		Metadata    map[string]any       `json:"metadata,omitempty"`
		Error       string               `json:"error,omitempty"`
	}

	// Recorder keeps append-only trajectories keyed by trace id.
	Recorder struct {
		mu     sync.RWMutex
		traces map[string]*trace
	}

	trace struct {
		steps []Step
		meta  map[string]any
	}
)

// ErrIndexGap is returned when an appended step's index does not equal the
// number of steps already recorded.
var ErrIndexGap = errors.New("trajectory: step index out of sequence")

// NewRecorder constructs an empty trajectory recorder.
func NewRecorder() *Recorder {
	return &Recorder{traces: make(map[string]*trace)}
}

// Append records a step. The step's index must equal the count of steps
// already recorded for the trace.
func (r *Recorder) Append(traceID string, step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr := r.traces[traceID]
	if tr == nil {
		tr = &trace{meta: make(map[string]any)}
		r.traces[traceID] = tr
	}
	if step.Index != len(tr.steps) {
		return fmt.Errorf("%w: got %d, want %d", ErrIndexGap, step.Index, len(tr.steps))
	}
	tr.steps = append(tr.steps, step)
	return nil
}

// Steps returns a copy of the trace's steps in index order.
func (r *Recorder) Steps(traceID string) []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr := r.traces[traceID]
	if tr == nil {
		return nil
	}
	return append([]Step(nil), tr.steps...)
}

// Len returns the number of recorded steps, which is also the next valid
// step index.
func (r *Recorder) Len(traceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr := r.traces[traceID]
	if tr == nil {
		return 0
	}
	return len(tr.steps)
}

// Metadata returns a copy of the trace-level metadata map.
func (r *Recorder) Metadata(traceID string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr := r.traces[traceID]
	if tr == nil {
		return nil
	}
	out := make(map[string]any, len(tr.meta))
	for k, v := range tr.meta {
		out[k] = v
	}
	return out
}

// SetMetadata merges trace-level metadata.
func (r *Recorder) SetMetadata(traceID string, kv map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr := r.traces[traceID]
	if tr == nil {
		tr = &trace{meta: make(map[string]any)}
		r.traces[traceID] = tr
	}
	for k, v := range kv {
		tr.meta[k] = v
	}
}

// Drop releases a trace's steps and metadata.
func (r *Recorder) Drop(traceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.traces, traceID)
}
