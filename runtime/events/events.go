// Package events implements the per-trace ordered event bus. Every runtime
// observation flows through here: planner lifecycle, tool calls, streamed
// chunks, artifact notifications, pause and completion markers.
package events

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Kind identifies what an event describes.
	Kind string

	// Event is a single entry in a trace's ordered event stream. Seq is
	// assigned by the bus, starts at 0, and is contiguous per trace. EventID
	// is globally unique.
	Event struct {
		EventID string         `json:"event_id"`
		Seq     uint64         `json:"seq"`
		TS      time.Time      `json:"ts"`
		TraceID string         `json:"trace_id"`
		Kind    Kind           `json:"kind"`
		Node    string         `json:"node,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}
)

const (
	StepStart      Kind = "step_start"
	StepEnd        Kind = "step_end"
	ToolCallStart  Kind = "tool_call_start"
	ToolCallArgs   Kind = "tool_call_args"
	ToolCallEnd    Kind = "tool_call_end"
	ToolCallResult Kind = "tool_call_result"
	Chunk          Kind = "chunk"
	LLMStreamChunk Kind = "llm_stream_chunk"
	ArtifactChunk  Kind = "artifact_chunk"
	ArtifactStored Kind = "artifact_stored"
	Thinking       Kind = "thinking"
	Revision       Kind = "revision"
	Pause          Kind = "pause"
	Done           Kind = "done"
	Error          Kind = "error"
	StateUpdate    Kind = "state_update"

	// SubscriberLagged is a per-subscriber diagnostic injected when a slow
	// subscriber's buffer overflowed and lossy events were dropped. It is
	// never part of the trace's ordered stream and carries no Seq of its own.
	SubscriberLagged Kind = "subscriber_lagged"
)

// Lossy reports whether a kind may be dropped for a slow subscriber.
// Lifecycle events are always preserved.
func (k Kind) Lossy() bool {
	switch k {
	case Chunk, LLMStreamChunk, ArtifactChunk, Thinking:
		return true
	default:
		return false
	}
}

func newEventID() string {
	return uuid.NewString()
}
