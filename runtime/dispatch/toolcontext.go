package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
)

// ToolContext is the capability surface handed to a tool implementation. It
// scopes artifact access, exposes the per-call deadline, and provides a side
// channel for streaming partial output while the call is still running.
type ToolContext struct {
	// CallID identifies this tool call across events and the trajectory
	// side channel.
	CallID string
	// Tool is the qualified tool name.
	Tool string
	// TraceID identifies the run.
	TraceID string
	// ActionSeq is the planner step this call belongs to.
	ActionSeq int
	// Scope is the caller's tenancy metadata, stamped onto stored artifacts.
	Scope artifact.Scope
	// Auth is the descriptor's connection config with environment
	// placeholders resolved.
	Auth map[string]string
	// Logger is the runtime logger, pre-tagged with the tool name.
	Logger telemetry.Logger

	store    artifact.Store
	bus      *events.Bus
	deadline time.Time

	mu        sync.Mutex
	chunkSeqs map[string]int
}

// PutBytes stores binary tool output as an artifact under the call's scope.
func (tc *ToolContext) PutBytes(ctx context.Context, data []byte, opts artifact.PutOptions) (artifact.Ref, error) {
	if opts.Scope == (artifact.Scope{}) {
		opts.Scope = tc.Scope
	}
	if opts.Namespace == "" {
		opts.Namespace = tc.Tool
	}
	return tc.store.PutBytes(ctx, data, opts)
}

// PutText stores text tool output as an artifact under the call's scope.
func (tc *ToolContext) PutText(ctx context.Context, text string, opts artifact.PutOptions) (artifact.Ref, error) {
	if opts.Scope == (artifact.Scope{}) {
		opts.Scope = tc.Scope
	}
	if opts.Namespace == "" {
		opts.Namespace = tc.Tool
	}
	return tc.store.PutText(ctx, text, opts)
}

// GetArtifact reads a stored artifact's bytes.
func (tc *ToolContext) GetArtifact(ctx context.Context, id string) ([]byte, error) {
	return tc.store.Get(ctx, id)
}

// GetArtifactRef reads a stored artifact's metadata.
func (tc *ToolContext) GetArtifactRef(ctx context.Context, id string) (artifact.Ref, error) {
	return tc.store.GetRef(ctx, id)
}

// EmitChunk streams a partial output frame on the call's side channel. Frames
// carry a per-stream sequence number; the final frame sets done.
func (tc *ToolContext) EmitChunk(ctx context.Context, streamID string, data []byte, done bool) {
	tc.mu.Lock()
	seq := tc.chunkSeqs[streamID]
	tc.chunkSeqs[streamID] = seq + 1
	tc.mu.Unlock()
	tc.bus.Emit(ctx, tc.TraceID, events.ArtifactChunk, tc.Tool, map[string]any{
		"tool_call_id": tc.CallID,
		"stream_id":    streamID,
		"seq":          seq,
		"chunk":        string(data),
		"done":         done,
	})
}

// Deadline is the wall-clock limit for the current attempt. The zero time
// means no deadline.
func (tc *ToolContext) Deadline() time.Time { return tc.deadline }
