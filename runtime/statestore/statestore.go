// Package statestore defines the persistence contract the runtime discovers
// via feature detection. The required surface is narrow: event history and remote
// bindings. Pause snapshots and bulk writes are optional capabilities a store
// advertises simply by implementing the extra interface.
package statestore

import (
	"context"
	"errors"
	"time"
)

type (
	// EventRecord is the persisted form of a trace event. Payload is kept
	// as a generic map so stores can index or serialize it natively.
	EventRecord struct {
		EventID string         `json:"event_id" bson:"event_id"`
		Seq     uint64         `json:"seq" bson:"seq"`
		TS      time.Time      `json:"ts" bson:"ts"`
		TraceID string         `json:"trace_id" bson:"trace_id"`
		Kind    string         `json:"kind" bson:"kind"`
		Node    string         `json:"node,omitempty" bson:"node,omitempty"`
		Payload map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	}

	// RemoteBinding links a local trace to an identifier in an external
	// system, such as a session broker or an upstream orchestrator.
	RemoteBinding struct {
		TraceID  string         `json:"trace_id" bson:"trace_id"`
		Remote   string         `json:"remote" bson:"remote"`
		RemoteID string         `json:"remote_id" bson:"remote_id"`
		Meta     map[string]any `json:"meta,omitempty" bson:"meta,omitempty"`
	}

	// Store is the required persistence contract.
	Store interface {
		// SaveEvent persists one event record.
		SaveEvent(ctx context.Context, rec EventRecord) error
		// LoadHistory returns a trace's events in deterministic order:
		// by seq when records carry one, otherwise by (ts, insertion).
		LoadHistory(ctx context.Context, traceID string) ([]EventRecord, error)
		// SaveRemoteBinding persists a trace-to-remote association.
		SaveRemoteBinding(ctx context.Context, b RemoteBinding) error
	}

	// PlannerStateStore is the optional pause-snapshot capability. Stores
	// without it confine pauses to the local process.
	PlannerStateStore interface {
		// SavePlannerState persists an opaque snapshot under a resume token.
		SavePlannerState(ctx context.Context, token string, payload []byte) error
		// LoadPlannerState returns the snapshot for a token. A missing token
		// and an empty payload are both reported as ErrStateMissing.
		LoadPlannerState(ctx context.Context, token string) ([]byte, error)
		// DeletePlannerState removes a consumed snapshot. Unknown tokens are
		// not an error.
		DeletePlannerState(ctx context.Context, token string) error
	}

	// BulkEventStore is the optional batched-write capability. The runtime
	// falls back to per-event SaveEvent when a store lacks it.
	BulkEventStore interface {
		SaveEvents(ctx context.Context, recs []EventRecord) error
	}
)

// ErrStateMissing is returned for absent or expired planner state. Callers
// must not distinguish the two conditions.
var ErrStateMissing = errors.New("planner state missing")
