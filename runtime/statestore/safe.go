package statestore

import (
	"context"
	"time"

	"github.com/penguiflow/penguiflow/runtime/telemetry"
)

// SafeStore shields runtime hot paths from a misbehaving store. Writes never
// return errors and never panic outward; failures are recorded as store_fault
// telemetry with the operation and latency attached.
type SafeStore struct {
	store   Store
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// NewSafeStore wraps a store. A nil store yields a SafeStore whose writes are
// no-ops, which keeps wiring uniform when persistence is not configured.
func NewSafeStore(store Store, logger telemetry.Logger, metrics telemetry.Metrics) *SafeStore {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &SafeStore{store: store, logger: logger, metrics: metrics}
}

// Enabled reports whether a backing store is configured.
func (s *SafeStore) Enabled() bool { return s.store != nil }

// SaveEvent offers one event to the store, swallowing any failure.
func (s *SafeStore) SaveEvent(ctx context.Context, rec EventRecord) {
	if s.store == nil {
		return
	}
	s.guard(ctx, "save_event", func() error {
		return s.store.SaveEvent(ctx, rec)
	})
}

// SaveEvents offers a batch, using the bulk capability when the store has one
// and falling back to per-event writes otherwise.
func (s *SafeStore) SaveEvents(ctx context.Context, recs []EventRecord) {
	if s.store == nil || len(recs) == 0 {
		return
	}
	if bulk, ok := s.store.(BulkEventStore); ok {
		s.guard(ctx, "save_events", func() error {
			return bulk.SaveEvents(ctx, recs)
		})
		return
	}
	for _, rec := range recs {
		s.SaveEvent(ctx, rec)
	}
}

// SaveRemoteBinding offers a binding to the store, swallowing any failure.
func (s *SafeStore) SaveRemoteBinding(ctx context.Context, b RemoteBinding) {
	if s.store == nil {
		return
	}
	s.guard(ctx, "save_remote_binding", func() error {
		return s.store.SaveRemoteBinding(ctx, b)
	})
}

// LoadHistory reads a trace's history. Reads are not hot-path, so errors are
// returned rather than swallowed.
func (s *SafeStore) LoadHistory(ctx context.Context, traceID string) ([]EventRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.LoadHistory(ctx, traceID)
}

// Unwrap exposes the backing store for capability probing.
func (s *SafeStore) Unwrap() Store { return s.store }

func (s *SafeStore) guard(ctx context.Context, op string, fn func() error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.fault(ctx, op, start, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.fault(ctx, op, start, "error", err)
	}
}

func (s *SafeStore) fault(ctx context.Context, op string, start time.Time, mode string, detail any) {
	elapsed := time.Since(start)
	s.logger.Error(ctx, "state store fault",
		"op", op, "mode", mode, "detail", detail, "elapsed", elapsed)
	s.metrics.IncCounter("store_fault", 1, "op", op, "mode", mode)
	s.metrics.RecordTimer("store_fault_latency", elapsed, "op", op)
}
