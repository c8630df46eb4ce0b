// Package inmem provides the in-memory state store. It implements every
// optional capability, making it the reference implementation for feature
// detection and the default when no external store is configured.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/penguiflow/penguiflow/runtime/statestore"
)

type (
	// Store holds events, remote bindings, and planner snapshots in memory.
	Store struct {
		mu       sync.Mutex
		events   map[string][]entry
		bindings []statestore.RemoteBinding
		planner  map[string][]byte
		inserted uint64
	}

	entry struct {
		rec       statestore.EventRecord
		insertion uint64
	}
)

// New constructs an empty in-memory state store.
func New() *Store {
	return &Store{
		events:  make(map[string][]entry),
		planner: make(map[string][]byte),
	}
}

// SaveEvent implements statestore.Store.
func (s *Store) SaveEvent(_ context.Context, rec statestore.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(rec)
	return nil
}

// SaveEvents implements statestore.BulkEventStore.
func (s *Store) SaveEvents(_ context.Context, recs []statestore.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.append(rec)
	}
	return nil
}

func (s *Store) append(rec statestore.EventRecord) {
	s.inserted++
	s.events[rec.TraceID] = append(s.events[rec.TraceID], entry{rec: rec, insertion: s.inserted})
}

// LoadHistory implements statestore.Store. Records with assigned sequence
// numbers order by seq; legacy records without them fall back to timestamp
// and insertion order.
func (s *Store) LoadHistory(_ context.Context, traceID string) ([]statestore.EventRecord, error) {
	s.mu.Lock()
	entries := append([]entry(nil), s.events[traceID]...)
	s.mu.Unlock()

	seqAssigned := false
	for _, e := range entries {
		if e.rec.Seq > 0 {
			seqAssigned = true
			break
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if seqAssigned && a.rec.Seq != b.rec.Seq {
			return a.rec.Seq < b.rec.Seq
		}
		if !a.rec.TS.Equal(b.rec.TS) {
			return a.rec.TS.Before(b.rec.TS)
		}
		return a.insertion < b.insertion
	})
	out := make([]statestore.EventRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out, nil
}

// SaveRemoteBinding implements statestore.Store.
func (s *Store) SaveRemoteBinding(_ context.Context, b statestore.RemoteBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, b)
	return nil
}

// RemoteBindings returns all saved bindings in insertion order.
func (s *Store) RemoteBindings() []statestore.RemoteBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statestore.RemoteBinding(nil), s.bindings...)
}

// SavePlannerState implements statestore.PlannerStateStore.
func (s *Store) SavePlannerState(_ context.Context, token string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planner[token] = append([]byte(nil), payload...)
	return nil
}

// LoadPlannerState implements statestore.PlannerStateStore. An absent token
// and an empty payload both report ErrStateMissing.
func (s *Store) LoadPlannerState(_ context.Context, token string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.planner[token]
	if !ok || len(payload) == 0 {
		return nil, statestore.ErrStateMissing
	}
	return append([]byte(nil), payload...), nil
}

// DeletePlannerState implements statestore.PlannerStateStore.
func (s *Store) DeletePlannerState(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.planner, token)
	return nil
}

var (
	_ statestore.Store             = (*Store)(nil)
	_ statestore.BulkEventStore    = (*Store)(nil)
	_ statestore.PlannerStateStore = (*Store)(nil)
)
