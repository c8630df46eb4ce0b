package statestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type faultyStore struct {
	saved    int
	panics   bool
	failing  bool
	bindings int
}

func (f *faultyStore) SaveEvent(_ context.Context, _ EventRecord) error {
	if f.panics {
		panic("store exploded")
	}
	if f.failing {
		return errors.New("write failed")
	}
	f.saved++
	return nil
}

func (f *faultyStore) LoadHistory(_ context.Context, _ string) ([]EventRecord, error) {
	return nil, nil
}

func (f *faultyStore) SaveRemoteBinding(_ context.Context, _ RemoteBinding) error {
	f.bindings++
	return nil
}

func TestSafeStoreSwallowsErrors(t *testing.T) {
	store := &faultyStore{failing: true}
	safe := NewSafeStore(store, nil, nil)

	require.NotPanics(t, func() {
		safe.SaveEvent(context.Background(), EventRecord{TraceID: "t"})
	})
}

func TestSafeStoreSwallowsPanics(t *testing.T) {
	store := &faultyStore{panics: true}
	safe := NewSafeStore(store, nil, nil)

	require.NotPanics(t, func() {
		safe.SaveEvent(context.Background(), EventRecord{TraceID: "t"})
	})
}

func TestSafeStoreDelegates(t *testing.T) {
	store := &faultyStore{}
	safe := NewSafeStore(store, nil, nil)
	require.True(t, safe.Enabled())

	safe.SaveEvent(context.Background(), EventRecord{TraceID: "t"})
	require.Equal(t, 1, store.saved)

	safe.SaveRemoteBinding(context.Background(), RemoteBinding{TraceID: "t"})
	require.Equal(t, 1, store.bindings)

	// No bulk capability: falls back to per-event writes.
	safe.SaveEvents(context.Background(), []EventRecord{{TraceID: "t"}, {TraceID: "t"}})
	require.Equal(t, 3, store.saved)
}

func TestSafeStoreNilStoreIsNoop(t *testing.T) {
	safe := NewSafeStore(nil, nil, nil)
	require.False(t, safe.Enabled())
	require.NotPanics(t, func() {
		safe.SaveEvent(context.Background(), EventRecord{})
		safe.SaveEvents(context.Background(), []EventRecord{{}})
		safe.SaveRemoteBinding(context.Background(), RemoteBinding{})
	})
	recs, err := safe.LoadHistory(context.Background(), "t")
	require.NoError(t, err)
	require.Nil(t, recs)
}
