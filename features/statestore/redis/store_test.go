package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/statestore"
)

type fakeCommands struct {
	lists map[string][]string
	keys  map[string]string
	ttls  map[string]time.Duration
	fail  error
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		lists: make(map[string][]string),
		keys:  make(map[string]string),
		ttls:  make(map[string]time.Duration),
	}
}

func (f *fakeCommands) RPush(_ context.Context, key string, values ...any) error {
	if f.fail != nil {
		return f.fail
	}
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}
	return nil
}

func (f *fakeCommands) LRange(_ context.Context, key string) ([]string, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.lists[key], nil
}

func (f *fakeCommands) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if f.fail != nil {
		return f.fail
	}
	f.keys[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCommands) Get(_ context.Context, key string) (string, bool, error) {
	if f.fail != nil {
		return "", false, f.fail
	}
	v, ok := f.keys[key]
	return v, ok, nil
}

func (f *fakeCommands) Del(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

func (f *fakeCommands) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCommands) Ping(context.Context) error { return f.fail }

func newTestStore(t *testing.T, opts Options) (*Store, *fakeCommands) {
	t.Helper()
	fake := newFakeCommands()
	s := &Store{
		cmds:     fake,
		prefix:   "test",
		eventTTL: opts.EventTTL,
		stateTTL: opts.StateTTL,
	}
	return s, fake
}

func rec(traceID string, seq uint64) statestore.EventRecord {
	return statestore.EventRecord{
		EventID: "ev-" + traceID,
		Seq:     seq,
		TS:      time.Unix(int64(seq), 0).UTC(),
		TraceID: traceID,
		Kind:    "step_start",
		Payload: map[string]any{"action_seq": float64(seq)},
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestEventRoundTripOrderedBySeq(t *testing.T) {
	s, fake := newTestStore(t, Options{})
	ctx := context.Background()

	// Written out of order, read back sorted.
	require.NoError(t, s.SaveEvent(ctx, rec("t1", 1)))
	require.NoError(t, s.SaveEvent(ctx, rec("t1", 0)))
	require.NoError(t, s.SaveEvent(ctx, rec("t1", 2)))

	recs, err := s.LoadHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		require.Equal(t, uint64(i), r.Seq)
		require.Equal(t, "t1", r.TraceID)
	}
	require.Len(t, fake.lists["test:events:t1"], 3)

	empty, err := s.LoadHistory(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestBulkSaveRejectsMixedTraces(t *testing.T) {
	s, fake := newTestStore(t, Options{EventTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.SaveEvents(ctx, []statestore.EventRecord{rec("t1", 0), rec("t1", 1)}))
	require.Equal(t, time.Hour, fake.ttls["test:events:t1"])

	err := s.SaveEvents(ctx, []statestore.EventRecord{rec("t1", 2), rec("t2", 0)})
	require.Error(t, err)
	require.NoError(t, s.SaveEvents(ctx, nil))
}

func TestPlannerStateLifecycle(t *testing.T) {
	s, fake := newTestStore(t, Options{StateTTL: time.Minute})
	ctx := context.Background()

	require.Error(t, s.SavePlannerState(ctx, "", []byte("x")))
	require.NoError(t, s.SavePlannerState(ctx, "tok", []byte(`{"hops":3}`)))
	require.Equal(t, time.Minute, fake.ttls["test:pstate:tok"])

	payload, err := s.LoadPlannerState(ctx, "tok")
	require.NoError(t, err)
	require.JSONEq(t, `{"hops":3}`, string(payload))

	require.NoError(t, s.DeletePlannerState(ctx, "tok"))
	_, err = s.LoadPlannerState(ctx, "tok")
	require.ErrorIs(t, err, statestore.ErrStateMissing)

	// Deleting again is not an error.
	require.NoError(t, s.DeletePlannerState(ctx, "tok"))
}

func TestEmptyPlannerStateReadsAsMissing(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.SavePlannerState(ctx, "tok", nil))
	_, err := s.LoadPlannerState(ctx, "tok")
	require.ErrorIs(t, err, statestore.ErrStateMissing)
}

func TestRemoteBindingRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	b := statestore.RemoteBinding{
		TraceID:  "t1",
		Remote:   "upstream",
		RemoteID: "req-42",
		Meta:     map[string]any{"region": "eu"},
	}
	require.NoError(t, s.SaveRemoteBinding(ctx, b))

	got, err := s.LoadRemoteBinding(ctx, "t1", "upstream")
	require.NoError(t, err)
	require.Equal(t, b, got)

	_, err = s.LoadRemoteBinding(ctx, "t1", "other")
	require.ErrorIs(t, err, statestore.ErrStateMissing)

	// Last write wins.
	b.RemoteID = "req-43"
	require.NoError(t, s.SaveRemoteBinding(ctx, b))
	got, err = s.LoadRemoteBinding(ctx, "t1", "upstream")
	require.NoError(t, err)
	require.Equal(t, "req-43", got.RemoteID)
}
