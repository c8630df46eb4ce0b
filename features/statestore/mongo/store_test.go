package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/penguiflow/penguiflow/runtime/statestore"
)

type fakeCollection struct {
	docs    []any
	indexes []bson.D

	findErr   error
	insertErr error
}

func (f *fakeCollection) InsertOne(_ context.Context, doc any) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeCollection) InsertMany(_ context.Context, docs []any) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ bson.D) (cursor, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return &fakeCursor{docs: f.matching(filter)}, nil
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, out any) error {
	docs := f.matching(filter)
	if len(docs) == 0 {
		return mongodriver.ErrNoDocuments
	}
	return remarshal(docs[len(docs)-1], out)
}

func (f *fakeCollection) UpsertOne(_ context.Context, filter, update any) error {
	set := update.(bson.M)["$set"]
	for i, doc := range f.docs {
		if matches(doc, filter) {
			f.docs[i] = set
			return nil
		}
	}
	f.docs = append(f.docs, set)
	return nil
}

func (f *fakeCollection) DeleteOne(_ context.Context, filter any) error {
	for i, doc := range f.docs {
		if matches(doc, filter) {
			f.docs = append(f.docs[:i], f.docs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeCollection) EnsureIndex(_ context.Context, keys bson.D, _ bool) error {
	f.indexes = append(f.indexes, keys)
	return nil
}

func (f *fakeCollection) matching(filter any) []any {
	var out []any
	for _, doc := range f.docs {
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out
}

// matches compares filter fields against the document's bson representation.
func matches(doc, filter any) bool {
	var m bson.M
	if err := remarshal(doc, &m); err != nil {
		return false
	}
	for k, v := range filter.(bson.M) {
		if m[k] != v {
			return false
		}
	}
	return true
}

func remarshal(in, out any) error {
	raw, err := bson.Marshal(in)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

type fakeCursor struct {
	docs []any
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error        { return remarshal(c.docs[c.pos-1], val) }
func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func newTestStore() (*Store, *fakeCollection, *fakeCollection, *fakeCollection) {
	events := &fakeCollection{}
	state := &fakeCollection{}
	bindings := &fakeCollection{}
	s := &Store{
		events:   events,
		state:    state,
		bindings: bindings,
		timeout:  time.Second,
	}
	return s, events, state, bindings
}

func rec(traceID string, seq uint64) statestore.EventRecord {
	return statestore.EventRecord{
		EventID: "ev-1",
		Seq:     seq,
		TS:      time.Unix(int64(seq), 0).UTC(),
		TraceID: traceID,
		Kind:    "step_start",
		Payload: map[string]any{"hops_remaining": int64(3)},
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestSaveAndLoadHistory(t *testing.T) {
	s, events, _, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveEvent(ctx, rec("t1", 0)))
	require.NoError(t, s.SaveEvents(ctx, []statestore.EventRecord{rec("t1", 1), rec("t1", 2)}))
	require.NoError(t, s.SaveEvent(ctx, rec("other", 0)))
	require.Len(t, events.docs, 4)

	recs, err := s.LoadHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		require.Equal(t, uint64(i), r.Seq)
		require.Equal(t, "t1", r.TraceID)
		require.Equal(t, "step_start", r.Kind)
	}
	require.Equal(t, int64(3), recs[0].Payload["hops_remaining"])

	empty, err := s.LoadHistory(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestPlannerStateUpsertAndConsume(t *testing.T) {
	s, _, state, _ := newTestStore()
	ctx := context.Background()

	require.Error(t, s.SavePlannerState(ctx, "", []byte("x")))

	require.NoError(t, s.SavePlannerState(ctx, "tok", []byte(`{"hops":2}`)))
	require.NoError(t, s.SavePlannerState(ctx, "tok", []byte(`{"hops":1}`)))
	require.Len(t, state.docs, 1)

	payload, err := s.LoadPlannerState(ctx, "tok")
	require.NoError(t, err)
	require.JSONEq(t, `{"hops":1}`, string(payload))

	require.NoError(t, s.DeletePlannerState(ctx, "tok"))
	_, err = s.LoadPlannerState(ctx, "tok")
	require.ErrorIs(t, err, statestore.ErrStateMissing)
	require.NoError(t, s.DeletePlannerState(ctx, "tok"))
}

func TestEmptySnapshotReadsAsMissing(t *testing.T) {
	s, _, _, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SavePlannerState(ctx, "tok", nil))
	_, err := s.LoadPlannerState(ctx, "tok")
	require.ErrorIs(t, err, statestore.ErrStateMissing)
}

func TestRemoteBindingUpsert(t *testing.T) {
	s, _, _, bindings := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveRemoteBinding(ctx, statestore.RemoteBinding{
		TraceID: "t1", Remote: "upstream", RemoteID: "req-1",
	}))
	require.NoError(t, s.SaveRemoteBinding(ctx, statestore.RemoteBinding{
		TraceID: "t1", Remote: "upstream", RemoteID: "req-2",
	}))
	require.Len(t, bindings.docs, 1)

	got, err := s.LoadRemoteBinding(ctx, "t1", "upstream")
	require.NoError(t, err)
	require.Equal(t, "req-2", got.RemoteID)

	_, err = s.LoadRemoteBinding(ctx, "t1", "elsewhere")
	require.ErrorIs(t, err, statestore.ErrStateMissing)
}
