package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientspulse "github.com/penguiflow/penguiflow/features/stream/pulse/clients/pulse"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/stream"
)

type fakeClient struct {
	mu        sync.Mutex
	streams   map[string]*fakeStream
	streamErr error
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (f *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.streams[name]
	if st == nil {
		st = &fakeStream{}
		f.streams[name] = st
	}
	return st, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

type entry struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu      sync.Mutex
	entries []entry
	addErr  error
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry{event: event, payload: payload})
	return fmt.Sprintf("%d-0", len(f.entries)), nil
}

func (f *fakeStream) NewSink(context.Context, string) (clientspulse.Sink, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func ev(traceID string, seq uint64, kind events.Kind) events.Event {
	return events.Event{
		EventID: fmt.Sprintf("ev-%d", seq),
		Seq:     seq,
		TS:      time.Unix(int64(seq), 0).UTC(),
		TraceID: traceID,
		Kind:    kind,
		Payload: map[string]any{"n": float64(seq)},
	}
}

func TestSendPublishesEnvelopePerTraceStream(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), ev("t1", 0, events.StepStart)))
	require.NoError(t, sink.Send(context.Background(), ev("t1", 1, events.Done)))
	require.NoError(t, sink.Send(context.Background(), ev("t2", 0, events.StepStart)))

	t1 := client.streams["trace/t1"]
	require.NotNil(t, t1)
	require.Len(t, t1.entries, 2)
	require.Len(t, client.streams["trace/t2"].entries, 1)

	require.Equal(t, "step_start", t1.entries[0].event)
	var env Envelope
	require.NoError(t, json.Unmarshal(t1.entries[0].payload, &env))
	require.Equal(t, "ev-0", env.EventID)
	require.Equal(t, uint64(0), env.Seq)
	require.Equal(t, "t1", env.TraceID)
	require.Equal(t, "step_start", env.Kind)
	require.Equal(t, map[string]any{"n": float64(0)}, env.Payload)
}

func TestSendRejectsMissingTraceID(t *testing.T) {
	sink, err := NewSink(Options{Client: newFakeClient()})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), events.Event{Kind: events.Done}))
}

func TestSendHonoursProfile(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client, Profile: stream.Lifecycle()})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), ev("t1", 0, events.LLMStreamChunk)))
	require.NoError(t, sink.Send(context.Background(), ev("t1", 1, events.Done)))

	require.Len(t, client.streams["trace/t1"].entries, 1)
	require.Equal(t, "done", client.streams["trace/t1"].entries[0].event)
}

func TestCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(ev events.Event) (string, error) {
			return "all-traces", nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), ev("t1", 0, events.Done)))
	require.NoError(t, sink.Send(context.Background(), ev("t2", 0, events.Done)))
	require.Len(t, client.streams["all-traces"].entries, 2)
}

func TestForwardDrainsSubscriptionInOrder(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	bus := events.NewBus(events.Options{})
	sub := bus.Subscribe("t1", events.SubscribeOptions{})
	for i := 0; i < 5; i++ {
		bus.Emit(context.Background(), "t1", events.StepStart, "", map[string]any{"i": i})
	}
	bus.CloseTrace("t1")

	require.NoError(t, sink.Forward(context.Background(), sub))

	entries := client.streams["trace/t1"].entries
	require.Len(t, entries, 5)
	for i, e := range entries {
		var env Envelope
		require.NoError(t, json.Unmarshal(e.payload, &env))
		require.Equal(t, uint64(i), env.Seq)
	}
}

func TestForwardStopsOnPublishError(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	bus := events.NewBus(events.Options{})
	sub := bus.Subscribe("t1", events.SubscribeOptions{})
	bus.Emit(context.Background(), "t1", events.StepStart, "", nil)

	client.streamErr = errors.New("redis down")
	require.Error(t, sink.Forward(contextWithTimeout(t), sub))
}

func TestCloseDelegatesToClient(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, client.closed)

	_, err = NewSink(Options{})
	require.Error(t, err)
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
