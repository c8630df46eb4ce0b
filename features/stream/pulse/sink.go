// Package pulse publishes trace events into goa.design/pulse streams so
// other processes can follow a run: one stream per trace, entries in bus seq
// order, payloads in envelope form. Services build a Redis client, wrap it in
// the Pulse client, and hand the sink a bus subscription.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/penguiflow/penguiflow/features/stream/pulse/clients/pulse"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/stream"
)

type (
	// Options configures the sink.
	Options struct {
		// Client publishes to Pulse. Required.
		Client pulse.Client
		// Profile selects forwarded kinds. The zero value forwards all.
		Profile stream.Profile
		// StreamID derives the target stream from an event. Defaults to
		// "trace/<trace_id>".
		StreamID func(events.Event) (string, error)
	}

	// Sink publishes events to per-trace Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client   pulse.Client
		profile  stream.Profile
		streamID func(events.Event) (string, error)
	}

	// Envelope is the wire form of one trace event.
	Envelope struct {
		EventID string         `json:"event_id"`
		Seq     uint64         `json:"seq"`
		TS      time.Time      `json:"ts"`
		TraceID string         `json:"trace_id"`
		Kind    string         `json:"kind"`
		Node    string         `json:"node,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed trace sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{
		client:   opts.Client,
		profile:  opts.Profile,
		streamID: streamID,
	}, nil
}

// Send publishes one event. Events outside the sink's profile are dropped
// silently.
func (s *Sink) Send(ctx context.Context, ev events.Event) error {
	if !s.profile.Admits(ev.Kind) {
		return nil
	}
	name, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{
		EventID: ev.EventID,
		Seq:     ev.Seq,
		TS:      ev.TS.UTC(),
		TraceID: ev.TraceID,
		Kind:    string(ev.Kind),
		Node:    ev.Node,
		Payload: ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = handle.Add(ctx, string(ev.Kind), payload)
	return err
}

// Forward drains a bus subscription into Pulse until the subscription closes
// or the context ends. It returns the first publish error; the trace's seq
// order is preserved because a subscription delivers in order.
func (s *Sink) Forward(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := s.Send(ctx, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the underlying client's resources.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev events.Event) (string, error) {
	if ev.TraceID == "" {
		return "", errors.New("event missing trace id")
	}
	return fmt.Sprintf("trace/%s", ev.TraceID), nil
}
