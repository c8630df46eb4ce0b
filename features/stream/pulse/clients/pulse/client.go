// Package pulse wraps goa.design/pulse streams behind the narrow interface
// the trace sink needs: open a stream, append entries, attach a consumer
// group. Callers own the Redis connection.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses the Pulse
		// default.
		StreamMaxLen int
		// OperationTimeout bounds each Add. Zero means none.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// needed.
		Stream(name string) (Stream, error)
		// Close releases client-owned resources. The Redis connection stays
		// with the caller.
		Close(ctx context.Context) error
	}

	// Stream publishes entries and creates sinks.
	Stream interface {
		// Add appends an entry and returns the Redis-assigned id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink attaches a consumer group for reading.
		NewSink(ctx context.Context, name string) (Sink, error)
		// Destroy deletes the stream and its messages.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group over one stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkWrapper struct {
		inner *streaming.Sink
	}
)

// New constructs a Client over the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection.
func (c *client) Close(context.Context) error { return nil }

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return h.stream.Add(ctx, event, payload)
}

func (h *handle) NewSink(ctx context.Context, name string) (Sink, error) {
	if name == "" {
		return nil, errors.New("sink name is required")
	}
	s, err := h.stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create pulse sink: %w", err)
	}
	return &sinkWrapper{inner: s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

func (s *sinkWrapper) Subscribe() <-chan *streaming.Event { return s.inner.Subscribe() }

func (s *sinkWrapper) Ack(ctx context.Context, ev *streaming.Event) error {
	return s.inner.Ack(ctx, ev)
}

func (s *sinkWrapper) Close(ctx context.Context) { s.inner.Close(ctx) }
