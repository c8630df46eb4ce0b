package events

import (
	"context"
	"sync"
	"time"
)

type (
	// Bus fans events out to per-trace subscribers. Emit assigns sequence
	// numbers, retains a bounded tail for late subscribers, and never blocks
	// on a slow consumer.
	Bus struct {
		mu     sync.Mutex
		traces map[string]*traceQueue
		opts   Options
	}

	// Options configures the bus.
	Options struct {
		// SubscriberBuffer bounds each subscriber's queue. Zero means 256.
		SubscriberBuffer int
		// RetainedTail bounds the per-trace replay window. Zero means 2048.
		RetainedTail int
		// Persist, when non-nil, is offered every emitted event. It must not
		// panic or block; the runtime wires a safe store wrapper here.
		Persist func(ctx context.Context, ev Event)
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// SubscribeOptions configures a single subscription.
	SubscribeOptions struct {
		// SinceSeq replays retained events with seq >= SinceSeq before live
		// delivery. Events older than the retained tail are gone; replay
		// starts at the oldest retained event in that case.
		SinceSeq uint64
		// Buffer overrides the bus-level subscriber buffer when positive.
		Buffer int
	}

	// Subscription is a single subscriber's ordered view of a trace.
	Subscription struct {
		traceID string

		mu       sync.Mutex
		queue    []Event
		limit    int
		lagged   bool
		dropped  int
		finished bool

		wake        chan struct{}
		out         chan Event
		abandon     chan struct{}
		abandonOnce sync.Once
		detach      func()
	}

	traceQueue struct {
		nextSeq       uint64
		firstRetained uint64
		tail          []Event
		subs          map[*Subscription]struct{}
		closed        bool
	}
)

const (
	defaultSubscriberBuffer = 256
	defaultRetainedTail     = 2048
)

// NewBus constructs an event bus.
func NewBus(opts Options) *Bus {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.RetainedTail <= 0 {
		opts.RetainedTail = defaultRetainedTail
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Bus{traces: make(map[string]*traceQueue), opts: opts}
}

func (b *Bus) trace(traceID string) *traceQueue {
	tq := b.traces[traceID]
	if tq == nil {
		tq = &traceQueue{subs: make(map[*Subscription]struct{})}
		b.traces[traceID] = tq
	}
	return tq
}

// Emit appends an event to the trace's stream and fans it out. It returns the
// fully populated event, including its assigned seq and event id.
func (b *Bus) Emit(ctx context.Context, traceID string, kind Kind, node string, payload map[string]any) Event {
	b.mu.Lock()
	tq := b.trace(traceID)
	ev := Event{
		EventID: newEventID(),
		Seq:     tq.nextSeq,
		TS:      b.opts.Clock(),
		TraceID: traceID,
		Kind:    kind,
		Node:    node,
		Payload: payload,
	}
	tq.nextSeq++
	tq.tail = append(tq.tail, ev)
	if len(tq.tail) > b.opts.RetainedTail {
		over := len(tq.tail) - b.opts.RetainedTail
		tq.tail = append([]Event(nil), tq.tail[over:]...)
		tq.firstRetained += uint64(over)
	}
	subs := make([]*Subscription, 0, len(tq.subs))
	for s := range tq.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.offer(ev)
	}
	if b.opts.Persist != nil {
		b.opts.Persist(ctx, ev)
	}
	return ev
}

// Subscribe attaches a subscriber to a trace. Retained events from SinceSeq
// onward are replayed first, then live events follow in seq order. Close the
// subscription when done with it.
func (b *Bus) Subscribe(traceID string, opts SubscribeOptions) *Subscription {
	limit := opts.Buffer
	if limit <= 0 {
		limit = b.opts.SubscriberBuffer
	}
	s := &Subscription{
		traceID: traceID,
		limit:   limit,
		wake:    make(chan struct{}, 1),
		out:     make(chan Event),
		abandon: make(chan struct{}),
	}
	b.mu.Lock()
	tq := b.trace(traceID)
	for _, ev := range tq.tail {
		if ev.Seq >= opts.SinceSeq {
			s.queue = append(s.queue, ev)
		}
	}
	if tq.closed {
		s.finished = true
	} else {
		tq.subs[s] = struct{}{}
		s.detach = func() {
			b.mu.Lock()
			delete(tq.subs, s)
			b.mu.Unlock()
		}
	}
	b.mu.Unlock()

	go s.pump()
	return s
}

// CloseTrace marks a trace's stream complete. Attached subscribers drain
// their remaining events and then their channels close. The retained tail
// stays available for replay until DropTrace.
func (b *Bus) CloseTrace(traceID string) {
	b.mu.Lock()
	tq := b.traces[traceID]
	if tq == nil || tq.closed {
		b.mu.Unlock()
		return
	}
	tq.closed = true
	subs := make([]*Subscription, 0, len(tq.subs))
	for s := range tq.subs {
		subs = append(subs, s)
	}
	tq.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

// ReopenTrace resumes emission on a previously closed trace, as when a
// paused run is redeemed in the same process. Seq continues from where the
// trace left off; existing drained subscriptions stay closed.
func (b *Bus) ReopenTrace(traceID string) {
	b.mu.Lock()
	if tq := b.traces[traceID]; tq != nil {
		tq.closed = false
	}
	b.mu.Unlock()
}

// DropTrace releases a trace's retained tail. Replay is no longer possible.
func (b *Bus) DropTrace(traceID string) {
	b.mu.Lock()
	delete(b.traces, traceID)
	b.mu.Unlock()
}

// NextSeq returns the sequence number the trace's next event will carry.
func (b *Bus) NextSeq(traceID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tq := b.traces[traceID]; tq != nil {
		return tq.nextSeq
	}
	return 0
}

// Events is the subscriber's ordered stream. The channel closes after the
// trace completes and all buffered events have been delivered, or after Close.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscriber immediately, discarding undelivered events.
// Idempotent.
func (s *Subscription) Close() {
	s.abandonOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.abandon)
	})
}

// finish signals that no further events will arrive. The pump drains the
// queue and closes the out channel.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// offer enqueues an event without ever blocking the producer. On overflow a
// lossy incoming event is dropped outright; for a lifecycle event the oldest
// lossy buffered event is evicted to make room. A drop flags the subscriber
// for a single lagged diagnostic covering the episode. Lifecycle events are
// never shed: when the queue holds nothing lossy it grows past its limit
// until the subscriber catches up.
func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		if ev.Kind.Lossy() {
			s.dropped++
			s.lagged = true
			s.mu.Unlock()
			return
		}
		for i, queued := range s.queue {
			if queued.Kind.Lossy() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.dropped++
				s.lagged = true
				break
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// pump delivers queued events in order, injecting the lagged diagnostic ahead
// of the next delivery after a drop episode.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var (
			ev   Event
			have bool
		)
		switch {
		case s.lagged:
			ev = Event{
				EventID: newEventID(),
				TS:      time.Now(),
				TraceID: s.traceID,
				Kind:    SubscriberLagged,
				Payload: map[string]any{"dropped": s.dropped},
			}
			s.lagged = false
			s.dropped = 0
			have = true
		case len(s.queue) > 0:
			ev = s.queue[0]
			s.queue = s.queue[1:]
			have = true
		}
		finished := s.finished
		s.mu.Unlock()

		if have {
			select {
			case s.out <- ev:
				continue
			case <-s.abandon:
				return
			}
		}
		if finished {
			return
		}
		select {
		case <-s.wake:
		case <-s.abandon:
			return
		}
	}
}
