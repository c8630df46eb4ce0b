// Package stream holds the logic shared by every streaming adapter: profile
// filtering (which event kinds a subscriber wants) and the answer gate that
// keeps intermediate model drafts from leaking to clients.
package stream

import (
	"github.com/penguiflow/penguiflow/runtime/events"
)

type (
	// Profile selects which event kinds an adapter forwards. The zero value
	// forwards everything.
	Profile struct {
		// Allow lists forwarded kinds. Nil means all kinds.
		Allow map[events.Kind]bool
	}

	// Gate blocks answer-channel chunks that do not belong to the
	// terminating finish. A chunk passes when it is tagged final or when
	// its action_seq equals the gate value learned from the done event.
	Gate struct {
		seq   int
		known bool
	}
)

// Full forwards every event kind.
func Full() Profile { return Profile{} }

// Lifecycle forwards only preserved kinds, dropping the lossy streaming
// channels. Useful for audit consumers that want the decision record without
// token-level traffic.
func Lifecycle() Profile {
	allow := make(map[events.Kind]bool)
	for _, k := range []events.Kind{
		events.StepStart, events.StepEnd,
		events.ToolCallStart, events.ToolCallArgs, events.ToolCallEnd, events.ToolCallResult,
		events.ArtifactStored, events.Revision, events.Pause,
		events.Done, events.Error, events.StateUpdate,
	} {
		allow[k] = true
	}
	return Profile{Allow: allow}
}

// Admits reports whether the profile forwards the kind. The lagged
// diagnostic is always forwarded.
func (p Profile) Admits(k events.Kind) bool {
	if k == events.SubscriberLagged {
		return true
	}
	if p.Allow == nil {
		return true
	}
	return p.Allow[k]
}

// Observe lets the gate learn the answer action seq from the done event.
// Call it for every event before Admit.
func (g *Gate) Observe(ev events.Event) {
	if ev.Kind != events.Done {
		return
	}
	if seq, ok := payloadInt(ev.Payload["answer_action_seq"]); ok {
		g.seq = seq
		g.known = true
	}
}

// Admit reports whether the event may be forwarded. Only answer-channel
// chunks are ever suppressed.
func (g *Gate) Admit(ev events.Event) bool {
	if ev.Kind != events.Chunk {
		return true
	}
	if channel, _ := ev.Payload["channel"].(string); channel != "answer" {
		return true
	}
	if final, _ := ev.Payload["done"].(bool); final {
		return true
	}
	seq, ok := payloadInt(ev.Payload["action_seq"])
	return ok && g.known && seq == g.seq
}

// payloadInt normalizes the numeric types a payload value may carry after
// in-process delivery or a JSON round trip.
func payloadInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
