// Package agui translates the runtime's trace events into the AG-UI typed
// run-event protocol: RUN_STARTED through RUN_FINISHED or RUN_ERROR, with
// answer text as a TEXT_MESSAGE block, tool activity as TOOL_CALL events,
// and everything non-standard as CUSTOM events. Ordering follows the bus
// seq; raw artifact bytes are never emitted.
package agui

import (
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/stream"
)

type (
	// EventType is the AG-UI event discriminator.
	EventType string

	// Event is one typed run event.
	Event struct {
		ID        string         `json:"id"`
		Type      EventType      `json:"type"`
		Timestamp time.Time      `json:"timestamp"`
		RunID     string         `json:"run_id"`
		MessageID string         `json:"message_id,omitempty"`
		Payload   map[string]any `json:"payload,omitempty"`
	}

	// Translator converts one trace's bus events into AG-UI events. It is
	// stateful: it opens the run on the first event, tracks the answer
	// message block, and applies the answer gate. One translator per
	// subscription; not safe for concurrent use.
	Translator struct {
		runID   string
		profile stream.Profile
		gate    stream.Gate
		clock   func() time.Time

		started bool
		msgID   string
	}
)

const (
	RunStarted  EventType = "RUN_STARTED"
	RunFinished EventType = "RUN_FINISHED"
	RunError    EventType = "RUN_ERROR"

	TextMessageStart   EventType = "TEXT_MESSAGE_START"
	TextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	TextMessageEnd     EventType = "TEXT_MESSAGE_END"

	ToolCallStart  EventType = "TOOL_CALL_START"
	ToolCallArgs   EventType = "TOOL_CALL_ARGS"
	ToolCallEnd    EventType = "TOOL_CALL_END"
	ToolCallResult EventType = "TOOL_CALL_RESULT"

	Custom EventType = "CUSTOM"
)

// NewTranslator builds a translator for one run's subscription.
func NewTranslator(runID string, profile stream.Profile) *Translator {
	return &Translator{runID: runID, profile: profile, clock: time.Now}
}

// Translate maps a bus event to zero or more AG-UI events.
func (t *Translator) Translate(ev events.Event) []Event {
	t.gate.Observe(ev)
	if !t.profile.Admits(ev.Kind) || !t.gate.Admit(ev) {
		return nil
	}

	var out []Event
	if !t.started {
		t.started = true
		out = append(out, t.event(RunStarted, "", map[string]any{"trace_id": ev.TraceID}))
	}

	switch ev.Kind {
	case events.Chunk:
		out = append(out, t.answerChunk(ev)...)

	case events.ToolCallStart:
		out = append(out, t.event(ToolCallStart, "", map[string]any{
			"tool_call_id": ev.Payload["tool_call_id"],
			"tool_name":    ev.Payload["tool"],
		}))
	case events.ToolCallArgs:
		out = append(out, t.event(ToolCallArgs, "", map[string]any{
			"tool_call_id": ev.Payload["tool_call_id"],
			"args":         ev.Payload["args"],
		}))
	case events.ToolCallEnd:
		out = append(out, t.event(ToolCallEnd, "", map[string]any{
			"tool_call_id": ev.Payload["tool_call_id"],
			"latency_ms":   ev.Payload["latency_ms"],
			"attempts":     ev.Payload["attempts"],
		}))
	case events.ToolCallResult:
		out = append(out, t.event(ToolCallResult, "", ev.Payload))

	case events.Done:
		if t.msgID != "" {
			out = append(out, t.event(TextMessageEnd, t.msgID, nil))
			t.msgID = ""
		}
		out = append(out, t.event(RunFinished, "", ev.Payload))
	case events.Error:
		if t.msgID != "" {
			out = append(out, t.event(TextMessageEnd, t.msgID, nil))
			t.msgID = ""
		}
		out = append(out, t.event(RunError, "", ev.Payload))

	default:
		// Thinking, revisions, artifact activity, pauses, step markers, and
		// diagnostics all travel as CUSTOM with the kind as the name.
		out = append(out, t.event(Custom, "", map[string]any{
			"name":  string(ev.Kind),
			"value": ev.Payload,
		}))
	}
	return out
}

// answerChunk maps a gated answer chunk into the TEXT_MESSAGE block,
// opening it on first text. Non-answer channels travel as CUSTOM.
func (t *Translator) answerChunk(ev events.Event) []Event {
	channel, _ := ev.Payload["channel"].(string)
	if channel != "answer" {
		return []Event{t.event(Custom, "", map[string]any{
			"name":  "chunk",
			"value": ev.Payload,
		})}
	}
	var out []Event
	if t.msgID == "" {
		t.msgID = uuid.NewString()
		out = append(out, t.event(TextMessageStart, t.msgID, map[string]any{"role": "assistant"}))
	}
	text, _ := ev.Payload["text"].(string)
	out = append(out, t.event(TextMessageContent, t.msgID, map[string]any{"delta": text}))
	if final, _ := ev.Payload["done"].(bool); final {
		out = append(out, t.event(TextMessageEnd, t.msgID, nil))
		t.msgID = ""
	}
	return out
}

func (t *Translator) event(typ EventType, msgID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: t.clock(),
		RunID:     t.runID,
		MessageID: msgID,
		Payload:   payload,
	}
}
