package agui

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/stream"
)

func translateAll(t *Translator, evs []events.Event) []Event {
	var out []Event
	for _, ev := range evs {
		out = append(out, t.Translate(ev)...)
	}
	return out
}

func typesOf(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestRunLifecycleAndAnswerMessage(t *testing.T) {
	tr := NewTranslator("run-1", stream.Full())
	out := translateAll(tr, []events.Event{
		{Seq: 0, TraceID: "t1", Kind: events.StepStart, Payload: map[string]any{"action_seq": 0}},
		{Seq: 1, TraceID: "t1", Kind: events.Chunk, Payload: map[string]any{
			"channel": "answer", "text": "hello world", "action_seq": 0, "done": true,
		}},
		{Seq: 2, TraceID: "t1", Kind: events.Done, Payload: map[string]any{"answer_action_seq": 0}},
	})

	require.Equal(t, []EventType{
		RunStarted, Custom,
		TextMessageStart, TextMessageContent, TextMessageEnd,
		RunFinished,
	}, typesOf(out))

	require.Equal(t, "run-1", out[0].RunID)
	require.Equal(t, "t1", out[0].Payload["trace_id"])

	start := out[2]
	require.NotEmpty(t, start.MessageID)
	require.Equal(t, start.MessageID, out[3].MessageID)
	require.Equal(t, start.MessageID, out[4].MessageID)
	require.Equal(t, "hello world", out[3].Payload["delta"])
}

func TestUngatedAnswerChunksSuppressed(t *testing.T) {
	tr := NewTranslator("run-1", stream.Full())
	out := translateAll(tr, []events.Event{
		{Seq: 0, Kind: events.Chunk, Payload: map[string]any{
			"channel": "answer", "text": "draft", "action_seq": 0,
		}},
		{Seq: 1, Kind: events.Chunk, Payload: map[string]any{
			"channel": "answer", "text": "final", "action_seq": 1, "done": true,
		}},
		{Seq: 2, Kind: events.Done, Payload: map[string]any{"answer_action_seq": 1}},
	})

	require.Equal(t, []EventType{
		RunStarted, TextMessageStart, TextMessageContent, TextMessageEnd, RunFinished,
	}, typesOf(out))
	require.Equal(t, "final", out[2].Payload["delta"])
}

func TestToolCallEventsPassThrough(t *testing.T) {
	tr := NewTranslator("run-1", stream.Full())
	out := translateAll(tr, []events.Event{
		{Seq: 0, Kind: events.ToolCallStart, Payload: map[string]any{
			"tool_call_id": "tc-1", "tool": "search.web",
		}},
		{Seq: 1, Kind: events.ToolCallArgs, Payload: map[string]any{
			"tool_call_id": "tc-1", "args": map[string]any{"q": "penguins"},
		}},
		{Seq: 2, Kind: events.ToolCallEnd, Payload: map[string]any{
			"tool_call_id": "tc-1", "latency_ms": int64(12), "attempts": 1,
		}},
		{Seq: 3, Kind: events.ToolCallResult, Payload: map[string]any{
			"tool_call_id": "tc-1", "output": map[string]any{"hits": 3},
		}},
	})

	require.Equal(t, []EventType{
		RunStarted, ToolCallStart, ToolCallArgs, ToolCallEnd, ToolCallResult,
	}, typesOf(out))
	require.Equal(t, "search.web", out[1].Payload["tool_name"])
	require.Equal(t, "tc-1", out[1].Payload["tool_call_id"])
}

func TestNonStandardKindsBecomeCustom(t *testing.T) {
	tr := NewTranslator("run-1", stream.Full())
	out := translateAll(tr, []events.Event{
		{Seq: 0, Kind: events.Thinking, Payload: map[string]any{"text": "hmm"}},
		{Seq: 1, Kind: events.ArtifactStored, Payload: map[string]any{"artifact": "a1"}},
		{Seq: 2, Kind: events.Pause, Payload: map[string]any{"resume_token": "deadbeef"}},
	})

	require.Equal(t, []EventType{RunStarted, Custom, Custom, Custom}, typesOf(out))
	require.Equal(t, "thinking", out[1].Payload["name"])
	require.Equal(t, "artifact_stored", out[2].Payload["name"])
	require.Equal(t, "pause", out[3].Payload["name"])
	value, ok := out[3].Payload["value"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "deadbeef", value["resume_token"])
}

func TestErrorClosesOpenMessage(t *testing.T) {
	tr := NewTranslator("run-1", stream.Full())
	out := translateAll(tr, []events.Event{
		{Seq: 0, Kind: events.Chunk, Payload: map[string]any{
			"channel": "answer", "text": "partial", "action_seq": 0, "done": true,
		}},
		{Seq: 1, Kind: events.Error, Payload: map[string]any{
			"class": "cancelled", "message": "run cancelled",
		}},
	})

	// The done-tagged chunk already closed the message, so the error
	// produces no stray TEXT_MESSAGE_END.
	require.Equal(t, []EventType{
		RunStarted, TextMessageStart, TextMessageContent, TextMessageEnd, RunError,
	}, typesOf(out))
	require.Equal(t, "cancelled", out[4].Payload["class"])
}

func TestLifecycleProfileSkipsLossyKinds(t *testing.T) {
	tr := NewTranslator("run-1", stream.Lifecycle())
	out := translateAll(tr, []events.Event{
		{Seq: 0, Kind: events.StepStart, Payload: map[string]any{"action_seq": 0}},
		{Seq: 1, Kind: events.Thinking, Payload: map[string]any{"text": "hmm"}},
		{Seq: 2, Kind: events.LLMStreamChunk, Payload: map[string]any{"text": "h"}},
		{Seq: 3, Kind: events.Done, Payload: map[string]any{"answer_action_seq": 0}},
	})

	require.Equal(t, []EventType{RunStarted, Custom, RunFinished}, typesOf(out))
	require.Equal(t, "step_start", out[1].Payload["name"])
}
