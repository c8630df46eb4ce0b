// Command penguiflow-demo wires a runtime with a rule-based model client and
// one tool, submits a query, and prints the event stream. It exists to show
// the minimal embedding: no provider SDK, no external stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/penguiflow/penguiflow"
	"github.com/penguiflow/penguiflow/runtime/catalog"
	"github.com/penguiflow/penguiflow/runtime/dispatch"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
)

// demoModel is a two-step rule-based planner: look the city up, then answer
// from the observation.
type demoModel struct{}

func (demoModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == "observation" {
		return model.Response{
			Action:   json.RawMessage(`{"action": "finish", "answer": "12C and cloudy in Paris."}`),
			Thinking: "the forecast tool answered, report it",
		}, nil
	}
	return model.Response{
		Action: json.RawMessage(`{"action": "plan", "parallel": [{"tool": "weather.current", "args": {"city": "Paris"}}]}`),
	}, nil
}

func (demoModel) Capabilities() model.Capabilities { return model.Capabilities{} }

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	rt, err := penguiflow.New(penguiflow.Options{
		Model:   demoModel{},
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	_, err = rt.RegisterTool("weather", "current", catalog.Descriptor{
		Description:  "Returns current conditions for a city.",
		InputSchema:  []byte(`{"type": "object", "properties": {"city": {"type": "string"}}, "required": ["city"]}`),
		OutputSchema: []byte(`{"type": "object", "properties": {"temp_c": {"type": "number"}, "sky": {"type": "string"}}}`),
	}, func(_ context.Context, _ *dispatch.ToolContext, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			City string `json:"city"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		log.Infof(ctx, "looking up weather for %s", in.City)
		return json.RawMessage(`{"temp_c": 12, "sky": "cloudy"}`), nil
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	h, err := rt.Submit(ctx, penguiflow.Query{
		Text:      "What is the weather in Paris?",
		SessionID: "demo-session",
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	for ev := range h.Events() {
		switch ev.Kind {
		case events.Chunk:
			fmt.Printf("answer: %v\n", ev.Payload["text"])
		case events.Done:
			fmt.Printf("done: answer_action_seq=%v\n", ev.Payload["answer_action_seq"])
		default:
			fmt.Printf("%-16s seq=%d\n", ev.Kind, ev.Seq)
		}
	}

	steps := rt.Trajectory(h.TraceID)
	fmt.Printf("trace %s finished in %d steps\n", h.TraceID, len(steps))
	if _, ok := rt.Sessions().Task(h.TraceID); !ok {
		fmt.Fprintln(os.Stderr, "task state missing")
		os.Exit(1)
	}
}
