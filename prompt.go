package penguiflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/penguiflow/penguiflow/runtime/catalog"
	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/planner"
)

const systemPreamble = `You are a planning agent. At every turn respond with exactly one JSON
action object and nothing else:

  {"action": "think", "text": "..."}
  {"action": "plan", "parallel": [{"tool": "...", "args": {...}}]}
  {"action": "finish", "answer": "...", "sources": ["..."]}
  {"action": "pause", "reason": "...", "payload": {...}}

Plan only with the tools listed below. Arguments must conform to each
tool's input schema. Observations you receive are redacted: large or
binary values appear as artifact references, never raw content.`

const reflectionPreamble = `You are a critic. Score the draft answer for the user's request and
respond with exactly one JSON object:

  {"score": 0.0-1.0, "revise": true|false, "critique": "...", "revised": "..."}

Set "revise" only when you can produce a materially better answer, and put
the full replacement text in "revised".`

// buildRequest assembles the planning prompt: system preamble plus catalog
// guidance, the query, the trajectory replayed as action/observation turns,
// and any steering messages as extra user turns.
func (m *machine) buildRequest(steering []string) model.Request {
	var sys strings.Builder
	sys.WriteString(systemPreamble)
	if len(m.query.Hints.PreferredNodes) > 0 {
		fmt.Fprintf(&sys, "\n\nPrefer these tools when applicable: %s.", strings.Join(m.query.Hints.PreferredNodes, ", "))
	}
	if len(m.query.LLMContext) > 0 {
		if extra, err := json.Marshal(m.query.LLMContext); err == nil {
			fmt.Fprintf(&sys, "\n\nAdditional context: %s", extra)
		}
	}

	req := model.Request{
		System:   sys.String(),
		Tools:    m.toolDefinitions(),
		Messages: []model.Message{{Role: "user", Content: m.query.Text}},
	}
	for _, img := range m.query.Images {
		req.Attachments = append(req.Attachments, model.Attachment{
			ArtifactID: img.ID,
			MimeType:   img.MimeType,
		})
	}

	for _, step := range m.rt.steps.Steps(m.traceID) {
		if doc := encodeAction(step.Action); doc != "" {
			req.Messages = append(req.Messages, model.Message{Role: "assistant", Content: doc})
		}
		if step.Observation != nil {
			if obs, err := json.Marshal(step.Observation); err == nil {
				req.Messages = append(req.Messages, model.Message{Role: "observation", Content: string(obs)})
			}
		}
	}
	if m.resumed != nil {
		if obs, err := json.Marshal(planner.Observation{Resumed: m.resumed}); err == nil {
			req.Messages = append(req.Messages, model.Message{Role: "observation", Content: string(obs)})
		}
	}
	for _, text := range steering {
		req.Messages = append(req.Messages, model.Message{Role: "user", Content: "[steering] " + text})
	}
	return req
}

// buildReflectionRequest assembles the bounded critique prompt over a draft
// answer. It carries the query and the draft only, never the full catalog.
func (m *machine) buildReflectionRequest(answer string) model.Request {
	return model.Request{
		System: reflectionPreamble,
		Messages: []model.Message{
			{Role: "user", Content: m.query.Text},
			{Role: "assistant", Content: answer},
		},
	}
}

// toolDefinitions renders the catalog's visible entries for the model,
// pinning tools the preferred_order hint names to the front in hint order.
func (m *machine) toolDefinitions() []model.ToolDefinition {
	descs := preferredFirst(m.rt.catalog.List(*m.vis), m.query.Hints.PreferredOrder)
	defs := make([]model.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		def := model.ToolDefinition{
			Name:        d.QualifiedName,
			Description: d.Description,
		}
		if len(d.InputSchema) > 0 {
			def.InputSchema = json.RawMessage(d.InputSchema)
		}
		defs = append(defs, def)
	}
	return defs
}

// preferredFirst reorders a catalog listing so tools named by order appear
// first, in the given sequence; the rest keep their catalog positions.
func preferredFirst(descs []*catalog.Descriptor, order []string) []*catalog.Descriptor {
	if len(order) == 0 {
		return descs
	}
	byName := make(map[string]*catalog.Descriptor, len(descs))
	for _, d := range descs {
		byName[d.QualifiedName] = d
	}
	out := make([]*catalog.Descriptor, 0, len(descs))
	pinned := make(map[string]bool, len(order))
	for _, name := range order {
		if d, ok := byName[name]; ok && !pinned[name] {
			out = append(out, d)
			pinned[name] = true
		}
	}
	for _, d := range descs {
		if !pinned[d.QualifiedName] {
			out = append(out, d)
		}
	}
	return out
}

// encodeAction renders a recorded action back into its wire form for prompt
// replay.
func encodeAction(a planner.Action) string {
	if a == nil {
		return ""
	}
	body, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	doc["action"] = string(a.Type())
	out, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(out)
}
