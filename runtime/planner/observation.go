package planner

import (
	"encoding/json"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	"github.com/penguiflow/penguiflow/runtime/toolerror"
)

type (
	// Observation is the redacted result of one step, fed back into the next
	// planning prompt. Raw tool output never appears here.
	Observation struct {
		ToolResults []ToolResult   `json:"tool_results,omitempty"`
		Parallel    bool           `json:"parallel"`
		Resumed     map[string]any `json:"resumed,omitempty"`
		Steering    []string       `json:"steering,omitempty"`
	}

	// ToolResult is the outcome of a single tool call: either Output or Err
	// is set, never both.
	ToolResult struct {
		Tool string `json:"tool"`
		// Output is the redacted, clamped tool output.
		Output json.RawMessage `json:"redacted_output,omitempty"`
		// Err is the structured failure when the call did not produce output.
		Err *toolerror.ToolError `json:"error,omitempty"`
		// Artifact references an auto-stored oversize observation.
		Artifact *artifact.Ref `json:"artifact,omitempty"`
		// Truncated reports in-place clamping of Output.
		Truncated bool `json:"truncated,omitempty"`
	}

	// Reflection is the bounded critique call's verdict on a draft answer.
	Reflection struct {
		Score    float64 `json:"score"`
		Revise   bool    `json:"revise"`
		Critique string  `json:"critique,omitempty"`
		Revised  string  `json:"revised,omitempty"`
	}
)

// Ok reports whether the result carries output rather than an error.
func (r ToolResult) Ok() bool { return r.Err == nil }

// DecodeReflection parses the reflector model's verdict.
func DecodeReflection(raw json.RawMessage) (Reflection, error) {
	var r Reflection
	if err := json.Unmarshal(raw, &r); err != nil {
		return Reflection{}, &DecodeError{Detail: "invalid reflection: " + err.Error()}
	}
	return r, nil
}
