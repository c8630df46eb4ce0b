// Package planner defines the contracts between the reasoning loop and the
// language model: the Action union the model emits, the observation types fed
// back to it, and the per-query planning hints. The state machine that drives
// these types lives in the root runtime package.
package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// Action is one planner decision emitted by the model adapter. Exactly
	// one of the four variants implements it: Think, Plan, Finish, Pause.
	Action interface {
		// Type identifies the variant.
		Type() ActionType
	}

	// ActionType tags an Action variant.
	ActionType string

	// Think attaches reasoning text to the trajectory without executing
	// anything.
	Think struct {
		Text string `json:"text"`
	}

	// Plan requests execution of one or more tool calls in a single step.
	// Results are joined in declared order regardless of completion order.
	Plan struct {
		Parallel []ToolCall `json:"parallel"`
	}

	// Finish terminates the run with a gated answer stream.
	Finish struct {
		Answer  string   `json:"answer"`
		Sources []string `json:"sources,omitempty"`
	}

	// Pause suspends the run cooperatively, waiting on an external input
	// such as an OAuth grant or an interactive form response.
	Pause struct {
		Reason  string         `json:"reason"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// ToolCall is a single tool invocation request inside a Plan. Index is
	// the declared position; the dispatcher reports results in Index order.
	ToolCall struct {
		ID    string          `json:"id,omitempty"`
		Tool  string          `json:"tool"`
		Args  json.RawMessage `json:"args"`
		Index int             `json:"-"`
	}

	// Hints are per-query planning constraints supplied with the submitted
	// query. They tighten, never widen, the runtime-level limits.
	Hints struct {
		// MaxParallel caps concurrent tool calls within one step.
		MaxParallel int `json:"max_parallel,omitempty"`
		// MaxHops overrides the default step budget when positive.
		MaxHops int `json:"max_hops,omitempty"`
		// DisallowNodes lists qualified tool names the planner must not call.
		DisallowNodes []string `json:"disallow_nodes,omitempty"`
		// PreferredNodes biases catalog ordering toward these namespaces.
		PreferredNodes []string `json:"preferred_nodes,omitempty"`
		// PreferredOrder pins an explicit presentation order for the named
		// tools; tools it does not name keep the catalog ordering after them.
		PreferredOrder []string `json:"preferred_order,omitempty"`
		// ParallelGroups partitions a step's tool calls into batches run in
		// group order. Tools in the same group may run concurrently; tools
		// no group names run together after the last group.
		ParallelGroups [][]string `json:"parallel_groups,omitempty"`
	}

	// DecodeError reports a structurally invalid model action.
	DecodeError struct {
		Detail string
	}
)

const (
	ActionThink  ActionType = "think"
	ActionPlan   ActionType = "plan"
	ActionFinish ActionType = "finish"
	ActionPause  ActionType = "pause"
)

// Type implements Action.
func (Think) Type() ActionType { return ActionThink }

// Type implements Action.
func (Plan) Type() ActionType { return ActionPlan }

// Type implements Action.
func (Finish) Type() ActionType { return ActionFinish }

// Type implements Action.
func (Pause) Type() ActionType { return ActionPause }

// Error implements the error interface.
func (e *DecodeError) Error() string { return "invalid planner action: " + e.Detail }

// DecodeAction parses a model-emitted action document of the form
// {"action": "...", ...variant fields...} and validates it structurally.
func DecodeAction(raw json.RawMessage) (Action, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &DecodeError{Detail: fmt.Sprintf("not a JSON object: %v", err)}
	}
	switch ActionType(strings.ToLower(head.Action)) {
	case ActionThink:
		var a Think
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, &DecodeError{Detail: err.Error()}
		}
		if a.Text == "" {
			return nil, &DecodeError{Detail: "think requires text"}
		}
		return a, nil
	case ActionPlan:
		var a Plan
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, &DecodeError{Detail: err.Error()}
		}
		if len(a.Parallel) == 0 {
			return nil, &DecodeError{Detail: "plan requires at least one tool call"}
		}
		for i := range a.Parallel {
			tc := &a.Parallel[i]
			if tc.Tool == "" {
				return nil, &DecodeError{Detail: fmt.Sprintf("tool call %d missing tool name", i)}
			}
			if len(tc.Args) == 0 {
				tc.Args = json.RawMessage("{}")
			}
			tc.Index = i
		}
		return a, nil
	case ActionFinish:
		var a Finish
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, &DecodeError{Detail: err.Error()}
		}
		return a, nil
	case ActionPause:
		var a Pause
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, &DecodeError{Detail: err.Error()}
		}
		if a.Reason == "" {
			return nil, &DecodeError{Detail: "pause requires a reason"}
		}
		return a, nil
	default:
		return nil, &DecodeError{Detail: fmt.Sprintf("unknown action %q", head.Action)}
	}
}
