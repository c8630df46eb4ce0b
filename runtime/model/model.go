// Package model abstracts the planner's language model. The runtime is
// provider-agnostic: adapters translate Request/Response into the vendor API
// of their choice and plug in through the Client interface.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client is the contract planner loops use to obtain the next action.
	// Implementations wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// Complete sends the planning prompt and returns the model's decision
		// as a structured action document.
		Complete(ctx context.Context, req Request) (Response, error)

		// Capabilities reports what the underlying model supports. The
		// runtime rejects runs whose inputs exceed these up front.
		Capabilities() Capabilities
	}

	// Streaming is an optional capability: clients that can deliver
	// incremental text implement it in addition to Client. The runtime
	// forwards deltas as llm_stream_chunk events.
	Streaming interface {
		// CompleteStream behaves like Complete but invokes onDelta for each
		// incremental text fragment before returning the final response.
		CompleteStream(ctx context.Context, req Request, onDelta func(text string)) (Response, error)
	}

	// Capabilities describes a model's supported inputs.
	Capabilities struct {
		// Vision reports whether image attachments can be included in the
		// prompt.
		Vision bool
	}

	// Request is the normalized planning prompt.
	Request struct {
		// System is the planner system prompt, including catalog guidance.
		System string
		// Messages is the ordered conversation: the query, prior actions and
		// redacted observations, and any steering input.
		Messages []Message
		// Tools lists the visible tool definitions the model may plan over.
		Tools []ToolDefinition
		// Attachments references image artifacts for vision-capable models.
		Attachments []Attachment
		// MaxTokens caps the completion size. Zero uses the provider default.
		MaxTokens int
		// Temperature controls sampling. Zero means greedy decoding.
		Temperature float32
	}

	// Message is one chat turn.
	Message struct {
		// Role is "user", "assistant", or "observation".
		Role string `json:"role"`
		// Content is the turn's text or serialized observation.
		Content string `json:"content"`
	}

	// ToolDefinition is the model-facing view of a catalog entry.
	ToolDefinition struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}

	// Attachment references an image stored in the artifact store. Adapters
	// rehydrate the bytes at prompt construction time.
	Attachment struct {
		ArtifactID string `json:"artifact_id"`
		MimeType   string `json:"mime_type"`
	}

	// Response is the model's decision.
	Response struct {
		// Action is the structured planner action document.
		Action json.RawMessage
		// Thinking is optional free-form reasoning text surfaced on the
		// thinking channel.
		Thinking string
		// Usage reports token consumption when the provider exposes it.
		Usage TokenUsage
	}

	// TokenUsage is the provider-reported token accounting.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
)

// ErrVisionUnsupported is returned when a run carries image attachments but
// the configured model cannot accept them.
var ErrVisionUnsupported = errors.New("model does not support image inputs")
