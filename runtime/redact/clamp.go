package redact

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/penguiflow/penguiflow/runtime/artifact"
)

type (
	// Clamp enforces a character budget on redacted observations. Oversize
	// observations either move wholesale into the artifact store or get
	// truncated in place, depending on how far past the budget they are.
	Clamp struct {
		// MaxChars is the serialized size at which clamping starts.
		MaxChars int
		// AutoArtifactThreshold is the size at or above which the whole
		// observation is stored as an artifact instead of truncated.
		AutoArtifactThreshold int
		// PreviewChars bounds the inline preview kept alongside an
		// auto-stored observation. Zero means 512.
		PreviewChars int
		// Store receives auto-stored observations.
		Store artifact.Store
	}

	// ClampResult describes what the clamp did to an observation.
	ClampResult struct {
		// Value is the observation after clamping.
		Value json.RawMessage
		// Truncated reports whether fields were cut in place.
		Truncated bool
		// Artifact is set when the observation was replaced by a reference.
		Artifact *artifact.Ref
	}

	// candidate is a truncatable node located during the clamp walk.
	candidate struct {
		parent any // map[string]any or []any holding the node
		key    string
		index  int
		depth  int
		size   int
	}
)

const defaultPreviewChars = 512

// truncation bounds applied per candidate pass
const (
	truncStringKeep = 64
	truncArrayKeep  = 3
)

// Apply clamps a redacted observation for the named tool.
func (c *Clamp) Apply(ctx context.Context, tool string, redacted json.RawMessage, scope artifact.Scope) (ClampResult, error) {
	if len(redacted) <= c.MaxChars {
		return ClampResult{Value: redacted}, nil
	}
	if len(redacted) >= c.AutoArtifactThreshold {
		return c.autoArtifact(ctx, tool, redacted, scope)
	}
	return c.truncate(redacted)
}

// autoArtifact stores the serialized observation and substitutes a compact
// reference document.
func (c *Clamp) autoArtifact(ctx context.Context, tool string, redacted json.RawMessage, scope artifact.Scope) (ClampResult, error) {
	ref, err := c.Store.PutBytes(ctx, redacted, artifact.PutOptions{
		Namespace: "observation." + tool,
		MimeType:  "application/json",
		Scope:     scope,
		Meta:      map[string]string{"tool": tool},
	})
	if err != nil {
		return ClampResult{}, fmt.Errorf("clamp: store observation: %w", err)
	}
	doc := map[string]any{
		"artifact": ref,
		"summary":  fmt.Sprintf("observation from %s stored as %s (%d bytes)", tool, ref.ID, len(redacted)),
		"preview":  trimRunes(string(redacted), c.previewChars()),
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return ClampResult{}, fmt.Errorf("clamp: encode reference: %w", err)
	}
	return ClampResult{Value: out, Artifact: &ref}, nil
}

func (c *Clamp) previewChars() int {
	if c.PreviewChars > 0 {
		return c.PreviewChars
	}
	return defaultPreviewChars
}

// trimRunes returns the longest prefix of s at most n bytes long that ends
// on a rune boundary, so truncation never emits invalid UTF-8.
func trimRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// truncate cuts the largest deepest string and array fields until the
// serialized document fits the budget, then tags it with truncated: true.
func (c *Clamp) truncate(redacted json.RawMessage) (ClampResult, error) {
	var root any
	if err := json.Unmarshal(redacted, &root); err != nil {
		return ClampResult{}, fmt.Errorf("clamp: decode observation: %w", err)
	}
	var out []byte
	for {
		var err error
		out, err = json.Marshal(root)
		if err != nil {
			return ClampResult{}, fmt.Errorf("clamp: encode observation: %w", err)
		}
		if len(out) <= c.MaxChars {
			break
		}
		cand := pickCandidate(root)
		if cand == nil {
			break
		}
		cut(cand)
	}
	final, err := tagTruncated(out)
	if err != nil {
		return ClampResult{}, err
	}
	return ClampResult{Value: final, Truncated: true}, nil
}

// pickCandidate returns the deepest, then largest, node still worth cutting.
func pickCandidate(root any) *candidate {
	var best *candidate
	var visit func(v any, depth int)
	consider := func(c candidate) {
		if best == nil || c.depth > best.depth || (c.depth == best.depth && c.size > best.size) {
			cc := c
			best = &cc
		}
	}
	visit = func(v any, depth int) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				switch ct := child.(type) {
				case string:
					if len(ct) > truncStringKeep+4 {
						consider(candidate{parent: t, key: k, index: -1, depth: depth + 1, size: len(ct)})
					}
				case []any:
					if len(ct) > truncArrayKeep {
						consider(candidate{parent: t, key: k, index: -1, depth: depth + 1, size: len(ct)})
					}
				}
				visit(child, depth+1)
			}
		case []any:
			for i, child := range t {
				switch ct := child.(type) {
				case string:
					if len(ct) > truncStringKeep+4 {
						consider(candidate{parent: t, index: i, depth: depth + 1, size: len(ct)})
					}
				case []any:
					if len(ct) > truncArrayKeep {
						consider(candidate{parent: t, index: i, depth: depth + 1, size: len(ct)})
					}
				}
				visit(child, depth+1)
			}
		}
	}
	visit(root, 0)
	return best
}

func cut(c *candidate) {
	var value any
	if m, ok := c.parent.(map[string]any); ok {
		value = m[c.key]
	} else {
		value = c.parent.([]any)[c.index]
	}
	var replacement any
	switch t := value.(type) {
	case string:
		replacement = trimRunes(t, truncStringKeep) + "…"
	case []any:
		replacement = t[:truncArrayKeep]
	default:
		return
	}
	if m, ok := c.parent.(map[string]any); ok {
		m[c.key] = replacement
	} else {
		c.parent.([]any)[c.index] = replacement
	}
}

// tagTruncated sets truncated: true on the root object, wrapping non-object
// roots so the flag has somewhere to live.
func tagTruncated(doc json.RawMessage) (json.RawMessage, error) {
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("clamp: decode truncated observation: %w", err)
	}
	m, ok := root.(map[string]any)
	if !ok {
		m = map[string]any{"value": root}
	}
	m["truncated"] = true
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("clamp: encode truncated observation: %w", err)
	}
	return out, nil
}
