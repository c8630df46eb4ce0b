package redact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/penguiflow/penguiflow/runtime/artifact"
)

// markedMime maps the base64 magic prefixes to the media type they reveal.
// Marked values without a recognizable signature are stored as plain text.
var markedMime = map[string]string{
	"JVBERi0":     "application/pdf",
	"iVBORw0KGgo": "image/png",
	"/9j/":        "image/jpeg",
	"UEsDB":       "application/zip",
	"R0lGOD":      "image/gif",
}

// StoreMarked persists every value stripped by a redaction pass into the
// artifact store, under the tool's namespace, and grafts a compact reference
// document in place of each placeholder. The returned document is what the
// planner observes: refs, summaries, and previews, never the raw bytes.
func (c *Clamp) StoreMarked(ctx context.Context, tool string, redacted Result, scope artifact.Scope) (json.RawMessage, []artifact.Ref, error) {
	if len(redacted.Removed) == 0 {
		return redacted.Value, nil, nil
	}
	paths := make([]string, 0, len(redacted.Removed))
	for p := range redacted.Removed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	refs := make([]artifact.Ref, 0, len(paths))
	docs := make(map[string]any, len(paths))
	for _, p := range paths {
		data, mime := markedContent(redacted.Removed[p])
		ref, err := c.Store.PutBytes(ctx, data, artifact.PutOptions{
			Namespace: tool,
			MimeType:  mime,
			Scope:     scope,
			Meta:      map[string]string{"tool": tool, "field": p},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redact: store marked field %s: %w", p, err)
		}
		refs = append(refs, ref)
		docs[p] = map[string]any{
			"artifact": ref,
			"summary":  fmt.Sprintf("%s field %s stored as %s (%d bytes)", tool, p, ref.ID, ref.SizeBytes),
			"preview":  trimRunes(string(data), c.previewChars()),
		}
	}

	var root any
	if err := json.Unmarshal(redacted.Value, &root); err != nil {
		return nil, nil, fmt.Errorf("redact: decode redacted output: %w", err)
	}
	out, err := json.Marshal(graft(root, "", docs))
	if err != nil {
		return nil, nil, fmt.Errorf("redact: encode grafted output: %w", err)
	}
	return out, refs, nil
}

// markedContent decodes a stripped JSON value into storable bytes and its
// media type. String values store their text; anything else stores as JSON.
func markedContent(raw json.RawMessage) ([]byte, string) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw, "application/json"
	}
	for magic, mime := range markedMime {
		if strings.HasPrefix(s, magic) {
			return []byte(s), mime
		}
	}
	return []byte(s), "text/plain"
}

// graft mirrors the redaction walk, replacing placeholders at paths that
// carry a reference document.
func graft(v any, path string, docs map[string]any) any {
	if s, ok := v.(string); ok && strings.HasPrefix(s, placeholderPrefix) {
		if doc, ok := docs[path]; ok {
			return doc
		}
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = graft(child, joinPath(path, k), docs)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = graft(child, path, docs)
		}
		return t
	default:
		return v
	}
}
