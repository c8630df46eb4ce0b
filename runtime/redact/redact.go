// Package redact removes artifact-bearing values from tool output before it
// reaches the planner model. Marked fields are replaced with compact
// placeholders and captured in a side channel so lateral consumers can still
// retrieve them.
package redact

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// placeholderPrefix marks values that have already been redacted. Redaction
// skips them so applying the redactor twice is a no-op.
const placeholderPrefix = "<artifact:"

// base64Magic lists base64 encodings of well-known binary file signatures.
// A string value starting with one of these is treated as artifact-bearing
// even when the tool schema does not mark its field.
var base64Magic = []string{
	"JVBERi0",     // %PDF-
	"iVBORw0KGgo", // PNG
	"/9j/",        // JPEG
	"UEsDB",       // ZIP
	"R0lGOD",      // GIF
}

// Result is the output of a redaction pass.
type Result struct {
	// Value is the redacted document.
	Value json.RawMessage
	// Removed maps the dotted path of each redacted field to its original
	// value. The dispatcher keys the map under the tool call id.
	Removed map[string]json.RawMessage
}

// Redact replaces every value at the given schema-marked paths, plus any
// string matching a binary magic prefix, with a placeholder. The input
// document is not modified.
func Redact(doc json.RawMessage, paths []string) (Result, error) {
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return Result{}, fmt.Errorf("redact: decode output: %w", err)
	}
	marked := make(map[string]bool, len(paths))
	for _, p := range paths {
		marked[p] = true
	}
	removed := make(map[string]json.RawMessage)
	root = walk(root, "", marked, removed)
	out, err := json.Marshal(root)
	if err != nil {
		return Result{}, fmt.Errorf("redact: encode output: %w", err)
	}
	return Result{Value: out, Removed: removed}, nil
}

func walk(v any, path string, marked map[string]bool, removed map[string]json.RawMessage) any {
	if shouldRedact(v, path, marked) {
		raw, err := json.Marshal(v)
		if err == nil {
			removed[path] = raw
		}
		return placeholder(v)
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = walk(child, joinPath(path, k), marked, removed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			// Array elements inherit the path of the array so schema marks
			// on items apply to every element.
			out[i] = walk(child, path, marked, removed)
		}
		return out
	default:
		return v
	}
}

func shouldRedact(v any, path string, marked map[string]bool) bool {
	if s, ok := v.(string); ok && strings.HasPrefix(s, placeholderPrefix) {
		return false
	}
	if path != "" && marked[path] {
		return true
	}
	if s, ok := v.(string); ok {
		for _, magic := range base64Magic {
			if strings.HasPrefix(s, magic) {
				return true
			}
		}
	}
	return false
}

// placeholder renders the compact stand-in for a redacted value. Strings and
// arrays carry their size so the model knows roughly what was elided.
func placeholder(v any) string {
	switch t := v.(type) {
	case string:
		return fmt.Sprintf("<artifact:string size=%d>", len(t))
	case []any:
		return fmt.Sprintf("<artifact:array size=%d>", len(t))
	case map[string]any:
		return "<artifact:object>"
	case float64:
		return "<artifact:number>"
	case bool:
		return "<artifact:boolean>"
	case nil:
		return "<artifact:null>"
	default:
		return "<artifact:value>"
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// SortedPaths returns the removed-value paths in stable order, for logging.
func (r Result) SortedPaths() []string {
	paths := make([]string, 0, len(r.Removed))
	for p := range r.Removed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
