// Package schema implements the model registry: the mapping from tool name to
// compiled input/output validators. Validators are structural JSON Schema
// checks (required fields, types, ranges) plus the artifact markers consumed
// by the redactor.
//
// Registration is idempotent for byte-identical schemas; registering a
// different schema under an existing name fails with ErrNameCollision.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Registry maps tool qualified names to their input and output schemas.
	// Schemas are compiled lazily on first validation; compiled validators are
	// held in a bounded LRU so rarely used tools do not pin compiler output.
	//
	// Registry is safe for concurrent use. Writes happen at startup; the hot
	// path is read-mostly validation.
	Registry struct {
		mu       sync.RWMutex
		entries  map[string]*entry
		compiled *lru.Cache[string, *jsonschema.Schema]
	}

	entry struct {
		input  []byte
		output []byte
		// artifactPaths lists dotted output paths marked "x-artifact": true.
		artifactPaths []string
	}

	// Mismatch reports a structural validation failure. Path is the JSON
	// pointer-ish dotted location of the first offending field.
	Mismatch struct {
		// Tool is the qualified tool name whose schema was violated.
		Tool string
		// Direction is "input" or "output".
		Direction string
		// Path locates the first violation ("" means the document root).
		Path string
		// Detail is the validator's human-readable message.
		Detail string
	}
)

var (
	// ErrNameCollision indicates a registration attempt with a schema that
	// differs from the one already registered under the same name.
	ErrNameCollision = errors.New("schema: name collision")

	// ErrUnknownTool indicates a validation request for a tool that was never
	// registered.
	ErrUnknownTool = errors.New("schema: unknown tool")
)

// compiledCacheSize bounds the number of compiled validators kept in memory.
// Each tool has at most two (input and output).
const compiledCacheSize = 512

// Error implements error.
func (m *Mismatch) Error() string {
	loc := m.Path
	if loc == "" {
		loc = "(root)"
	}
	return fmt.Sprintf("schema mismatch for %s %s at %s: %s", m.Tool, m.Direction, loc, m.Detail)
}

// NewRegistry constructs an empty model registry.
func NewRegistry() *Registry {
	cache, _ := lru.New[string, *jsonschema.Schema](compiledCacheSize)
	return &Registry{
		entries:  make(map[string]*entry),
		compiled: cache,
	}
}

// Register records the input and output schemas for the named tool. Both
// schemas must be valid JSON; the output schema may be empty for tools that
// return free-form data. Registering the exact same schemas again is a no-op;
// differing schemas fail with ErrNameCollision.
func (r *Registry) Register(name string, inSchema, outSchema []byte) error {
	if name == "" {
		return errors.New("schema: tool name is required")
	}
	if len(inSchema) == 0 {
		return fmt.Errorf("schema: tool %q: input schema is required", name)
	}
	if !json.Valid(inSchema) {
		return fmt.Errorf("schema: tool %q: input schema is not valid JSON", name)
	}
	if len(outSchema) > 0 && !json.Valid(outSchema) {
		return fmt.Errorf("schema: tool %q: output schema is not valid JSON", name)
	}
	in := compactJSON(inSchema)
	out := compactJSON(outSchema)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[name]; ok {
		if bytes.Equal(existing.input, in) && bytes.Equal(existing.output, out) {
			return nil
		}
		return fmt.Errorf("%w: tool %q already registered with a different schema", ErrNameCollision, name)
	}
	paths, err := artifactPaths(out)
	if err != nil {
		return fmt.Errorf("schema: tool %q: %w", name, err)
	}
	r.entries[name] = &entry{input: in, output: out, artifactPaths: paths}
	return nil
}

// ValidateInput checks the raw JSON arguments against the tool's input schema.
// A nil error means the value conforms. Structural failures return *Mismatch.
func (r *Registry) ValidateInput(name string, value json.RawMessage) error {
	return r.validate(name, "input", value)
}

// ValidateOutput checks the raw JSON result against the tool's output schema.
// Tools registered without an output schema accept any valid JSON.
func (r *Registry) ValidateOutput(name string, value json.RawMessage) error {
	return r.validate(name, "output", value)
}

// ArtifactPaths returns the dotted output paths the tool's schema marks as
// artifact-bearing ("x-artifact": true). The returned slice is shared and must
// not be mutated.
func (r *Registry) ArtifactPaths(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return e.artifactPaths, nil
}

// Known reports whether the tool has been registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

func (r *Registry) validate(name, direction string, value json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	raw := e.input
	if direction == "output" {
		raw = e.output
	}
	if len(raw) == 0 {
		// No schema registered for this direction: only require valid JSON.
		if !json.Valid(value) {
			return &Mismatch{Tool: name, Direction: direction, Detail: "not valid JSON"}
		}
		return nil
	}
	sch, err := r.compile(name, direction, raw)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(value))
	if err != nil {
		return &Mismatch{Tool: name, Direction: direction, Detail: "not valid JSON"}
	}
	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			path, detail := firstCause(ve)
			return &Mismatch{Tool: name, Direction: direction, Path: path, Detail: detail}
		}
		return &Mismatch{Tool: name, Direction: direction, Detail: err.Error()}
	}
	return nil
}

func (r *Registry) compile(name, direction string, raw []byte) (*jsonschema.Schema, error) {
	key := name + "\x00" + direction
	if sch, ok := r.compiled.Get(key); ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: tool %q: decode %s schema: %w", name, direction, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + "/" + direction + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema: tool %q: add %s schema: %w", name, direction, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: tool %q: compile %s schema: %w", name, direction, err)
	}
	r.compiled.Add(key, sch)
	return sch, nil
}

// firstCause walks to the deepest first cause of a validation error and
// renders its instance location as a dotted path.
func firstCause(ve *jsonschema.ValidationError) (path, detail string) {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return strings.Join(ve.InstanceLocation, "."), ve.Error()
}

// artifactPaths collects the dotted paths of properties marked with
// "x-artifact": true in the (compacted) output schema. Markers nested under
// "items" keep the parent path: array elements share the element schema.
func artifactPaths(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode output schema: %w", err)
	}
	var paths []string
	collectArtifactPaths(doc, "", &paths)
	sort.Strings(paths)
	return paths, nil
}

func collectArtifactPaths(node map[string]any, prefix string, out *[]string) {
	if marked, ok := node["x-artifact"].(bool); ok && marked && prefix != "" {
		*out = append(*out, prefix)
	}
	if props, ok := node["properties"].(map[string]any); ok {
		for name, sub := range props {
			child, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			p := name
			if prefix != "" {
				p = prefix + "." + name
			}
			collectArtifactPaths(child, p, out)
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		collectArtifactPaths(items, prefix, out)
	}
}

func compactJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
