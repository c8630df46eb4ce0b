// Package catalog owns tool metadata: descriptors, namespacing, visibility,
// and the stable fingerprint prompt layers and caches key on. The catalog is
// read-mostly; registration happens at startup and descriptors are immutable
// afterwards.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type (
	// SideEffect declares the hazard level of a tool. Safer side effects sort
	// first when listing, so planners see read-only tools before mutating ones.
	SideEffect string

	// LoadingMode controls when a tool becomes visible to the planner.
	LoadingMode string

	// Descriptor is the immutable registration record for a tool.
	Descriptor struct {
		// QualifiedName is "{namespace}.{local_name}", assigned at registration.
		QualifiedName string
		// Description is the planner-facing summary of what the tool does.
		Description string
		// InputSchema and OutputSchema are the raw JSON schemas registered with
		// the model registry alongside the descriptor.
		InputSchema  []byte
		OutputSchema []byte
		// Tags carries free-form labels for policy and UI layers.
		Tags []string
		// SideEffects classifies the tool's hazard level.
		SideEffects SideEffect
		// Loading selects whether the tool is always visible or activated on
		// first use.
		Loading LoadingMode
		// Examples holds example invocations rendered into prompts.
		Examples []Example
		// Retry overrides the dispatcher's default retry policy when non-nil.
		Retry *RetryPolicy
		// Timeout bounds a single invocation attempt. Zero uses the dispatcher
		// default.
		Timeout time.Duration
		// MaxConcurrency caps concurrent invocations of this tool. Zero uses
		// the dispatcher default.
		MaxConcurrency int
		// PreferredNamespace marks the tool's namespace as preferred for
		// listing tie-breaks.
		PreferredNamespace bool
		// External marks tools backed by a remote transport rather than a
		// native callable. Used for collision detection: a native and an
		// external tool may not share a qualified name.
		External bool
		// Auth holds connection and credential configuration. Values may
		// contain ${VAR} placeholders resolved from the environment at
		// dispatch time; a missing variable fails the call.
		Auth map[string]string
	}

	// Example is a worked invocation for prompt construction.
	Example struct {
		// Description explains what the example demonstrates.
		Description string
		// Input is the JSON argument payload.
		Input string
		// Output is the JSON result payload.
		Output string
	}

	// RetryPolicy configures dispatcher retries for a tool.
	RetryPolicy struct {
		// MaxAttempts is the total number of attempts including the first.
		MaxAttempts int
		// MinBackoff and MaxBackoff bound the exponential backoff schedule.
		MinBackoff time.Duration
		MaxBackoff time.Duration
		// RetryOnStatus lists upstream status codes that are retriable.
		RetryOnStatus []int
	}

	// Visibility filters what List returns for a particular run.
	Visibility struct {
		// IncludeDeferred includes deferred tools that have not been activated.
		IncludeDeferred bool
		// Activated lists deferred tools explicitly activated for this run.
		Activated map[string]bool
		// Disallow removes specific qualified names from the listing.
		Disallow map[string]bool
	}

	// Catalog is the process-wide tool index.
	Catalog struct {
		mu    sync.RWMutex
		tools map[string]*Descriptor
	}
)

const (
	// SideEffectPure marks tools with no observable side effects.
	SideEffectPure SideEffect = "pure"
	// SideEffectRead marks tools that read external state.
	SideEffectRead SideEffect = "read"
	// SideEffectWrite marks tools that mutate external state.
	SideEffectWrite SideEffect = "write"
	// SideEffectExternal marks tools that call third-party systems.
	SideEffectExternal SideEffect = "external"
	// SideEffectStateful marks tools whose behavior depends on prior calls.
	SideEffectStateful SideEffect = "stateful"

	// LoadingAlways makes the tool visible in every run.
	LoadingAlways LoadingMode = "always"
	// LoadingDeferred hides the tool until activated on first use.
	LoadingDeferred LoadingMode = "deferred"
)

var (
	// ErrNameCollision indicates a registration under an already-taken
	// qualified name, including native-vs-external collisions.
	ErrNameCollision = errors.New("catalog: name collision")

	// ErrNotFound indicates a lookup for an unregistered tool.
	ErrNotFound = errors.New("catalog: tool not found")
)

// sideEffectRank orders side effects from safest to most hazardous.
var sideEffectRank = map[SideEffect]int{
	SideEffectPure:     0,
	SideEffectRead:     1,
	SideEffectWrite:    2,
	SideEffectExternal: 3,
	SideEffectStateful: 4,
}

// New constructs an empty catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]*Descriptor)}
}

// Register namespaces the descriptor as "{ns}.{localName}" and stores it.
// The descriptor's QualifiedName field is overwritten. Duplicate names fail
// with ErrNameCollision; so does registering a native tool over an external
// one (or vice versa), which would otherwise shadow a transport binding.
func (c *Catalog) Register(ns, localName string, desc Descriptor) (*Descriptor, error) {
	if ns == "" || localName == "" {
		return nil, errors.New("catalog: namespace and local name are required")
	}
	if strings.Contains(localName, ".") {
		return nil, fmt.Errorf("catalog: local name %q must not contain '.'", localName)
	}
	if desc.SideEffects == "" {
		desc.SideEffects = SideEffectPure
	}
	if _, ok := sideEffectRank[desc.SideEffects]; !ok {
		return nil, fmt.Errorf("catalog: unknown side effect class %q", desc.SideEffects)
	}
	if desc.Loading == "" {
		desc.Loading = LoadingAlways
	}
	qualified := ns + "." + localName
	desc.QualifiedName = qualified

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tools[qualified]; ok {
		if existing.External != desc.External {
			return nil, fmt.Errorf("%w: %q is already registered as a %s tool", ErrNameCollision, qualified, kindLabel(existing.External))
		}
		return nil, fmt.Errorf("%w: %q", ErrNameCollision, qualified)
	}
	stored := desc
	c.tools[qualified] = &stored
	return &stored, nil
}

// Lookup returns the descriptor for the qualified name.
func (c *Catalog) Lookup(qualifiedName string) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[qualifiedName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, qualifiedName)
	}
	return d, nil
}

// List returns the visible descriptors in their canonical prompt order.
//
// Tie-breaks, in sequence: loading mode (always before deferred), preferred
// namespace first, safer side effects first, then shorter qualified names.
func (c *Catalog) List(vis Visibility) []*Descriptor {
	c.mu.RLock()
	out := make([]*Descriptor, 0, len(c.tools))
	for name, d := range c.tools {
		if vis.Disallow[name] {
			continue
		}
		if d.Loading == LoadingDeferred && !vis.IncludeDeferred && !vis.Activated[name] {
			continue
		}
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Loading != b.Loading {
			return a.Loading == LoadingAlways
		}
		if a.PreferredNamespace != b.PreferredNamespace {
			return a.PreferredNamespace
		}
		if ra, rb := sideEffectRank[a.SideEffects], sideEffectRank[b.SideEffects]; ra != rb {
			return ra < rb
		}
		if len(a.QualifiedName) != len(b.QualifiedName) {
			return len(a.QualifiedName) < len(b.QualifiedName)
		}
		return a.QualifiedName < b.QualifiedName
	})
	return out
}

// Fingerprint returns a stable hash of the visible catalog. Prompt caches and
// tool-listing caches key on this value; it changes iff the visible descriptor
// set or any identity-relevant field changes.
func (c *Catalog) Fingerprint(vis Visibility) string {
	listed := c.List(vis)
	h := sha256.New()
	for _, d := range listed {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", d.QualifiedName, d.Description, d.SideEffects, d.Loading)
		h.Write(d.InputSchema)
		h.Write([]byte{0})
		h.Write(d.OutputSchema)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Len returns the number of registered tools, visible or not.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

func kindLabel(external bool) string {
	if external {
		return "external"
	}
	return "native"
}
