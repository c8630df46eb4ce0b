// Package pause manages cooperative run suspension. A pause mints an
// unguessable resume token, snapshots the minimum planner state needed to
// continue, and parks it either locally or in a state store that supports
// planner snapshots. Expired and unknown tokens are indistinguishable.
package pause

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	"github.com/penguiflow/penguiflow/runtime/planner"
	"github.com/penguiflow/penguiflow/runtime/statestore"
)

type (
	// Record is a parked run awaiting external input.
	Record struct {
		ResumeToken string         `json:"resume_token"`
		TraceID     string         `json:"trace_id"`
		SessionID   string         `json:"session_id,omitempty"`
		Reason      string         `json:"reason"`
		Payload     map[string]any `json:"payload,omitempty"`
		ExpiresAt   time.Time      `json:"expires_at"`
		Snapshot    Snapshot       `json:"snapshot"`
	}

	// Snapshot is the planner state needed to resume a run indistinguishably
	// from an uninterrupted one: identifiers, the full query context,
	// budgets, the answer gate, and references. Never raw bytes.
	Snapshot struct {
		TraceID          string          `json:"trace_id"`
		SessionID        string          `json:"session_id,omitempty"`
		TenantID         string          `json:"tenant_id,omitempty"`
		UserID           string          `json:"user_id,omitempty"`
		Query            string          `json:"query"`
		Hints            planner.Hints   `json:"hints,omitzero"`
		Images           []artifact.Ref  `json:"images,omitempty"`
		ToolContext      map[string]any  `json:"tool_context,omitempty"`
		LLMContext       map[string]any  `json:"llm_context,omitempty"`
		HopsRemaining    int             `json:"hops_remaining"`
		ActionSeq        int             `json:"action_seq"`
		RevisionsDone    int             `json:"revisions_done"`
		PendingToolCalls []string        `json:"pending_tool_calls,omitempty"`
		Artifacts        []artifact.Ref  `json:"artifacts,omitempty"`
		Interaction      *Interaction    `json:"interaction,omitempty"`
		Transcript       json.RawMessage `json:"transcript,omitempty"`
	}

	// Interaction describes an interactive UI component pause: the tool call
	// was started, the component payload streamed to the client, and the
	// user's response becomes the resumed observation.
	Interaction struct {
		ToolCallID  string         `json:"tool_call_id"`
		ToolName    string         `json:"tool_name"`
		Component   string         `json:"component"`
		Props       map[string]any `json:"props,omitempty"`
		ResumeToken string         `json:"resume_token,omitempty"`
		CreatedAt   time.Time      `json:"created_at"`
	}

	// Controller mints, parks, and redeems pause records. Records live in
	// process memory and, when the store supports planner snapshots, in the
	// store as well so another process can resume them.
	Controller struct {
		mu      sync.Mutex
		records map[string]Record
		store   statestore.PlannerStateStore
		ttl     time.Duration
		clock   func() time.Time
	}
)

// ErrPauseNotFound is returned for unknown, expired, or already-consumed
// resume tokens.
var ErrPauseNotFound = errors.New("pause record not found")

const defaultTTL = 24 * time.Hour

// NewController constructs a pause controller. The store may be nil, in
// which case pauses are local to the process.
func NewController(store statestore.PlannerStateStore, ttl time.Duration, clock func() time.Time) *Controller {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		records: make(map[string]Record),
		store:   store,
		ttl:     ttl,
		clock:   clock,
	}
}

// Pause parks a run and returns the completed record, including its freshly
// minted resume token and expiry.
func (c *Controller) Pause(ctx context.Context, traceID, sessionID, reason string, payload map[string]any, snap Snapshot) (Record, error) {
	token, err := newToken()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ResumeToken: token,
		TraceID:     traceID,
		SessionID:   sessionID,
		Reason:      reason,
		Payload:     payload,
		ExpiresAt:   c.clock().Add(c.ttl),
		Snapshot:    snap,
	}
	c.mu.Lock()
	c.records[token] = rec
	c.mu.Unlock()

	if c.store != nil {
		blob, err := json.Marshal(rec)
		if err != nil {
			return Record{}, fmt.Errorf("pause: encode record: %w", err)
		}
		if err := c.store.SavePlannerState(ctx, token, blob); err != nil {
			return Record{}, fmt.Errorf("pause: persist record: %w", err)
		}
	}
	return rec, nil
}

// Resume redeems a token exactly once, returning the parked record. Unknown,
// expired, and consumed tokens all fail with ErrPauseNotFound.
func (c *Controller) Resume(ctx context.Context, token string) (Record, error) {
	c.mu.Lock()
	rec, ok := c.records[token]
	if ok {
		delete(c.records, token)
	}
	c.mu.Unlock()

	if !ok && c.store != nil {
		blob, err := c.store.LoadPlannerState(ctx, token)
		if err != nil {
			if errors.Is(err, statestore.ErrStateMissing) {
				return Record{}, ErrPauseNotFound
			}
			return Record{}, fmt.Errorf("pause: load record: %w", err)
		}
		if err := json.Unmarshal(blob, &rec); err != nil {
			return Record{}, fmt.Errorf("pause: decode record: %w", err)
		}
		ok = true
	}
	if !ok {
		return Record{}, ErrPauseNotFound
	}
	if !c.clock().Before(rec.ExpiresAt) {
		c.forget(ctx, token)
		return Record{}, ErrPauseNotFound
	}
	c.forget(ctx, token)
	return rec, nil
}

// Pending reports whether a token is currently redeemable in this process.
func (c *Controller) Pending(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[token]
	return ok && c.clock().Before(rec.ExpiresAt)
}

func (c *Controller) forget(ctx context.Context, token string) {
	if c.store != nil {
		// Best effort: a stale snapshot expires on its own.
		_ = c.store.DeletePlannerState(ctx, token)
	}
}

// newToken returns 128 bits of hex-encoded entropy.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pause: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
