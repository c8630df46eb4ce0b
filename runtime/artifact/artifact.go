// Package artifact defines the content-addressed artifact store contract and
// its reference type. Artifacts hold out-of-band content (tool attachments,
// oversized observations); the runtime and the model only ever see compact
// references.
package artifact

import (
	"context"
	"errors"
	"time"
)

type (
	// Ref is the compact, shareable reference to a stored artifact. Refs are
	// value types: trajectories, pause snapshots, and events copy them freely
	// while the store owns the bytes.
	Ref struct {
		// ID is "{namespace}_{first 12 hex chars of the content sha256}".
		// Identical bytes in the same namespace always produce the same ID.
		ID string `json:"id"`
		// MimeType is the declared media type of the content.
		MimeType string `json:"mime_type"`
		// SizeBytes is the exact stored length.
		SizeBytes int `json:"size_bytes"`
		// SHA256 is the full hex content hash.
		SHA256 string `json:"sha256"`
		// Filename is an optional display name.
		Filename string `json:"filename,omitempty"`
		// Scope ties the artifact to its originating tenancy for external
		// authorization. The store itself does not enforce it.
		Scope Scope `json:"scope"`
		// SourceMeta carries free-form provenance supplied at put time.
		SourceMeta map[string]string `json:"source_meta,omitempty"`
	}

	// Scope identifies the tenancy an artifact belongs to. All fields are
	// optional; empty fields widen the scope.
	Scope struct {
		TenantID  string `json:"tenant_id,omitempty"`
		UserID    string `json:"user_id,omitempty"`
		SessionID string `json:"session_id,omitempty"`
		TraceID   string `json:"trace_id,omitempty"`
	}

	// PutOptions carries the optional metadata for a put operation.
	PutOptions struct {
		// MimeType defaults to "application/octet-stream" for PutBytes and
		// "text/plain" for PutText.
		MimeType string
		// Filename is an optional display name.
		Filename string
		// Namespace prefixes the content-addressed ID. Defaults to "artifact".
		Namespace string
		// Scope records the originating tenancy.
		Scope Scope
		// Meta carries free-form provenance.
		Meta map[string]string
		// TTL overrides the store default time to live. Zero keeps the default.
		TTL time.Duration
	}

	// Store is the artifact store contract. Implementations must be safe for
	// concurrent use and must honor content-addressed dedup: two puts with
	// identical bytes in the same namespace return the same Ref.
	Store interface {
		// PutBytes stores data and returns its reference. When the content is
		// already present under the same namespace the existing ref is returned
		// and no bytes are rewritten.
		PutBytes(ctx context.Context, data []byte, opts PutOptions) (Ref, error)
		// PutText stores UTF-8 text with a default mime type of text/plain.
		PutText(ctx context.Context, text string, opts PutOptions) (Ref, error)
		// Get returns the stored bytes and touches recency order.
		Get(ctx context.Context, id string) ([]byte, error)
		// GetRef returns the reference without touching the bytes.
		GetRef(ctx context.Context, id string) (Ref, error)
		// Exists reports whether the artifact is present and unexpired.
		Exists(ctx context.Context, id string) bool
		// Delete removes the artifact. Deleting a missing artifact is a no-op.
		Delete(ctx context.Context, id string) error
	}
)

var (
	// ErrNotFound indicates the artifact is missing or expired. The two cases
	// are deliberately indistinguishable.
	ErrNotFound = errors.New("artifact: not found")

	// ErrTooLarge indicates the payload exceeds the per-artifact byte limit.
	ErrTooLarge = errors.New("artifact: too large")

	// ErrQuotaExceeded indicates the store is full and its cleanup strategy is
	// "none", so the put cannot be satisfied.
	ErrQuotaExceeded = errors.New("artifact: quota exceeded")
)

// ScopeMatches reports whether a caller with the given scope may see the
// artifact. Empty fields on the artifact scope are wildcards; set fields must
// match the caller exactly. External surfaces use this for access checks and
// return not-found on mismatch to avoid existence disclosure.
func ScopeMatches(artifactScope, caller Scope) bool {
	if artifactScope.TenantID != "" && artifactScope.TenantID != caller.TenantID {
		return false
	}
	if artifactScope.UserID != "" && artifactScope.UserID != caller.UserID {
		return false
	}
	if artifactScope.SessionID != "" && artifactScope.SessionID != caller.SessionID {
		return false
	}
	return true
}
