// Package sse serves trace event streams and the artifact download surface
// over HTTP. Events are framed as named server-sent events; artifact access
// is scope-checked and mismatches read as not-found.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
)

type (
	// Encoder writes server-sent event frames. Each bus event becomes one
	// frame named after its kind, with the JSON event as data and the seq
	// as the SSE id for client-side resume.
	Encoder struct {
		w io.Writer
	}

	// Handler streams a trace's events. Routes:
	//
	//	GET /traces/{trace}/events?since_seq=N
	//
	// Register it on a mux that supports path values.
	Handler struct {
		Bus     *events.Bus
		Profile stream.Profile
		Logger  telemetry.Logger
	}

	// ArtifactHandler serves artifact bytes and metadata. Routes:
	//
	//	GET /artifact/{id}
	//	GET /artifact/{id}/meta
	//
	// The caller's scope is read from the X-Tenant-ID, X-User-ID, and
	// X-Session-ID headers and compared against the artifact's scope; a
	// mismatch is indistinguishable from a missing artifact.
	ArtifactHandler struct {
		Store artifact.Store
	}
)

// NewEncoder wraps a writer with SSE framing.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// WriteEvent emits one frame.
func (e *Encoder) WriteEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: encode event: %w", err)
	}
	_, err = fmt.Fprintf(e.w, "event: %s\nid: %d\ndata: %s\n\n", ev.Kind, ev.Seq, data)
	return err
}

// Mux returns a ServeMux with the trace-stream and artifact routes bound.
func Mux(h *Handler, ah *ArtifactHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /traces/{trace}/events", h)
	mux.Handle("GET /artifact/{id}", ah)
	mux.Handle("GET /artifact/{id}/meta", http.HandlerFunc(ah.serveMeta))
	return mux
}

// ServeHTTP streams the trace until it completes or the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace")
	if traceID == "" {
		http.Error(w, "missing trace id", http.StatusBadRequest)
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since_seq", http.StatusBadRequest)
			return
		}
		since = v
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.Bus.Subscribe(traceID, events.SubscribeOptions{SinceSeq: since})
	defer sub.Close()

	enc := NewEncoder(w)
	var gate stream.Gate
	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			gate.Observe(ev)
			if !h.Profile.Admits(ev.Kind) || !gate.Admit(ev) {
				continue
			}
			if err := enc.WriteEvent(ev); err != nil {
				if h.Logger != nil {
					h.Logger.Debug(r.Context(), "sse write failed", "trace_id", traceID, "err", err)
				}
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// ServeHTTP serves artifact bytes.
func (ah *ArtifactHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref, ok := ah.resolve(w, r)
	if !ok {
		return
	}
	data, err := ah.Store.Get(r.Context(), ref.ID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", ref.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if ref.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ref.Filename))
	}
	_, _ = w.Write(data)
}

func (ah *ArtifactHandler) serveMeta(w http.ResponseWriter, r *http.Request) {
	ref, ok := ah.resolve(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ref)
}

// resolve loads the ref and enforces the caller's scope. Mismatches and
// missing artifacts both answer 404.
func (ah *ArtifactHandler) resolve(w http.ResponseWriter, r *http.Request) (artifact.Ref, bool) {
	id := r.PathValue("id")
	if id == "" {
		http.NotFound(w, r)
		return artifact.Ref{}, false
	}
	ref, err := ah.Store.GetRef(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return artifact.Ref{}, false
	}
	caller := artifact.Scope{
		TenantID:  r.Header.Get("X-Tenant-ID"),
		UserID:    r.Header.Get("X-User-ID"),
		SessionID: r.Header.Get("X-Session-ID"),
	}
	if !artifact.ScopeMatches(ref.Scope, caller) {
		http.NotFound(w, r)
		return artifact.Ref{}, false
	}
	return ref, true
}
