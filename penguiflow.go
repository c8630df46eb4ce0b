// Package penguiflow is an agent-orchestration runtime. A submitted query is
// expanded by a ReAct planner into a dynamic sequence of tool invocations,
// each producing a redacted structured observation fed back to the language
// model until a terminating answer, a cooperative pause, or budget
// exhaustion. The runtime owns the loop's correctness under concurrency,
// failure, and pause/resume; model providers, tool transports, and storage
// backends plug in through narrow contracts.
package penguiflow

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	artifactmem "github.com/penguiflow/penguiflow/runtime/artifact/inmem"
	"github.com/penguiflow/penguiflow/runtime/catalog"
	"github.com/penguiflow/penguiflow/runtime/config"
	"github.com/penguiflow/penguiflow/runtime/dispatch"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/pause"
	"github.com/penguiflow/penguiflow/runtime/planner"
	"github.com/penguiflow/penguiflow/runtime/redact"
	"github.com/penguiflow/penguiflow/runtime/schema"
	"github.com/penguiflow/penguiflow/runtime/session"
	"github.com/penguiflow/penguiflow/runtime/statestore"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

type (
	// Query is the immutable input of one run.
	Query struct {
		// Text is the user's request.
		Text string
		// SessionID, TenantID, and UserID scope the run's artifacts and
		// events.
		SessionID string
		TenantID  string
		UserID    string
		// Images references artifacts to attach as vision inputs. Runs with
		// images are rejected up front when the model lacks vision.
		Images []artifact.Ref
		// ToolContext is free-form context surfaced to tool implementations.
		ToolContext map[string]any
		// LLMContext is free-form context appended to the planning prompt.
		LLMContext map[string]any
		// Hints are per-query planning constraints.
		Hints planner.Hints
	}

	// Options wires a Runtime. Model is required; everything else defaults
	// to in-memory implementations.
	Options struct {
		// Config overrides the default runtime configuration.
		Config *config.Config
		// Model produces planner actions. Required.
		Model model.Client
		// Reflector critiques draft answers when reflection is enabled.
		// Defaults to Model.
		Reflector model.Client
		// Artifacts overrides the default in-memory artifact store. The
		// default store announces new writes on the bus as artifact_stored
		// events; a supplied store wires its own notification hook.
		Artifacts artifact.Store
		// Store persists events, pause records, and remote bindings. The
		// runtime checks it once for the optional planner-state and bulk
		// capabilities. May be nil.
		Store statestore.Store

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Runtime composes the planner loop with its collaborators. All fields
	// are wired at construction; there are no process-wide singletons.
	Runtime struct {
		cfg       config.Config
		model     model.Client
		reflector model.Client
		catalog   *catalog.Catalog
		schemas   *schema.Registry
		artifacts artifact.Store
		bus       *events.Bus
		dispatch  *dispatch.Dispatcher
		steps     *trajectory.Recorder
		pauses    *pause.Controller
		store     *statestore.SafeStore
		steering  *steeringQueues
		sessions  *session.Controller
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
	}

	// Handle is the caller's view of a running query: the trace id, the
	// event subscription, and cancellation.
	Handle struct {
		// TraceID identifies the run across events, artifacts, and the
		// trajectory.
		TraceID string

		sub    *events.Subscription
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// ErrModelRequired is returned by New when no model client is supplied.
var ErrModelRequired = errors.New("penguiflow: model client is required")

// New validates the wiring and constructs a Runtime. Optional state-store
// capabilities (planner snapshots, bulk event writes) are feature-detected
// here, once, by type assertion.
func New(opts Options) (*Runtime, error) {
	if opts.Model == nil {
		return nil, ErrModelRequired
	}
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Reflector == nil {
		opts.Reflector = opts.Model
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer{}
	}

	safe := statestore.NewSafeStore(opts.Store, opts.Logger, opts.Metrics)
	var persist func(ctx context.Context, ev events.Event)
	if safe.Enabled() {
		persist = func(ctx context.Context, ev events.Event) {
			safe.SaveEvent(ctx, eventRecord(ev))
		}
	}
	bus := events.NewBus(events.Options{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		RetainedTail:     cfg.Events.RetainedTail,
		Persist:          persist,
	})

	store := opts.Artifacts
	if store == nil {
		store = artifactmem.New(artifactmem.Options{
			MaxArtifactBytes: cfg.Artifacts.MaxArtifactBytes,
			MaxTotalBytes:    cfg.Artifacts.MaxTotalBytes,
			MaxCount:         cfg.Artifacts.MaxCount,
			TTL:              cfg.Artifacts.TTL,
			Cleanup:          artifactmem.Strategy(cfg.Artifacts.Cleanup),
			// Dedup hits never reach this hook, so re-stored content is
			// not re-announced.
			Notify: func(ref artifact.Ref) {
				bus.Emit(context.Background(), ref.Scope.TraceID, events.ArtifactStored, ref.SourceMeta["tool"], map[string]any{
					"artifact":   ref,
					"mime_type":  ref.MimeType,
					"size_bytes": ref.SizeBytes,
				})
			},
		})
	}

	cat := catalog.New()
	schemas := schema.NewRegistry()
	clamp := &redact.Clamp{
		MaxChars:              cfg.Observation.MaxChars,
		AutoArtifactThreshold: cfg.Observation.AutoArtifactThreshold,
		PreviewChars:          cfg.Observation.PreviewChars,
		Store:                 store,
	}
	dispatcher := dispatch.New(dispatch.Options{
		Catalog:            cat,
		Schemas:            schemas,
		Artifacts:          store,
		Clamp:              clamp,
		Bus:                bus,
		Logger:             opts.Logger,
		Metrics:            opts.Metrics,
		Tracer:             opts.Tracer,
		GlobalParallelism:  cfg.Dispatch.GlobalParallelism,
		DefaultConcurrency: cfg.Dispatch.DefaultToolConcurrency,
		DefaultTimeout:     cfg.Dispatch.DefaultTimeout,
		RejectPlaceholders: cfg.Dispatch.RejectPlaceholders,
	})

	// Planner-state capability is optional: absent, pauses are local-only.
	var snapshots statestore.PlannerStateStore
	if s, ok := opts.Store.(statestore.PlannerStateStore); ok {
		snapshots = s
	}

	rt := &Runtime{
		cfg:       cfg,
		model:     opts.Model,
		reflector: opts.Reflector,
		catalog:   cat,
		schemas:   schemas,
		artifacts: store,
		bus:       bus,
		dispatch:  dispatcher,
		steps:     trajectory.NewRecorder(),
		pauses:    pause.NewController(snapshots, cfg.Pause.TTL, nil),
		store:     safe,
		steering:  newSteeringQueues(),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	rt.sessions = session.New(bus, rt)
	return rt, nil
}

// RegisterTool registers a descriptor, its schemas, and its native handler
// under "{ns}.{localName}". Registration happens at startup; the catalog is
// immutable afterwards by convention.
func (rt *Runtime) RegisterTool(ns, localName string, desc catalog.Descriptor, h dispatch.Handler) (*catalog.Descriptor, error) {
	registered, err := rt.catalog.Register(ns, localName, desc)
	if err != nil {
		return nil, err
	}
	if err := rt.schemas.Register(registered.QualifiedName, desc.InputSchema, desc.OutputSchema); err != nil {
		return nil, err
	}
	if h != nil {
		rt.dispatch.RegisterHandler(registered.QualifiedName, h)
	}
	return registered, nil
}

// Catalog exposes the tool catalog for prompt or UI layers.
func (rt *Runtime) Catalog() *catalog.Catalog { return rt.catalog }

// Artifacts exposes the artifact store for download surfaces.
func (rt *Runtime) Artifacts() artifact.Store { return rt.artifacts }

// Bus exposes the event bus for streaming adapters.
func (rt *Runtime) Bus() *events.Bus { return rt.bus }

// Trajectory returns the recorded steps for a trace.
func (rt *Runtime) Trajectory(traceID string) []trajectory.Step {
	return rt.steps.Steps(traceID)
}

// Submit starts the planner loop for a query and returns a stream handle.
// The run executes on its own goroutine; the handle's subscription observes
// every event from seq 0.
func (rt *Runtime) Submit(ctx context.Context, q Query) (*Handle, error) {
	if len(q.Images) > 0 && !rt.model.Capabilities().Vision {
		return nil, model.ErrVisionUnsupported
	}
	traceID := uuid.NewString()
	m := rt.newMachine(traceID, q)
	return rt.start(ctx, m)
}

// Resume redeems a pause token and continues the parked run. The supplied
// result becomes the next observation, merged under the original query's
// budgets and answer gate.
func (rt *Runtime) Resume(ctx context.Context, token string, result map[string]any) (*Handle, error) {
	rec, err := rt.pauses.Resume(ctx, token)
	if err != nil {
		return nil, err
	}
	m := rt.newMachine(rec.TraceID, Query{
		Text:        rec.Snapshot.Query,
		SessionID:   rec.Snapshot.SessionID,
		TenantID:    rec.Snapshot.TenantID,
		UserID:      rec.Snapshot.UserID,
		Images:      rec.Snapshot.Images,
		ToolContext: rec.Snapshot.ToolContext,
		LLMContext:  rec.Snapshot.LLMContext,
		Hints:       rec.Snapshot.Hints,
	})
	m.hops = rec.Snapshot.HopsRemaining
	m.actionSeq = rec.Snapshot.ActionSeq
	m.revisionsDone = rec.Snapshot.RevisionsDone
	m.artifacts = rec.Snapshot.Artifacts
	m.resumed = result
	m.resuming = true
	return rt.start(ctx, m)
}

// Steer queues a steering message for a running trace. The planner observes
// it at its next decision point as an additional signal; it never replaces
// the original query. Returns false when the trace is unknown or finished.
func (rt *Runtime) Steer(traceID, text string) bool {
	return rt.steering.push(traceID, text)
}

func (rt *Runtime) start(ctx context.Context, m *machine) (*Handle, error) {
	runCtx := context.Background()
	var cancel context.CancelFunc
	if rt.cfg.Planner.WallClock > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, rt.cfg.Planner.WallClock)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	// The submission context gates startup only; the run itself is owned by
	// the handle so callers can return from Submit without killing the run.
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}

	rt.bus.ReopenTrace(m.traceID)
	h := &Handle{
		TraceID: m.traceID,
		sub:     rt.bus.Subscribe(m.traceID, events.SubscribeOptions{SinceSeq: rt.bus.NextSeq(m.traceID)}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	rt.steering.open(m.traceID)
	rt.sessions.Begin(runCtx, m.query.SessionID, m.traceID)
	go func() {
		defer close(h.done)
		defer cancel()
		defer rt.steering.drop(m.traceID)
		m.run(runCtx)
		rt.sessions.Transition(context.Background(), m.traceID, m.terminal())
		rt.bus.CloseTrace(m.traceID)
	}()
	return h, nil
}

// Sessions is the session controller: task state, steering intake, and
// session-scoped notifications.
func (rt *Runtime) Sessions() *session.Controller { return rt.sessions }

// Events is the ordered event stream for this run. The channel closes after
// the terminal event once the trace drains.
func (h *Handle) Events() <-chan events.Event { return h.sub.Events() }

// Cancel aborts the run. Outstanding tool calls observe a cancelled context;
// subscribers receive a final error event with class "cancelled".
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run terminates or the context expires.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// eventRecord converts a bus event into its persisted form.
func eventRecord(ev events.Event) statestore.EventRecord {
	return statestore.EventRecord{
		EventID: ev.EventID,
		TraceID: ev.TraceID,
		Kind:    string(ev.Kind),
		Seq:     ev.Seq,
		TS:      ev.TS,
		Node:    ev.Node,
		Payload: ev.Payload,
	}
}

// scope builds the artifact scope for a query's run.
func (q Query) scope(traceID string) artifact.Scope {
	return artifact.Scope{
		TenantID:  q.TenantID,
		UserID:    q.UserID,
		SessionID: q.SessionID,
		TraceID:   traceID,
	}
}
