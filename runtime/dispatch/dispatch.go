// Package dispatch turns planner-produced tool calls into observations. It
// owns bounded concurrency (a global cap plus per-tool semaphores), retry
// with exponential backoff and jitter, per-attempt timeouts, argument
// validation, and the redaction pipeline applied to every result. Failures
// never escape as errors: each terminal failure becomes a structured
// ToolError observation the planner can reason about.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	"github.com/penguiflow/penguiflow/runtime/catalog"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/planner"
	"github.com/penguiflow/penguiflow/runtime/redact"
	"github.com/penguiflow/penguiflow/runtime/schema"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
	"github.com/penguiflow/penguiflow/runtime/toolerror"
)

type (
	// Handler is a native tool implementation. Input is the validated
	// argument payload; the returned document is validated against the
	// tool's output schema and then redacted and clamped.
	Handler func(ctx context.Context, tc *ToolContext, input json.RawMessage) (json.RawMessage, error)

	// Options wires the dispatcher's collaborators and limits.
	Options struct {
		Catalog   *catalog.Catalog
		Schemas   *schema.Registry
		Artifacts artifact.Store
		Clamp     *redact.Clamp
		Bus       *events.Bus
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		Tracer    telemetry.Tracer

		// GlobalParallelism caps in-flight tool calls across all runs.
		// Zero means 50.
		GlobalParallelism int
		// DefaultConcurrency is the per-tool cap when a descriptor omits
		// MaxConcurrency. Zero means 10.
		DefaultConcurrency int
		// DefaultTimeout bounds an attempt when a descriptor omits Timeout.
		// Zero means 60s.
		DefaultTimeout time.Duration
		// RejectPlaceholders fails calls whose arguments still contain
		// template placeholders instead of invoking the tool.
		RejectPlaceholders bool
		// RateLimits optionally throttles tools by qualified name.
		RateLimits map[string]rate.Limit
		// LookupEnv resolves ${VAR} references in descriptor auth config.
		// Defaults to os.LookupEnv.
		LookupEnv func(string) (string, bool)
	}

	// Call is one tool invocation request with its run context.
	Call struct {
		planner.ToolCall
		TraceID   string
		ActionSeq int
		Scope     artifact.Scope
		// Visibility is the run's activation state. Activation-on-first-use
		// mutates it, so the same value must be shared across a run's calls.
		Visibility *catalog.Visibility
	}

	// Result pairs the planner-facing tool result with dispatch bookkeeping.
	Result struct {
		planner.ToolResult
		CallID string
		// Artifacts lists the refs stored for schema-marked output fields,
		// in field path order. The observation carries the matching
		// reference documents in place of the raw values.
		Artifacts []artifact.Ref
		Telemetry telemetry.ToolTelemetry
	}

	// Dispatcher executes tool calls under bounded concurrency.
	Dispatcher struct {
		opts   Options
		global *semaphore.Weighted

		mu       sync.Mutex
		handlers map[string]Handler
		perTool  map[string]chan struct{}
		limiters map[string]*rate.Limiter
	}
)

const (
	defaultGlobalParallelism = 50
	defaultToolConcurrency   = 10
	defaultAttemptTimeout    = 60 * time.Second
)

// ErrNoHandler indicates a descriptor registered without an implementation.
var ErrNoHandler = errors.New("dispatch: no handler registered")

// New constructs a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.GlobalParallelism <= 0 {
		opts.GlobalParallelism = defaultGlobalParallelism
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = defaultToolConcurrency
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultAttemptTimeout
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer{}
	}
	return &Dispatcher{
		opts:     opts,
		global:   semaphore.NewWeighted(int64(opts.GlobalParallelism)),
		handlers: make(map[string]Handler),
		perTool:  make(map[string]chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterHandler binds a native implementation to a qualified tool name.
func (d *Dispatcher) RegisterHandler(qualifiedName string, h Handler) {
	d.mu.Lock()
	d.handlers[qualifiedName] = h
	d.mu.Unlock()
}

// DispatchAll executes one step's calls with at most maxParallel in flight
// and joins results in declared index order. maxParallel <= 0 means no
// step-level cap beyond the dispatcher's own limits.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []Call, maxParallel int) []Result {
	results := make([]Result, len(calls))
	if maxParallel <= 0 || maxParallel > len(calls) {
		maxParallel = len(calls)
	}
	var (
		wg   sync.WaitGroup
		slot = make(chan struct{}, maxParallel)
	)
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot <- struct{}{}
			defer func() { <-slot }()
			results[i] = d.Dispatch(ctx, calls[i])
		}(i)
	}
	wg.Wait()
	return results
}

// Dispatch executes a single tool call end to end: descriptor resolution,
// auth substitution, input validation, semaphore acquisition, the retry
// loop, output validation, and redaction. The returned result always carries
// either redacted output or a structured error.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	callID := call.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	res := Result{CallID: callID}
	res.Tool = call.Tool

	ctx, span := d.opts.Tracer.Start(ctx, "tool."+call.Tool)
	defer span.End()

	d.opts.Bus.Emit(ctx, call.TraceID, events.ToolCallStart, call.Tool, map[string]any{
		"tool_call_id": callID,
		"tool":         call.Tool,
		"action_seq":   call.ActionSeq,
	})

	fail := func(te *toolerror.ToolError) Result {
		res.Err = te
		span.RecordError(te)
		span.SetStatus(codes.Error, string(te.Class))
		d.emitEnd(ctx, call, callID, res)
		return res
	}

	desc, err := d.resolve(call)
	if err != nil {
		return fail(toolerror.FromError(err))
	}

	auth, err := d.resolveAuth(desc)
	if err != nil {
		return fail(toolerror.FromError(err))
	}

	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if d.opts.RejectPlaceholders && containsPlaceholder(args) {
		d.suspectArgs(ctx, call, "unresolved placeholder in arguments")
		return fail(toolerror.New(toolerror.ClassArgsRejected, "arguments contain unresolved placeholders"))
	}
	if mismatch := d.opts.Schemas.ValidateInput(call.Tool, args); mismatch != nil {
		d.suspectArgs(ctx, call, mismatch.Error())
		return fail(toolerror.Wrap(toolerror.ClassSchemaMismatch, "input validation failed", mismatch))
	}

	d.opts.Bus.Emit(ctx, call.TraceID, events.ToolCallArgs, call.Tool, map[string]any{
		"tool_call_id": callID,
		"args":         json.RawMessage(args),
	})

	d.mu.Lock()
	handler := d.handlers[call.Tool]
	d.mu.Unlock()
	if handler == nil {
		return fail(toolerror.Newf(toolerror.ClassToolFailed, "no handler registered for %s", call.Tool))
	}

	queueStart := time.Now()
	if err := d.global.Acquire(ctx, 1); err != nil {
		return fail(toolerror.Wrap(toolerror.ClassCancelled, "cancelled waiting for global slot", err))
	}
	defer d.global.Release(1)

	toolSem := d.toolSemaphore(call.Tool, desc)
	select {
	case toolSem <- struct{}{}:
	case <-ctx.Done():
		return fail(toolerror.Wrap(toolerror.ClassCancelled, "cancelled waiting for tool slot", ctx.Err()))
	}
	defer func() { <-toolSem }()
	res.Telemetry.QueueWait = time.Since(queueStart)

	if limiter := d.limiter(call.Tool); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fail(toolerror.Wrap(toolerror.ClassCancelled, "cancelled waiting for rate limit", ctx.Err()))
		}
	}

	output, te := d.invokeWithRetry(ctx, call, callID, desc, auth, args, handler, &res.Telemetry)
	if te != nil {
		return fail(te)
	}

	if mismatch := d.opts.Schemas.ValidateOutput(call.Tool, output); mismatch != nil {
		return fail(toolerror.Wrap(toolerror.ClassSchemaMismatch, "output validation failed", mismatch))
	}

	paths, err := d.opts.Schemas.ArtifactPaths(call.Tool)
	if err != nil {
		return fail(toolerror.Wrap(toolerror.ClassToolFailed, "redaction failed", err))
	}
	redacted, err := redact.Redact(output, paths)
	if err != nil {
		return fail(toolerror.Wrap(toolerror.ClassToolFailed, "redaction failed", err))
	}
	grafted, refs, err := d.opts.Clamp.StoreMarked(ctx, call.Tool, redacted, call.Scope)
	if err != nil {
		return fail(toolerror.Wrap(toolerror.ClassToolFailed, "marked field storage failed", err))
	}
	clamped, err := d.opts.Clamp.Apply(ctx, call.Tool, grafted, call.Scope)
	if err != nil {
		return fail(toolerror.Wrap(toolerror.ClassToolFailed, "observation clamp failed", err))
	}

	res.Output = clamped.Value
	res.Artifact = clamped.Artifact
	res.Truncated = clamped.Truncated
	res.Artifacts = refs
	d.emitEnd(ctx, call, callID, res)
	return res
}

// invokeWithRetry runs the attempt loop. It returns the raw output on
// success or the terminal structured error with the consumed retry count.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, call Call, callID string, desc *catalog.Descriptor, auth map[string]string, args json.RawMessage, handler Handler, tel *telemetry.ToolTelemetry) (json.RawMessage, *toolerror.ToolError) {
	policy := desc.Retry
	attempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		attempts = policy.MaxAttempts
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}

	var last *toolerror.ToolError
	for attempt := 1; attempt <= attempts; attempt++ {
		tel.Attempts = attempt
		tel.Retries = attempt - 1

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		tc := &ToolContext{
			CallID:    callID,
			Tool:      call.Tool,
			TraceID:   call.TraceID,
			ActionSeq: call.ActionSeq,
			Scope:     call.Scope,
			Auth:      auth,
			Logger:    d.opts.Logger,
			store:     d.opts.Artifacts,
			bus:       d.opts.Bus,
			chunkSeqs: make(map[string]int),
		}
		if dl, ok := attemptCtx.Deadline(); ok {
			tc.deadline = dl
		}

		start := time.Now()
		output, err := handler(attemptCtx, tc, args)
		tel.Duration = time.Since(start)
		cancel()

		if err == nil {
			d.opts.Metrics.RecordTimer("tool_duration", tel.Duration, "tool", call.Tool)
			return output, nil
		}

		last = classify(err, attemptCtx)
		tel.StatusCode = last.Status
		if ctx.Err() != nil {
			last = toolerror.Wrap(toolerror.ClassCancelled, "tool call cancelled", ctx.Err())
			break
		}
		if !d.retriable(policy, last) || attempt == attempts {
			break
		}
		d.opts.Logger.Warn(ctx, "tool attempt failed, retrying",
			"tool", call.Tool, "attempt", attempt, "class", string(last.Class))
		d.opts.Metrics.IncCounter("tool_retry", 1, "tool", call.Tool)
		select {
		case <-time.After(backoff(policy, attempt)):
		case <-ctx.Done():
			return nil, toolerror.Wrap(toolerror.ClassCancelled, "tool call cancelled", ctx.Err())
		}
	}
	return nil, last.WithRetries(tel.Retries)
}

func (d *Dispatcher) emitEnd(ctx context.Context, call Call, callID string, res Result) {
	endPayload := map[string]any{
		"tool_call_id": callID,
		"latency_ms":   res.Telemetry.Duration.Milliseconds(),
		"attempts":     res.Telemetry.Attempts,
	}
	d.opts.Bus.Emit(ctx, call.TraceID, events.ToolCallEnd, call.Tool, endPayload)

	resultPayload := map[string]any{
		"tool_call_id": callID,
		"tool":         call.Tool,
	}
	if res.Err != nil {
		resultPayload["error"] = res.Err
	} else {
		resultPayload["redacted_output"] = json.RawMessage(res.Output)
		if res.Artifact != nil {
			resultPayload["artifact"] = res.Artifact
		}
	}
	d.opts.Bus.Emit(ctx, call.TraceID, events.ToolCallResult, call.Tool, resultPayload)
}

// resolve looks up the descriptor and enforces deferred activation policy.
func (d *Dispatcher) resolve(call Call) (*catalog.Descriptor, error) {
	desc, err := d.opts.Catalog.Lookup(call.Tool)
	if err != nil {
		return nil, toolerror.Wrap(toolerror.ClassToolFailed, "unknown tool", err)
	}
	if desc.Loading == catalog.LoadingDeferred {
		vis := call.Visibility
		if vis == nil || vis.Disallow[call.Tool] {
			return nil, toolerror.Newf(toolerror.ClassNotActivatable, "tool %s cannot be activated for this run", call.Tool)
		}
		// Activation state is shared across a step's parallel calls.
		d.mu.Lock()
		if vis.Activated == nil {
			vis.Activated = make(map[string]bool)
		}
		vis.Activated[call.Tool] = true
		d.mu.Unlock()
	} else if call.Visibility != nil && call.Visibility.Disallow[call.Tool] {
		return nil, toolerror.Newf(toolerror.ClassNotActivatable, "tool %s is disallowed for this run", call.Tool)
	}
	return desc, nil
}

// resolveAuth expands ${VAR} references in the descriptor's auth config.
func (d *Dispatcher) resolveAuth(desc *catalog.Descriptor) (map[string]string, error) {
	if len(desc.Auth) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(desc.Auth))
	for key, value := range desc.Auth {
		var missing string
		expanded := os.Expand(value, func(name string) string {
			v, ok := d.opts.LookupEnv(name)
			if !ok && missing == "" {
				missing = name
			}
			return v
		})
		if missing != "" {
			return nil, toolerror.Newf(toolerror.ClassAuthConfig, "auth config %s references unset variable %s", key, missing)
		}
		out[key] = expanded
	}
	return out, nil
}

func (d *Dispatcher) suspectArgs(ctx context.Context, call Call, detail string) {
	d.opts.Logger.Warn(ctx, "planner args suspect", "tool", call.Tool, "detail", detail)
	d.opts.Metrics.IncCounter("planner_args_suspect", 1, "tool", call.Tool)
}

func (d *Dispatcher) toolSemaphore(name string, desc *catalog.Descriptor) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem := d.perTool[name]
	if sem == nil {
		size := desc.MaxConcurrency
		if size <= 0 {
			size = d.opts.DefaultConcurrency
		}
		sem = make(chan struct{}, size)
		d.perTool[name] = sem
	}
	return sem
}

func (d *Dispatcher) limiter(name string) *rate.Limiter {
	limit, ok := d.opts.RateLimits[name]
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.limiters[name]
	if l == nil {
		l = rate.NewLimiter(limit, 1)
		d.limiters[name] = l
	}
	return l
}

func (d *Dispatcher) retriable(policy *catalog.RetryPolicy, te *toolerror.ToolError) bool {
	if policy == nil {
		return false
	}
	switch te.Class {
	case toolerror.ClassTimeout, toolerror.ClassRateLimited:
		return true
	}
	for _, status := range policy.RetryOnStatus {
		if te.Status == status {
			return true
		}
	}
	return false
}

// classify converts a handler error into a structured tool error.
func classify(err error, attemptCtx context.Context) *toolerror.ToolError {
	var te *toolerror.ToolError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return toolerror.Wrap(toolerror.ClassTimeout, "tool attempt timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return toolerror.Wrap(toolerror.ClassCancelled, "tool attempt cancelled", err)
	}
	return toolerror.FromError(err)
}

// backoff computes the sleep before the next attempt: exponential growth
// bounded by the policy, with half-interval jitter.
func backoff(policy *catalog.RetryPolicy, attempt int) time.Duration {
	minB := 100 * time.Millisecond
	maxB := 5 * time.Second
	if policy != nil {
		if policy.MinBackoff > 0 {
			minB = policy.MinBackoff
		}
		if policy.MaxBackoff > 0 {
			maxB = policy.MaxBackoff
		}
	}
	d := minB << (attempt - 1)
	if d > maxB || d <= 0 {
		d = maxB
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// containsPlaceholder detects template syntax left in arguments, such as
// {{variable}} markers the model failed to substitute.
func containsPlaceholder(args json.RawMessage) bool {
	s := string(args)
	open := strings.Index(s, "{{")
	return open >= 0 && strings.Contains(s[open:], "}}")
}
