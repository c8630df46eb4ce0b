package penguiflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	"github.com/penguiflow/penguiflow/runtime/catalog"
	"github.com/penguiflow/penguiflow/runtime/dispatch"
	"github.com/penguiflow/penguiflow/runtime/events"
	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/pause"
	"github.com/penguiflow/penguiflow/runtime/planner"
	"github.com/penguiflow/penguiflow/runtime/session"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// machine drives one run of the ReAct loop. It is single-goroutine: all
// state transitions happen on the run's planner task, and concurrency is
// confined to the dispatcher and the bus.
type machine struct {
	rt      *Runtime
	traceID string
	query   Query

	// hops is the remaining step budget; zero forces a Finish.
	hops int
	// actionSeq tags the next action; the terminating Finish's value is the
	// answer gate carried in done.
	actionSeq     int
	revisionsDone int
	// resumed carries a redeemed pause's external result; it becomes the
	// next step's observation.
	resumed map[string]any
	// resuming marks a machine rebuilt from a pause snapshot. Query image
	// attachments were announced on the original run and are not repeated.
	resuming bool
	// artifacts accumulates the refs stored during the run, for pause
	// snapshots.
	artifacts []artifact.Ref
	// vis is the run's activation state, shared with the dispatcher so
	// deferred tools activated mid-run stay visible for later prompts.
	vis *catalog.Visibility
	// exit is the task status the run ended in.
	exit session.Status
}

// terminal reports how the run ended. Valid after run returns.
func (m *machine) terminal() session.Status {
	if m.exit == "" {
		return session.StatusFailed
	}
	return m.exit
}

func (rt *Runtime) newMachine(traceID string, q Query) *machine {
	hops := rt.cfg.Planner.MaxHops
	if q.Hints.MaxHops > 0 && q.Hints.MaxHops < hops {
		hops = q.Hints.MaxHops
	}
	vis := &catalog.Visibility{}
	if len(q.Hints.DisallowNodes) > 0 {
		vis.Disallow = make(map[string]bool, len(q.Hints.DisallowNodes))
		for _, name := range q.Hints.DisallowNodes {
			vis.Disallow[name] = true
		}
	}
	return &machine{
		rt:      rt,
		traceID: traceID,
		query:   q,
		hops:    hops,
		vis:     vis,
	}
}

// run executes the loop to a terminal state. Every exit path emits exactly
// one terminal event: done, pause, or error.
func (m *machine) run(ctx context.Context) {
	rt := m.rt
	if !m.resuming {
		for _, img := range m.query.Images {
			rt.emit(ctx, m.traceID, events.ArtifactStored, "", map[string]any{
				"artifact": img,
				"source":   "query_attachment",
			})
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			m.fail(ctx, "cancelled", "query cancelled")
			return
		}
		if m.hops <= 0 {
			m.finish(ctx, m.bestEffortAnswer(), nil, true)
			return
		}

		steering := rt.steering.drain(m.traceID)
		if len(steering) > 0 {
			// A drained steering message has been observed; the task is no
			// longer in the steering state.
			rt.sessions.Transition(ctx, m.traceID, session.StatusRunning)
		}
		action, thinking, err := m.decide(ctx, steering)
		if err != nil {
			if ctx.Err() != nil {
				m.fail(ctx, "cancelled", "query cancelled")
				return
			}
			m.fail(ctx, "planner_error", err.Error())
			return
		}
		if thinking != "" {
			rt.emit(ctx, m.traceID, events.Thinking, "", map[string]any{"text": thinking})
		}

		seq := m.actionSeq
		m.actionSeq++
		rt.emit(ctx, m.traceID, events.StepStart, "", map[string]any{
			"action_seq":     seq,
			"hops_remaining": m.hops,
		})
		stepStart := time.Now()

		switch a := action.(type) {
		case planner.Think:
			rt.emit(ctx, m.traceID, events.Thinking, "", map[string]any{"text": a.Text})
			m.record(a, m.pendingObservation(steering), stepStart, "")
			m.endStep(ctx, stepStart)
			m.hops--

		case planner.Plan:
			obs := m.execute(ctx, a, steering)
			m.record(a, obs, stepStart, "")
			m.endStep(ctx, stepStart)
			if ctx.Err() != nil {
				m.fail(ctx, "cancelled", "query cancelled")
				return
			}
			m.hops--

		case planner.Finish:
			answer := a.Answer
			if rt.cfg.Planner.ReflectionEnabled {
				answer = m.reflect(ctx, answer)
			}
			m.record(planner.Finish{Answer: answer, Sources: a.Sources}, m.pendingObservation(steering), stepStart, "")
			m.endStep(ctx, stepStart)
			m.finishWithSeq(ctx, seq, answer, a.Sources, false)
			return

		case planner.Pause:
			m.record(a, m.pendingObservation(steering), stepStart, "")
			m.endStep(ctx, stepStart)
			m.pause(ctx, a)
			return
		}
	}
}

// decide obtains the next action from the model. Steering messages ride
// along as extra user turns but never replace the query.
func (m *machine) decide(ctx context.Context, steering []string) (planner.Action, string, error) {
	req := m.buildRequest(steering)

	ctx, span := m.rt.tracer.Start(ctx, "planner.complete")
	defer span.End()

	var (
		resp model.Response
		err  error
	)
	if sc, ok := m.rt.model.(model.Streaming); ok {
		resp, err = sc.CompleteStream(ctx, req, func(text string) {
			m.rt.emit(ctx, m.traceID, events.LLMStreamChunk, "", map[string]any{"text": text})
		})
	} else {
		resp, err = m.rt.model.Complete(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}
	action, err := planner.DecodeAction(resp.Action)
	if err != nil {
		return nil, "", err
	}
	return action, resp.Thinking, nil
}

// execute fans a Plan out to the dispatcher and assembles the observation
// in declared index order.
func (m *machine) execute(ctx context.Context, a planner.Plan, steering []string) *planner.Observation {
	scope := m.query.scope(m.traceID)
	calls := make([]dispatch.Call, len(a.Parallel))
	for i, tc := range a.Parallel {
		calls[i] = dispatch.Call{
			ToolCall:   tc,
			TraceID:    m.traceID,
			ActionSeq:  m.actionSeq - 1,
			Scope:      scope,
			Visibility: m.vis,
		}
	}
	results := make([]dispatch.Result, len(calls))
	for _, b := range groupCalls(calls, m.query.Hints.ParallelGroups) {
		for i, res := range m.rt.dispatch.DispatchAll(ctx, b.calls, m.query.Hints.MaxParallel) {
			results[b.indexes[i]] = res
		}
	}

	obs := &planner.Observation{
		ToolResults: make([]planner.ToolResult, len(results)),
		Parallel:    len(results) > 1,
		Steering:    steering,
		Resumed:     m.takeResumed(),
	}
	for i, res := range results {
		obs.ToolResults[i] = res.ToolResult
		m.artifacts = append(m.artifacts, res.Artifacts...)
		if res.Artifact != nil {
			m.artifacts = append(m.artifacts, *res.Artifact)
		}
	}
	return obs
}

// batch is the slice of one step's calls sharing a parallel group, with
// their declared positions so join order survives batching.
type batch struct {
	calls   []dispatch.Call
	indexes []int
}

// groupCalls partitions calls per the parallel_groups hint: one batch per
// group in hint order, then a trailing batch for calls no group names.
// Without the hint every call lands in a single batch.
func groupCalls(calls []dispatch.Call, groups [][]string) []batch {
	if len(groups) == 0 {
		b := batch{calls: calls, indexes: make([]int, len(calls))}
		for i := range calls {
			b.indexes[i] = i
		}
		return []batch{b}
	}
	groupOf := make(map[string]int)
	for gi, group := range groups {
		for _, tool := range group {
			groupOf[tool] = gi
		}
	}
	batches := make([]batch, len(groups)+1)
	for i, c := range calls {
		gi, ok := groupOf[c.Tool]
		if !ok {
			gi = len(groups)
		}
		batches[gi].calls = append(batches[gi].calls, c)
		batches[gi].indexes = append(batches[gi].indexes, i)
	}
	out := batches[:0]
	for _, b := range batches {
		if len(b.calls) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// reflect runs the bounded critique loop over a draft answer, emitting a
// revision event per accepted revision. Reflection sits outside the
// per-step parallelism cap.
func (m *machine) reflect(ctx context.Context, answer string) string {
	for m.revisionsDone < m.rt.cfg.Planner.MaxRevisions {
		req := m.buildReflectionRequest(answer)
		resp, err := m.rt.reflector.Complete(ctx, req)
		if err != nil {
			m.rt.logger.Warn(ctx, "reflection call failed", "trace_id", m.traceID, "err", err)
			return answer
		}
		verdict, err := planner.DecodeReflection(resp.Action)
		if err != nil {
			m.rt.logger.Warn(ctx, "reflection verdict invalid", "trace_id", m.traceID, "err", err)
			return answer
		}
		if !verdict.Revise || verdict.Revised == "" {
			return answer
		}
		m.revisionsDone++
		answer = verdict.Revised
		m.rt.emit(ctx, m.traceID, events.Revision, "", map[string]any{
			"revision": m.revisionsDone,
			"score":    verdict.Score,
			"critique": verdict.Critique,
			"text":     answer,
		})
	}
	return answer
}

// finish streams the gated answer and emits the terminal done event. The
// forced path reports budget exhaustion as a state_update diagnostic before
// terminating.
func (m *machine) finish(ctx context.Context, answer string, sources []string, budgetExhausted bool) {
	seq := m.actionSeq
	m.actionSeq++
	if budgetExhausted {
		m.rt.emit(ctx, m.traceID, events.StateUpdate, "", map[string]any{
			"update": "NOTIFICATION",
			"reason": "budget_exhausted",
		})
		m.record(planner.Finish{Answer: answer}, nil, time.Now(), "")
	}
	m.finishWithSeq(ctx, seq, answer, sources, budgetExhausted)
}

func (m *machine) finishWithSeq(ctx context.Context, seq int, answer string, sources []string, budgetExhausted bool) {
	m.exit = session.StatusCompleted
	if answer != "" {
		m.rt.emit(ctx, m.traceID, events.Chunk, "", map[string]any{
			"channel":    "answer",
			"text":       answer,
			"action_seq": seq,
			"done":       true,
		})
	}
	payload := map[string]any{
		"answer_action_seq": seq,
	}
	if len(sources) > 0 {
		payload["sources"] = sources
	}
	if budgetExhausted {
		payload["budget_exhausted"] = true
	}
	m.rt.emit(ctx, m.traceID, events.Done, "", payload)
}

// pause snapshots the run and emits the terminal pause event carrying the
// freshly minted resume token.
func (m *machine) pause(ctx context.Context, a planner.Pause) {
	snap := pause.Snapshot{
		TraceID:       m.traceID,
		SessionID:     m.query.SessionID,
		TenantID:      m.query.TenantID,
		UserID:        m.query.UserID,
		Query:         m.query.Text,
		Hints:         m.query.Hints,
		Images:        m.query.Images,
		ToolContext:   m.query.ToolContext,
		LLMContext:    m.query.LLMContext,
		HopsRemaining: m.hops,
		ActionSeq:     m.actionSeq,
		RevisionsDone: m.revisionsDone,
		Artifacts:     m.artifacts,
	}
	if snap.Interaction = interactionFromPayload(a.Payload); snap.Interaction != nil {
		snap.Interaction.CreatedAt = time.Now()
		snap.PendingToolCalls = []string{snap.Interaction.ToolCallID}
	}
	rec, err := m.rt.pauses.Pause(ctx, m.traceID, m.query.SessionID, a.Reason, a.Payload, snap)
	if err != nil {
		m.fail(ctx, "pause_failed", err.Error())
		return
	}
	m.exit = session.StatusPaused
	m.rt.emit(ctx, m.traceID, events.Pause, "", map[string]any{
		"resume_token": rec.ResumeToken,
		"reason":       a.Reason,
		"payload":      a.Payload,
		"expires_at":   rec.ExpiresAt,
	})
}

// fail emits the terminal error event. The trajectory is left clean: all
// recorded steps are complete.
func (m *machine) fail(ctx context.Context, class, msg string) {
	m.exit = session.StatusFailed
	m.rt.emit(ctx, m.traceID, events.Error, "", map[string]any{
		"class":    class,
		"message":  msg,
		"trace_id": m.traceID,
	})
}

func (m *machine) endStep(ctx context.Context, start time.Time) {
	m.rt.emit(ctx, m.traceID, events.StepEnd, "", map[string]any{
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// record appends a completed step. The index is the recorder's current
// length for the trace, which on a fresh run equals the action seq.
func (m *machine) record(action planner.Action, obs *planner.Observation, start time.Time, errMsg string) {
	step := trajectory.Step{
		Index:       m.rt.steps.Len(m.traceID),
		Action:      action,
		Observation: obs,
		Latency:     time.Since(start),
		Error:       errMsg,
	}
	if err := m.rt.steps.Append(m.traceID, step); err != nil {
		m.rt.logger.Error(context.Background(), "trajectory append rejected", "trace_id", m.traceID, "err", err)
	}
}

// pendingObservation wraps resumed results and steering into an observation
// for steps that execute no tools. Returns nil when there is nothing.
func (m *machine) pendingObservation(steering []string) *planner.Observation {
	resumed := m.takeResumed()
	if resumed == nil && len(steering) == 0 {
		return nil
	}
	return &planner.Observation{Resumed: resumed, Steering: steering}
}

func (m *machine) takeResumed() map[string]any {
	r := m.resumed
	m.resumed = nil
	return r
}

// bestEffortAnswer extracts terminal content when the hop budget runs out:
// the latest draft the model produced, else a summary of the last
// observation.
func (m *machine) bestEffortAnswer() string {
	steps := m.rt.steps.Steps(m.traceID)
	for i := len(steps) - 1; i >= 0; i-- {
		switch a := steps[i].Action.(type) {
		case planner.Finish:
			if a.Answer != "" {
				return a.Answer
			}
		case planner.Think:
			if a.Text != "" {
				return a.Text
			}
		}
	}
	for i := len(steps) - 1; i >= 0; i-- {
		obs := steps[i].Observation
		if obs == nil || len(obs.ToolResults) == 0 {
			continue
		}
		if out, err := json.Marshal(obs.ToolResults); err == nil {
			return string(out)
		}
	}
	return ""
}

// interactionFromPayload recognizes interactive UI pauses by their component
// field and lifts them into a PendingInteraction record.
func interactionFromPayload(payload map[string]any) *pause.Interaction {
	component, _ := payload["component"].(string)
	if component == "" {
		return nil
	}
	in := &pause.Interaction{Component: component}
	if id, ok := payload["tool_call_id"].(string); ok {
		in.ToolCallID = id
	}
	if name, ok := payload["tool_name"].(string); ok {
		in.ToolName = name
	}
	if props, ok := payload["props"].(map[string]any); ok {
		in.Props = props
	}
	return in
}

// emit forwards to the bus; kept on Runtime so machine call sites stay terse.
func (rt *Runtime) emit(ctx context.Context, traceID string, kind events.Kind, node string, payload map[string]any) {
	rt.bus.Emit(ctx, traceID, kind, node, payload)
}

// steeringQueues holds pending steering messages per running trace.
type steeringQueues struct {
	mu     sync.Mutex
	queues map[string][]string
}

func newSteeringQueues() *steeringQueues {
	return &steeringQueues{queues: make(map[string][]string)}
}

func (s *steeringQueues) open(traceID string) {
	s.mu.Lock()
	if _, ok := s.queues[traceID]; !ok {
		s.queues[traceID] = nil
	}
	s.mu.Unlock()
}

func (s *steeringQueues) push(traceID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[traceID]; !ok {
		return false
	}
	s.queues[traceID] = append(s.queues[traceID], text)
	return true
}

func (s *steeringQueues) drain(traceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queues[traceID]
	s.queues[traceID] = nil
	return out
}

func (s *steeringQueues) drop(traceID string) {
	s.mu.Lock()
	delete(s.queues, traceID)
	s.mu.Unlock()
}
