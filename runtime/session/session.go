// Package session tracks the tasks running under each session and publishes
// their state transitions as state_update events. It is the surface steering
// messages enter through: a USER_MESSAGE targeting a task is handed to the
// planner as an additional signal, never as a replacement for the query.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/events"
)

type (
	// Status is a task's lifecycle state.
	Status string

	// TaskState is the controller's record for one task. TaskID doubles as
	// the task's trace id.
	TaskState struct {
		TaskID       string         `json:"task_id"`
		SessionID    string         `json:"session_id"`
		Status       Status         `json:"status"`
		LastUpdateID string         `json:"last_update_id"`
		Attributes   map[string]any `json:"attributes,omitempty"`
	}

	// SteeringInput is an inbound steering message from the caller surface.
	SteeringInput struct {
		SessionID string
		TaskID    string
		EventType string
		Payload   map[string]any
		Source    string
	}

	// Steerer delivers a steering message to a running task. The runtime
	// satisfies this.
	Steerer interface {
		Steer(traceID, text string) bool
	}

	// Controller owns session and task state. All mutations publish a
	// state_update event on the task's trace stream.
	Controller struct {
		bus    *events.Bus
		runner Steerer

		mu        sync.Mutex
		tasks     map[string]*TaskState
		bySession map[string][]string
	}
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSteering  Status = "steering"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EventTypeUserMessage is the only steering event type the controller
// accepts today.
const EventTypeUserMessage = "USER_MESSAGE"

// ErrUnknownTask is returned when an operation names a task the controller
// has never tracked.
var ErrUnknownTask = errors.New("session: unknown task")

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// New constructs a controller publishing on bus and steering through runner.
func New(bus *events.Bus, runner Steerer) *Controller {
	return &Controller{
		bus:       bus,
		runner:    runner,
		tasks:     make(map[string]*TaskState),
		bySession: make(map[string][]string),
	}
}

// Begin registers the task under its session and moves it to running,
// publishing a pending update first on fresh tasks. Resuming a paused task
// re-enters through here.
func (c *Controller) Begin(ctx context.Context, sessionID, taskID string) *TaskState {
	c.mu.Lock()
	ts, fresh := c.tasks[taskID], false
	if ts == nil {
		ts = &TaskState{TaskID: taskID, SessionID: sessionID, Status: StatusPending}
		c.tasks[taskID] = ts
		c.bySession[sessionID] = append(c.bySession[sessionID], taskID)
		fresh = true
	}
	c.mu.Unlock()

	if fresh {
		c.publish(ctx, ts, StatusPending)
	}
	c.Transition(ctx, taskID, StatusRunning)
	return ts
}

// Transition moves the task to status. Unchanged and post-terminal
// transitions are ignored; nothing is published for them.
func (c *Controller) Transition(ctx context.Context, taskID string, status Status) error {
	c.mu.Lock()
	ts := c.tasks[taskID]
	if ts == nil {
		c.mu.Unlock()
		return ErrUnknownTask
	}
	if ts.Status == status || ts.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.publish(ctx, ts, status)
	return nil
}

// Steer validates a steering message and hands it to the planner. Only
// USER_MESSAGE events carrying text are accepted, and only while the task
// can still observe a decision point.
func (c *Controller) Steer(ctx context.Context, in SteeringInput) bool {
	if in.EventType != EventTypeUserMessage {
		return false
	}
	text, _ := in.Payload["text"].(string)
	if text == "" {
		return false
	}

	c.mu.Lock()
	ts := c.tasks[in.TaskID]
	ok := ts != nil && ts.SessionID == in.SessionID && !ts.Status.Terminal()
	c.mu.Unlock()
	if !ok {
		return false
	}

	if !c.runner.Steer(in.TaskID, text) {
		return false
	}
	c.Transition(ctx, in.TaskID, StatusSteering)
	return true
}

// Notify publishes a NOTIFICATION state_update for the task.
func (c *Controller) Notify(ctx context.Context, taskID, reason string, details map[string]any) error {
	c.mu.Lock()
	ts := c.tasks[taskID]
	c.mu.Unlock()
	if ts == nil {
		return ErrUnknownTask
	}
	payload := map[string]any{
		"update":     "NOTIFICATION",
		"task_id":    taskID,
		"session_id": ts.SessionID,
		"reason":     reason,
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	c.bus.Emit(ctx, taskID, events.StateUpdate, "", payload)
	return nil
}

// PatchContext merges patch into the task's attributes and publishes a
// CONTEXT_PATCH state_update.
func (c *Controller) PatchContext(ctx context.Context, taskID string, patch map[string]any) error {
	c.mu.Lock()
	ts := c.tasks[taskID]
	if ts == nil {
		c.mu.Unlock()
		return ErrUnknownTask
	}
	if ts.Attributes == nil {
		ts.Attributes = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		ts.Attributes[k] = v
	}
	ts.LastUpdateID = uuid.NewString()
	updateID, sessionID := ts.LastUpdateID, ts.SessionID
	c.mu.Unlock()

	c.bus.Emit(ctx, taskID, events.StateUpdate, "", map[string]any{
		"update":     "CONTEXT_PATCH",
		"task_id":    taskID,
		"session_id": sessionID,
		"update_id":  updateID,
		"patch":      patch,
	})
	return nil
}

// Task returns a copy of the task's state.
func (c *Controller) Task(taskID string) (TaskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.tasks[taskID]
	if ts == nil {
		return TaskState{}, false
	}
	return *ts, true
}

// Tasks returns the session's tasks in registration order.
func (c *Controller) Tasks(sessionID string) []TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskState, 0, len(c.bySession[sessionID]))
	for _, id := range c.bySession[sessionID] {
		out = append(out, *c.tasks[id])
	}
	return out
}

// ActiveTasks returns the ids of the session's non-terminal tasks.
func (c *Controller) ActiveTasks(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range c.bySession[sessionID] {
		if !c.tasks[id].Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

func (c *Controller) publish(ctx context.Context, ts *TaskState, status Status) {
	c.mu.Lock()
	ts.Status = status
	ts.LastUpdateID = uuid.NewString()
	updateID, sessionID := ts.LastUpdateID, ts.SessionID
	c.mu.Unlock()

	c.bus.Emit(ctx, ts.TaskID, events.StateUpdate, "", map[string]any{
		"update":     "TASK_STATE",
		"task_id":    ts.TaskID,
		"session_id": sessionID,
		"status":     string(status),
		"update_id":  updateID,
	})
}
