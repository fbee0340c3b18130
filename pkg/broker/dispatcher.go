// Package broker ties the pieces together: it turns incoming messages
// into tasks, routes them, and drives execution on devices, external
// agents, or locally.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/device"
	"github.com/fleetlink/fleetlink/pkg/observability"
	"github.com/fleetlink/fleetlink/pkg/router"
	"github.com/fleetlink/fleetlink/pkg/task"
	"github.com/fleetlink/fleetlink/pkg/worker"
)

// Dispatcher executes routing decisions for tasks.
type Dispatcher struct {
	tasks     *task.Manager
	router    *router.Router
	registry  *device.Registry
	pool      *worker.Pool
	client    *a2a.Client
	endpoints *router.Endpoints
	metrics   observability.Metrics

	blockingTimeout time.Duration
	toolTimeout     time.Duration
}

type Option func(*Dispatcher)

// WithBlockingTimeout bounds how long a blocking send waits for the
// task to settle.
func WithBlockingTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.blockingTimeout = d }
}

// WithToolTimeout bounds one device tool invocation. A tool that
// declares its own timeout overrides this default.
func WithToolTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.toolTimeout = d }
}

// WithMetrics wires invocation counters.
func WithMetrics(m observability.Metrics) Option {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// NewDispatcher builds the dispatcher.
func NewDispatcher(tasks *task.Manager, rt *router.Router, registry *device.Registry,
	pool *worker.Pool, client *a2a.Client, endpoints *router.Endpoints, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tasks:           tasks,
		router:          rt,
		registry:        registry,
		pool:            pool,
		client:          client,
		endpoints:       endpoints,
		metrics:         (*observability.PrometheusMetrics)(nil),
		blockingTimeout: 60 * time.Second,
		toolTimeout:     60 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send handles one message. A message with a taskId continues that
// task; otherwise a new task is created and queued. Blocking sends wait
// until the task settles (terminal or waiting for input) or the
// blocking timeout passes, then return the current snapshot.
func (d *Dispatcher) Send(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error) {
	if params.Message.TaskID != "" {
		return d.continueTask(ctx, params)
	}

	t, err := d.tasks.CreateTask(ctx, params.Message, params.Configuration)
	if err != nil {
		return nil, err
	}
	// Dedup may hand back an existing task; do not queue it twice.
	if t.Status.State != a2a.TaskStateSubmitted || len(t.History) != 1 {
		return t, nil
	}

	blocking := params.Configuration == nil || params.Configuration.Blocking == nil || *params.Configuration.Blocking

	var events <-chan a2a.Event
	var cancelSub func()
	if blocking {
		events, cancelSub, err = d.tasks.Subscribe(t.ID)
		if err != nil {
			return nil, err
		}
		defer cancelSub()
	}

	if err := d.enqueue(t.ID, params.Message); err != nil {
		return nil, err
	}

	if !blocking {
		return t, nil
	}
	return d.waitSettled(ctx, t.ID, events)
}

// continueTask appends the message to an existing task and resumes it
// when it was waiting for input.
func (d *Dispatcher) continueTask(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error) {
	t, err := d.tasks.AppendUserMessage(ctx, params.Message.TaskID, params.Message)
	if err != nil {
		return nil, err
	}

	state := t.Status.State
	if state != a2a.TaskStateInputRequired && state != a2a.TaskStateAuthRequired && state != a2a.TaskStateSubmitted {
		return t, nil
	}

	blocking := params.Configuration == nil || params.Configuration.Blocking == nil || *params.Configuration.Blocking

	var events <-chan a2a.Event
	var cancelSub func()
	if blocking {
		events, cancelSub, err = d.tasks.Subscribe(t.ID)
		if err != nil {
			return nil, err
		}
		defer cancelSub()
	}

	if err := d.enqueue(t.ID, params.Message); err != nil {
		return nil, err
	}
	if !blocking {
		return d.tasks.Get(ctx, t.ID, nil)
	}
	return d.waitSettled(ctx, t.ID, events)
}

// Start queues execution of an already-created task. Used by the
// streaming path, which subscribes before work begins.
func (d *Dispatcher) Start(taskID string, msg a2a.Message) error {
	return d.enqueue(taskID, msg)
}

func (d *Dispatcher) enqueue(taskID string, msg a2a.Message) error {
	err := d.pool.Submit(worker.Job{
		Kind:   worker.JobToolInvoke,
		TaskID: taskID,
		Run: func(jobCtx context.Context) {
			d.process(jobCtx, taskID, msg)
		},
	})
	if errors.Is(err, worker.ErrOverloaded) {
		if _, failErr := d.tasks.Fail(context.Background(), taskID,
			a2a.FailureOverloaded, "the broker is overloaded, try again later"); failErr != nil {
			slog.Error("failed to mark task overloaded", "task", taskID, "error", failErr)
		}
		return nil
	}
	return err
}

// waitSettled blocks until the task reaches a terminal state or starts
// waiting for input, or the blocking timeout passes.
func (d *Dispatcher) waitSettled(ctx context.Context, taskID string, events <-chan a2a.Event) (*a2a.Task, error) {
	timer := time.NewTimer(d.blockingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.tasks.Get(context.Background(), taskID, nil)
		case <-timer.C:
			return d.tasks.Get(ctx, taskID, nil)
		case event, ok := <-events:
			if !ok {
				return d.tasks.Get(ctx, taskID, nil)
			}
			status, isStatus := event.(*a2a.TaskStatusUpdateEvent)
			if !isStatus {
				continue
			}
			if status.Final ||
				status.Status.State == a2a.TaskStateInputRequired ||
				status.Status.State == a2a.TaskStateAuthRequired {
				return d.tasks.Get(ctx, taskID, nil)
			}
		}
	}
}

// Cancel cancels a task and signals its running jobs.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*a2a.Task, error) {
	t, err := d.tasks.Cancel(ctx, taskID, &a2a.Message{
		Role:  a2a.MessageRoleAgent,
		Parts: []a2a.Part{a2a.TextPart("canceled by request")},
	})
	if err != nil {
		return nil, err
	}
	d.pool.CancelTask(taskID)
	return t, nil
}

// process routes and executes one queued message.
func (d *Dispatcher) process(ctx context.Context, taskID string, msg a2a.Message) {
	if _, err := d.tasks.Transition(ctx, taskID, a2a.TaskStateWorking, nil); err != nil {
		if !errors.Is(err, task.ErrIllegalTransition) {
			slog.Error("failed to start task", "task", taskID, "error", err)
		}
		return
	}

	input := router.Input{Text: msg.TextOf()}
	if deviceID, ok := msg.Metadata[task.MetaDeviceID].(string); ok {
		input.DeviceID = deviceID
	}

	decision, err := d.router.Route(ctx, input)
	if err != nil {
		d.fail(ctx, taskID, classifyFailure(ctx, err), fmt.Sprintf("routing failed: %v", err))
		return
	}

	switch decision.Action {
	case router.ActionLocal:
		d.completeWithText(ctx, taskID, decision.Reply)

	case router.ActionClarify:
		d.transitionWithText(ctx, taskID, a2a.TaskStateInputRequired, decision.Reply)

	case router.ActionReject:
		text := decision.Rationale
		if text == "" {
			text = "this request cannot be handled"
		}
		d.transitionWithText(ctx, taskID, a2a.TaskStateRejected, text)

	case router.ActionDevice:
		d.runDeviceTool(ctx, taskID, decision)

	case router.ActionDelegate:
		d.delegate(ctx, taskID, decision, msg)

	default:
		d.fail(ctx, taskID, "", fmt.Sprintf("unknown routing action %q", decision.Action))
	}
}

// runDeviceTool invokes the selected tool and publishes its output as
// one artifact, chunked per result part.
func (d *Dispatcher) runDeviceTool(ctx context.Context, taskID string, decision *router.Decision) {
	port, err := d.registry.Port(decision.DeviceID)
	if err != nil {
		d.fail(ctx, taskID, a2a.FailureDeviceGone,
			fmt.Sprintf("device %s is unreachable: %v", decision.DeviceID, err))
		return
	}

	timeout := d.toolTimeout
	if dev, err := d.registry.Get(decision.DeviceID); err == nil {
		if tool, ok := dev.Tool(decision.ToolID); ok && tool.Timeout > 0 {
			timeout = time.Duration(tool.Timeout) * time.Second
		}
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := port.Invoke(toolCtx, decision.ToolID, decision.Arguments, taskID)
	d.metrics.RecordToolInvocation(ctx, decision.DeviceID, decision.ToolID, time.Since(start), err)
	if err != nil {
		d.fail(ctx, taskID, classifyFailure(toolCtx, err),
			fmt.Sprintf("tool %s on device %s failed: %v", decision.ToolID, decision.DeviceID, err))
		return
	}
	if result.IsError {
		d.fail(ctx, taskID, "", fmt.Sprintf("tool %s reported an error: %s",
			decision.ToolID, textOfParts(result.Parts)))
		return
	}

	if len(result.Parts) > 0 {
		artifactID := "artifact-" + uuid.NewString()
		for i, part := range result.Parts {
			event := &a2a.TaskArtifactUpdateEvent{
				Artifact: a2a.Artifact{
					ArtifactID: artifactID,
					Name:       decision.ToolID,
					Parts:      []a2a.Part{part},
				},
				Append:    i > 0,
				LastChunk: i == len(result.Parts)-1,
			}
			if err := d.tasks.AppendArtifactChunk(ctx, taskID, event); err != nil {
				slog.Error("failed to append artifact chunk", "task", taskID, "error", err)
				return
			}
		}
	}

	d.completeWithText(ctx, taskID,
		fmt.Sprintf("tool %s on device %s finished", decision.ToolID, decision.DeviceID))
}

// delegate forwards the message to an external agent and folds its
// reply back into the task.
func (d *Dispatcher) delegate(ctx context.Context, taskID string, decision *router.Decision, msg a2a.Message) {
	ep, ok := d.endpoints.Get(decision.AgentID)
	if !ok {
		d.fail(ctx, taskID, "", fmt.Sprintf("agent %s is not registered", decision.AgentID))
		return
	}

	outbound := a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: "msg-" + uuid.NewString(),
		Role:      a2a.MessageRoleUser,
		Parts:     msg.Parts,
	}
	reply, err := d.client.SendMessage(ctx, ep.URL, &a2a.MessageSendParams{Message: outbound})
	if err != nil {
		d.fail(ctx, taskID, classifyFailure(ctx, err),
			fmt.Sprintf("delegation to %s failed: %v", decision.AgentID, err))
		return
	}

	d.endpoints.RecordSuccess(ctx, decision.AgentID)

	switch r := reply.(type) {
	case *a2a.Message:
		d.completeWithText(ctx, taskID, r.TextOf())
	case *a2a.Task:
		for _, artifact := range r.Artifacts {
			event := &a2a.TaskArtifactUpdateEvent{Artifact: artifact, LastChunk: true}
			if err := d.tasks.AppendArtifactChunk(ctx, taskID, event); err != nil {
				slog.Error("failed to copy delegated artifact", "task", taskID, "error", err)
			}
		}
		text := "delegated task finished"
		if r.Status.Message != nil {
			text = r.Status.Message.TextOf()
		}
		switch r.Status.State {
		case a2a.TaskStateFailed, a2a.TaskStateRejected, a2a.TaskStateCanceled:
			d.fail(ctx, taskID, "", fmt.Sprintf("agent %s ended the task as %s: %s",
				decision.AgentID, r.Status.State, text))
		default:
			d.completeWithText(ctx, taskID, text)
		}
	}
}

func (d *Dispatcher) completeWithText(ctx context.Context, taskID, text string) {
	d.transitionWithText(ctx, taskID, a2a.TaskStateCompleted, text)
}

func (d *Dispatcher) transitionWithText(ctx context.Context, taskID string, state a2a.TaskState, text string) {
	note := &a2a.Message{
		Role:  a2a.MessageRoleAgent,
		Parts: []a2a.Part{a2a.TextPart(text)},
	}
	if _, err := d.tasks.Transition(ctx, taskID, state, note); err != nil {
		if !errors.Is(err, task.ErrIllegalTransition) {
			slog.Error("task transition failed", "task", taskID, "state", state, "error", err)
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, taskID, kind, text string) {
	// The job context dies with the task on cancellation; persist the
	// terminal state on a fresh context.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if kind == "" {
		if _, err := d.tasks.Transition(ctx, taskID, a2a.TaskStateFailed, &a2a.Message{
			Role:  a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.TextPart(text)},
		}); err != nil && !errors.Is(err, task.ErrIllegalTransition) {
			slog.Error("failed to fail task", "task", taskID, "error", err)
		}
		return
	}
	if _, err := d.tasks.Fail(ctx, taskID, kind, text); err != nil && !errors.Is(err, task.ErrIllegalTransition) {
		slog.Error("failed to fail task", "task", taskID, "error", err)
	}
}

// classifyFailure maps an execution error to a runtime failure kind.
func classifyFailure(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return a2a.FailureTimeout
	}
	if errors.Is(err, device.ErrDeviceNotFound) {
		return a2a.FailureDeviceGone
	}
	return ""
}

func textOfParts(parts []a2a.Part) string {
	for _, p := range parts {
		if p.Kind == a2a.PartKindText && p.Text != "" {
			return p.Text
		}
	}
	return ""
}
