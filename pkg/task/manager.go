// Package task implements the task lifecycle: the state machine,
// history, artifacts, live subscriber fan-out, and push notification
// delivery.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/observability"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

const subscriberBuffer = 256

// Metadata keys carried by scan-originated tasks. The (deviceId, seq)
// pair deduplicates re-dispatched stream entries.
const (
	MetaOrigin   = "fleetlink:origin"
	MetaDeviceID = "fleetlink:device_id"
	MetaSeq      = "fleetlink:seq"

	OriginScan = "scan"
)

var ErrIllegalTransition = errors.New("illegal task state transition")

// taskState is the in-memory record of one task. The mutex serializes
// every mutation and the subscriber fan-out, which is what gives each
// task its total event order.
type taskState struct {
	mu          sync.Mutex
	task        *a2a.Task
	config      a2a.MessageSendConfiguration
	subscribers map[int]chan a2a.Event
	nextSubID   int
	done        bool
}

// Manager owns every task. Cross-task operations take no global lock
// beyond the index map.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*taskState
	dedup map[string]string // "(deviceId,seq)" -> taskId

	repo                   repository.Repository
	pusher                 *Pusher
	metrics                observability.Metrics
	stateTransitionHistory bool
	nowFunc                func() time.Time
}

type ManagerOption func(*Manager)

// WithPusher wires push notification delivery.
func WithPusher(p *Pusher) ManagerOption {
	return func(m *Manager) { m.pusher = p }
}

// WithManagerMetrics wires transition counters.
func WithManagerMetrics(metrics observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithStateTransitionHistory controls whether state change notes are
// appended to task history.
func WithStateTransitionHistory(enabled bool) ManagerOption {
	return func(m *Manager) { m.stateTransitionHistory = enabled }
}

// NewManager builds a task manager backed by a repository.
func NewManager(repo repository.Repository, opts ...ManagerOption) *Manager {
	m := &Manager{
		tasks:                  make(map[string]*taskState),
		dedup:                  make(map[string]string),
		repo:                   repo,
		metrics:                (*observability.PrometheusMetrics)(nil),
		stateTransitionHistory: true,
		nowFunc:                time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores tasks from the repository, rebuilding the scan dedup
// index from task metadata.
func (m *Manager) Load(ctx context.Context) error {
	tasks, err := m.repo.ListTasks(ctx, repository.TaskFilter{})
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		m.tasks[t.ID] = &taskState{
			task:        t,
			subscribers: make(map[int]chan a2a.Event),
			done:        t.Status.State.Terminal(),
		}
		if key := dedupKey(t.Metadata); key != "" {
			m.dedup[key] = t.ID
		}
	}
	slog.Info("task manager loaded", "tasks", len(tasks))
	return nil
}

func dedupKey(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if origin, _ := metadata[MetaOrigin].(string); origin != OriginScan {
		return ""
	}
	deviceID, _ := metadata[MetaDeviceID].(string)
	seq := fmt.Sprintf("%v", metadata[MetaSeq])
	if deviceID == "" {
		return ""
	}
	return deviceID + "\x00" + seq
}

// CreateTask allocates a task in Submitted state with the message as
// the first history entry. Scan-originated tasks are idempotent on
// (deviceId, seq): a duplicate returns the existing task.
func (m *Manager) CreateTask(ctx context.Context, msg a2a.Message, cfg *a2a.MessageSendConfiguration) (*a2a.Task, error) {
	key := dedupKey(msg.Metadata)
	if key != "" {
		m.mu.RLock()
		existing, ok := m.dedup[key]
		m.mu.RUnlock()
		if ok {
			return m.Get(ctx, existing, nil)
		}
	}

	contextID := msg.ContextID
	if contextID == "" {
		contextID = "ctx-" + uuid.NewString()
	}
	now := m.nowFunc()

	msg.Kind = a2a.KindMessage
	if msg.MessageID == "" {
		msg.MessageID = "msg-" + uuid.NewString()
	}

	t := &a2a.Task{
		Kind:      a2a.KindTask,
		ID:        "task-" + uuid.NewString(),
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Timestamp: now.UTC().Format(time.RFC3339Nano),
		},
		History: []a2a.Message{msg},
	}
	if msg.Metadata != nil {
		t.Metadata = msg.Metadata
	}

	state := &taskState{
		task:        t,
		subscribers: make(map[int]chan a2a.Event),
	}
	if cfg != nil {
		state.config = *cfg
	}

	m.mu.Lock()
	if key != "" {
		if existing, ok := m.dedup[key]; ok {
			m.mu.Unlock()
			return m.Get(ctx, existing, nil)
		}
		m.dedup[key] = t.ID
	}
	m.tasks[t.ID] = state
	m.mu.Unlock()

	if err := m.repo.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	if cfg != nil && cfg.PushNotificationConfig != nil {
		pushCfg := *cfg.PushNotificationConfig
		if _, err := m.SetPushConfig(ctx, t.ID, pushCfg); err != nil {
			slog.Warn("failed to store push config", "task", t.ID, "error", err)
		}
	}

	m.metrics.RecordTaskTransition(ctx, string(a2a.TaskStateSubmitted))
	return cloneTask(t), nil
}

func (m *Manager) state(taskID string) (*taskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.tasks[taskID]
	if !ok {
		return nil, a2a.ErrTaskNotFound
	}
	return state, nil
}

// legalTransition encodes the state machine edges.
func legalTransition(from, to a2a.TaskState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case a2a.TaskStateCanceled, a2a.TaskStateFailed:
		return true
	case a2a.TaskStateRejected:
		return from == a2a.TaskStateSubmitted
	case a2a.TaskStateWorking:
		return from == a2a.TaskStateSubmitted ||
			from == a2a.TaskStateInputRequired ||
			from == a2a.TaskStateAuthRequired ||
			from == a2a.TaskStateWorking
	case a2a.TaskStateInputRequired, a2a.TaskStateAuthRequired:
		return from == a2a.TaskStateSubmitted || from == a2a.TaskStateWorking
	case a2a.TaskStateCompleted:
		return from == a2a.TaskStateWorking
	default:
		return false
	}
}

// Transition moves a task to a new state, emitting a status-update to
// every subscriber and push target. Transitioning to the current state
// with the same note is idempotent. Terminal transitions close all
// subscriber streams after a final event.
func (m *Manager) Transition(ctx context.Context, taskID string, to a2a.TaskState, note *a2a.Message) (*a2a.Task, error) {
	state, err := m.state(taskID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	t := state.task
	from := t.Status.State

	if from == to && sameNote(t.Status.Message, note) {
		snapshot := cloneTask(t)
		state.mu.Unlock()
		return snapshot, nil
	}
	if !legalTransition(from, to) {
		state.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	if note != nil {
		note.Kind = a2a.KindMessage
		if note.MessageID == "" {
			note.MessageID = "msg-" + uuid.NewString()
		}
		note.TaskID = t.ID
		note.ContextID = t.ContextID
	}

	t.Status = a2a.TaskStatus{
		State:     to,
		Message:   note,
		Timestamp: m.nowFunc().UTC().Format(time.RFC3339Nano),
	}
	if note != nil && m.stateTransitionHistory {
		t.History = append(t.History, *note)
	}

	final := to.Terminal()
	event := &a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    t.ID,
		ContextID: t.ContextID,
		Status:    t.Status,
		Final:     final,
	}
	m.fanOutLocked(state, event)
	if final {
		state.done = true
		for id, sub := range state.subscribers {
			delete(state.subscribers, id)
			close(sub)
		}
	}
	snapshot := cloneTask(t)

	// Persist and enqueue push delivery under the lock: the stored
	// snapshot and the per-target delivery order must match the fan-out
	// order. Notify only enqueues and never blocks.
	if err := m.repo.SaveTask(ctx, snapshot); err != nil {
		slog.Error("failed to persist task transition", "task", taskID, "error", err)
	}
	m.pusher.Notify(taskID, event, final)
	state.mu.Unlock()

	m.metrics.RecordTaskTransition(ctx, string(to))
	slog.Debug("task transition", "task", taskID, "from", from, "to", to)
	return snapshot, nil
}

func sameNote(a, b *a2a.Message) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.TextOf() == b.TextOf()
}

// AppendUserMessage appends a message to a live task's history. A
// message directed at a terminal task fails: the task is closed.
func (m *Manager) AppendUserMessage(ctx context.Context, taskID string, msg a2a.Message) (*a2a.Task, error) {
	state, err := m.state(taskID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	t := state.task
	if t.Status.State.Terminal() {
		state.mu.Unlock()
		return nil, a2a.ErrTaskNotCancelable
	}
	msg.Kind = a2a.KindMessage
	if msg.MessageID == "" {
		msg.MessageID = "msg-" + uuid.NewString()
	}
	msg.TaskID = t.ID
	msg.ContextID = t.ContextID
	t.History = append(t.History, msg)
	snapshot := cloneTask(t)
	if err := m.repo.SaveTask(ctx, snapshot); err != nil {
		slog.Error("failed to persist task message", "task", taskID, "error", err)
	}
	state.mu.Unlock()
	return snapshot, nil
}

// AppendArtifactChunk applies one artifact update. Chunks with a known
// artifactId and append=true extend the prior parts; lastChunk seals
// the artifact. The event reaches every subscriber and push target.
func (m *Manager) AppendArtifactChunk(ctx context.Context, taskID string, event *a2a.TaskArtifactUpdateEvent) error {
	state, err := m.state(taskID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	t := state.task
	if t.Status.State.Terminal() {
		state.mu.Unlock()
		return a2a.ErrTaskNotCancelable
	}

	event.Kind = a2a.KindArtifactUpdate
	event.TaskID = t.ID
	event.ContextID = t.ContextID
	if event.Artifact.ArtifactID == "" {
		event.Artifact.ArtifactID = "artifact-" + uuid.NewString()
	}

	idx := -1
	for i := range t.Artifacts {
		if t.Artifacts[i].ArtifactID == event.Artifact.ArtifactID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		t.Artifacts = append(t.Artifacts, event.Artifact)
	case event.Append:
		t.Artifacts[idx].Parts = append(t.Artifacts[idx].Parts, event.Artifact.Parts...)
	default:
		t.Artifacts[idx] = event.Artifact
	}

	m.fanOutLocked(state, event)
	snapshot := cloneTask(t)
	if err := m.repo.SaveTask(ctx, snapshot); err != nil {
		slog.Error("failed to persist artifact chunk", "task", taskID, "error", err)
	}
	m.pusher.Notify(taskID, event, false)
	state.mu.Unlock()
	return nil
}

// fanOutLocked delivers an event to every live subscriber. Caller holds
// state.mu, which makes the order identical for all subscribers.
func (m *Manager) fanOutLocked(state *taskState, event a2a.Event) {
	for id, sub := range state.subscribers {
		select {
		case sub <- event:
		default:
			slog.Warn("subscriber buffer full, dropping stream",
				"task", state.task.ID, "subscriber", id)
			delete(state.subscribers, id)
			close(sub)
		}
	}
}

// Subscribe attaches a live event sink to a task. For terminal tasks
// the stream replays the final status-update and closes. The returned
// cancel detaches the sink.
func (m *Manager) Subscribe(taskID string) (<-chan a2a.Event, func(), error) {
	state, err := m.state(taskID)
	if err != nil {
		return nil, nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	ch := make(chan a2a.Event, subscriberBuffer)
	if state.done {
		t := state.task
		ch <- &a2a.TaskStatusUpdateEvent{
			Kind:      a2a.KindStatusUpdate,
			TaskID:    t.ID,
			ContextID: t.ContextID,
			Status:    t.Status,
			Final:     true,
		}
		close(ch)
		return ch, func() {}, nil
	}

	id := state.nextSubID
	state.nextSubID++
	state.subscribers[id] = ch

	cancel := func() {
		state.mu.Lock()
		defer state.mu.Unlock()
		if sub, ok := state.subscribers[id]; ok {
			delete(state.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Get returns a snapshot of a task. historyLength, when set, trims the
// history to its most recent entries.
func (m *Manager) Get(ctx context.Context, taskID string, historyLength *int) (*a2a.Task, error) {
	state, err := m.state(taskID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	snapshot := cloneTask(state.task)
	state.mu.Unlock()

	if historyLength != nil && *historyLength >= 0 && len(snapshot.History) > *historyLength {
		snapshot.History = snapshot.History[len(snapshot.History)-*historyLength:]
	}
	return snapshot, nil
}

// List returns task snapshots matching the filter, most recent first.
func (m *Manager) List(ctx context.Context, filter repository.TaskFilter) ([]*a2a.Task, error) {
	return m.repo.ListTasks(ctx, filter)
}

// Cancel cancels a non-terminal task. Cancelling a terminal task fails
// with TaskNotCancelable.
func (m *Manager) Cancel(ctx context.Context, taskID string, note *a2a.Message) (*a2a.Task, error) {
	state, err := m.state(taskID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	if state.task.Status.State.Terminal() {
		state.mu.Unlock()
		return nil, a2a.ErrTaskNotCancelable
	}
	state.mu.Unlock()

	t, err := m.Transition(ctx, taskID, a2a.TaskStateCanceled, note)
	if errors.Is(err, ErrIllegalTransition) {
		// The task reached a terminal state between the check and the
		// transition.
		return nil, a2a.ErrTaskNotCancelable
	}
	return t, err
}

// Fail moves a task to Failed, attaching the failure kind and message
// to the terminal status.
func (m *Manager) Fail(ctx context.Context, taskID, kind, text string) (*a2a.Task, error) {
	note := &a2a.Message{
		Role:     a2a.MessageRoleAgent,
		Parts:    []a2a.Part{a2a.TextPart(text)},
		Metadata: map[string]any{"failureKind": kind},
	}
	return m.Transition(ctx, taskID, a2a.TaskStateFailed, note)
}

// ----------------------------------------------------------------------------
// Push configuration
// ----------------------------------------------------------------------------

// SetPushConfig stores a callback target for a task. Config ids are
// generated when absent; multiple configs per task are allowed.
func (m *Manager) SetPushConfig(ctx context.Context, taskID string, cfg a2a.PushNotificationConfig) (*a2a.PushNotificationConfig, error) {
	if _, err := m.state(taskID); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = "cfg-" + uuid.NewString()
	}
	if err := m.repo.SavePushConfig(ctx, taskID, cfg); err != nil {
		return nil, fmt.Errorf("failed to store push config: %w", err)
	}
	return &cfg, nil
}

func (m *Manager) GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.PushNotificationConfig, error) {
	if _, err := m.state(taskID); err != nil {
		return nil, err
	}
	cfg, err := m.repo.GetPushConfig(ctx, taskID, configID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, a2a.NewError(a2a.CodeInvalidParams, "push config %s not found", configID)
	}
	return cfg, err
}

func (m *Manager) ListPushConfigs(ctx context.Context, taskID string) ([]a2a.PushNotificationConfig, error) {
	if _, err := m.state(taskID); err != nil {
		return nil, err
	}
	return m.repo.ListPushConfigs(ctx, taskID)
}

func (m *Manager) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	if _, err := m.state(taskID); err != nil {
		return err
	}
	err := m.repo.DeletePushConfig(ctx, taskID, configID)
	if errors.Is(err, repository.ErrNotFound) {
		return a2a.NewError(a2a.CodeInvalidParams, "push config %s not found", configID)
	}
	return err
}

// Config returns the send configuration stored at task creation.
func (m *Manager) Config(taskID string) (a2a.MessageSendConfiguration, error) {
	state, err := m.state(taskID)
	if err != nil {
		return a2a.MessageSendConfiguration{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.config, nil
}

// Close drains all subscribers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.tasks {
		state.mu.Lock()
		for id, sub := range state.subscribers {
			delete(state.subscribers, id)
			close(sub)
		}
		state.mu.Unlock()
	}
}

func cloneTask(t *a2a.Task) *a2a.Task {
	clone := *t
	clone.History = append([]a2a.Message(nil), t.History...)
	clone.Artifacts = make([]a2a.Artifact, len(t.Artifacts))
	for i, a := range t.Artifacts {
		clone.Artifacts[i] = a
		clone.Artifacts[i].Parts = append([]a2a.Part(nil), a.Parts...)
	}
	return &clone
}
