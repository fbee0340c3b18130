// Package a2a defines the wire types of the Agent-to-Agent (A2A) protocol
// as spoken by fleetlink: tasks, messages, parts, artifacts, streaming
// events, push notification configs, and the agent card.
package a2a

// ProtocolVersion is the A2A protocol revision advertised on the agent card.
const ProtocolVersion = "0.3.0"

// Event kinds carried in the "kind" discriminator of streamed results.
const (
	KindMessage        = "message"
	KindTask           = "task"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// ============================================================================
// TASK
// ============================================================================

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateRejected      TaskState = "rejected"
)

// Terminal reports whether the state is absorbing. Terminal tasks are
// immutable: no further transitions, messages, or artifacts.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// Task is a stateful unit of work.
type Task struct {
	Kind      string         `json:"kind"` // always "task"
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the current state of a task plus an optional status message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"` // RFC 3339
}

// ============================================================================
// MESSAGE & PARTS
// ============================================================================

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// Message is one turn of communication. Messages are append-only once
// delivered to a task.
type Message struct {
	Kind             string         `json:"kind"` // always "message"
	MessageID        string         `json:"messageId"`
	Role             MessageRole    `json:"role"`
	Parts            []Part         `json:"parts"`
	TaskID           string         `json:"taskId,omitempty"`
	ContextID        string         `json:"contextId,omitempty"`
	ReferenceTaskIDs []string       `json:"referenceTaskIds,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// PartKind discriminates the part union.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindFile PartKind = "file"
	PartKindData PartKind = "data"
)

// Part is one piece of message or artifact content (union type).
type Part struct {
	Kind PartKind `json:"kind"`

	// text part
	Text string `json:"text,omitempty"`

	// file part, inline bytes or by URI
	File *FilePart `json:"file,omitempty"`

	// structured data part
	Data map[string]any `json:"data,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// FilePart carries file content inline (base64 bytes) or by reference (URI).
// Exactly one of Bytes or URI is set.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"` // base64-encoded content
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured-data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// TextOf concatenates the text of all text parts of a message.
func (m *Message) TextOf() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out += p.Text
		}
	}
	return out
}

// ============================================================================
// ARTIFACT
// ============================================================================

// Artifact is an output produced by a task. ArtifactID is unique within
// the owning task.
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ============================================================================
// STREAMING EVENTS
// ============================================================================

// Event is one item of a streaming response. The concrete types are
// Message, Task, TaskStatusUpdateEvent, and TaskArtifactUpdateEvent.
type Event interface {
	EventKind() string
}

func (m *Message) EventKind() string { return KindMessage }
func (t *Task) EventKind() string    { return KindTask }

// TaskStatusUpdateEvent announces a task state change. Final marks the
// last event of a stream; every stream ends with exactly one.
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind"` // always "status-update"
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e *TaskStatusUpdateEvent) EventKind() string { return KindStatusUpdate }

// TaskArtifactUpdateEvent carries one artifact chunk. Append extends the
// artifact with the same artifactId; LastChunk seals it.
type TaskArtifactUpdateEvent struct {
	Kind      string         `json:"kind"` // always "artifact-update"
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Artifact  Artifact       `json:"artifact"`
	Append    bool           `json:"append,omitempty"`
	LastChunk bool           `json:"lastChunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e *TaskArtifactUpdateEvent) EventKind() string { return KindArtifactUpdate }

// ============================================================================
// RPC METHOD NAMES & PARAMETERS
// ============================================================================

const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksList        = "tasks/list"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"
	MethodPushConfigSet    = "tasks/pushNotificationConfig/set"
	MethodPushConfigGet    = "tasks/pushNotificationConfig/get"
	MethodPushConfigList   = "tasks/pushNotificationConfig/list"
	MethodPushConfigDelete = "tasks/pushNotificationConfig/delete"
	MethodAgentGetCard     = "agent/getCard"
)

// MessageSendParams are the parameters of message/send and message/stream.
type MessageSendParams struct {
	Message       Message                   `json:"message"`
	Configuration *MessageSendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
}

// MessageSendConfiguration tunes how a send is executed.
type MessageSendConfiguration struct {
	AcceptedOutputModes    []string                `json:"acceptedOutputModes,omitempty"`
	HistoryLength          *int                    `json:"historyLength,omitempty"`
	PushNotificationConfig *PushNotificationConfig `json:"pushNotificationConfig,omitempty"`
	// Blocking defaults to true when absent.
	Blocking *bool `json:"blocking,omitempty"`
}

// TaskQueryParams are the parameters of tasks/get.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// TaskIDParams name a task, used by tasks/cancel and tasks/resubscribe.
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskListParams filter tasks/list results.
type TaskListParams struct {
	ContextID string    `json:"contextId,omitempty"`
	State     TaskState `json:"state,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// ============================================================================
// PUSH NOTIFICATIONS
// ============================================================================

// PushNotificationConfig is a client-supplied callback target for
// asynchronous task updates.
type PushNotificationConfig struct {
	ID             string                          `json:"id,omitempty"`
	URL            string                          `json:"url"`
	Token          string                          `json:"token,omitempty"`
	Authentication *PushNotificationAuthentication `json:"authentication,omitempty"`
}

// PushNotificationAuthentication describes how to authenticate against
// the callback URL.
type PushNotificationAuthentication struct {
	Schemes     []string `json:"schemes"`
	Credentials string   `json:"credentials,omitempty"`
}

// TaskPushNotificationConfig binds a push config to a task.
type TaskPushNotificationConfig struct {
	TaskID                 string                 `json:"taskId"`
	PushNotificationConfig PushNotificationConfig `json:"pushNotificationConfig"`
}

// GetTaskPushNotificationConfigParams name one config of one task.
type GetTaskPushNotificationConfigParams struct {
	ID                       string `json:"id"` // task id
	PushNotificationConfigID string `json:"pushNotificationConfigId,omitempty"`
}

// ============================================================================
// AGENT CARD
// ============================================================================

// AgentCard is the capability manifest served at the well-known path.
type AgentCard struct {
	ProtocolVersion      string            `json:"protocolVersion"`
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	URL                  string            `json:"url"`
	Version              string            `json:"version"`
	PreferredTransport   string            `json:"preferredTransport"`
	AdditionalInterfaces []AgentInterface  `json:"additionalInterfaces,omitempty"`
	Capabilities         AgentCapabilities `json:"capabilities"`
	SecuritySchemes      []SecurityScheme  `json:"securitySchemes,omitempty"`
	DefaultInputModes    []string          `json:"defaultInputModes"`
	DefaultOutputModes   []string          `json:"defaultOutputModes"`
	Skills               []AgentSkill      `json:"skills"`
}

// AgentInterface declares one additional transport binding.
type AgentInterface struct {
	Transport string `json:"transport"` // "jsonrpc", "http+json", "grpc"
	URL       string `json:"url"`
}

// AgentCapabilities are the optional protocol features the service supports.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill describes one capability of the service. Device-derived
// skills carry the device's intent keywords as tags.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// SecurityScheme describes an authentication requirement.
type SecurityScheme struct {
	Type   string `json:"type"` // "http", "apiKey", "oauth2"
	Scheme string `json:"scheme,omitempty"`
	In     string `json:"in,omitempty"`
	Name   string `json:"name,omitempty"`
}
