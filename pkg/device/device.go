// Package device models fleet devices: their tool surfaces, liveness,
// and the registry that indexes them.
package device

import (
	"context"
	"time"

	"github.com/fleetlink/fleetlink/pkg/a2a"
)

// Liveness is the health classification of a device.
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessUnknown Liveness = "unknown"
	LivenessOffline Liveness = "offline"
)

// rank orders liveness for matching: online > unknown > offline.
func (l Liveness) rank() int {
	switch l {
	case LivenessOnline:
		return 2
	case LivenessUnknown:
		return 1
	default:
		return 0
	}
}

// Tool is one invocable capability declared by a device.
type Tool struct {
	ID           string         `json:"id"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Timeout      int            `json:"timeout,omitempty"` // seconds, 0 means default
}

// Endpoint references a device's capability source. Transport selects
// the adapter: "http" dials a streamable MCP endpoint, "stdio" launches
// a local process.
type Endpoint struct {
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       []string          `json:"env,omitempty"`
}

// Device is the registry's record of one attached device. Mutated only
// by the Registry.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind,omitempty"`
	Endpoint     Endpoint  `json:"endpoint"`
	Tools        []Tool    `json:"tools"`
	Keywords     []string  `json:"keywords,omitempty"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Liveness     Liveness  `json:"liveness"`
	LastSeen     time.Time `json:"lastSeen"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Tool returns the declared tool with the given id.
func (d *Device) Tool(toolID string) (Tool, bool) {
	for _, t := range d.Tools {
		if t.ID == toolID {
			return t, true
		}
	}
	return Tool{}, false
}

// Spec is the registration input for a device.
type Spec struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind,omitempty"`
	Endpoint     Endpoint `json:"endpoint"`
	Keywords     []string `json:"keywords,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

// Patch carries the mutable fields of a device update. Nil fields are
// left unchanged.
type Patch struct {
	Name         *string   `json:"name,omitempty"`
	Keywords     *[]string `json:"keywords,omitempty"`
	SystemPrompt *string   `json:"systemPrompt,omitempty"`
}

// ToolResult is the outcome of one tool invocation, already converted
// to protocol parts.
type ToolResult struct {
	Parts   []a2a.Part
	IsError bool
}

// ToolPort is the capability surface of one device: discover its tools,
// invoke one, and check reachability.
type ToolPort interface {
	// Describe lists the device's declared tools.
	Describe(ctx context.Context) ([]Tool, error)

	// Invoke calls one tool. correlationID ties the call to its task for
	// tracing on the device side.
	Invoke(ctx context.Context, toolID string, arguments map[string]any, correlationID string) (*ToolResult, error)

	// Ping verifies the device is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// PortFactory opens a ToolPort for an endpoint.
type PortFactory func(endpoint Endpoint) (ToolPort, error)

// Store is the persistence surface the registry needs. Implemented by
// pkg/repository.
type Store interface {
	SaveDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	DeleteDevice(ctx context.Context, id string) error
}
