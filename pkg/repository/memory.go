package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/device"
)

// Memory is an in-process Repository. All accessors return copies so
// callers never share mutable state with the store.
type Memory struct {
	mu          sync.RWMutex
	devices     map[string]*device.Device
	tasks       map[string]*a2a.Task
	taskOrder   []string // insertion order for stable listing
	pushConfigs map[string]map[string]a2a.PushNotificationConfig
	watermarks  map[string]uint64
	endpoints   map[string]*a2a.AgentEndpoint
}

// NewMemory builds an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		devices:     make(map[string]*device.Device),
		tasks:       make(map[string]*a2a.Task),
		pushConfigs: make(map[string]map[string]a2a.PushNotificationConfig),
		watermarks:  make(map[string]uint64),
		endpoints:   make(map[string]*a2a.AgentEndpoint),
	}
}

func (m *Memory) SaveDevice(ctx context.Context, d *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	clone.Tools = append([]device.Tool(nil), d.Tools...)
	clone.Keywords = append([]string(nil), d.Keywords...)
	m.devices[d.ID] = &clone
	return nil
}

func (m *Memory) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	clone := *d
	return &clone, nil
}

func (m *Memory) ListDevices(ctx context.Context) ([]*device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		clone := *d
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	delete(m.devices, id)
	return nil
}

func (m *Memory) SaveTask(ctx context.Context, t *a2a.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		m.taskOrder = append(m.taskOrder, t.ID)
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*a2a.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

func (m *Memory) ListTasks(ctx context.Context, filter TaskFilter) ([]*a2a.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*a2a.Task
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		t := m.tasks[m.taskOrder[i]]
		if t == nil {
			continue
		}
		if filter.ContextID != "" && t.ContextID != filter.ContextID {
			continue
		}
		if filter.State != "" && t.Status.State != filter.State {
			continue
		}
		out = append(out, cloneTask(t))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SavePushConfig(ctx context.Context, taskID string, cfg a2a.PushNotificationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs, ok := m.pushConfigs[taskID]
	if !ok {
		configs = make(map[string]a2a.PushNotificationConfig)
		m.pushConfigs[taskID] = configs
	}
	configs[cfg.ID] = cfg
	return nil
}

func (m *Memory) GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.PushNotificationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.pushConfigs[taskID][configID]
	if !ok {
		return nil, fmt.Errorf("push config %s/%s: %w", taskID, configID, ErrNotFound)
	}
	return &cfg, nil
}

func (m *Memory) ListPushConfigs(ctx context.Context, taskID string) ([]a2a.PushNotificationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configs := m.pushConfigs[taskID]
	out := make([]a2a.PushNotificationConfig, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pushConfigs[taskID][configID]; !ok {
		return fmt.Errorf("push config %s/%s: %w", taskID, configID, ErrNotFound)
	}
	delete(m.pushConfigs[taskID], configID)
	return nil
}

func (m *Memory) GetWatermark(ctx context.Context, deviceID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[deviceID], nil
}

func (m *Memory) SetWatermark(ctx context.Context, deviceID string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[deviceID] = seq
	return nil
}

func (m *Memory) SaveAgentEndpoint(ctx context.Context, ep *a2a.AgentEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *ep
	clone.CapabilityTags = append([]string(nil), ep.CapabilityTags...)
	m.endpoints[ep.AgentID] = &clone
	return nil
}

func (m *Memory) ListAgentEndpoints(ctx context.Context) ([]*a2a.AgentEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*a2a.AgentEndpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		clone := *ep
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneTask(t *a2a.Task) *a2a.Task {
	clone := *t
	clone.History = append([]a2a.Message(nil), t.History...)
	clone.Artifacts = make([]a2a.Artifact, len(t.Artifacts))
	for i, a := range t.Artifacts {
		clone.Artifacts[i] = a
		clone.Artifacts[i].Parts = append([]a2a.Part(nil), a.Parts...)
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

var _ Repository = (*Memory)(nil)
