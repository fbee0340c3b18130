package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrDeviceExists            = errors.New("device already exists")
	ErrDeviceNotFound          = errors.New("device not found")
	ErrInvalidCapabilitySource = errors.New("invalid capability source")
)

// Filter narrows List results.
type Filter struct {
	Kind     string
	Liveness Liveness
}

// Registry is the authoritative index of attached devices. Reads are
// served from memory; writes go through the store (write-through). On
// startup the store is the source of truth.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	ports   map[string]ToolPort

	store   Store
	factory PortFactory

	heartbeatHorizon time.Duration

	changeMu sync.Mutex
	onChange []func()
	nowFunc  func() time.Time
}

type RegistryOption func(*Registry)

// WithHeartbeatHorizon sets the liveness horizon H. No heartbeat for H
// moves a device to unknown, for 2H to offline.
func WithHeartbeatHorizon(h time.Duration) RegistryOption {
	return func(r *Registry) { r.heartbeatHorizon = h }
}

// WithPortFactory overrides how tool ports are opened, used by tests.
func WithPortFactory(f PortFactory) RegistryOption {
	return func(r *Registry) { r.factory = f }
}

func withNowFunc(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.nowFunc = now }
}

// NewRegistry builds a registry backed by a store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		devices:          make(map[string]*Device),
		ports:            make(map[string]ToolPort),
		store:            store,
		factory:          NewPort,
		heartbeatHorizon: 90 * time.Second,
		nowFunc:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores the in-memory index from the store.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	r.mu.Lock()
	for _, d := range devices {
		r.devices[d.ID] = d
	}
	r.mu.Unlock()

	slog.Info("registry loaded", "devices", len(devices))
	return nil
}

// OnChange registers a callback fired after every mutation or liveness
// transition. Used to invalidate the capability manifest.
func (r *Registry) OnChange(fn func()) {
	r.changeMu.Lock()
	defer r.changeMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) notifyChange() {
	r.changeMu.Lock()
	callbacks := r.onChange
	r.changeMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Register validates uniqueness, probes the capability source to ingest
// the declared tool list, persists the device, and indexes it online.
// Re-registering an existing device id fails with ErrDeviceExists.
func (r *Registry) Register(ctx context.Context, spec Spec) (*Device, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	r.mu.RLock()
	_, exists := r.devices[spec.ID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("device %s: %w", spec.ID, ErrDeviceExists)
	}

	port, err := r.factory(spec.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapabilitySource, err)
	}

	tools, err := port.Describe(ctx)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: probe failed: %v", ErrInvalidCapabilitySource, err)
	}
	if len(tools) == 0 {
		port.Close()
		return nil, fmt.Errorf("%w: device declares no tools", ErrInvalidCapabilitySource)
	}
	if err := validateToolIDs(tools); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapabilitySource, err)
	}

	now := r.nowFunc()
	d := &Device{
		ID:           spec.ID,
		Name:         spec.Name,
		Kind:         spec.Kind,
		Endpoint:     spec.Endpoint,
		Tools:        tools,
		Keywords:     normalizeKeywords(spec.Keywords),
		SystemPrompt: spec.SystemPrompt,
		Liveness:     LivenessOnline,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.store.SaveDevice(ctx, d); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to persist device: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.devices[spec.ID]; exists {
		r.mu.Unlock()
		port.Close()
		return nil, fmt.Errorf("device %s: %w", spec.ID, ErrDeviceExists)
	}
	r.devices[d.ID] = d
	r.ports[d.ID] = port
	r.mu.Unlock()

	slog.Info("device registered", "device", d.ID, "tools", len(tools))
	r.notifyChange()
	return copyDevice(d), nil
}

// Deregister removes a device. In-flight tasks are not canceled here;
// the dispatcher fails them with DeviceGone when the device is missing.
func (r *Registry) Deregister(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	_, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	delete(r.devices, deviceID)
	port := r.ports[deviceID]
	delete(r.ports, deviceID)
	r.mu.Unlock()

	if port != nil {
		port.Close()
	}
	if err := r.store.DeleteDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	slog.Info("device deregistered", "device", deviceID)
	r.notifyChange()
	return nil
}

// Heartbeat refreshes a device's last-seen timestamp. A device that was
// not online comes back online and triggers a manifest rebuild.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	d, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	wasOnline := d.Liveness == LivenessOnline
	d.LastSeen = r.nowFunc()
	d.Liveness = LivenessOnline
	d.UpdatedAt = d.LastSeen
	saved := copyDevice(d)
	r.mu.Unlock()

	if err := r.store.SaveDevice(ctx, saved); err != nil {
		return fmt.Errorf("failed to persist heartbeat: %w", err)
	}
	if !wasOnline {
		slog.Info("device back online", "device", deviceID)
		r.notifyChange()
	}
	return nil
}

// Update applies a patch to a device's mutable fields.
func (r *Registry) Update(ctx context.Context, deviceID string, patch Patch) (*Device, error) {
	r.mu.Lock()
	d, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.Keywords != nil {
		d.Keywords = normalizeKeywords(*patch.Keywords)
	}
	if patch.SystemPrompt != nil {
		d.SystemPrompt = *patch.SystemPrompt
	}
	d.UpdatedAt = r.nowFunc()
	saved := copyDevice(d)
	r.mu.Unlock()

	if err := r.store.SaveDevice(ctx, saved); err != nil {
		return nil, fmt.Errorf("failed to persist device: %w", err)
	}
	r.notifyChange()
	return saved, nil
}

// RefreshTools re-probes a device's capability source and replaces its
// declared tool list.
func (r *Registry) RefreshTools(ctx context.Context, deviceID string) (*Device, error) {
	port, err := r.Port(deviceID)
	if err != nil {
		return nil, err
	}
	tools, err := port.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: probe failed: %v", ErrInvalidCapabilitySource, err)
	}
	if len(tools) == 0 {
		return nil, fmt.Errorf("%w: device declares no tools", ErrInvalidCapabilitySource)
	}

	r.mu.Lock()
	d, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	d.Tools = tools
	d.UpdatedAt = r.nowFunc()
	saved := copyDevice(d)
	r.mu.Unlock()

	if err := r.store.SaveDevice(ctx, saved); err != nil {
		return nil, fmt.Errorf("failed to persist device: %w", err)
	}
	r.notifyChange()
	return saved, nil
}

// Get returns a snapshot of one device.
func (r *Registry) Get(deviceID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, exists := r.devices[deviceID]
	if !exists {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	return copyDevice(d), nil
}

// List returns snapshots of devices matching the filter, ordered by id.
func (r *Registry) List(filter Filter) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter.Kind != "" && d.Kind != filter.Kind {
			continue
		}
		if filter.Liveness != "" && d.Liveness != filter.Liveness {
			continue
		}
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchByIntent returns candidate devices for a keyword set, excluding
// offline devices, ordered by keyword overlap, then liveness, then
// heartbeat recency.
func (r *Registry) MatchByIntent(keywords []string, kind string) []*Device {
	wanted := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		wanted[strings.ToLower(k)] = true
	}

	type candidate struct {
		device  *Device
		overlap int
	}

	r.mu.RLock()
	var candidates []candidate
	for _, d := range r.devices {
		if d.Liveness == LivenessOffline {
			continue
		}
		if kind != "" && d.Kind != kind {
			continue
		}
		overlap := 0
		for _, k := range d.Keywords {
			if wanted[k] {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		candidates = append(candidates, candidate{device: copyDevice(d), overlap: overlap})
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		if li, lj := candidates[i].device.Liveness.rank(), candidates[j].device.Liveness.rank(); li != lj {
			return li > lj
		}
		return candidates[i].device.LastSeen.After(candidates[j].device.LastSeen)
	})

	out := make([]*Device, len(candidates))
	for i, c := range candidates {
		out[i] = c.device
	}
	return out
}

// Port returns the tool port for a device, opening it if needed.
func (r *Registry) Port(deviceID string) (ToolPort, error) {
	r.mu.RLock()
	port, ok := r.ports[deviceID]
	d, exists := r.devices[deviceID]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	if ok {
		return port, nil
	}

	newPort, err := r.factory(d.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open port for %s: %w", deviceID, err)
	}

	r.mu.Lock()
	if existing, ok := r.ports[deviceID]; ok {
		r.mu.Unlock()
		newPort.Close()
		return existing, nil
	}
	r.ports[deviceID] = newPort
	r.mu.Unlock()
	return newPort, nil
}

// SweepLiveness applies the liveness policy once: no heartbeat for the
// horizon moves a device to unknown, for twice the horizon to offline.
// Returns the number of transitions.
func (r *Registry) SweepLiveness(ctx context.Context) int {
	now := r.nowFunc()
	var changed []*Device

	r.mu.Lock()
	for _, d := range r.devices {
		age := now.Sub(d.LastSeen)
		var next Liveness
		switch {
		case age > 2*r.heartbeatHorizon:
			next = LivenessOffline
		case age > r.heartbeatHorizon:
			next = LivenessUnknown
		default:
			next = LivenessOnline
		}
		if next != d.Liveness {
			d.Liveness = next
			d.UpdatedAt = now
			changed = append(changed, copyDevice(d))
		}
	}
	r.mu.Unlock()

	for _, d := range changed {
		if err := r.store.SaveDevice(ctx, d); err != nil {
			slog.Warn("failed to persist liveness transition", "device", d.ID, "error", err)
		}
		slog.Info("device liveness changed", "device", d.ID, "liveness", d.Liveness)
	}
	if len(changed) > 0 {
		r.notifyChange()
	}
	return len(changed)
}

// RunLivenessSweeper applies the liveness policy on an interval until
// the context is canceled.
func (r *Registry) RunLivenessSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepLiveness(ctx)
		}
	}
}

// Close closes all open device ports.
func (r *Registry) Close() {
	r.mu.Lock()
	ports := r.ports
	r.ports = make(map[string]ToolPort)
	r.mu.Unlock()
	for _, port := range ports {
		port.Close()
	}
}

func validateToolIDs(tools []Tool) error {
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.ID == "" {
			return fmt.Errorf("tool with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tool id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func copyDevice(d *Device) *Device {
	clone := *d
	clone.Tools = append([]Tool(nil), d.Tools...)
	clone.Keywords = append([]string(nil), d.Keywords...)
	return &clone
}
