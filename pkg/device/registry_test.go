package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/pkg/a2a"
)

// fakeStore is an in-memory Store for registry tests.
type fakeStore struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]*Device)}
}

func (s *fakeStore) SaveDevice(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *d
	s.devices[d.ID] = &clone
	return nil
}

func (s *fakeStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *d
	return &clone, nil
}

func (s *fakeStore) ListDevices(ctx context.Context) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		clone := *d
		out = append(out, &clone)
	}
	return out, nil
}

func (s *fakeStore) DeleteDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

// fakePort serves canned tools.
type fakePort struct {
	tools    []Tool
	describe error
	closed   bool
}

func (p *fakePort) Describe(ctx context.Context) ([]Tool, error) {
	if p.describe != nil {
		return nil, p.describe
	}
	return p.tools, nil
}

func (p *fakePort) Invoke(ctx context.Context, toolID string, arguments map[string]any, correlationID string) (*ToolResult, error) {
	return &ToolResult{Parts: []a2a.Part{a2a.TextPart("ok")}}, nil
}

func (p *fakePort) Ping(ctx context.Context) error { return nil }
func (p *fakePort) Close() error                   { p.closed = true; return nil }

func fakeFactory(port *fakePort) PortFactory {
	return func(Endpoint) (ToolPort, error) { return port, nil }
}

func newTestRegistry(t *testing.T, port *fakePort, opts ...RegistryOption) (*Registry, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	opts = append([]RegistryOption{WithPortFactory(fakeFactory(port))}, opts...)
	return NewRegistry(store, opts...), store
}

func TestRegisterProbesCapabilitySource(t *testing.T) {
	port := &fakePort{tools: []Tool{{ID: "snapshot", Description: "take a photo"}}}
	registry, store := newTestRegistry(t, port)

	d, err := registry.Register(context.Background(), Spec{
		ID:       "cam-1",
		Name:     "garden camera",
		Keywords: []string{"Photo", "photo", " Camera "},
	})
	require.NoError(t, err)

	assert.Equal(t, LivenessOnline, d.Liveness)
	assert.Len(t, d.Tools, 1)
	assert.Equal(t, []string{"photo", "camera"}, d.Keywords)

	// Write-through: the store holds the registered device.
	stored, err := store.GetDevice(context.Background(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "garden camera", stored.Name)
}

func TestRegisterRejectsUnreachableSource(t *testing.T) {
	port := &fakePort{describe: errors.New("connection refused")}
	registry, _ := newTestRegistry(t, port)

	_, err := registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.ErrorIs(t, err, ErrInvalidCapabilitySource)
	assert.True(t, port.closed)
}

func TestRegisterRejectsEmptyToolList(t *testing.T) {
	registry, _ := newTestRegistry(t, &fakePort{})

	_, err := registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.ErrorIs(t, err, ErrInvalidCapabilitySource)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	port := &fakePort{tools: []Tool{{ID: "snapshot"}}}
	registry, _ := newTestRegistry(t, port)

	_, err := registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.NoError(t, err)

	_, err = registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.ErrorIs(t, err, ErrDeviceExists)
}

func TestRegisterRejectsDuplicateToolIDs(t *testing.T) {
	port := &fakePort{tools: []Tool{{ID: "snapshot"}, {ID: "snapshot"}}}
	registry, _ := newTestRegistry(t, port)

	_, err := registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.ErrorIs(t, err, ErrInvalidCapabilitySource)
}

func TestLivenessSweep(t *testing.T) {
	now := time.Now()
	clock := &now
	port := &fakePort{tools: []Tool{{ID: "snapshot"}}}
	registry, _ := newTestRegistry(t, port,
		WithHeartbeatHorizon(90*time.Second),
		withNowFunc(func() time.Time { return *clock }))

	_, err := registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.NoError(t, err)

	// Within the horizon nothing changes.
	next := now.Add(60 * time.Second)
	clock = &next
	assert.Equal(t, 0, registry.SweepLiveness(context.Background()))

	// Past H the device becomes unknown.
	next = now.Add(91 * time.Second)
	assert.Equal(t, 1, registry.SweepLiveness(context.Background()))
	d, err := registry.Get("cam-1")
	require.NoError(t, err)
	assert.Equal(t, LivenessUnknown, d.Liveness)

	// Past 2H it goes offline.
	next = now.Add(181 * time.Second)
	registry.SweepLiveness(context.Background())
	d, _ = registry.Get("cam-1")
	assert.Equal(t, LivenessOffline, d.Liveness)

	// A heartbeat brings it straight back online.
	require.NoError(t, registry.Heartbeat(context.Background(), "cam-1"))
	d, _ = registry.Get("cam-1")
	assert.Equal(t, LivenessOnline, d.Liveness)
}

func TestMatchByIntentOrdering(t *testing.T) {
	now := time.Now()
	clock := &now
	port := &fakePort{tools: []Tool{{ID: "run"}}}
	registry, _ := newTestRegistry(t, port,
		withNowFunc(func() time.Time { return *clock }))

	ctx := context.Background()
	_, err := registry.Register(ctx, Spec{ID: "a", Keywords: []string{"photo"}})
	require.NoError(t, err)

	later := now.Add(time.Second)
	clock = &later
	_, err = registry.Register(ctx, Spec{ID: "b", Keywords: []string{"photo", "camera"}})
	require.NoError(t, err)
	_, err = registry.Register(ctx, Spec{ID: "c", Keywords: []string{"thermostat"}})
	require.NoError(t, err)

	matches := registry.MatchByIntent([]string{"photo", "camera"}, "")
	require.Len(t, matches, 2)
	// Higher overlap wins regardless of recency.
	assert.Equal(t, "b", matches[0].ID)
	assert.Equal(t, "a", matches[1].ID)

	// Offline devices never match.
	horizon := now.Add(10 * time.Minute)
	clock = &horizon
	registry.SweepLiveness(ctx)
	assert.Empty(t, registry.MatchByIntent([]string{"photo"}, ""))
}

func TestMatchByIntentPrefersOnline(t *testing.T) {
	now := time.Now()
	clock := &now
	port := &fakePort{tools: []Tool{{ID: "run"}}}
	registry, _ := newTestRegistry(t, port,
		WithHeartbeatHorizon(90*time.Second),
		withNowFunc(func() time.Time { return *clock }))

	ctx := context.Background()
	_, err := registry.Register(ctx, Spec{ID: "stale", Keywords: []string{"photo"}})
	require.NoError(t, err)

	// Age the first device into unknown, then register a fresh peer.
	aged := now.Add(2 * time.Minute)
	clock = &aged
	registry.SweepLiveness(ctx)
	_, err = registry.Register(ctx, Spec{ID: "fresh", Keywords: []string{"photo"}})
	require.NoError(t, err)

	matches := registry.MatchByIntent([]string{"photo"}, "")
	require.Len(t, matches, 2)
	assert.Equal(t, "fresh", matches[0].ID)
	assert.Equal(t, "stale", matches[1].ID)
}

func TestDeregisterClosesPort(t *testing.T) {
	port := &fakePort{tools: []Tool{{ID: "run"}}}
	registry, store := newTestRegistry(t, port)

	_, err := registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.NoError(t, err)

	require.NoError(t, registry.Deregister(context.Background(), "cam-1"))
	assert.True(t, port.closed)

	_, err = registry.Get("cam-1")
	require.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = store.GetDevice(context.Background(), "cam-1")
	require.Error(t, err)
}

func TestOnChangeFires(t *testing.T) {
	port := &fakePort{tools: []Tool{{ID: "run"}}}
	registry, _ := newTestRegistry(t, port)

	var mu sync.Mutex
	fired := 0
	registry.OnChange(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	_, err := registry.Register(context.Background(), Spec{ID: "cam-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)
}
