package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/device"
	"github.com/fleetlink/fleetlink/pkg/llm"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

// stubPort serves canned tools for registry setup.
type stubPort struct {
	tools []device.Tool
}

func (p *stubPort) Describe(ctx context.Context) ([]device.Tool, error) { return p.tools, nil }
func (p *stubPort) Invoke(ctx context.Context, toolID string, arguments map[string]any, correlationID string) (*device.ToolResult, error) {
	return &device.ToolResult{}, nil
}
func (p *stubPort) Ping(ctx context.Context) error { return nil }
func (p *stubPort) Close() error                   { return nil }

// stubAnalyzer returns a fixed decision and records the request.
type stubAnalyzer struct {
	decision *llm.Decision
	err      error
	called   bool
	lastReq  llm.Request
}

func (s *stubAnalyzer) Analyze(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	s.called = true
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.decision, nil
}

func (s *stubAnalyzer) Name() string { return "stub" }
func (s *stubAnalyzer) Close() error { return nil }

func newTestRegistry(t *testing.T, devices map[string][]string, tools ...device.Tool) *device.Registry {
	t.Helper()
	if len(tools) == 0 {
		tools = []device.Tool{{ID: "run", Description: "run the thing"}}
	}
	registry := device.NewRegistry(repository.NewMemory(),
		device.WithPortFactory(func(device.Endpoint) (device.ToolPort, error) {
			return &stubPort{tools: tools}, nil
		}))
	for id, keywords := range devices {
		_, err := registry.Register(context.Background(), device.Spec{ID: id, Keywords: keywords})
		require.NoError(t, err)
	}
	return registry
}

func emptyEndpoints() *Endpoints {
	return &Endpoints{agents: make(map[string]*a2a.AgentEndpoint)}
}

func endpointsWith(agents ...*a2a.AgentEndpoint) *Endpoints {
	e := emptyEndpoints()
	for _, ep := range agents {
		e.agents[ep.AgentID] = ep
	}
	return e
}

func TestKeywordFastPath(t *testing.T) {
	registry := newTestRegistry(t, map[string][]string{
		"cam-1":  {"photo", "camera"},
		"ther-1": {"thermostat"},
	})
	analyzer := &stubAnalyzer{}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "take a photo of the garden"})
	require.NoError(t, err)

	assert.Equal(t, ActionDevice, d.Action)
	assert.Equal(t, "cam-1", d.DeviceID)
	assert.Equal(t, "run", d.ToolID)
	assert.Equal(t, 1.0, d.Confidence)
	assert.False(t, analyzer.called, "fast path must not consult the analyzer")
}

func TestKeywordTieFallsThroughToAnalyzer(t *testing.T) {
	registry := newTestRegistry(t, map[string][]string{
		"cam-1": {"photo"},
		"cam-2": {"photo"},
	})
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDevice,
		Target:     "cam-2",
		Confidence: 0.9,
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "take a photo"})
	require.NoError(t, err)

	assert.True(t, analyzer.called)
	assert.Equal(t, ActionDevice, d.Action)
	assert.Equal(t, "cam-2", d.DeviceID)
}

func TestAmbiguousToolFallsThroughToAnalyzer(t *testing.T) {
	registry := newTestRegistry(t,
		map[string][]string{"cam-1": {"photo"}},
		device.Tool{ID: "snapshot"}, device.Tool{ID: "record"})
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDevice,
		Target:     "cam-1",
		Tool:       "snapshot",
		Confidence: 0.8,
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "take a photo"})
	require.NoError(t, err)

	assert.True(t, analyzer.called)
	assert.Equal(t, "snapshot", d.ToolID)
}

func TestLowConfidenceDowngradesToClarify(t *testing.T) {
	registry := newTestRegistry(t, nil)
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDevice,
		Target:     "cam-1",
		Confidence: 0.3,
		Rationale:  "Which camera did you mean?",
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "do the thing"})
	require.NoError(t, err)

	assert.Equal(t, ActionClarify, d.Action)
	assert.Equal(t, "Which camera did you mean?", d.Reply)
}

func TestLowConfidenceLocalAnswerStillCompletes(t *testing.T) {
	registry := newTestRegistry(t, nil)
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionLocal,
		Arguments:  map[string]any{"reply": "Probably around 21 degrees."},
		Confidence: 0.3,
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "roughly how warm is it inside"})
	require.NoError(t, err)

	assert.Equal(t, ActionLocal, d.Action)
	assert.Equal(t, "Probably around 21 degrees.", d.Reply)
}

func TestLocalAnswer(t *testing.T) {
	registry := newTestRegistry(t, nil)
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionLocal,
		Arguments:  map[string]any{"reply": "It is 21 degrees inside."},
		Confidence: 0.95,
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "what was the last reading"})
	require.NoError(t, err)

	assert.Equal(t, ActionLocal, d.Action)
	assert.Equal(t, "It is 21 degrees inside.", d.Reply)
}

func TestDeviceDecisionValidatedAgainstRegistry(t *testing.T) {
	registry := newTestRegistry(t, map[string][]string{"cam-1": {"photo"}})
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDevice,
		Target:     "ghost",
		Confidence: 0.9,
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "ask the ghost device"})
	require.NoError(t, err)
	assert.Equal(t, ActionClarify, d.Action)
}

func TestDeviceDecisionRejectsUnknownTool(t *testing.T) {
	registry := newTestRegistry(t,
		map[string][]string{"cam-1": {"photo"}},
		device.Tool{ID: "snapshot"}, device.Tool{ID: "record"})
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDevice,
		Target:     "cam-1",
		Tool:       "explode",
		Confidence: 0.9,
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "make cam-1 explode"})
	require.NoError(t, err)
	assert.Equal(t, ActionClarify, d.Action)
}

func TestDelegateKnownAgent(t *testing.T) {
	registry := newTestRegistry(t, nil)
	endpoints := endpointsWith(&a2a.AgentEndpoint{
		AgentID: "weather-agent", URL: "https://weather.example", Enabled: true,
	})
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDelegate,
		Target:     "weather-agent",
		Confidence: 0.9,
	}}
	r := New(registry, endpoints, analyzer)

	d, err := r.Route(context.Background(), Input{Text: "what is tomorrow's forecast"})
	require.NoError(t, err)
	assert.Equal(t, ActionDelegate, d.Action)
	assert.Equal(t, "weather-agent", d.AgentID)
}

func TestDelegateUnknownTargetFallsBackToTags(t *testing.T) {
	registry := newTestRegistry(t, nil)
	endpoints := endpointsWith(&a2a.AgentEndpoint{
		AgentID:        "weather-agent",
		URL:            "https://weather.example",
		CapabilityTags: []string{"forecast", "weather"},
		Enabled:        true,
	})
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDelegate,
		Target:     "some-unknown-agent",
		Confidence: 0.9,
	}}
	r := New(registry, endpoints, analyzer)

	d, err := r.Route(context.Background(), Input{Text: "weather forecast for tomorrow"})
	require.NoError(t, err)
	assert.Equal(t, ActionDelegate, d.Action)
	assert.Equal(t, "weather-agent", d.AgentID)
}

func TestDelegateNoAgentClarifies(t *testing.T) {
	registry := newTestRegistry(t, nil)
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDelegate,
		Target:     "nobody",
		Confidence: 0.9,
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "book me a flight"})
	require.NoError(t, err)
	assert.Equal(t, ActionClarify, d.Action)
}

func TestRejectPassesThrough(t *testing.T) {
	registry := newTestRegistry(t, nil)
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionReject,
		Confidence: 0.9,
		Rationale:  "out of scope",
	}}
	r := New(registry, emptyEndpoints(), analyzer)

	d, err := r.Route(context.Background(), Input{Text: "write me a novel"})
	require.NoError(t, err)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "out of scope", d.Rationale)
}

func TestDisabledAnalyzerClarifies(t *testing.T) {
	registry := newTestRegistry(t, nil)
	r := New(registry, emptyEndpoints(), &llm.Disabled{})

	d, err := r.Route(context.Background(), Input{Text: "do something vague"})
	require.NoError(t, err)
	assert.Equal(t, ActionClarify, d.Action)
	assert.NotEmpty(t, d.Reply)
}

func TestSystemPromptCarriesInventory(t *testing.T) {
	registry := newTestRegistry(t, map[string][]string{"cam-1": {"photo"}})
	endpoints := endpointsWith(&a2a.AgentEndpoint{
		AgentID: "weather-agent", URL: "https://weather.example",
		CapabilityTags: []string{"weather"}, Enabled: true,
	})
	analyzer := &stubAnalyzer{decision: &llm.Decision{
		Action: llm.ActionReject, Confidence: 0.9,
	}}
	r := New(registry, endpoints, analyzer)

	_, err := r.Route(context.Background(), Input{Text: "hmm"})
	require.NoError(t, err)

	assert.Contains(t, analyzer.lastReq.System, "cam-1")
	assert.Contains(t, analyzer.lastReq.System, "weather-agent")
}

func TestTokenize(t *testing.T) {
	got := tokenize("Please take a Photo of the garden, with the CAMERA!")
	assert.Equal(t, []string{"take", "photo", "garden", "camera"}, got)

	// Duplicates collapse, short tokens drop.
	assert.Equal(t, []string{"photo"}, tokenize("photo photo a i"))
	assert.Empty(t, tokenize(""))
}
