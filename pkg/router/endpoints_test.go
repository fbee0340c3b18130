package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

const endpointsYAML = `agents:
  - agent_id: weather-agent
    url: https://weather.example
    capability_tags: [weather, forecast]
    enabled: true
  - agent_id: travel-agent
    url: https://travel.example
    capability_tags: [travel]
    enabled: false
  - agent_id: broken
    enabled: true
`

func writeEndpointsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFiltersDisabledAndIncomplete(t *testing.T) {
	path := writeEndpointsFile(t, endpointsYAML)
	e, err := NewEndpoints(path, repository.NewMemory())
	require.NoError(t, err)

	list := e.List()
	require.Len(t, list, 1)
	assert.Equal(t, "weather-agent", list[0].AgentID)

	_, ok := e.Get("travel-agent")
	assert.False(t, ok)
}

func TestMissingFileYieldsEmptySet(t *testing.T) {
	e, err := NewEndpoints(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.NoError(t, err)
	assert.Empty(t, e.List())
}

func TestEmptyPathYieldsEmptySet(t *testing.T) {
	e, err := NewEndpoints("", nil)
	require.NoError(t, err)
	assert.Empty(t, e.List())
}

func TestReloadPreservesLastSuccess(t *testing.T) {
	path := writeEndpointsFile(t, endpointsYAML)
	repo := repository.NewMemory()
	e, err := NewEndpoints(path, repo)
	require.NoError(t, err)

	e.RecordSuccess(context.Background(), "weather-agent")
	ep, ok := e.Get("weather-agent")
	require.True(t, ok)
	require.False(t, ep.LastSuccess.IsZero())
	recorded := ep.LastSuccess

	// A reload rebuilds the set from the file but keeps the persisted
	// recency.
	require.NoError(t, e.Reload(context.Background()))
	ep, ok = e.Get("weather-agent")
	require.True(t, ok)
	assert.WithinDuration(t, recorded, ep.LastSuccess, time.Second)
}

func TestMatchAgentsRanking(t *testing.T) {
	e := endpointsWith(
		&a2a.AgentEndpoint{
			AgentID: "broad", URL: "https://broad.example", Enabled: true,
			CapabilityTags: []string{"weather", "forecast", "news", "sports"},
		},
		&a2a.AgentEndpoint{
			AgentID: "focused", URL: "https://focused.example", Enabled: true,
			CapabilityTags: []string{"weather", "forecast"},
		},
		&a2a.AgentEndpoint{
			AgentID: "other", URL: "https://other.example", Enabled: true,
			CapabilityTags: []string{"travel"},
		},
	)

	ranked := e.matchAgents([]string{"weather", "forecast"})
	require.Len(t, ranked, 2)
	// Equal overlap: fewer total tags ranks higher.
	assert.Equal(t, "focused", ranked[0].AgentID)
	assert.Equal(t, "broad", ranked[1].AgentID)
}

func TestMatchAgentsRecencyTieBreak(t *testing.T) {
	now := time.Now()
	e := endpointsWith(
		&a2a.AgentEndpoint{
			AgentID: "stale", URL: "https://stale.example", Enabled: true,
			CapabilityTags: []string{"weather"},
			LastSuccess:    now.Add(-time.Hour),
		},
		&a2a.AgentEndpoint{
			AgentID: "recent", URL: "https://recent.example", Enabled: true,
			CapabilityTags: []string{"weather"},
			LastSuccess:    now,
		},
	)

	ranked := e.matchAgents([]string{"weather"})
	require.Len(t, ranked, 2)
	assert.Equal(t, "recent", ranked[0].AgentID)
}

func TestRecordSuccessPersists(t *testing.T) {
	path := writeEndpointsFile(t, endpointsYAML)
	repo := repository.NewMemory()
	e, err := NewEndpoints(path, repo)
	require.NoError(t, err)

	e.RecordSuccess(context.Background(), "weather-agent")

	stored, err := repo.ListAgentEndpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].LastSuccess.IsZero())
}
