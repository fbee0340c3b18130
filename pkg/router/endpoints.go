package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

// endpointsFile is the on-disk format of the agent endpoint registry.
type endpointsFile struct {
	Agents []*a2a.AgentEndpoint `yaml:"agents"`
}

// Endpoints holds the external agents delegation may target. The set
// comes from a YAML file reloaded on change; last-success timestamps
// are kept through the repository so restarts preserve recency.
type Endpoints struct {
	mu       sync.RWMutex
	agents   map[string]*a2a.AgentEndpoint
	repo     repository.Repository
	filePath string
}

// NewEndpoints loads the endpoint file and merges persisted
// last-success timestamps. A missing file yields an empty set.
func NewEndpoints(filePath string, repo repository.Repository) (*Endpoints, error) {
	e := &Endpoints{
		agents:   make(map[string]*a2a.AgentEndpoint),
		repo:     repo,
		filePath: filePath,
	}
	if filePath == "" {
		return e, nil
	}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the endpoint file. Disabled entries are dropped;
// enabled ones are written through to the repository with their stored
// last-success preserved.
func (e *Endpoints) Reload(ctx context.Context) error {
	data, err := os.ReadFile(e.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read endpoints file: %w", err)
	}

	var file endpointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse endpoints file: %w", err)
	}

	persisted := make(map[string]time.Time)
	if e.repo != nil {
		stored, err := e.repo.ListAgentEndpoints(ctx)
		if err != nil {
			slog.Warn("failed to load persisted agent endpoints", "error", err)
		}
		for _, ep := range stored {
			persisted[ep.AgentID] = ep.LastSuccess
		}
	}

	agents := make(map[string]*a2a.AgentEndpoint)
	for _, ep := range file.Agents {
		if ep == nil || !ep.Enabled {
			continue
		}
		if ep.AgentID == "" || ep.URL == "" {
			slog.Warn("skipping endpoint without agent_id or url")
			continue
		}
		ep.LastSuccess = persisted[ep.AgentID]
		agents[ep.AgentID] = ep
		if e.repo != nil {
			if err := e.repo.SaveAgentEndpoint(ctx, ep); err != nil {
				slog.Warn("failed to persist agent endpoint", "agent", ep.AgentID, "error", err)
			}
		}
	}

	e.mu.Lock()
	e.agents = agents
	e.mu.Unlock()
	slog.Info("agent endpoints loaded", "count", len(agents))
	return nil
}

// Watch reloads the endpoint file whenever it changes, until ctx is
// canceled. Watches the directory so editor rename-replace is caught.
func (e *Endpoints) Watch(ctx context.Context) error {
	if e.filePath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(e.filePath)); err != nil {
		return fmt.Errorf("failed to watch endpoints directory: %w", err)
	}

	target := filepath.Clean(e.filePath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := e.Reload(ctx); err != nil {
				slog.Error("failed to reload agent endpoints", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("endpoints watcher error", "error", err)
		}
	}
}

// Get returns one endpoint by agent id.
func (e *Endpoints) Get(agentID string) (*a2a.AgentEndpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.agents[agentID]
	if !ok {
		return nil, false
	}
	clone := *ep
	return &clone, true
}

// List returns all enabled endpoints sorted by agent id.
func (e *Endpoints) List() []*a2a.AgentEndpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*a2a.AgentEndpoint, 0, len(e.agents))
	for _, ep := range e.agents {
		clone := *ep
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// RecordSuccess refreshes an agent's last-success timestamp after a
// completed delegation.
func (e *Endpoints) RecordSuccess(ctx context.Context, agentID string) {
	e.mu.Lock()
	ep, ok := e.agents[agentID]
	if ok {
		ep.LastSuccess = time.Now()
	}
	var clone a2a.AgentEndpoint
	if ok {
		clone = *ep
	}
	e.mu.Unlock()

	if ok && e.repo != nil {
		if err := e.repo.SaveAgentEndpoint(ctx, &clone); err != nil {
			slog.Warn("failed to persist agent last success", "agent", agentID, "error", err)
		}
	}
}

// matchAgents ranks endpoints by matching capability tags. Ties break
// on tag specificity (fewer total tags ranks higher) and then on
// last-success recency.
func (e *Endpoints) matchAgents(keywords []string) []*a2a.AgentEndpoint {
	want := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		want[strings.ToLower(k)] = true
	}

	type scored struct {
		ep      *a2a.AgentEndpoint
		overlap int
	}
	var candidates []scored
	for _, ep := range e.List() {
		overlap := 0
		for _, tag := range ep.CapabilityTags {
			if want[strings.ToLower(tag)] {
				overlap++
			}
		}
		if overlap > 0 {
			candidates = append(candidates, scored{ep: ep, overlap: overlap})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		li, lj := len(candidates[i].ep.CapabilityTags), len(candidates[j].ep.CapabilityTags)
		if li != lj {
			return li < lj
		}
		return candidates[i].ep.LastSuccess.After(candidates[j].ep.LastSuccess)
	})

	out := make([]*a2a.AgentEndpoint, len(candidates))
	for i, c := range candidates {
		out[i] = c.ep
	}
	return out
}
