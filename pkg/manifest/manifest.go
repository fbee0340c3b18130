// Package manifest builds the agent card advertised to external A2A
// clients, with one skill per online device.
package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/device"
)

// Builder maintains the agent card. Rebuilds are coalesced: bursts of
// registry changes collapse into at most one pending rebuild, and
// readers always get a complete immutable snapshot.
type Builder struct {
	registry    *device.Registry
	cfg         config.ManifestConfig
	baseURL     string
	restURL     string
	pushEnabled bool

	card atomic.Pointer[a2a.AgentCard]

	mu      sync.Mutex
	pending bool
	wake    chan struct{}
}

type Option func(*Builder)

// WithRESTInterface advertises an additional HTTP+JSON interface on the
// card.
func WithRESTInterface(url string) Option {
	return func(b *Builder) { b.restURL = url }
}

// WithPushNotifications sets the pushNotifications capability flag.
func WithPushNotifications(enabled bool) Option {
	return func(b *Builder) { b.pushEnabled = enabled }
}

// NewBuilder constructs the builder and produces the initial card.
func NewBuilder(registry *device.Registry, cfg config.ManifestConfig, baseURL string, opts ...Option) *Builder {
	b := &Builder{
		registry:    registry,
		cfg:         cfg,
		baseURL:     baseURL,
		pushEnabled: true,
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.card.Store(b.build())
	registry.OnChange(b.markDirty)
	return b
}

// Card returns the current card snapshot. Callers must not mutate it.
func (b *Builder) Card() *a2a.AgentCard {
	return b.card.Load()
}

func (b *Builder) markDirty() {
	b.mu.Lock()
	b.pending = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run rebuilds the card whenever the registry changes, until ctx is
// canceled. Changes arriving during a rebuild trigger exactly one more.
func (b *Builder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if !b.pending {
				b.mu.Unlock()
				break
			}
			b.pending = false
			b.mu.Unlock()

			b.card.Store(b.build())
			slog.Debug("agent card rebuilt")
		}
	}
}

// Rebuild regenerates the card synchronously.
func (b *Builder) Rebuild() {
	b.card.Store(b.build())
}

// build assembles a fresh card from a registry snapshot. Only online
// devices contribute skills; their keywords become skill tags.
func (b *Builder) build() *a2a.AgentCard {
	devices := b.registry.List(device.Filter{Liveness: device.LivenessOnline})

	skills := make([]a2a.AgentSkill, 0, len(devices))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		toolIDs := make([]string, 0, len(d.Tools))
		for _, tool := range d.Tools {
			toolIDs = append(toolIDs, tool.ID)
		}
		skills = append(skills, a2a.AgentSkill{
			ID:          "device-" + d.ID,
			Name:        name,
			Description: fmt.Sprintf("Tools exposed by device %s (%s): %v", d.ID, name, toolIDs),
			Tags:        append([]string(nil), d.Keywords...),
			InputModes:  []string{"text/plain", "application/json"},
			OutputModes: []string{"text/plain", "application/json"},
		})
	}

	card := &a2a.AgentCard{
		ProtocolVersion:    a2a.ProtocolVersion,
		Name:               b.cfg.Name,
		Description:        b.cfg.Description,
		URL:                b.baseURL,
		Version:            b.cfg.Version,
		PreferredTransport: "JSONRPC",
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      b.pushEnabled,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
		Skills:             skills,
	}
	if b.restURL != "" {
		card.AdditionalInterfaces = []a2a.AgentInterface{
			{URL: b.baseURL, Transport: "JSONRPC"},
			{URL: b.restURL, Transport: "HTTP+JSON"},
		}
	}
	return card
}
