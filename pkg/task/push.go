package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/observability"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

// Pusher delivers task events to registered webhook targets. Delivery
// is at-least-once and in-order per target: each (task, config) pair
// gets one drain goroutine working a FIFO queue.
type Pusher struct {
	repo           repository.Repository
	httpClient     *http.Client
	maxAttempts    int
	attemptTimeout time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration
	metrics        observability.Metrics

	mu      sync.Mutex
	targets map[string]*pushTarget
	wg      sync.WaitGroup
	closed  bool
}

type pushTarget struct {
	cfg   a2a.PushNotificationConfig
	queue chan pushItem
}

type pushItem struct {
	taskID string
	event  a2a.Event
	final  bool
}

type PusherOption func(*Pusher)

// WithMaxAttempts bounds retries per delivery.
func WithMaxAttempts(n int) PusherOption {
	return func(p *Pusher) { p.maxAttempts = n }
}

// WithAttemptTimeout bounds each HTTP attempt.
func WithAttemptTimeout(d time.Duration) PusherOption {
	return func(p *Pusher) { p.attemptTimeout = d }
}

// WithPusherMetrics wires delivery counters.
func WithPusherMetrics(m observability.Metrics) PusherOption {
	return func(p *Pusher) { p.metrics = m }
}

// WithPushHTTPClient overrides the HTTP client, for tests.
func WithPushHTTPClient(c *http.Client) PusherOption {
	return func(p *Pusher) { p.httpClient = c }
}

func withPushBaseDelay(d time.Duration) PusherOption {
	return func(p *Pusher) { p.baseDelay = d }
}

// NewPusher builds a push dispatcher reading targets from the
// repository.
func NewPusher(repo repository.Repository, opts ...PusherOption) *Pusher {
	p := &Pusher{
		repo:           repo,
		httpClient:     &http.Client{},
		maxAttempts:    6,
		attemptTimeout: 15 * time.Second,
		baseDelay:      time.Second,
		maxDelay:       60 * time.Second,
		metrics:        (*observability.PrometheusMetrics)(nil),
		targets:        make(map[string]*pushTarget),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify fans an event out to every push target of a task. A nil
// Pusher is a no-op, so push delivery is optional wiring.
func (p *Pusher) Notify(taskID string, event a2a.Event, final bool) {
	if p == nil {
		return
	}

	configs, err := p.repo.ListPushConfigs(context.Background(), taskID)
	if err != nil {
		slog.Error("failed to list push configs", "task", taskID, "error", err)
		return
	}
	for _, cfg := range configs {
		p.enqueue(taskID, cfg, pushItem{taskID: taskID, event: event, final: final})
	}
}

func (p *Pusher) enqueue(taskID string, cfg a2a.PushNotificationConfig, item pushItem) {
	key := taskID + "/" + cfg.ID

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	target, ok := p.targets[key]
	if !ok {
		target = &pushTarget{cfg: cfg, queue: make(chan pushItem, 256)}
		p.targets[key] = target
		p.wg.Add(1)
		go p.drain(key, target)
	}
	p.mu.Unlock()

	select {
	case target.queue <- item:
	default:
		slog.Warn("push queue full, dropping event", "task", taskID, "config", cfg.ID)
	}
}

// drain delivers queued events sequentially. The goroutine exits after
// the final event of its task is delivered or dropped.
func (p *Pusher) drain(key string, target *pushTarget) {
	defer p.wg.Done()
	for item := range target.queue {
		p.deliver(target.cfg, item)
		if item.final {
			break
		}
	}
	p.mu.Lock()
	delete(p.targets, key)
	p.mu.Unlock()
}

// deliver POSTs one event with retries. 4xx responses drop the event;
// 5xx and transport errors retry with exponential backoff from the base
// delay up to the cap.
func (p *Pusher) deliver(cfg a2a.PushNotificationConfig, item pushItem) {
	body, err := json.Marshal(item.event)
	if err != nil {
		slog.Error("failed to encode push event", "task", item.taskID, "error", err)
		return
	}
	deliveryID := uuid.NewString()

	delay := p.baseDelay
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := p.attempt(cfg, item.taskID, deliveryID, body)
		if err == nil {
			p.metrics.RecordPushDelivery(context.Background(), attempt, nil)
			return
		}
		if permanent, ok := err.(*permanentPushError); ok {
			slog.Warn("push target rejected event, dropping",
				"task", item.taskID, "url", cfg.URL, "status", permanent.status)
			p.metrics.RecordPushDelivery(context.Background(), attempt, permanent)
			return
		}

		slog.Debug("push attempt failed",
			"task", item.taskID, "url", cfg.URL, "attempt", attempt, "error", err)
		if attempt == p.maxAttempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}

	slog.Warn("push delivery exhausted retries, dropping event",
		"task", item.taskID, "url", cfg.URL, "attempts", p.maxAttempts)
	p.metrics.RecordPushDelivery(context.Background(), p.maxAttempts, fmt.Errorf("retries exhausted"))
}

type permanentPushError struct {
	status int
}

func (e *permanentPushError) Error() string {
	return fmt.Sprintf("push target returned %d", e.status)
}

func (p *Pusher) attempt(cfg a2a.PushNotificationConfig, taskID, deliveryID string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &permanentPushError{status: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)
	req.Header.Set("X-Task-ID", taskID)
	applyPushAuth(req, cfg)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentPushError{status: resp.StatusCode}
	default:
		return fmt.Errorf("push target returned %d", resp.StatusCode)
	}
}

func applyPushAuth(req *http.Request, cfg a2a.PushNotificationConfig) {
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
		return
	}
	if cfg.Authentication != nil && cfg.Authentication.Credentials != "" {
		scheme := "Bearer"
		if len(cfg.Authentication.Schemes) > 0 {
			scheme = cfg.Authentication.Schemes[0]
		}
		req.Header.Set("Authorization", scheme+" "+cfg.Authentication.Credentials)
	}
}

// Close stops accepting events and waits for in-flight deliveries.
func (p *Pusher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.closed = true
	for key, target := range p.targets {
		close(target.queue)
		delete(p.targets, key)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
