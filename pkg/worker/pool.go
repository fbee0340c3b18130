// Package worker provides the bounded pool that runs long jobs: device
// tool invocations, external delegations, LLM calls, and push delivery.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetlink/fleetlink/pkg/observability"
)

// ErrOverloaded is returned when the queue stays full past the grace
// period. The owning task fails with the Overloaded kind.
var ErrOverloaded = errors.New("worker pool overloaded")

// JobKind labels jobs for logging and metrics.
type JobKind string

const (
	JobToolInvoke JobKind = "tool-invoke"
	JobDelegate   JobKind = "delegate"
	JobLLMCall    JobKind = "llm-call"
	JobPush       JobKind = "push-delivery"
)

// Job is one unit of work. Run receives a context canceled when the
// owning task is canceled or the pool shuts down; it must return at the
// next I/O boundary once canceled.
type Job struct {
	Kind   JobKind
	TaskID string
	Run    func(ctx context.Context)
}

type queuedJob struct {
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
}

// Pool is a bounded FIFO worker pool with per-task cancellation.
type Pool struct {
	queue chan queuedJob
	grace time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]map[int]context.CancelFunc
	nextID  int

	wg      sync.WaitGroup
	metrics observability.Metrics
}

type Option func(*Pool)

// WithMetrics wires queue depth recording.
func WithMetrics(m observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool builds a pool of workers drawing from a queue of the given
// depth. Submissions block up to grace when the queue is full.
func NewPool(workers, depth int, grace time.Duration, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:      make(chan queuedJob, depth),
		grace:      grace,
		baseCtx:    ctx,
		baseCancel: cancel,
		cancels:    make(map[string]map[int]context.CancelFunc),
		metrics:    (*observability.PrometheusMetrics)(nil),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case qj, ok := <-p.queue:
			if !ok {
				return
			}
			p.metrics.RecordQueueDepth(p.baseCtx, -1)
			p.runOne(qj)
		}
	}
}

func (p *Pool) runOne(qj queuedJob) {
	defer qj.cancel()
	if qj.ctx.Err() != nil {
		return
	}
	start := time.Now()
	qj.job.Run(qj.ctx)
	slog.Debug("job finished",
		"kind", qj.job.Kind,
		"task", qj.job.TaskID,
		"duration", time.Since(start))
}

// Submit enqueues a job. It blocks up to the grace period when the
// queue is full, then fails with ErrOverloaded.
func (p *Pool) Submit(job Job) error {
	jobCtx, jobCancel := context.WithCancel(p.baseCtx)

	var id int
	if job.TaskID != "" {
		p.mu.Lock()
		id = p.nextID
		p.nextID++
		if p.cancels[job.TaskID] == nil {
			p.cancels[job.TaskID] = make(map[int]context.CancelFunc)
		}
		p.cancels[job.TaskID][id] = jobCancel
		p.mu.Unlock()
	}

	cancel := func() {
		jobCancel()
		if job.TaskID != "" {
			p.mu.Lock()
			if m := p.cancels[job.TaskID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(p.cancels, job.TaskID)
				}
			}
			p.mu.Unlock()
		}
	}

	qj := queuedJob{job: job, ctx: jobCtx, cancel: cancel}

	select {
	case p.queue <- qj:
		p.metrics.RecordQueueDepth(p.baseCtx, 1)
		return nil
	default:
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case p.queue <- qj:
		p.metrics.RecordQueueDepth(p.baseCtx, 1)
		return nil
	case <-timer.C:
		cancel()
		return ErrOverloaded
	case <-p.baseCtx.Done():
		cancel()
		return p.baseCtx.Err()
	}
}

// CancelTask signals the cancellation token of every queued or running
// job owned by a task.
func (p *Pool) CancelTask(taskID string) {
	p.mu.Lock()
	cancels := p.cancels[taskID]
	delete(p.cancels, taskID)
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Shutdown cancels all jobs and waits for workers to exit, up to the
// context deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.baseCancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
