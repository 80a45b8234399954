package enforce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/metrics"
)

var (
	ErrQueueFull   = errors.New("enforce: queue full")
	ErrQueueClosed = errors.New("enforce: queue closed")
)

const taskTimeout = 30 * time.Second

// Reporter submits abuse reports. Implemented by internal/report;
// tests plug in fakes.
type Reporter interface {
	Report(ctx context.Context, ip string, categories []int, comment string, ts time.Time) error
}

// Pool is a fixed-size worker pool over a bounded task queue.
// Collaborator failures are logged and counted, never propagated back
// into the detection path.
type Pool struct {
	tasks chan Task
	fw    Firewall
	rep   Reporter
	log   zerolog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	workers int
}

func NewPool(workers, depth int, fw Firewall, rep Reporter, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 1
	}
	return &Pool{
		tasks:   make(chan Task, depth),
		fw:      fw,
		rep:     rep,
		log:     logger,
		workers: workers,
	}
}

// Start launches the workers. Call once.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.workers).Int("depth", cap(p.tasks)).Msg("enforcement pool started")
}

// Enqueue hands a task to the pool, blocking while the queue is full.
// Returns ErrQueueClosed after Shutdown, or the context error if the
// caller gives up first.
func (p *Pool) Enqueue(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.TasksDropped.Inc()
		return ErrQueueClosed
	}
	select {
	case p.tasks <- t:
		metrics.QueueDepth.Set(float64(len(p.tasks)))
		return nil
	case <-ctx.Done():
		metrics.TasksDropped.Inc()
		return ctx.Err()
	}
}

// TryEnqueue is the non-blocking variant, for callers that prefer to
// shed load instead of waiting.
func (p *Pool) TryEnqueue(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.TasksDropped.Inc()
		return ErrQueueClosed
	}
	select {
	case p.tasks <- t:
		metrics.QueueDepth.Set(float64(len(p.tasks)))
		return nil
	default:
		metrics.TasksDropped.Inc()
		return ErrQueueFull
	}
}

// Depth reports how many tasks are currently waiting.
func (p *Pool) Depth() int {
	return len(p.tasks)
}

// Shutdown stops intake, lets the workers drain everything already
// queued, and blocks until they exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("enforcement pool drained")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.execute(id, t)
		metrics.QueueDepth.Set(float64(len(p.tasks)))
	}
}

func (p *Pool) execute(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", id).Str("task", t.ID).Interface("panic", r).Msg("task panicked")
			metrics.TasksExecuted.WithLabelValues(t.Op.String(), "panic").Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	var err error
	switch t.Op {
	case OpApplyBan:
		err = p.fw.Apply(ctx, t.IP, t.Jail)
	case OpRemoveBan:
		err = p.fw.Remove(ctx, t.IP, t.Jail)
	case OpReportAbuse:
		if p.rep == nil {
			return
		}
		err = p.rep.Report(ctx, t.IP, t.Categories, t.Comment, t.DetectedAt)
	default:
		p.log.Warn().Str("task", t.ID).Int("op", int(t.Op)).Msg("unknown task op")
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		p.log.Error().Err(err).
			Str("task", t.ID).
			Str("op", t.Op.String()).
			Str("ip", t.IP).
			Str("jail", t.Jail).
			Msg("enforcement task failed")
	}
	metrics.TasksExecuted.WithLabelValues(t.Op.String(), outcome).Inc()

	if t.Done != nil {
		t.Done(err)
	}
}
