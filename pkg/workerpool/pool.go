// Package workerpool runs fire-and-forget jobs on a bounded set of workers.
// Submit never blocks: when the queue is full the job is refused.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("pool is shutting down")
)

// Job is a unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds a single job run. Zero means no timeout.
	JobTimeout time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits to drain the queue
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification delivery
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		JobTimeout:              10 * time.Second,
		GracefulShutdownTimeout: 15 * time.Second,
	}
}

// Pool manages a pool of workers
type Pool struct {
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	jobs    chan Job
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	rejected  int64
	active    int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues job without waiting.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		atomic.AddInt64(&p.rejected, 1)
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		atomic.AddInt64(&p.rejected, 1)
		return ErrQueueFull
	}
}

// Stop refuses new jobs and waits for queued ones to finish, up to the
// graceful shutdown timeout. Jobs still running after that see a cancelled
// context.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Int64("active", atomic.LoadInt64(&p.active)),
			zap.Int("queued", len(p.jobs)))
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(workerID int, job Job) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	ctx := p.ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return job.Run(ctx)
	}()

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("job failed",
			zap.String("job", job.Name),
			zap.Int("worker_id", workerID),
			zap.Error(err))
		return
	}
	atomic.AddInt64(&p.completed, 1)
}

// Stats holds pool counters
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Rejected      int64
	Active        int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Rejected:      atomic.LoadInt64(&p.rejected),
		Active:        atomic.LoadInt64(&p.active),
		QueueDepth:    len(p.jobs),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// backlogRatio is the queue fill level at which the pool reports unhealthy.
const backlogRatio = 0.9

// IsHealthy returns true if the queue isn't backing up
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < backlogRatio
}
