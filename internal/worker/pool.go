// Package worker runs fire-and-forget tasks on a fixed pool of goroutines
// fed by a bounded queue.
package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultQueueSize = 1024
	DefaultWorkers   = 4
)

// Task is one unit of queued work. Its error is reported through
// Config.OnError and never reaches the submitter.
type Task func(ctx context.Context) error

// Config holds pool configuration.
type Config struct {
	Name      string
	QueueSize int // Default: 1024
	Workers   int // Default: 4

	// Limiter paces task execution across all workers. Nil means no limit.
	Limiter *rate.Limiter

	// OnDrop is called for each queued task discarded to make room.
	OnDrop func()
	// OnError is called for each failed task.
	OnError func(err error)
	// OnDepth is called with the queue length after every change.
	OnDepth func(depth int)

	Logger logrus.FieldLogger
}

// Pool is a bounded queue drained by a fixed set of workers. Submit never
// blocks: when the queue is full the oldest pending task is dropped.
type Pool struct {
	cfg   Config
	log   logrus.FieldLogger
	queue chan Task

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	stopped   atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Stats counts tasks by outcome.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// NewPool creates a pool. Call Start before submitting work.
func NewPool(cfg Config) *Pool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Pool{
		cfg:    cfg,
		log:    cfg.Logger.WithField("pool", cfg.Name),
		queue:  make(chan Task, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers. Further calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.workerLoop(ctx)
		}
		p.log.WithFields(logrus.Fields{
			"workers":    p.cfg.Workers,
			"queue_size": p.cfg.QueueSize,
		}).Debug("worker pool started")
	})
}

// Stop stops accepting work, runs what is already queued and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
		p.wg.Wait()
		p.log.WithField("dropped", p.dropped.Load()).Debug("worker pool stopped")
	})
}

// Submit enqueues t. It returns false when t was not accepted because the
// pool is stopped. Overflow evicts the oldest queued task instead.
func (p *Pool) Submit(t Task) bool {
	if p.stopped.Load() {
		p.drop()
		return false
	}
	p.submitted.Add(1)

	for {
		select {
		case p.queue <- t:
			p.depth()
			return true
		default:
		}

		select {
		case <-p.queue:
			p.drop()
		default:
		}
	}
}

func (p *Pool) drop() {
	p.dropped.Add(1)
	if p.cfg.OnDrop != nil {
		p.cfg.OnDrop()
	}
}

func (p *Pool) depth() {
	if p.cfg.OnDepth != nil {
		p.cfg.OnDepth(len(p.queue))
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.run(ctx, t)
		case <-p.stopCh:
			for {
				select {
				case t := <-p.queue:
					p.run(ctx, t)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	p.depth()

	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			p.fail(err)
			return
		}
	}

	if err := t(ctx); err != nil {
		p.fail(err)
		return
	}
	p.completed.Add(1)
}

func (p *Pool) fail(err error) {
	p.failed.Add(1)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
		return
	}
	p.log.WithError(err).Warn("task failed")
}

// Stats returns task counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Pending:   len(p.queue),
	}
}
