// Package concurrency wraps alitto/pond behind the small pool surface the
// engine fans exchange calls out on.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"grid_trader/internal/core"
)

const (
	defaultWorkers = 4
	defaultQueue   = 64
	defaultIdle    = time.Minute
)

// Config sizes a Pool.
type Config struct {
	// Name tags log lines and errors from this pool.
	Name string
	// Workers caps concurrent tasks.
	Workers int
	// Queue bounds tasks waiting for a worker.
	Queue int
	// Idle releases surplus workers after this long without work.
	Idle time.Duration
	// Block makes Submit wait for queue room instead of failing fast.
	Block bool
}

// Pool is a fixed-size worker pool with a bounded queue. In the default
// fail-fast mode a full queue surfaces as a Submit error, so the event loop
// sheds load instead of stalling behind venue latency.
type Pool struct {
	cfg    Config
	logger core.ILogger
	inner  *pond.WorkerPool
}

// NewPool starts the workers. A panicking task is logged and its worker
// survives.
func NewPool(cfg Config, logger core.ILogger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaultQueue
	}
	if cfg.Idle <= 0 {
		cfg.Idle = defaultIdle
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	inner := pond.New(cfg.Workers, cfg.Queue,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.Idle),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(v interface{}) {
			log.Error("Pool task panicked", "panic", v)
		}),
	)
	return &Pool{cfg: cfg, logger: log, inner: inner}
}

// Submit hands task to a worker. Callers treat a full-queue error like any
// other transient failure and come back on their own schedule.
func (p *Pool) Submit(task func()) error {
	if p.cfg.Block {
		p.inner.Submit(task)
		return nil
	}
	if !p.inner.TrySubmit(task) {
		return fmt.Errorf("pool %s: queue full at %d tasks", p.cfg.Name, p.cfg.Queue)
	}
	return nil
}

// Stop waits for queued tasks to finish and releases the workers.
func (p *Pool) Stop() {
	p.inner.StopAndWait()
}
