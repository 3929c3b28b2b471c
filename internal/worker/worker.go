// Package worker implements the Worker Pool (spec §4.F): N concurrent
// drivers that poll the Store for claimable tasks and hand each one to the
// Task Dispatcher, backing off when the queue is empty and draining
// in-flight work on shutdown. Grounded on the teacher's
// internal/daemon/daemon.go Shutdown drain pattern and the Python
// original's src/core/worker.py poll loop.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/internal/dispatcher"
	"github.com/loomworks/loom/internal/store"
)

// Config tunes the pool.
type Config struct {
	Count            int
	PollInterval     time.Duration
	ShutdownDeadline time.Duration
}

// Pool runs Count concurrent claim-dispatch loops against a Store.
type Pool struct {
	store  store.Store
	disp   *dispatcher.Dispatcher
	logger *slog.Logger
	cfg    Config

	limiter  *rate.Limiter
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Pool. Zero-value Count/PollInterval/ShutdownDeadline
// fall back to spec §4.F's stated defaults.
func New(st store.Store, disp *dispatcher.Dispatcher, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	// limiter caps the pool's aggregate claim-polling rate: one attempt per
	// driver per PollInterval, spread across the whole pool rather than
	// synchronized, so a burst of N drivers waking up together doesn't
	// hammer the Store in lockstep.
	limiter := rate.NewLimiter(rate.Every(cfg.PollInterval/time.Duration(cfg.Count)), cfg.Count)

	return &Pool{
		store:   st,
		disp:    disp,
		logger:  logger,
		cfg:     cfg,
		limiter: limiter,
		stopCh:  make(chan struct{}),
	}
}

// Run starts Count drivers and blocks until ctx is cancelled, then drains
// in-flight ticks for up to ShutdownDeadline before returning.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", "workers", p.cfg.Count, "poll_interval", p.cfg.PollInterval)

	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.drive(ctx, i)
	}

	<-ctx.Done()
	p.logger.Info("worker pool shutting down, draining", "deadline", p.cfg.ShutdownDeadline)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained cleanly")
		return nil
	case <-time.After(p.cfg.ShutdownDeadline):
		p.logger.Warn("worker pool shutdown deadline exceeded, some tasks left RUNNING for recovery")
		return context.DeadlineExceeded
	}
}

// drive is one driver's claim-poll loop (spec §4.F steps 1-2): claim,
// dispatch, and on an empty queue sleep for PollInterval before retrying.
// It keeps running after ctx is cancelled only long enough to finish a
// task already claimed; Run's select governs the overall drain deadline.
func (p *Pool) drive(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("driver", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		task, err := p.store.ClaimTask(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("claim failed", "error", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if task == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		taskLogger := logger.With("workflow_id", task.WorkflowID, "task_id", task.ID, "kind", task.Kind)
		// A claimed task runs under a context that ctx's cancellation does
		// not reach, so shutdown lets it finish.
		taskCtx := context.WithoutCancel(ctx)
		if err := p.disp.Dispatch(taskCtx, task); err != nil {
			// Dispatch already applies the activity retry policy and the
			// non-deterministic/permanent-failure paths internally; an error
			// surfacing here is a Store-layer failure (spec §7: fatal to the
			// current task). Release the task back to PENDING rather than
			// leaving it RUNNING forever with no driver: a future claim
			// retries the tick, which self-heals a transient Store error and
			// is harmless for a persistent one (the same error just recurs).
			taskLogger.Error("dispatch failed, releasing task for retry", "error", err)
			if releaseErr := p.store.ReleaseTask(taskCtx, task.ID); releaseErr != nil {
				taskLogger.Error("failed to release task after dispatch error", "error", releaseErr)
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	case <-p.stopCh:
	}
}

// Stop signals all drivers to stop sleeping immediately, so they retry a
// claim without waiting out PollInterval.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
