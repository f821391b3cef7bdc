// Package dispatcher runs one worker pool per capability and performs the
// graceful drain on shutdown.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/worker"
)

// Drainer is the scheduler surface used during shutdown.
type Drainer interface {
	Close()
	Interrupt(ctx context.Context) (int, error)
}

// Config controls the drain.
type Config struct {
	// Grace is how long in-flight retrievals may keep running after shutdown
	// begins. Zero cancels them immediately.
	Grace  time.Duration
	Logger *zap.Logger
}

// Dispatcher fans scheduler work out to per-capability pools.
type Dispatcher struct {
	sched  Drainer
	pools  []*worker.Pool
	grace  time.Duration
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(sched Drainer, pools []*worker.Pool, cfg Config) (*Dispatcher, error) {
	if sched == nil {
		return nil, errors.New("dispatcher: scheduler is required")
	}
	if len(pools) == 0 {
		return nil, errors.New("dispatcher: at least one worker pool is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		sched:  sched,
		pools:  pools,
		grace:  cfg.Grace,
		logger: cfg.Logger.Named("dispatcher"),
	}, nil
}

// Run starts every pool and blocks until ctx finishes, then drains: admission
// stops, in-flight retrievals get the grace period, the rest are cancelled
// and persisted as interrupted.
func (d *Dispatcher) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for _, p := range d.pools {
		wg.Add(1)
		go func(pool *worker.Pool) {
			defer wg.Done()
			pool.Run(ctx, work)
		}(p)
	}
	d.logger.Info("dispatcher started", zap.Int("pools", len(d.pools)))

	<-ctx.Done()
	d.logger.Info("draining", zap.Duration("grace", d.grace))
	d.sched.Close()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(d.grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		d.logger.Warn("grace period elapsed; cancelling in-flight retrievals")
		cancelWork()
		<-finished
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	n, err := d.sched.Interrupt(persistCtx)
	if err != nil {
		return fmt.Errorf("persist interrupted jobs: %w", err)
	}
	d.logger.Info("dispatcher stopped", zap.Int("interrupted", n))
	return nil
}
