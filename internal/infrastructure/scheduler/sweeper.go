package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSchedulerNotRunning is returned when triggering a sweep on a stopped scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrInvalidConfig is returned when scheduler configuration is invalid.
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)

// SweepFunc performs one pass of a recurring maintenance job. It returns the
// number of rows it acted on so the sweeper can log quiet passes at debug only.
type SweepFunc func(ctx context.Context) (int, error)

// Sweeper runs a SweepFunc on a fixed interval with a per-pass timeout.
// Failures are logged and the next tick retries; a sweep pass must therefore
// be safe to repeat.
type Sweeper struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	sweep    SweepFunc
	logger   *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewSweeper creates a new sweeper
func NewSweeper(name string, interval, timeout time.Duration, sweep SweepFunc, logger *zap.Logger) (*Sweeper, error) {
	if name == "" || interval <= 0 || timeout <= 0 || sweep == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		name:     name,
		interval: interval,
		timeout:  timeout,
		sweep:    sweep,
		logger:   logger,
	}, nil
}

// Start starts the sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Info("Sweeper started",
		zap.String("sweeper", s.name),
		zap.Duration("interval", s.interval),
		zap.Duration("timeout", s.timeout),
	)
	return nil
}

// Stop gracefully stops the sweep loop
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Sweeper stopped", zap.String("sweeper", s.name))
		return nil
	case <-ctx.Done():
		s.logger.Warn("Sweeper stop timed out", zap.String("sweeper", s.name))
		return ctx.Err()
	}
}

// RunNow performs a single sweep pass outside the schedule
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	running := s.isRunning
	s.mu.Unlock()
	if !running {
		return 0, ErrSchedulerNotRunning
	}
	return s.runOnce(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep pass failed",
					zap.String("sweeper", s.name),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) (int, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	processed, err := s.sweep(sweepCtx)
	if err != nil {
		return processed, err
	}

	if processed > 0 {
		s.logger.Info("Sweep pass completed",
			zap.String("sweeper", s.name),
			zap.Int("processed", processed),
			zap.Duration("elapsed", time.Since(start)),
		)
	} else {
		s.logger.Debug("Sweep pass found nothing to do",
			zap.String("sweeper", s.name),
		)
	}
	return processed, nil
}
