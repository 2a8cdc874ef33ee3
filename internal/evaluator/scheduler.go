package evaluator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pricealerts/internal/logger"

	"go.uber.org/zap"
)

// Runner runs one evaluation cycle.
type Runner interface {
	RunCycle(ctx context.Context) Report
}

// Scheduler runs a cycle every interval. A tick that arrives while the
// previous cycle is still running is skipped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	running  atomic.Bool
	wg       sync.WaitGroup
	skipped  atomic.Int64
}

func NewScheduler(runner Runner, interval time.Duration) *Scheduler {
	return &Scheduler{runner: runner, interval: interval}
}

// Skipped reports how many ticks were dropped because a cycle was running.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// Run starts an immediate cycle, then one per interval until ctx is done. It
// waits for the in-flight cycle before returning.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Log.Info("Alert scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			logger.Log.Info("Alert scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		logger.Log.Warn("Previous evaluation cycle still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		report := s.runner.RunCycle(ctx)
		if report.Err != nil {
			logger.Log.Error("Evaluation cycle failed", zap.Error(report.Err))
		}
	}()
}
