package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper empties a storage location and reports how many files went away.
type Sweeper interface {
	Sweep() (int, error)
}

// Resetter clears accumulated counters and reports how many were tracked.
type Resetter interface {
	Reset() int
}

// Scheduler runs the attachment sweep and the quota reset as separate cron
// entries so each keeps its own schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

func New(logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger: logger,
	}
}

func (s *Scheduler) AddSweep(spec string, store Sweeper) error {
	if _, err := s.cron.AddFunc(spec, SweepJob(store, s.logger)); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) AddQuotaReset(spec string, tracker Resetter) error {
	if _, err := s.cron.AddFunc(spec, ResetJob(tracker, s.logger)); err != nil {
		return fmt.Errorf("invalid quota reset schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func SweepJob(store Sweeper, logger *zap.Logger) func() {
	return func() {
		removed, err := store.Sweep()
		if err != nil {
			logger.Error("Attachment sweep finished with errors",
				zap.Int("removed", removed),
				zap.Error(err))
			return
		}
		logger.Info("Attachment sweep finished", zap.Int("removed", removed))
	}
}

func ResetJob(tracker Resetter, logger *zap.Logger) func() {
	return func() {
		n := tracker.Reset()
		logger.Info("Image quota reset", zap.Int("clients", n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
