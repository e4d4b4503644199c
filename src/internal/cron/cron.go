// Package cron drives recurring tasks: a periodic sweep finds tasks whose
// next run is due and runs each of them once.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herald-main/src/internal/metrics"
	"herald-main/src/internal/tasks"
)

const (
	DefaultPollInterval = 30 * time.Second
	minPollInterval     = time.Second
)

// Runner is the part of the task engine the scheduler needs.
type Runner interface {
	ListDueScheduledTasks(ctx context.Context, now time.Time) ([]tasks.Task, error)
	RunScheduledTask(ctx context.Context, id string, now time.Time) (tasks.Task, error)
}

type Scheduler struct {
	runner   Runner
	metrics  *metrics.Metrics
	interval time.Duration
	c        *cron.Cron
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

func NewScheduler(runner Runner, interval time.Duration, m *metrics.Metrics) *Scheduler {
	if interval < minPollInterval {
		interval = DefaultPollInterval
	}
	logger := slogLogger{}
	return &Scheduler{
		runner:   runner,
		metrics:  m,
		interval: interval,
		c: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		now: time.Now,
	}
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	job := cron.FuncJob(func() { s.Sweep(ctx) })
	id, err := s.c.AddJob(fmt.Sprintf("@every %s", s.interval), job)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	slog.Info("scheduler started", "interval", s.interval)

	// The first sweep goes through the same chain so a slow one still
	// blocks overlapping ticks.
	go s.c.Entry(id).WrappedJob.Run()
	s.c.Start()

	<-ctx.Done()
	stopped := s.c.Stop()
	<-stopped.Done()
	slog.Info("scheduler stopped")
	return nil
}

// Sweep runs every due task once and returns how many attempts ran.
// Failures are logged per task and never abort the sweep.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.now()
	due, err := s.runner.ListDueScheduledTasks(ctx, now)
	if err != nil {
		slog.Error("scheduler sweep failed to list due tasks", "error", err)
		return 0
	}

	ran, busy := 0, 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := s.runner.RunScheduledTask(ctx, t.ID, now)
		switch {
		case errors.Is(err, tasks.ErrBusy):
			busy++
			slog.Debug("scheduled task already running, skipped", "task_id", t.ID)
			continue
		case errors.Is(err, tasks.ErrNotFound):
			slog.Debug("scheduled task vanished before running", "task_id", t.ID)
			continue
		case err != nil:
			slog.Warn("scheduled task failed", "task_id", t.ID, "error", err)
		default:
			slog.Info("scheduled task finished", "task_id", t.ID)
		}
		ran++
	}
	s.metrics.ObserveSweep(busy)
	if len(due) > 0 {
		slog.Info("scheduler sweep done", "due", len(due), "ran", ran, "busy", busy)
	}
	return ran
}

// slogLogger bridges the cron library logger into slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
