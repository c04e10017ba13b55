package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule fires at midnight on the first day of every month. The
// format includes a leading seconds field.
const DefaultSchedule = "0 0 0 1 * *"

// Scheduler runs a Pipeline on a cron schedule. Overlapping runs are
// skipped.
type Scheduler struct {
	cron     *cron.Cron
	pipeline *Pipeline
	baseCtx  context.Context
	enabled  bool
}

// NewScheduler registers p on schedule. An empty schedule yields a disabled
// scheduler whose Start and Stop do nothing.
func NewScheduler(baseCtx context.Context, p *Pipeline, schedule string) (*Scheduler, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		pipeline: p,
		baseCtx:  baseCtx,
	}
	if schedule == "" {
		return s, nil
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("pipeline: schedule %q: %w", schedule, err)
	}
	s.enabled = true
	return s, nil
}

// Enabled reports whether a schedule is registered.
func (s *Scheduler) Enabled() bool { return s.enabled }

func (s *Scheduler) run() {
	if _, err := s.pipeline.Run(s.baseCtx, s.pipeline.now()); err != nil {
		slog.Error("scheduled metrics job failed", "err", err)
	}
}

func (s *Scheduler) Start() {
	if !s.enabled {
		slog.Info("metrics schedule disabled")
		return
	}
	s.cron.Start()
	slog.Info("metrics schedule started", "next", s.cron.Entries()[0].Next)
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if !s.enabled {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("metrics schedule stopped")
}
