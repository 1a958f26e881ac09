// Package scheduler runs the sequencer's periodic work on a single
// goroutine, so scheduled mutations serialize with each other by
// construction and only contend with request handling on the operator
// mutex.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic job. Mutating tasks are paused while the fatal
// gate reports an error; read-only ones keep running so operators can
// still observe the system.
type Task struct {
	Name     string
	Every    time.Duration
	Mutating bool
	Run      func(ctx context.Context) error

	lastRun time.Time
}

// Scheduler ticks registered tasks in registration order.
type Scheduler struct {
	tasks  []*Task
	gate   func() error
	every  time.Duration
	logger *zap.Logger
}

// New builds a scheduler polling at the given resolution. gate returns
// the latched fatal error, or nil when the system is healthy; nil gate
// means never pause.
func New(resolution time.Duration, gate func() error, logger *zap.Logger) *Scheduler {
	if resolution <= 0 {
		resolution = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{gate: gate, every: resolution, logger: logger}
}

// Register appends a task. Order matters: tasks due on the same tick
// run in registration order.
func (s *Scheduler) Register(t Task) {
	s.tasks = append(s.tasks, &t)
}

// Run blocks until ctx is done, ticking tasks as they come due. A task
// error is logged and does not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	var gateErr error
	if s.gate != nil {
		gateErr = s.gate()
	}
	for _, t := range s.tasks {
		if !t.lastRun.IsZero() && now.Sub(t.lastRun) < t.Every {
			continue
		}
		if t.Mutating && gateErr != nil {
			continue
		}
		t.lastRun = now
		if err := t.Run(ctx); err != nil {
			s.logger.Warn("scheduled task failed",
				zap.String("task", t.Name), zap.Error(err))
		}
	}
}
