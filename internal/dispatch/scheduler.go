package dispatch

import (
	"context"
	"time"

	"github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/core"
)

// Scheduler drives the task on a fixed interval, pausing while the backend
// circuit is open.
type Scheduler struct {
	logger   *log.Logger
	task     *Task
	interval time.Duration
	governor *core.PollGovernor
}

func NewScheduler(logger *log.Logger, task *Task, interval time.Duration) *Scheduler {
	governor := core.NewPollGovernor(10, 0.1)
	task.WithHealth(governor)
	return &Scheduler{
		logger:   logger,
		task:     task,
		interval: interval,
		governor: governor,
	}
}

// Governor exposes the breaker for status reporting.
func (s *Scheduler) Governor() *core.PollGovernor {
	return s.governor
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Infof("Polling every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Polling stopped")
			return
		case <-ticker.C:
			if !s.governor.CanPoll() {
				s.logger.Debugf("Skipping round, backend circuit open")
				continue
			}
			s.task.Run()
		}
	}
}
