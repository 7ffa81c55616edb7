package maintenance

import (
	"context"
	"sync"
	"time"
)

// JobRunner runs one named job. *Runner satisfies it.
type JobRunner interface {
	Run(ctx context.Context, job string) (Report, error)
}

// Scheduler runs the combined maintenance job on a fixed interval.
type Scheduler struct {
	Runner   JobRunner
	Interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewScheduler creates a Scheduler. A non-positive interval defaults to one hour.
func NewScheduler(r JobRunner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		Runner:   r,
		Interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// StartMonitoring spawns the ticker goroutine. Later calls are no-ops.
// Job failures are logged by the runner and the loop keeps going.
func (s *Scheduler) StartMonitoring(ctx context.Context) {
	s.startOnce.Do(func() {
		ticker := time.NewTicker(s.Interval)
		go func() {
			defer close(s.done)
			defer ticker.Stop()
			for {
				select {
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					_, _ = s.Runner.Run(ctx, JobMaintenance)
				}
			}
		}()
	})
}

// StopMonitoring signals the goroutine to stop and waits for it when it was
// started. Safe to call multiple times.
func (s *Scheduler) StopMonitoring() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	started := true
	s.startOnce.Do(func() {
		started = false
		close(s.done)
	})
	if started {
		<-s.done
	}
}
