package jobs

import (
	"context"
	"log"
	"math/rand"
	"os"
	"time"
)

// SchedulerConfig controls the tick loop.
type SchedulerConfig struct {
	// Interval between scheduling passes.
	Interval time.Duration

	// Jitter adds a uniform random delay in [0, Jitter] to each pass, so
	// multiple instances do not fire in lockstep.
	Jitter time.Duration

	Logger *log.Logger
}

// Scheduler fires every registered job on a fixed interval with optional
// jitter. Each job runs in its own goroutine; the runner's per-name guard
// keeps overlapping ticks from double-running a slow job, and a failed run
// never stops the next tick.
type Scheduler struct {
	runner *Runner
	cfg    SchedulerConfig
	rng    *rand.Rand
}

func NewScheduler(runner *Runner, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cfg.Logger.Printf("starting (interval=%s jitter=%s jobs=%v)", s.cfg.Interval, s.cfg.Jitter, s.runner.Names())
	defer s.cfg.Logger.Printf("stopped")

	for {
		delay := s.cfg.Interval + s.jitter()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		for _, name := range s.runner.Names() {
			name := name
			go func() {
				if err := s.runner.Run(ctx, name); err != nil {
					s.cfg.Logger.Printf("job %s: %v", name, err)
				}
			}()
		}
	}
}

func (s *Scheduler) jitter() time.Duration {
	if s.cfg.Jitter <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(s.cfg.Jitter) + 1))
}
