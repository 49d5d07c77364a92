package refresh

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
)

// Schedule describes the periodic refresh of one dataset. Jitter spreads the
// first and subsequent runs so a fleet restarting together does not stampede
// the lock.
type Schedule struct {
	Dataset  string
	Interval time.Duration
	Jitter   time.Duration
}

// Scheduler runs refresh cycles on their configured intervals.
type Scheduler struct {
	refresher *Refresher
	schedules []Schedule
	logger    pslog.Logger
	clock     clock.Clock

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewScheduler builds a scheduler over refresher. Schedules with a
// non-positive interval are ignored.
func NewScheduler(refresher *Refresher, schedules []Schedule, logger pslog.Logger, clk clock.Clock) *Scheduler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	kept := make([]Schedule, 0, len(schedules))
	for _, s := range schedules {
		if s.Dataset != "" && s.Interval > 0 {
			kept = append(kept, s)
		}
	}
	return &Scheduler{
		refresher: refresher,
		schedules: kept,
		logger:    logger,
		clock:     clk,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until ctx is cancelled, driving one loop per schedule.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sched := range s.schedules {
		wg.Add(1)
		go func(sched Schedule) {
			defer wg.Done()
			s.runOne(ctx, sched)
		}(sched)
	}
	wg.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, sched Schedule) {
	logger := s.logger.With("dataset", sched.Dataset)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(sched.Interval + s.jitter(sched.Jitter)):
		}
		outcome, err := s.refresher.Refresh(ctx, sched.Dataset)
		if err != nil {
			logger.Warn("refresh.cycle_failed", "outcome", string(outcome), "error", err)
			continue
		}
		logger.Debug("refresh.cycle", "outcome", string(outcome))
	}
}

func (s *Scheduler) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return time.Duration(s.rand.Int63n(int64(max)))
}
