package quotagate

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs the periodic maintenance sweeps: the hourly counter reset,
// the daily counter reset, and the violation retention purge. Exactly one
// process in a deployment should run a scheduler; the resets are bulk
// UPDATEs and running them twice in a window would zero counters mid-cycle
// for every user.
//
// Each sweep is also callable directly, which is what the administrative
// reset endpoints do.
type Scheduler struct {
	store         Store
	logger        Logger
	hourlyEvery   time.Duration
	dailyEvery    time.Duration
	retentionDays int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over store. Intervals default to one
// hour and twenty-four hours.
func NewScheduler(store Store, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:         store,
		logger:        cfg.Logger,
		hourlyEvery:   time.Hour,
		dailyEvery:    24 * time.Hour,
		retentionDays: cfg.ViolationRetentionDays,
	}
}

// Start launches the background tickers. Safe to call once; Stop must be
// called to release them.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.hourlyEvery, func(ctx context.Context) {
		if _, err := s.RunHourly(ctx); err != nil {
			s.logger.Error("hourly quota reset failed", Field{"error", err.Error()})
		}
	})
	go s.loop(ctx, s.dailyEvery, func(ctx context.Context) {
		if _, _, err := s.RunDaily(ctx); err != nil {
			s.logger.Error("daily quota maintenance failed", Field{"error", err.Error()})
		}
	})
}

// Stop cancels the background tickers and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, run func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// RunHourly zeroes every user's hourly request counter and returns the
// number of rows touched.
func (s *Scheduler) RunHourly(ctx context.Context) (int64, error) {
	n, err := s.store.ResetHourly(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("hourly quota counters reset", Field{"users", n})
	return n, nil
}

// RunDaily zeroes every user's daily request counter and purges violations
// older than the retention window. Returns rows reset and rows purged.
func (s *Scheduler) RunDaily(ctx context.Context) (int64, int64, error) {
	reset, err := s.store.ResetDaily(ctx)
	if err != nil {
		return 0, 0, err
	}
	purged, err := s.store.PurgeViolationsOlderThan(ctx, s.retentionDays)
	if err != nil {
		return reset, 0, err
	}
	s.logger.Info("daily quota maintenance done",
		Field{"users", reset}, Field{"violations_purged", purged})
	return reset, purged, nil
}
