/*
scheduler.go - Automated consumable age sweep

PURPOSE:
  Consumables also expire by age, which no usage report will notice for an
  idle host. The scheduler periodically runs Tracker.Sweep so units past
  their max age move to NeedsChange.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps once immediately on start, then on every tick
  - A failed sweep is logged and retried on the next tick

USAGE:
  scheduler := NewSweepScheduler(tracker, logger)
  scheduler.CheckInterval = cfg.Sweep
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - consumables/tracker.go: Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/stock-engine/consumables"
)

// SweepScheduler runs the consumable age sweep on a timer.
type SweepScheduler struct {
	Tracker       *consumables.Tracker
	Logger        zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun SweepRun
}

// SweepRun summarizes the most recent sweep.
type SweepRun struct {
	At      time.Time `json:"at"`
	Changed int       `json:"changed"`
	Error   string    `json:"error,omitempty"`
}

// NewSweepScheduler creates a scheduler with a one hour interval.
func NewSweepScheduler(tracker *consumables.Tracker, logger zerolog.Logger) *SweepScheduler {
	return &SweepScheduler{
		Tracker:       tracker,
		Logger:        logger.With().Str("component", "sweep").Logger(),
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. A zero interval disables it.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info().Msg("sweep scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx, s.ticker.C, s.stop)

	s.Logger.Info().Dur("interval", s.CheckInterval).Msg("sweep scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info().Msg("sweep scheduler stopped")
}

// LastRun returns the summary of the most recent sweep.
func (s *SweepScheduler) LastRun() SweepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *SweepScheduler) run(ctx context.Context, tick <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-tick:
			s.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs one sweep and records its outcome.
func (s *SweepScheduler) RunOnce(ctx context.Context) SweepRun {
	changes, err := s.Tracker.Sweep(ctx)
	run := SweepRun{At: s.Tracker.Clock.Now(), Changed: len(changes)}
	if err != nil {
		run.Error = err.Error()
		s.Logger.Warn().Err(err).Msg("consumable sweep failed")
	} else if len(changes) > 0 {
		s.Logger.Info().Int("changed", len(changes)).Msg("consumables need change")
	}

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()
	return run
}
