package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ovpnhub/accessd/internal/settings"
)

// Sweeper runs one reconciliation pass over all active subscriptions.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Scheduler invokes the sweeper on a recurring timer. Sweeps never overlap:
// a tick that fires while a sweep is still running is skipped.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	mu       sync.Mutex
}

// New constructs a Scheduler with the configured fallback interval.
func New(sweeper Sweeper, interval time.Duration) *Scheduler {
	if sweeper == nil {
		return nil
	}
	if interval <= 0 {
		interval = settings.DefaultSweepIntervalSeconds * time.Second
	}
	return &Scheduler{sweeper: sweeper, interval: interval}
}

// Start launches the sweep loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("scheduler: started (interval=%s)", s.interval)
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.Tick(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(s.resolveInterval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// Tick runs one sweep unless a previous one is still in flight.
func (s *Scheduler) Tick(ctx context.Context) {
	if s == nil {
		return
	}
	if !s.mu.TryLock() {
		log.Warn("scheduler: previous sweep still running, tick skipped")
		return
	}
	defer s.mu.Unlock()

	started := time.Now()
	if errSweep := s.sweeper.Sweep(ctx); errSweep != nil {
		// The cycle aborts; the next tick retries from persisted state.
		log.WithError(errSweep).Warn("scheduler: sweep failed")
		return
	}
	log.Debugf("scheduler: sweep done in %s", time.Since(started))
}

// resolveInterval prefers the runtime-tunable cadence over the startup value.
func (s *Scheduler) resolveInterval() time.Duration {
	if secs, ok := settings.DBConfigInt(settings.SweepIntervalSecondsKey); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return s.interval
}
