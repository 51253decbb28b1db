package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/oauth-grants/instrumentation"
)

// DefaultSweepInterval is the delay between two sweep passes.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically evicts expired codes and access-token-only grants.
// It waits Interval after each pass completes (fixed delay), so passes never
// overlap. Refresh-bearing grants are never evicted by the sweeper.
type Sweeper struct {
	store    Sweepable
	interval time.Duration
	logger   *slog.Logger

	instrumentation *instrumentation.Instrumentation

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval uses DefaultSweepInterval.
func NewSweeper(store Sweepable, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// SetInstrumentation records evictions through inst
func (s *Sweeper) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// Interval returns the delay between passes.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Start launches the background loop. It stops when ctx is done or Stop is
// called. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)

	s.logger.Info("Started expiry sweeper", "interval", s.interval)
}

// Stop cancels the loop and waits for an in-flight pass to finish.
// Safe to call more than once and on a sweeper that was never started.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Stopped expiry sweeper")
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	res, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("Expiry sweep failed", "error", err)
		return res, err
	}

	s.mu.Lock()
	inst := s.instrumentation
	s.mu.Unlock()
	if inst != nil {
		inst.Metrics().RecordSweep(ctx, res.Codes, res.Grants)
	}

	if res.Total() > 0 {
		s.logger.Debug("Swept expired records",
			"codes", res.Codes,
			"grants", res.Grants)
	}
	return res, nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			// Errors are logged by RunOnce; the next pass retries.
			_, _ = s.RunOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}
