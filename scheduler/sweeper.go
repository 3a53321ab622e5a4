package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweep is implemented by the admission controller: it expires offered
// entries whose deadline passed without the primary timer firing.
type Sweep interface {
	SweepExpiredOffers(ctx context.Context) (int, error)
}

// Sweeper is the correctness fallback behind the offer clock. It runs
// once at startup, so offers whose timers were lost while the process
// was down still expire, then keeps scanning on a fixed cadence.
type Sweeper struct {
	admission Sweep
	interval  time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewSweeper(admission Sweep, interval time.Duration) *Sweeper {
	return &Sweeper{
		admission: admission,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			slog.Info("sweeper stopping")
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	expired, err := s.admission.SweepExpiredOffers(ctx)
	if err != nil {
		slog.Error("sweep run failed", "error", err)
		return
	}
	if expired > 0 {
		slog.Info("sweep expired stale offers", "count", expired)
	}
}

// Shutdown stops the ticker loop and waits for an in-flight sweep.
func (s *Sweeper) Shutdown() {
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("timeout waiting for sweeper to stop")
	}
}
