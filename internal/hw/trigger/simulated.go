package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/hw/pulser"
)

// SimulatedConfig configures the software pulse generator.
type SimulatedConfig struct {
	Rate     float64 // pulses per second, > 0
	Count    int     // total pulses, 0 = until stopped
	Watchdog time.Duration
	Wire     *Wire          // simulated sensors listen here, may be nil
	Pulser   *pulser.Pulser // drives real trigger/strobe lines, may be nil
}

// SimulatedJitter bounds how far behind its nominal time a simulated
// pulse is delivered on a general-purpose host. Tighter timing needs the
// trigger board.
const SimulatedJitter = 5 * time.Millisecond

// Simulated fabricates pulses at a fixed rate.
//
// Pulse n is scheduled at start + n*period on an absolute timeline, so
// scheduling error never accumulates and the mean rate is exact. Its
// Timestamp is that nominal time: consecutive events are exactly 1/Rate
// apart, which is what frames are aligned on. Actual delivery trails the
// nominal time by up to SimulatedJitter; the worst case is tracked in
// Stats.MaxLateness.
type Simulated struct {
	*emitter
	cfg    SimulatedConfig
	period time.Duration

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSimulated validates cfg and returns a stopped generator.
func NewSimulated(cfg SimulatedConfig) (*Simulated, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("simulated trigger rate must be > 0, got %g: %w", cfg.Rate, faults.ErrConfiguration)
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("simulated trigger count must be >= 0, got %d: %w", cfg.Count, faults.ErrConfiguration)
	}
	return &Simulated{
		emitter: newEmitter(cfg.Wire, cfg.Watchdog),
		cfg:     cfg,
		period:  time.Duration(float64(time.Second) / cfg.Rate),
	}, nil
}

// Period returns the nominal interval between pulses.
func (s *Simulated) Period() time.Duration {
	return s.period
}

func (s *Simulated) Start(ctx context.Context) error {
	if err := s.markStarted(); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	debug.Info("Simulated trigger: %.2f Hz (period %v), count %d", s.cfg.Rate, s.period, s.cfg.Count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

func (s *Simulated) run(ctx context.Context) {
	start := time.Now()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for seq := uint64(0); ; seq++ {
		if s.cfg.Count > 0 && seq >= uint64(s.cfg.Count) {
			debug.Live("Simulated trigger: %d pulses delivered", seq)
			s.finish(ErrExhausted)
			return
		}

		offset := time.Duration(seq) * s.period
		due := start.Add(offset)
		if wait := time.Until(due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				s.finish(ErrStopped)
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			s.finish(ErrStopped)
			return
		}

		ev := Event{Seq: seq, Timestamp: due, DeviceTime: offset}
		s.emit(ev, time.Since(due))
		if s.cfg.Pulser != nil {
			if err := s.cfg.Pulser.Fire(); err != nil {
				debug.Error(fmt.Errorf("trigger pulse output: %w", err))
			}
		}
	}
}

func (s *Simulated) Next(ctx context.Context) (Event, error) {
	return s.next(ctx)
}

func (s *Simulated) Stop() error {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.finish(ErrStopped)
		if s.cfg.Pulser != nil {
			_ = s.cfg.Pulser.Release()
		}
	})
	return nil
}

func (s *Simulated) Stats() Stats {
	return s.snapshot()
}
