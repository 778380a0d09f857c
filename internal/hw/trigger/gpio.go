package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/hw/gpio"
)

// GPIOConfig configures a source that follows an external trigger line.
type GPIOConfig struct {
	Pin      int
	Poll     time.Duration // edge latch polling interval, default 100µs
	Count    int           // pulses, 0 = until stopped
	Watchdog time.Duration
	Wire     *Wire
}

// GPIO observes rising edges of an external trigger line wired to an
// input pin. The edge is latched by the SoC, so pulses shorter than the
// polling interval are not lost, though two pulses within one interval
// are seen as one.
type GPIO struct {
	*emitter
	drv gpio.Driver
	cfg GPIOConfig

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGPIO returns an unstarted edge follower.
func NewGPIO(drv gpio.Driver, cfg GPIOConfig) (*GPIO, error) {
	if cfg.Pin <= 0 {
		return nil, fmt.Errorf("trigger input pin is required: %w", faults.ErrConfiguration)
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Microsecond
	}
	return &GPIO{emitter: newEmitter(cfg.Wire, cfg.Watchdog), drv: drv, cfg: cfg}, nil
}

func (g *GPIO) Start(ctx context.Context) error {
	if err := g.markStarted(); err != nil {
		return err
	}
	if err := g.drv.SetupPin(g.cfg.Pin, gpio.Input); err != nil {
		return fmt.Errorf("trigger input pin %d: %v: %w", g.cfg.Pin, err, faults.ErrDeviceUnavailable)
	}
	if err := g.drv.DetectEdge(g.cfg.Pin, gpio.RiseEdge); err != nil {
		return fmt.Errorf("trigger edge detect pin %d: %v: %w", g.cfg.Pin, err, faults.ErrDeviceUnavailable)
	}
	debug.Info("Following external trigger on GPIO %d", g.cfg.Pin)

	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(ctx)
	}()
	return nil
}

func (g *GPIO) run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Poll)
	defer ticker.Stop()

	var (
		seq   uint64
		first time.Time
	)
	for {
		select {
		case <-ctx.Done():
			g.finish(ErrStopped)
			return
		case <-ticker.C:
		}
		hit, err := g.drv.EdgeDetected(g.cfg.Pin)
		if err != nil {
			g.finish(fmt.Errorf("trigger input: %v: %w", err, faults.ErrDeviceUnavailable))
			return
		}
		if !hit {
			continue
		}
		now := time.Now()
		if seq == 0 {
			first = now
		}
		g.emit(Event{Seq: seq, Timestamp: now, DeviceTime: now.Sub(first)}, 0)
		seq++
		if g.cfg.Count > 0 && seq >= uint64(g.cfg.Count) {
			g.finish(ErrExhausted)
			return
		}
	}
}

func (g *GPIO) Next(ctx context.Context) (Event, error) {
	return g.next(ctx)
}

func (g *GPIO) Stop() error {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
		g.finish(ErrStopped)
		_ = g.drv.DetectEdge(g.cfg.Pin, gpio.NoEdge)
	})
	return nil
}

func (g *GPIO) Stats() Stats {
	return g.snapshot()
}
