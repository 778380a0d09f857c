package pulser

import (
	"sort"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/hw/gpio"
)

// Config holds the hardware configuration for the trigger output lines.
type Config struct {
	TriggerPin  int           // camera trigger line (BCM). 0 = not used.
	StrobePin   int           // strobe/laser line (BCM). 0 = not used.
	Width       time.Duration // trigger pulse width
	StrobeWidth time.Duration
	StrobeDelay time.Duration // strobe rising edge relative to trigger rising edge, may be negative
}

// Pulser emits trigger (and optional strobe) pulses on GPIO lines.
// Timing relies on time.Sleep, so widths below the scheduler
// granularity are stretched, never shortened.
type Pulser struct {
	gpio  gpio.Driver
	cfg   Config
	edges []edge
}

type edge struct {
	at    time.Duration
	pin   int
	level gpio.Level
}

// New creates a pulser and sets up its lines as outputs held low.
// cfg.Width: if 0, defaults to 30µs.
func New(g gpio.Driver, cfg Config) *Pulser {
	if cfg.Width <= 0 {
		cfg.Width = 30 * time.Microsecond
	}
	p := &Pulser{gpio: g, cfg: cfg}

	if cfg.TriggerPin > 0 {
		_ = g.SetupPin(cfg.TriggerPin, gpio.Output)
		_ = g.WritePin(cfg.TriggerPin, gpio.Low)
		p.edges = append(p.edges,
			edge{0, cfg.TriggerPin, gpio.High},
			edge{cfg.Width, cfg.TriggerPin, gpio.Low})
	}
	if cfg.StrobePin > 0 && cfg.StrobeWidth > 0 {
		_ = g.SetupPin(cfg.StrobePin, gpio.Output)
		_ = g.WritePin(cfg.StrobePin, gpio.Low)
		p.edges = append(p.edges,
			edge{cfg.StrobeDelay, cfg.StrobePin, gpio.High},
			edge{cfg.StrobeDelay + cfg.StrobeWidth, cfg.StrobePin, gpio.Low})
	}

	// Replay in time order; a negative strobe delay fires the strobe first.
	sort.SliceStable(p.edges, func(i, j int) bool { return p.edges[i].at < p.edges[j].at })
	if len(p.edges) > 0 {
		base := p.edges[0].at
		for i := range p.edges {
			p.edges[i].at -= base
		}
	}
	return p
}

// Enabled reports whether any output line is configured.
func (p *Pulser) Enabled() bool {
	return len(p.edges) > 0
}

// Fire emits one pulse sequence and returns when every line is low again.
func (p *Pulser) Fire() error {
	if len(p.edges) == 0 {
		return nil
	}
	debug.Trace("Pulser: firing trigger pin %d, strobe pin %d", p.cfg.TriggerPin, p.cfg.StrobePin)

	start := time.Now()
	for _, e := range p.edges {
		if wait := e.at - time.Since(start); wait > 0 {
			time.Sleep(wait)
		}
		if err := p.gpio.WritePin(e.pin, e.level); err != nil {
			return err
		}
	}
	return nil
}

// Release drives every line low.
func (p *Pulser) Release() error {
	for _, pin := range []int{p.cfg.TriggerPin, p.cfg.StrobePin} {
		if pin <= 0 {
			continue
		}
		if err := p.gpio.WritePin(pin, gpio.Low); err != nil {
			return err
		}
	}
	return nil
}
