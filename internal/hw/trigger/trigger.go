// Package trigger abstracts what produces trigger pulses: the CDDM
// trigger board over a serial link, an edge on a GPIO input, a software
// clock, or nothing at all (free-running cameras).
//
// The sources only observe pulses for bookkeeping. Sensors receive the
// physical pulse directly; simulated sensors receive it through a Wire.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/faults"
)

var (
	// ErrExhausted is returned by Next once a finite pulse count has been delivered.
	ErrExhausted = errors.New("trigger sequence complete")
	// ErrStopped is returned by Next after Stop.
	ErrStopped = errors.New("trigger stopped")
	// ErrNotStarted is returned by Next before Start.
	ErrNotStarted = errors.New("trigger not started")
)

// Event is one trigger pulse. It is never mutated after creation.
type Event struct {
	Seq        uint64        // 0, 1, 2... in pulse order
	Timestamp  time.Time     // nominal pulse time (simulated) or host receive time
	DeviceTime time.Duration // time since the first pulse on the source clock
	Channel    uint8         // 0 = all cameras, k = camera k only
}

// Targets reports whether camera (1-based) is triggered by e.
func (e Event) Targets(camera int) bool {
	return e.Channel == 0 || int(e.Channel) == camera
}

// Stats holds bookkeeping counters of a source.
type Stats struct {
	Pulses      uint64        `json:"pulses"`
	Missed      uint64        `json:"missed"`       // events not delivered to Next because its buffer was full
	WireDrops   uint64        `json:"wire_drops"`   // pulses a slow simulated sensor did not take
	MaxLateness time.Duration `json:"max_lateness"` // worst delivery delay behind the nominal pulse time
	LastPulse   time.Time     `json:"last_pulse"`
}

// Source produces trigger events.
type Source interface {
	// Start begins pulse generation or opens the device.
	Start(ctx context.Context) error
	// Next blocks until the next pulse. It fails with faults.ErrTriggerTimeout
	// when the watchdog expires, ErrExhausted after the last pulse of a
	// finite sequence and ErrStopped after Stop.
	Next(ctx context.Context) (Event, error)
	// Stop releases the underlying resource. Idempotent.
	Stop() error
	Stats() Stats
}

// eventBuffer bounds how far Next may lag behind the pulse producer.
const eventBuffer = 4096

// emitter is the producer side shared by all sources: a buffered event
// channel read by Next, a watchdog, a wire fan-out and the counters.
type emitter struct {
	events   chan Event
	done     chan struct{}
	wire     *Wire
	watchdog time.Duration

	mu      sync.Mutex
	stats   Stats
	err     error
	started bool
	once    sync.Once
}

func newEmitter(wire *Wire, watchdog time.Duration) *emitter {
	if watchdog <= 0 {
		watchdog = 2 * time.Second
	}
	return &emitter{
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		wire:     wire,
		watchdog: watchdog,
	}
}

func (e *emitter) markStarted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("trigger already started")
	}
	e.started = true
	return nil
}

func (e *emitter) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *emitter) emit(ev Event, lateness time.Duration) {
	e.wire.Publish(ev)

	e.mu.Lock()
	e.stats.Pulses++
	e.stats.LastPulse = ev.Timestamp
	if lateness > e.stats.MaxLateness {
		e.stats.MaxLateness = lateness
	}
	e.mu.Unlock()

	select {
	case e.events <- ev:
	default:
		e.mu.Lock()
		e.stats.Missed++
		e.mu.Unlock()
	}
}

// finish ends the stream; Next drains buffered events and then returns err.
func (e *emitter) finish(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *emitter) next(ctx context.Context) (Event, error) {
	if !e.isStarted() {
		return Event{}, ErrNotStarted
	}
	select {
	case ev := <-e.events:
		return ev, nil
	default:
	}

	timer := time.NewTimer(e.watchdog)
	defer timer.Stop()
	select {
	case ev := <-e.events:
		return ev, nil
	case <-e.done:
		select {
		case ev := <-e.events:
			return ev, nil
		default:
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		return Event{}, e.err
	case <-timer.C:
		return Event{}, fmt.Errorf("no pulse within %v: %w", e.watchdog, faults.ErrTriggerTimeout)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (e *emitter) snapshot() Stats {
	e.mu.Lock()
	s := e.stats
	e.mu.Unlock()
	s.WireDrops = e.wire.Drops()
	return s
}
