package trigger

import (
	"context"
	"sync"
)

// Disabled is the source used with free-running cameras: there are no
// pulses, so Next only returns when ctx ends or the source is stopped.
// It has no watchdog.
type Disabled struct {
	stop chan struct{}
	once sync.Once
}

// NewDisabled returns a source that never pulses.
func NewDisabled() *Disabled {
	return &Disabled{stop: make(chan struct{})}
}

func (d *Disabled) Start(ctx context.Context) error { return nil }

func (d *Disabled) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-d.stop:
		return Event{}, ErrStopped
	}
}

func (d *Disabled) Stop() error {
	d.once.Do(func() { close(d.stop) })
	return nil
}

func (d *Disabled) Stats() Stats { return Stats{} }
