package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// The trigger pulser and the edge follower run on different goroutines,
// so the pin table is guarded.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

// setup must be called with r.mu held.
func (r *RPiDriver) setup(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) pin(pin int, mode PinMode) (rpio.Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		if err := r.setup(pin, mode); err != nil {
			return 0, err
		}
		p = r.pins[pin]
	}
	return p, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) DetectEdge(pin int, edge Edge) error {
	debug.GPIO("DetectEdge", pin, edge)

	p, err := r.pin(pin, Input)
	if err != nil {
		return err
	}
	switch edge {
	case NoEdge:
		p.Detect(rpio.NoEdge)
	case RiseEdge:
		p.Detect(rpio.RiseEdge)
	case FallEdge:
		p.Detect(rpio.FallEdge)
	case AnyEdge:
		p.Detect(rpio.AnyEdge)
	default:
		return fmt.Errorf("unknown edge: %d", edge)
	}
	return nil
}

func (r *RPiDriver) EdgeDetected(pin int) (bool, error) {
	p, err := r.pin(pin, Input)
	if err != nil {
		return false, err
	}
	return p.EdgeDetected(), nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	// Reset all pins to input (safe state), clearing edge detection
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Detect(rpio.NoEdge)
		p.Input()
	}

	return rpio.Close()
}
