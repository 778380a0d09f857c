package gpio

import (
	"sync"

	"github.com/cjeanneret/syncgrab/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Edge selects which transitions an input pin latches.
type Edge int

const (
	NoEdge Edge = iota
	RiseEdge
	FallEdge
	AnyEdge
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// DetectEdge arms edge latching on an input pin.
	DetectEdge(pin int, edge Edge) error
	// EdgeDetected reports and clears the latched edge of pin.
	EdgeDetected(pin int) (bool, error)
	Close() error
}

// Write records a single WritePin call on the MockDriver.
type Write struct {
	Pin   int
	Level Level
}

// MockDriver logs actions and records pin writes.
// Used for development on PC or testing. Edges can be injected with Fire.
type MockDriver struct {
	mu     sync.Mutex
	writes []Write
	edges  map[int]int
	modes  map[int]PinMode
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modes == nil {
		m.modes = make(map[int]PinMode)
	}
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	m.writes = append(m.writes, Write{Pin: pin, Level: level})
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	return Low, nil
}

func (m *MockDriver) DetectEdge(pin int, edge Edge) error {
	debug.GPIO("DetectEdge", pin, edge)
	return nil
}

func (m *MockDriver) EdgeDetected(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edges[pin] > 0 {
		m.edges[pin]--
		return true, nil
	}
	return false, nil
}

// Fire injects one latched edge on pin, as if the line toggled.
func (m *MockDriver) Fire(pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edges == nil {
		m.edges = make(map[int]int)
	}
	m.edges[pin]++
}

// Writes returns a copy of the recorded writes.
func (m *MockDriver) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Pulses counts the Low->High transitions written on pin.
func (m *MockDriver) Pulses(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	prev := Low
	for _, w := range m.writes {
		if w.Pin != pin {
			continue
		}
		if w.Level == High && prev == Low {
			n++
		}
		prev = w.Level
	}
	return n
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
