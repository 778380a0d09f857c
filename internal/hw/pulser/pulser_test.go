package pulser

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/syncgrab/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls   []gpioCall
	failPin int
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	if pin == d.failPin {
		return errors.New("line stuck")
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error)     { return gpio.Low, nil }
func (d *recordingDriver) DetectEdge(pin int, edge gpio.Edge) error { return nil }
func (d *recordingDriver) EdgeDetected(pin int) (bool, error)       { return false, nil }
func (d *recordingDriver) Close() error                             { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func TestNew_LinesHeldLow(t *testing.T) {
	drv := &recordingDriver{}
	New(drv, Config{TriggerPin: 17, StrobePin: 27, StrobeWidth: 80 * time.Microsecond})

	writes := drv.writeCalls()
	if len(writes) != 2 {
		t.Fatalf("init writes = %d, want 2", len(writes))
	}
	for _, w := range writes {
		if w.level != gpio.Low {
			t.Errorf("pin %d initialised %v, want Low", w.pin, w.level)
		}
	}
}

func TestFire_TriggerOnly(t *testing.T) {
	drv := &recordingDriver{}
	p := New(drv, Config{TriggerPin: 17, Width: time.Microsecond})
	drv.calls = nil // reset after init

	if err := p.Fire(); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	writes := drv.writeCalls()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if writes[0] != (gpioCall{"write", 17, gpio.High}) || writes[1] != (gpioCall{"write", 17, gpio.Low}) {
		t.Errorf("writes = %+v, want High then Low on 17", writes)
	}
}

func TestFire_NegativeStrobeDelayLeads(t *testing.T) {
	drv := &recordingDriver{}
	p := New(drv, Config{
		TriggerPin:  17,
		StrobePin:   27,
		Width:       30 * time.Microsecond,
		StrobeWidth: 80 * time.Microsecond,
		StrobeDelay: -20 * time.Microsecond,
	})
	drv.calls = nil

	if err := p.Fire(); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	// strobe up (-20), trigger up (0), trigger down (30), strobe down (60)
	want := []gpioCall{
		{"write", 27, gpio.High},
		{"write", 17, gpio.High},
		{"write", 17, gpio.Low},
		{"write", 27, gpio.Low},
	}
	got := drv.writeCalls()
	if len(got) != len(want) {
		t.Fatalf("writes = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFire_NoLines(t *testing.T) {
	drv := &recordingDriver{}
	p := New(drv, Config{})
	if p.Enabled() {
		t.Error("pulser without pins should be disabled")
	}
	if err := p.Fire(); err != nil {
		t.Errorf("Fire: %v", err)
	}
	if len(drv.calls) != 0 {
		t.Errorf("expected no GPIO calls, got %+v", drv.calls)
	}
}

func TestFire_WriteError(t *testing.T) {
	drv := &recordingDriver{}
	p := New(drv, Config{TriggerPin: 17})
	drv.failPin = 17
	if err := p.Fire(); err == nil {
		t.Error("expected write error to propagate")
	}
}

func TestRelease(t *testing.T) {
	drv := &recordingDriver{}
	p := New(drv, Config{TriggerPin: 17, StrobePin: 27, StrobeWidth: time.Microsecond})
	drv.calls = nil
	if err := p.Release(); err != nil {
		t.Fatal(err)
	}
	if got := len(drv.writeCalls()); got != 2 {
		t.Errorf("release writes = %d, want 2", got)
	}
}
