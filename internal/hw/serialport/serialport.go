// Package serialport is the byte-stream boundary to the trigger
// microcontroller.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
)

// ErrReadTimeout is returned by ReadFull and ReadLine when the deadline passes.
var ErrReadTimeout = errors.New("serial read timeout")

const maxLine = 256

// Port is an open serial link. Read returns (0, nil) when the read
// timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a port by name at the given baud rate.
type Opener func(name string, baud int) (Port, error)

// OpenSerial opens a real serial device, 8N1.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.ResetInputBuffer(); err != nil {
		debug.Verbose("serial %s: reset input buffer: %v", name, err)
	}
	return p, nil
}

// List returns the serial ports present on the host.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// Open opens name with opener and gives up after timeout. A port that
// finishes opening after the deadline is closed in the background.
func Open(opener Opener, name string, baud int, timeout time.Duration) (Port, error) {
	type result struct {
		p   Port
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := opener(name, baud)
		done <- result{p, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %v: %w", name, r.err, faults.ErrDeviceUnavailable)
		}
		debug.Verbose("serial %s opened at %d baud", name, baud)
		return r.p, nil
	case <-timer.C:
		go func() {
			if r := <-done; r.err == nil {
				_ = r.p.Close()
			}
		}()
		return nil, fmt.Errorf("open %s: no response within %v: %w", name, timeout, faults.ErrDeviceUnavailable)
	}
}

// ReadFull reads exactly len(buf) bytes or fails once deadline passes.
func ReadFull(p Port, buf []byte, deadline time.Time) error {
	n := 0
	for n < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("read %d/%d bytes: %w", n, len(buf), ErrReadTimeout)
		}
		if err := p.SetReadTimeout(remaining); err != nil {
			return err
		}
		m, err := p.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	debug.Serial("rx", buf)
	return nil
}

// ReadLine reads up to and excluding '\n' (a trailing '\r' is dropped)
// or fails once deadline passes.
func ReadLine(p Port, deadline time.Time) (string, error) {
	var line []byte
	b := make([]byte, 1)
	for {
		if err := ReadFull(p, b, deadline); err != nil {
			return string(line), err
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
		if len(line) > maxLine {
			return string(line), fmt.Errorf("line exceeds %d bytes", maxLine)
		}
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// WriteAll writes data to p in full.
func WriteAll(p Port, data []byte) error {
	debug.Serial("tx", data)
	for len(data) > 0 {
		n, err := p.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

