package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/hw/serialport"
)

// AutoPort makes the serial source scan every port for the board banner.
const AutoPort = "auto"

// pollInterval bounds how long the reader goroutine blocks in a single read,
// and therefore how long Stop waits for it.
const pollInterval = 100 * time.Millisecond

// SerialConfig configures the CDDM trigger board source.
type SerialConfig struct {
	Port     string // device path or AutoPort
	Baud     int
	Timeout  time.Duration // open, banner and command acknowledgement
	Watchdog time.Duration
	Program  Program
	Cameras  int // cameras wired to the board (channels 1..Cameras)

	Opener serialport.Opener        // nil = serialport.OpenSerial
	Lister func() ([]string, error) // nil = serialport.List
	Wire   *Wire                    // simulated sensors following the board, may be nil
}

// Serial observes pulses generated by the trigger board. After the start
// command the board reports every pulse as one RecordSize-byte record.
type Serial struct {
	*emitter
	cfg  SerialConfig
	port serialport.Port
	name string

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewSerial validates cfg and returns an unopened source.
func NewSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("trigger serial port is required: %w", faults.ErrConfiguration)
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Cameras <= 0 {
		cfg.Cameras = 2
	}
	if cfg.Opener == nil {
		cfg.Opener = serialport.OpenSerial
	}
	if cfg.Lister == nil {
		cfg.Lister = serialport.List
	}
	return &Serial{emitter: newEmitter(cfg.Wire, cfg.Watchdog), cfg: cfg}, nil
}

// PortName returns the port the board was found on, once started.
func (s *Serial) PortName() string {
	return s.name
}

// Start opens the board, checks its banner, sends the start command and
// begins reading pulse records.
func (s *Serial) Start(ctx context.Context) error {
	if err := s.markStarted(); err != nil {
		return err
	}
	port, name, err := Connect(s.cfg.Opener, s.cfg.Lister, s.cfg.Port, s.cfg.Baud, s.cfg.Timeout)
	if err != nil {
		s.finish(err)
		return err
	}
	s.port, s.name = port, name

	if _, err := sendCommand(port, CmdStart, s.cfg.Program, s.cfg.Timeout); err != nil {
		_ = port.Close()
		err = fmt.Errorf("start trigger on %s: %v: %w", name, err, faults.ErrDeviceUnavailable)
		s.finish(err)
		return err
	}
	debug.Info("Trigger board on %s started: scheme %d, count %d, deltat %dµs",
		name, s.cfg.Program.Scheme, s.cfg.Program.Count, s.cfg.Program.DeltaT)

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx)
	}()
	return nil
}

func (s *Serial) readLoop(ctx context.Context) {
	counts := make([]int, s.cfg.Cameras+1)
	buf := make([]byte, RecordSize)
	var (
		seq     uint64
		first   uint32
		last    uint32
		wraps   int64
		started bool
	)
	for {
		n := 0
		for n < RecordSize {
			if ctx.Err() != nil {
				s.finish(ErrStopped)
				return
			}
			if err := s.port.SetReadTimeout(pollInterval); err != nil {
				s.finish(fmt.Errorf("trigger link: %v: %w", err, faults.ErrDeviceUnavailable))
				return
			}
			m, err := s.port.Read(buf[n:])
			if err != nil {
				if ctx.Err() != nil {
					s.finish(ErrStopped)
					return
				}
				s.finish(fmt.Errorf("trigger link: %v: %w", err, faults.ErrDeviceUnavailable))
				return
			}
			n += m
		}
		debug.Serial("rx", buf)

		rec, _ := DecodeRecord(buf)
		if !started {
			first, last, started = rec.TimeUs, rec.TimeUs, true
		}
		if rec.TimeUs < last {
			wraps++ // 32-bit microsecond clock rolls over every ~71 minutes
		}
		last = rec.TimeUs
		elapsed := time.Duration(wraps<<32+int64(rec.TimeUs)-int64(first)) * time.Microsecond

		s.emit(Event{Seq: seq, Timestamp: time.Now(), DeviceTime: elapsed, Channel: rec.Channel}, 0)
		seq++

		if s.cfg.Program.Count > 0 && s.countPulse(counts, rec.Channel) {
			debug.Live("Trigger board: %d pulses per camera delivered", s.cfg.Program.Count)
			s.finish(ErrExhausted)
			return
		}
	}
}

// countPulse updates per-camera pulse counts and reports whether every
// camera has received the programmed count.
func (s *Serial) countPulse(counts []int, channel uint8) bool {
	for cam := 1; cam < len(counts); cam++ {
		if channel == 0 || int(channel) == cam {
			counts[cam]++
		}
	}
	for cam := 1; cam < len(counts); cam++ {
		if counts[cam] < int(s.cfg.Program.Count) {
			return false
		}
	}
	return true
}

func (s *Serial) Next(ctx context.Context) (Event, error) {
	return s.next(ctx)
}

// Stop ends the reader, tells the board to stop pulsing and closes the port.
func (s *Serial) Stop() error {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.finish(ErrStopped)
		if s.port == nil {
			return
		}
		if err := serialport.WriteAll(s.port, EncodeCommand(CmdStop, s.cfg.Program)); err != nil {
			debug.Verbose("trigger stop command: %v", err)
		}
		s.stopErr = s.port.Close()
	})
	return s.stopErr
}

func (s *Serial) Stats() Stats {
	return s.snapshot()
}

// Connect opens name (or scans every port when name is AutoPort) and
// returns the first port whose first line is the board banner.
func Connect(opener serialport.Opener, lister func() ([]string, error), name string, baud int, timeout time.Duration) (serialport.Port, string, error) {
	if name != AutoPort {
		p, err := probe(opener, name, baud, timeout)
		if err != nil {
			return nil, "", err
		}
		return p, name, nil
	}

	ports, err := lister()
	if err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, faults.ErrDeviceUnavailable)
	}
	var errs []error
	for _, candidate := range ports {
		debug.Verbose("Probing %s for trigger board", candidate)
		p, err := probe(opener, candidate, baud, timeout)
		if err == nil {
			return p, candidate, nil
		}
		errs = append(errs, err)
	}
	return nil, "", fmt.Errorf("no trigger board among %d ports: %v: %w", len(ports), errors.Join(errs...), faults.ErrDeviceUnavailable)
}

func probe(opener serialport.Opener, name string, baud int, timeout time.Duration) (serialport.Port, error) {
	p, err := serialport.Open(opener, name, baud, timeout)
	if err != nil {
		return nil, err
	}
	line, err := serialport.ReadLine(p, time.Now().Add(timeout))
	if err != nil || !IsBanner(line) {
		_ = p.Close()
		if err == nil {
			err = fmt.Errorf("unexpected banner %q", line)
		}
		return nil, fmt.Errorf("%s is not a trigger board: %v: %w", name, err, faults.ErrDeviceUnavailable)
	}
	debug.Verbose("Trigger board on %s: %s", name, line)
	return p, nil
}

// sendCommand writes cmd and returns the board's one-line answer.
func sendCommand(p serialport.Port, cmd int8, prog Program, timeout time.Duration) (string, error) {
	if err := serialport.WriteAll(p, EncodeCommand(cmd, prog)); err != nil {
		return "", err
	}
	line, err := serialport.ReadLine(p, time.Now().Add(timeout))
	if err != nil {
		return "", fmt.Errorf("no answer to command %d: %w", cmd, err)
	}
	debug.Verbose("Trigger board: %s", line)
	return line, nil
}
