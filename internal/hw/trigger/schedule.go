package trigger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/hw/serialport"
)

// Schedule is the list of trigger times (board clock, µs) of each of the
// two cameras, as computed by the board for a Program.
type Schedule struct {
	T1 []uint32
	T2 []uint32
}

// ReadSchedule asks the board to compute its trigger schedule without
// pulsing and collects the records until the board goes quiet for idle.
func ReadSchedule(p serialport.Port, prog Program, timeout, idle time.Duration) (Schedule, error) {
	line, err := sendCommand(p, CmdSimulate, prog, timeout)
	if err != nil {
		return Schedule{}, err
	}
	debug.Info("Reading trigger times: %s", line)

	var s Schedule
	buf := make([]byte, RecordSize)
	for {
		err := serialport.ReadFull(p, buf, time.Now().Add(idle))
		if errors.Is(err, serialport.ErrReadTimeout) {
			break
		}
		if err != nil {
			return s, fmt.Errorf("read schedule: %w", err)
		}
		rec, _ := DecodeRecord(buf)
		if rec.Channel == 0 || rec.Channel == 1 {
			s.T1 = append(s.T1, rec.TimeUs)
		}
		if rec.Channel == 0 || rec.Channel == 2 {
			s.T2 = append(s.T2, rec.TimeUs)
		}
	}
	debug.Info("Schedule: %d times for camera 1, %d for camera 2", len(s.T1), len(s.T2))
	return s, nil
}

// WriteIndices writes the frame index of each trigger time (time / deltaT),
// one per line.
func WriteIndices(w io.Writer, times []uint32, deltaT int) error {
	if deltaT <= 0 {
		return fmt.Errorf("deltat must be > 0, got %d", deltaT)
	}
	bw := bufio.NewWriter(w)
	for _, t := range times {
		if _, err := fmt.Fprintf(bw, "%d\n", t/uint32(deltaT)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveIndices writes t1_<name>.txt and t2_<name>.txt into dir and returns their paths.
func (s Schedule) SaveIndices(dir, name string, deltaT int) ([]string, error) {
	var paths []string
	for i, times := range [][]uint32{s.T1, s.T2} {
		path := filepath.Join(dir, fmt.Sprintf("t%d_%s.txt", i+1, name))
		f, err := os.Create(path)
		if err != nil {
			return paths, err
		}
		if err := WriteIndices(f, times, deltaT); err != nil {
			f.Close()
			return paths, err
		}
		if err := f.Close(); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
