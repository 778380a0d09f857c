package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/hw/camera"
)

// Report summarizes what a consumer received, per camera.
type Report struct {
	Frames     map[string]uint64 `json:"frames"`
	LastSeq    map[string]uint64 `json:"last_seq"`
	OutOfOrder map[string]uint64 `json:"out_of_order"` // Seq not above the previous one of the same camera
	Bytes      uint64            `json:"bytes"`
}

func newReport() Report {
	return Report{
		Frames:     make(map[string]uint64),
		LastSeq:    make(map[string]uint64),
		OutOfOrder: make(map[string]uint64),
	}
}

func (r *Report) add(f camera.Frame) {
	if n, seen := r.Frames[f.CameraID]; seen && n > 0 && f.Seq <= r.LastSeq[f.CameraID] {
		r.OutOfOrder[f.CameraID]++
	}
	r.Frames[f.CameraID]++
	r.LastSeq[f.CameraID] = f.Seq
	r.Bytes += uint64(len(f.Data))
}

// Drain pops frames until end of stream or until ctx ends, handing each
// to fn when it is not nil. poll bounds how long one Pop waits, and so
// how quickly ctx is observed.
func Drain(ctx context.Context, q Queue, poll time.Duration, fn func(camera.Frame) error) (Report, error) {
	rep := newReport()
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		f, err := q.Pop(poll)
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrEndOfStream):
			debug.Verbose("Consumer: end of stream")
			return rep, nil
		case err != nil:
			return rep, err
		}
		rep.add(f)
		debug.Frame(f.CameraID, f.Seq)
		if fn != nil {
			if err := fn(f); err != nil {
				return rep, err
			}
		}
	}
}
