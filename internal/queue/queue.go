// Package queue hands frames from the acquisition loops to consumers.
//
// Both backends are bounded FIFOs. Per-camera ordering holds because each
// loop pushes sequentially. Every frame that does not reach a consumer is
// counted as a drop against its camera.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/syncgrab/internal/hw/camera"
)

var (
	// ErrEndOfStream is returned by Pop once the queue is closed and drained.
	ErrEndOfStream = errors.New("end of stream")
	// ErrTimeout is returned by Pop when nothing arrived in time.
	ErrTimeout = errors.New("queue pop timeout")
	// ErrDropped is returned by a blocking Push whose wait expired; the
	// frame was counted as dropped.
	ErrDropped = errors.New("frame dropped: queue full")
	// ErrClosed is returned by Push after Close; the frame was counted as dropped.
	ErrClosed = errors.New("queue closed")
)

// Policy is what Push does when the queue is full.
type Policy string

const (
	Block      Policy = "block"       // wait for space up to the push timeout, then drop the new frame
	DropOldest Policy = "drop_oldest" // evict the oldest queued frame
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Block, DropOldest:
		return p, nil
	}
	return "", fmt.Errorf("unknown backpressure policy %q", s)
}

// Queue is the frame hand-off. Push and Pop are safe for concurrent use.
type Queue interface {
	// Push enqueues f. Ownership of f.Data passes to the queue. A timeout
	// <= 0 waits until there is space or the queue is closed. A wait cut
	// short by ctx drops the frame and returns an error matching ErrDropped.
	Push(ctx context.Context, f camera.Frame, timeout time.Duration) error
	// Pop dequeues the oldest frame. A timeout <= 0 waits indefinitely.
	Pop(timeout time.Duration) (camera.Frame, error)
	// Close marks the end of the stream. Queued frames stay poppable.
	Close() error
	Stats() Stats
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Capacity int               `json:"capacity"`
	Depth    int               `json:"depth"`
	Pushed   uint64            `json:"pushed"`
	Popped   uint64            `json:"popped"`
	Dropped  map[string]uint64 `json:"dropped"` // per camera
}

// TotalDropped sums drops over every camera.
func (s Stats) TotalDropped() uint64 {
	var n uint64
	for _, d := range s.Dropped {
		n += d
	}
	return n
}

func copyDrops(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
