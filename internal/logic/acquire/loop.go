// Package acquire runs one camera: open, configure, arm, then grab
// frames and hand them to the queue until stopped or faulted.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/config"
	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/hw/camera"
	"github.com/cjeanneret/syncgrab/internal/queue"
)

// State of an acquisition loop.
type State int

const (
	Idle State = iota
	Configuring
	Armed
	Running
	Stopping
	Faulted
	Closed
)

var stateNames = [...]string{"Idle", "Configuring", "Armed", "Running", "Stopping", "Faulted", "Closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal outcomes of a loop.
const (
	Completed    = "Completed"
	FaultedKind  = "Faulted"
	NeverStarted = "NeverStarted"
)

// Status is the terminal outcome of a loop, e.g. "Faulted:frame timeout".
type Status struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.Reason == "" {
		return s.Kind
	}
	return s.Kind + ":" + s.Reason
}

// Camera is what the loop needs from a camera handle.
type Camera interface {
	ID() string
	Configure(cfg config.CameraConfig) (camera.Settings, error)
	Arm() error
	Grab(timeout time.Duration) (camera.Frame, error)
	Close() error
}

// OpenFunc claims the loop's camera.
type OpenFunc func(ctx context.Context) (Camera, error)

// Options bound the loop's waits.
type Options struct {
	GrabTimeout time.Duration
	PushTimeout time.Duration
	MaxRetries  int    // consecutive frame timeouts tolerated, default 3
	MaxFrames   uint64 // stop as Completed after this many frames, 0 = until stopped
}

// Transition is reported on every state change.
type Transition struct {
	Camera string
	From   State
	To     State
	Err    error
}

// Snapshot is a live view of a loop.
type Snapshot struct {
	Camera  string `json:"camera"`
	State   State  `json:"state"`
	Status  string `json:"status,omitempty"`
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"`
	Skipped uint64 `json:"skipped"` // frames the device lost, seen as gaps in its frame IDs
	Retries uint64 `json:"retries"`
}

// Loop drives one camera. Prepare and Run are called once each, from
// the same goroutine or in that order; Snapshot is safe from anywhere.
type Loop struct {
	id     string
	open   OpenFunc
	camCfg config.CameraConfig
	q      queue.Queue
	opts   Options
	notify func(Transition)

	cam Camera

	mu      sync.Mutex
	state   State
	status  Status
	frames  uint64
	dropped uint64
	skipped uint64
	retries uint64
}

// New creates an Idle loop for camCfg.ID.
func New(camCfg config.CameraConfig, open OpenFunc, q queue.Queue, opts Options) *Loop {
	if opts.GrabTimeout <= 0 {
		opts.GrabTimeout = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Loop{id: camCfg.ID, open: open, camCfg: camCfg, q: q, opts: opts}
}

// OnTransition registers fn to be called on every state change, from the
// loop's goroutine. Must be set before Prepare.
func (l *Loop) OnTransition(fn func(Transition)) {
	l.notify = fn
}

// ID returns the camera identifier.
func (l *Loop) ID() string { return l.id }

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns the terminal status, zero until Closed.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Camera:  l.id,
		State:   l.state,
		Status:  l.status.String(),
		Frames:  l.frames,
		Dropped: l.dropped,
		Skipped: l.skipped,
		Retries: l.retries,
	}
}

func (l *Loop) transition(to State, err error) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()
	debug.State(l.id, from.String(), to.String())
	if l.notify != nil {
		l.notify(Transition{Camera: l.id, From: from, To: to, Err: err})
	}
}

// Prepare opens, configures and arms the camera: Idle -> Configuring ->
// Armed. On failure the loop goes through Faulted to Closed with a
// NeverStarted status and the error is returned.
func (l *Loop) Prepare(ctx context.Context) error {
	l.transition(Configuring, nil)

	err := func() error {
		cam, err := l.open(ctx)
		if err != nil {
			return err
		}
		l.cam = cam
		if _, err := cam.Configure(l.camCfg); err != nil {
			return err
		}
		return cam.Arm()
	}()
	if err != nil {
		l.transition(Faulted, err)
		l.close(Status{Kind: NeverStarted, Reason: faults.Reason(err)})
		return err
	}
	l.transition(Armed, nil)
	return nil
}

// Abort closes an Armed loop that will never run, because the session
// could not start.
func (l *Loop) Abort(reason string) {
	if l.State() != Armed {
		return
	}
	l.close(Status{Kind: NeverStarted, Reason: reason})
}

func (l *Loop) close(st Status) {
	if l.cam != nil {
		if err := l.cam.Close(); err != nil {
			debug.Error(fmt.Errorf("camera %s close: %w", l.id, err))
		}
	}
	l.mu.Lock()
	l.status = st
	l.mu.Unlock()
	l.transition(Closed, nil)
}

// Run waits for release, then grabs until ctx ends, MaxFrames is
// reached or the camera faults. It always leaves the loop Closed.
// Cancellation is observed between grabs and while a push waits for
// queue space, so it takes at most one grab timeout. A frame already
// grabbed is still pushed if the queue has room, otherwise dropped.
//
// Seq follows the device frame counter: frames the device lost leave a
// gap in Seq and are counted as skipped, so Seq n stays the n-th
// exposure of the session.
func (l *Loop) Run(ctx context.Context, release <-chan struct{}) Status {
	if l.State() != Armed {
		return l.Status()
	}
	select {
	case <-release:
	default:
		select {
		case <-release:
		case <-ctx.Done():
			l.Abort("stopped before start")
			return l.Status()
		}
	}
	l.transition(Running, nil)

	var (
		seqs        sequencer
		seq         uint64
		consecutive int
		fault       error
	)
	for {
		if ctx.Err() != nil {
			break
		}
		f, err := l.cam.Grab(l.opts.GrabTimeout)
		if err != nil {
			if errors.Is(err, faults.ErrFrameTimeout) {
				consecutive++
				l.mu.Lock()
				l.retries++
				l.mu.Unlock()
				if consecutive > l.opts.MaxRetries {
					fault = fmt.Errorf("%d consecutive timeouts: %w", consecutive, err)
					break
				}
				debug.Verbose("Camera %s: grab timeout, retry %d/%d", l.id, consecutive, l.opts.MaxRetries)
				continue
			}
			fault = err
			break
		}
		consecutive = 0

		var gap uint64
		seq, gap = seqs.next(f.DeviceFrameID)
		if gap > 0 {
			l.mu.Lock()
			l.skipped += gap
			l.mu.Unlock()
			debug.Live("Camera %s: device lost %d frame(s) before #%d", l.id, gap, seq)
		}
		f.CameraID = l.id
		f.Seq = seq
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		l.push(ctx, f)

		if l.opts.MaxFrames > 0 && seq+1 >= l.opts.MaxFrames {
			debug.Live("Camera %s: %d exposures acquired", l.id, seq+1)
			break
		}
	}

	if fault != nil {
		debug.Error(fmt.Errorf("camera %s: %w", l.id, fault))
		l.transition(Faulted, fault)
		l.close(Status{Kind: FaultedKind, Reason: faults.Reason(fault)})
	} else {
		l.transition(Stopping, nil)
		l.close(Status{Kind: Completed})
	}
	return l.Status()
}

// push hands f to the queue. A rejected frame is counted, never lost silently.
func (l *Loop) push(ctx context.Context, f camera.Frame) {
	id, seq := f.CameraID, f.Seq
	err := l.q.Push(ctx, f, l.opts.PushTimeout)

	l.mu.Lock()
	l.frames++
	if err != nil {
		l.dropped++
	}
	l.mu.Unlock()

	switch {
	case err == nil:
		debug.Frame(id, seq)
	case errors.Is(err, queue.ErrDropped), errors.Is(err, queue.ErrClosed):
		debug.Live("Camera %s: frame %d dropped: %v", id, seq, err)
	default:
		debug.Error(fmt.Errorf("camera %s: push frame %d: %w", id, seq, err))
	}
}

// sequencer maps device frame IDs onto session sequence numbers.
// Device counters start at 0 when acquisition begins, so Seq is the
// frame ID and frames lost before the first grab count as skipped too.
// A counter that goes backwards or stands still advances Seq by one.
type sequencer struct {
	started bool
	last    uint64
	seq     uint64
}

// next returns the Seq of the frame with device id and how many
// sequence numbers were skipped before it.
func (s *sequencer) next(id uint64) (seq, gap uint64) {
	if !s.started {
		s.started, s.last, s.seq = true, id, id
		return id, id
	}
	step := uint64(1)
	if id > s.last {
		step = id - s.last
	}
	s.last = id
	s.seq += step
	return s.seq, step - 1
}
