// Package session coordinates the acquisition loops of all cameras:
// every camera is armed before any of them runs, and a camera that
// faults is reported without stopping the others.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/syncgrab/internal/config"
	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/hw/trigger"
	"github.com/cjeanneret/syncgrab/internal/logic/acquire"
	"github.com/cjeanneret/syncgrab/internal/queue"
)

// TriggerName is the participant name used for trigger failures.
const TriggerName = "trigger"

// OpenFunc claims the camera described by cfg.
type OpenFunc func(ctx context.Context, cfg config.CameraConfig) (acquire.Camera, error)

// Params is everything a session needs. The session takes ownership of
// Trigger and Queue: Wait, or a failed Start, stops the first and closes
// the second.
type Params struct {
	Cameras  []config.CameraConfig
	Open     OpenFunc
	Trigger  trigger.Source
	Queue    queue.Queue
	Loop     acquire.Options
	Notifier Notifier // may be nil
}

// release stops the trigger and closes the queue of a session that never ran.
func (p Params) release() {
	if p.Trigger != nil {
		if err := p.Trigger.Stop(); err != nil {
			debug.Error(fmt.Errorf("trigger stop: %w", err))
		}
	}
	if p.Queue != nil {
		if err := p.Queue.Close(); err != nil {
			debug.Error(fmt.Errorf("queue close: %w", err))
		}
	}
}

// Fault is raised when a running camera faults or the trigger stalls.
type Fault struct {
	Camera string // camera ID or TriggerName
	Err    error
}

// CameraResult is the outcome of one camera.
type CameraResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"` // rejected by the queue
	Skipped uint64 `json:"skipped"` // lost on the device, gaps in Seq
	Retries uint64 `json:"retries"`
}

// Result is reported by Wait once every loop is closed.
type Result struct {
	SessionID     string         `json:"session_id"`
	Started       time.Time      `json:"started"`
	Ended         time.Time      `json:"ended"`
	Cameras       []CameraResult `json:"cameras"`
	Frames        uint64         `json:"frames"`
	Dropped       uint64         `json:"dropped"`
	Skipped       uint64         `json:"skipped"`
	TriggerPulses uint64         `json:"trigger_pulses"`
	WireDrops     uint64         `json:"wire_drops"`
	TriggerError  string         `json:"trigger_error,omitempty"`
	Queue         queue.Stats    `json:"queue"`
}

// OK reports whether every camera completed and the trigger never stalled.
func (r Result) OK() bool {
	if r.TriggerError != "" {
		return false
	}
	for _, c := range r.Cameras {
		if c.Status != acquire.Completed {
			return false
		}
	}
	return true
}

// Snapshot is a live view of a session.
type Snapshot struct {
	SessionID string             `json:"session_id"`
	Started   time.Time          `json:"started"`
	Running   bool               `json:"running"`
	Faulted   bool               `json:"faulted"`
	Cameras   []acquire.Snapshot `json:"cameras"`
	Trigger   trigger.Stats      `json:"trigger"`
	Queue     queue.Stats        `json:"queue"`
}

// Session is a running acquisition.
type Session struct {
	id      string
	p       Params
	loops   []*acquire.Loop
	started time.Time

	cancel  context.CancelFunc
	release chan struct{}
	wg      sync.WaitGroup
	monitor chan struct{}

	faults  chan Fault
	faulted atomic.Bool

	mu         sync.Mutex
	triggerErr error

	waitOnce sync.Once
	done     chan struct{}
	result   Result
}

// Start prepares every camera in parallel, starts the trigger and then
// releases all loops at once. If any camera or the trigger fails to get
// ready, every prepared camera is closed, no loop runs, and the error is
// a *faults.SessionStartError naming each failure.
func Start(ctx context.Context, p Params) (*Session, error) {
	if len(p.Cameras) == 0 {
		p.release()
		return nil, fmt.Errorf("no cameras: %w", faults.ErrConfiguration)
	}
	if p.Notifier == nil {
		p.Notifier = Discard
	}
	s := &Session{
		id:      uuid.NewString(),
		p:       p,
		release: make(chan struct{}),
		monitor: make(chan struct{}),
		faults:  make(chan Fault, len(p.Cameras)+1),
		done:    make(chan struct{}),
	}
	debug.Section("Session " + s.id)

	for _, camCfg := range p.Cameras {
		open := func(ctx context.Context) (acquire.Camera, error) { return p.Open(ctx, camCfg) }
		l := acquire.New(camCfg, open, p.Queue, p.Loop)
		l.OnTransition(s.onTransition)
		s.loops = append(s.loops, l)
	}

	var (
		g        errgroup.Group
		failMu   sync.Mutex
		failures = make(map[string]error)
	)
	for _, l := range s.loops {
		g.Go(func() error {
			if err := l.Prepare(ctx); err != nil {
				failMu.Lock()
				failures[l.ID()] = err
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failures) > 0 {
		return nil, s.abort(failures)
	}
	debug.Step(1, fmt.Sprintf("%d cameras armed", len(s.loops)))

	if err := p.Trigger.Start(ctx); err != nil {
		return nil, s.abort(map[string]error{TriggerName: err})
	}
	debug.Step(2, "trigger started")

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()
	for _, l := range s.loops {
		s.wg.Add(1)
		go func(l *acquire.Loop) {
			defer s.wg.Done()
			l.Run(runCtx, s.release)
		}(l)
	}
	go s.watchTrigger(runCtx)

	s.p.Notifier.Notify(Event{Kind: EventStarted, Session: s.id, Time: s.started})
	close(s.release)
	debug.Step(3, "acquisition released")
	return s, nil
}

// abort closes every prepared camera and releases the trigger and the
// queue, so consumers see end of stream.
func (s *Session) abort(failures map[string]error) error {
	for _, l := range s.loops {
		l.Abort(faults.ErrSessionStartFailed.Error())
	}
	s.p.release()
	err := &faults.SessionStartError{Failures: failures}
	debug.Error(err)
	s.p.Notifier.Notify(Event{Kind: EventStartFailed, Session: s.id, Error: err.Error(), Time: time.Now()})
	return err
}

func (s *Session) onTransition(tr acquire.Transition) {
	ev := Event{
		Kind:    EventState,
		Session: s.id,
		Camera:  tr.Camera,
		From:    tr.From.String(),
		To:      tr.To.String(),
		Time:    time.Now(),
	}
	if tr.Err != nil {
		ev.Error = tr.Err.Error()
	}
	s.p.Notifier.Notify(ev)
	if tr.From == acquire.Running && tr.To == acquire.Faulted {
		s.raise(Fault{Camera: tr.Camera, Err: tr.Err})
	}
}

func (s *Session) raise(f Fault) {
	s.faulted.Store(true)
	select {
	case s.faults <- f:
	default:
	}
	s.p.Notifier.Notify(Event{Kind: EventFault, Session: s.id, Camera: f.Camera, Error: f.Err.Error(), Time: time.Now()})
}

// watchTrigger observes pulses for bookkeeping. A stalled trigger is
// raised as a session fault and not retried.
func (s *Session) watchTrigger(ctx context.Context) {
	defer close(s.monitor)
	for {
		ev, err := s.p.Trigger.Next(ctx)
		if err == nil {
			debug.Pulse(ev.Seq, ev.Channel)
			continue
		}
		switch {
		case errors.Is(err, trigger.ErrExhausted):
			debug.Live("Trigger sequence complete")
		case errors.Is(err, trigger.ErrStopped), ctx.Err() != nil:
		default:
			s.mu.Lock()
			s.triggerErr = err
			s.mu.Unlock()
			debug.Error(fmt.Errorf("trigger: %w", err))
			s.raise(Fault{Camera: TriggerName, Err: err})
		}
		return
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Faults delivers one Fault per faulted camera and one for the trigger.
func (s *Session) Faults() <-chan Fault { return s.faults }

// Faulted reports whether any fault was raised.
func (s *Session) Faulted() bool { return s.faulted.Load() }

// Done is closed once Wait has torn the session down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks every loop to finish. Loops notice within one grab timeout.
// Idempotent.
func (s *Session) Stop() {
	debug.Verbose("Session %s: stop requested", s.id)
	s.cancel()
}

// Wait blocks until every loop is closed, then stops the trigger, closes
// the queue and returns the result. Safe to call more than once.
func (s *Session) Wait() Result {
	s.waitOnce.Do(func() {
		s.wg.Wait()
		s.cancel()
		if err := s.p.Trigger.Stop(); err != nil {
			debug.Error(fmt.Errorf("trigger stop: %w", err))
		}
		<-s.monitor
		if err := s.p.Queue.Close(); err != nil {
			debug.Error(fmt.Errorf("queue close: %w", err))
		}
		s.result = s.collect()
		close(s.done)
		s.p.Notifier.Notify(Event{Kind: EventEnded, Session: s.id, Time: s.result.Ended, Result: &s.result})
	})
	return s.result
}

func (s *Session) collect() Result {
	qs := s.p.Queue.Stats()
	ts := s.p.Trigger.Stats()
	r := Result{
		SessionID:     s.id,
		Started:       s.started,
		Ended:         time.Now(),
		TriggerPulses: ts.Pulses,
		WireDrops:     ts.WireDrops,
		Queue:         qs,
		Dropped:       qs.TotalDropped(),
	}
	s.mu.Lock()
	if s.triggerErr != nil {
		r.TriggerError = faults.Reason(s.triggerErr)
	}
	s.mu.Unlock()
	for _, l := range s.loops {
		snap := l.Snapshot()
		r.Cameras = append(r.Cameras, CameraResult{
			ID:      snap.Camera,
			Status:  snap.Status,
			Frames:  snap.Frames,
			Dropped: qs.Dropped[snap.Camera],
			Skipped: snap.Skipped,
			Retries: snap.Retries,
		})
		r.Frames += snap.Frames
		r.Skipped += snap.Skipped
	}
	return r
}

// Snapshot returns live counters.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID: s.id,
		Started:   s.started,
		Faulted:   s.Faulted(),
		Trigger:   s.p.Trigger.Stats(),
		Queue:     s.p.Queue.Stats(),
	}
	select {
	case <-s.done:
	default:
		snap.Running = true
	}
	for _, l := range s.loops {
		snap.Cameras = append(snap.Cameras, l.Snapshot())
	}
	return snap
}
