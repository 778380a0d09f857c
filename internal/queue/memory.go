package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/hw/camera"
)

// Memory is an in-process bounded queue. Producers blocked on a full
// queue are served in arrival order, so one camera cannot starve another.
type Memory struct {
	capacity int
	policy   Policy

	mu      sync.Mutex
	items   []camera.Frame
	waiters []*pushWaiter // blocked producers, oldest first
	closed  bool
	changed chan struct{} // closed and replaced on every state change
	pushed  uint64
	popped  uint64
	dropped map[string]uint64
}

// pushWaiter must not be zero-sized: waiters are compared by address.
type pushWaiter struct{ camera string }

// NewMemory creates a queue holding at most capacity frames.
func NewMemory(capacity int, policy Policy) (*Memory, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be > 0, got %d", capacity)
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	return &Memory{
		capacity: capacity,
		policy:   policy,
		items:    make([]camera.Frame, 0, capacity),
		changed:  make(chan struct{}),
		dropped:  make(map[string]uint64),
	}, nil
}

// signal wakes every waiter. Must hold mu.
func (m *Memory) signal() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// drop counts a lost frame. Must hold mu.
func (m *Memory) drop(f camera.Frame, why string) {
	m.dropped[f.CameraID]++
	debug.Verbose("Queue: dropped %s #%d (%s)", f.CameraID, f.Seq, why)
}

// leave removes w from the waiters. Must hold mu.
func (m *Memory) leave(w *pushWaiter) {
	for i, other := range m.waiters {
		if other == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	m.signal()
}

// enqueue appends f. Must hold mu.
func (m *Memory) enqueue(f camera.Frame) {
	m.items = append(m.items, f)
	m.pushed++
	m.signal()
}

func (m *Memory) Push(ctx context.Context, f camera.Frame, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.drop(f, "closed")
		return ErrClosed
	}
	if len(m.items) < m.capacity && len(m.waiters) == 0 {
		m.enqueue(f)
		return nil
	}
	if m.policy == DropOldest {
		if len(m.items) >= m.capacity {
			m.drop(m.items[0], "evicted")
			m.items[0] = camera.Frame{}
			m.items = m.items[1:]
		}
		m.enqueue(f)
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	w := &pushWaiter{camera: f.CameraID}
	m.waiters = append(m.waiters, w)
	for {
		if m.closed {
			m.leave(w)
			m.drop(f, "closed")
			return ErrClosed
		}
		if m.waiters[0] == w && len(m.items) < m.capacity {
			m.waiters = m.waiters[1:]
			m.enqueue(f)
			return nil
		}
		wait := m.changed
		m.mu.Unlock()
		var err error
		select {
		case <-wait:
		case <-expired:
			err = ErrDropped
		case <-ctx.Done():
			err = fmt.Errorf("%w: %w", ErrDropped, ctx.Err())
		}
		m.mu.Lock()
		if err != nil {
			m.leave(w)
			m.drop(f, "push abandoned")
			return err
		}
	}
}

func (m *Memory) Pop(timeout time.Duration) (camera.Frame, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	m.mu.Lock()
	for len(m.items) == 0 {
		if m.closed {
			m.mu.Unlock()
			return camera.Frame{}, ErrEndOfStream
		}
		wait := m.changed
		m.mu.Unlock()
		select {
		case <-wait:
		case <-expired:
			return camera.Frame{}, ErrTimeout
		}
		m.mu.Lock()
	}
	f := m.items[0]
	m.items[0] = camera.Frame{}
	m.items = m.items[1:]
	m.popped++
	m.signal()
	m.mu.Unlock()
	return f, nil
}

// Close is idempotent. Blocked pushers fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.signal()
	}
	return nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Capacity: m.capacity,
		Depth:    len(m.items),
		Pushed:   m.pushed,
		Popped:   m.popped,
		Dropped:  copyDrops(m.dropped),
	}
}
