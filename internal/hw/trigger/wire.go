package trigger

import (
	"sync"
	"sync/atomic"
)

// Pulse is an Event as received by one listener. Index counts the pulses
// addressed to that listener since it subscribed, including the ones it
// missed, so a gap in Index is a missed edge.
type Pulse struct {
	Event
	Index uint64
}

type listener struct {
	ch     chan Pulse
	camera int
	sent   uint64 // guarded by Wire.mu held for writing
}

// Wire stands in for the physical trigger cable between a source and
// simulated sensors. Delivery is non-blocking: a listener whose buffer
// is full misses the pulse and the miss is counted, like a sensor that
// was not ready for the edge.
type Wire struct {
	mu    sync.Mutex
	subs  map[*listener]struct{}
	drops atomic.Uint64
}

// NewWire creates an unconnected wire.
func NewWire() *Wire {
	return &Wire{subs: make(map[*listener]struct{})}
}

// Subscribe connects a listener for camera (1-based, 0 = every pulse)
// with the given buffer size. The caller must call the returned cleanup
// when done.
func (w *Wire) Subscribe(buf, camera int) (<-chan Pulse, func()) {
	l := &listener{ch: make(chan Pulse, buf), camera: camera}
	w.mu.Lock()
	w.subs[l] = struct{}{}
	w.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, l)
			w.mu.Unlock()
			close(l.ch)
		})
	}
	return l.ch, unsub
}

// Publish delivers ev to every listener it targets. A nil wire is a no-op.
func (w *Wire) Publish(ev Event) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for l := range w.subs {
		if l.camera != 0 && !ev.Targets(l.camera) {
			continue
		}
		p := Pulse{Event: ev, Index: l.sent}
		l.sent++
		select {
		case l.ch <- p:
		default:
			w.drops.Add(1)
		}
	}
}

// Drops returns how many deliveries were missed.
func (w *Wire) Drops() uint64 {
	if w == nil {
		return 0
	}
	return w.drops.Load()
}
