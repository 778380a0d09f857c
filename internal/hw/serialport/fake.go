package serialport

import (
	"errors"
	"sync"
	"time"
)

// FakePort is an in-memory Port for development without the trigger
// board. Bytes given to Feed are returned by Read; OnWrite lets a
// scripted device answer commands.
type FakePort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	rx      []byte
	tx      []byte
	timeout time.Duration
	closed  bool

	// OnWrite, if set, is called with every chunk written to the port.
	OnWrite func(p *FakePort, data []byte)
}

// NewFakePort creates an open fake port.
func NewFakePort() *FakePort {
	p := &FakePort{timeout: time.Second}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed queues bytes for Read.
func (p *FakePort) Feed(data []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, data...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Written returns a copy of everything written so far.
func (p *FakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.tx...)
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(p.timeout)
	timer := time.AfterFunc(p.timeout, p.cond.Broadcast)
	defer timer.Stop()

	for len(p.rx) == 0 && !p.closed {
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		p.cond.Wait()
	}
	if p.closed {
		return 0, errors.New("port closed")
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	p.tx = append(p.tx, b...)
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		hook(p, append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}
