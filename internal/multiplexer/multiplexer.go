// Package multiplexer combines handle readiness polling and a task
// scheduler behind a single event loop.
package multiplexer

import (
	"context"
	"sync"
	"time"
)

// Event is a readiness bitset reported by a Handle.
type Event uint8

const (
	Readable Event = 1 << iota
	Writable
	Failed
)

// Handle is something the multiplexer can poll for readiness.
// Poll must never block.
type Handle interface {
	Poll() Event
}

// Listener receives readiness callbacks for a registered handle.
type Listener interface {
	WantRead(h Handle) bool
	WantWrite(h Handle) bool
	Read(h Handle)
	Write(h Handle)
	Error(h Handle)
}

// TaskID identifies a scheduled task. Zero is never assigned.
type TaskID uint64

type registration struct {
	handle   Handle
	listener Listener
	seq      uint64
}

// Multiplexer is the event loop. Register, Unregister and Multiplex must be
// called from the loop goroutine; Schedule, Cancel and Wake are safe from
// any goroutine.
type Multiplexer struct {
	mu      sync.Mutex
	queue   taskQueue
	tasks   map[TaskID]*task
	lastID  TaskID
	lastSeq uint64

	handles map[Handle]*registration
	regSeq  uint64

	wake chan struct{}
	now  func() time.Time
}

// New creates a multiplexer using the wall clock.
func New() *Multiplexer {
	return NewWithClock(time.Now)
}

// NewWithClock creates a multiplexer with a custom clock (for testing).
func NewWithClock(now func() time.Time) *Multiplexer {
	if now == nil {
		panic("multiplexer: nil clock")
	}
	return &Multiplexer{
		tasks:   make(map[TaskID]*task),
		handles: make(map[Handle]*registration),
		wake:    make(chan struct{}, 1),
		now:     now,
	}
}

// Register adds a handle to readiness polling. Registering an already
// registered handle replaces its listener.
func (m *Multiplexer) Register(h Handle, l Listener) {
	if h == nil || l == nil {
		panic("multiplexer: nil handle or listener")
	}
	if reg, ok := m.handles[h]; ok {
		reg.listener = l
		return
	}
	m.regSeq++
	m.handles[h] = &registration{handle: h, listener: l, seq: m.regSeq}
}

// Unregister removes a handle. Unknown handles are ignored.
func (m *Multiplexer) Unregister(h Handle) {
	delete(m.handles, h)
}

// Handles returns the number of registered handles.
func (m *Multiplexer) Handles() int {
	return len(m.handles)
}

// Wake interrupts a Multiplex call waiting for readiness.
func (m *Multiplexer) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Multiplex runs one iteration: dispatch ready handles (waiting for
// readiness at most until the earliest task deadline), then run due tasks.
// It returns ctx.Err() if the context was cancelled while waiting.
func (m *Multiplexer) Multiplex(ctx context.Context) error {
	ready := m.poll()
	if len(ready) == 0 {
		if err := m.wait(ctx); err != nil {
			return err
		}
		ready = m.poll()
	}

	for _, d := range ready {
		m.dispatch(d)
	}
	m.runDue()
	return nil
}

type dispatch struct {
	reg   *registration
	event Event
}

func (m *Multiplexer) poll() []dispatch {
	if len(m.handles) == 0 {
		return nil
	}
	regs := make([]*registration, 0, len(m.handles))
	for _, reg := range m.handles {
		regs = append(regs, reg)
	}
	sortRegistrations(regs)

	var ready []dispatch
	for _, reg := range regs {
		ev := reg.handle.Poll()
		var want Event
		if ev&Failed != 0 {
			want |= Failed
		}
		if ev&Readable != 0 && reg.listener.WantRead(reg.handle) {
			want |= Readable
		}
		if ev&Writable != 0 && reg.listener.WantWrite(reg.handle) {
			want |= Writable
		}
		if want != 0 {
			ready = append(ready, dispatch{reg: reg, event: want})
		}
	}
	return ready
}

// dispatch invokes callbacks for one handle. A callback may unregister any
// handle, so registration is checked before every call.
func (m *Multiplexer) dispatch(d dispatch) {
	current := func() bool {
		reg, ok := m.handles[d.reg.handle]
		return ok && reg == d.reg
	}
	if d.event&Failed != 0 {
		if current() {
			d.reg.listener.Error(d.reg.handle)
		}
		return
	}
	if d.event&Readable != 0 && current() {
		d.reg.listener.Read(d.reg.handle)
	}
	if d.event&Writable != 0 && current() {
		d.reg.listener.Write(d.reg.handle)
	}
}

func (m *Multiplexer) wait(ctx context.Context) error {
	delay, ok := m.nextDelay()
	if ok && delay <= 0 {
		return nil
	}

	var timeout <-chan time.Time
	if ok {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-m.wake:
		return nil
	case <-timeout:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) nextDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return 0, false
	}
	return m.queue[0].at.Sub(m.now()), true
}
