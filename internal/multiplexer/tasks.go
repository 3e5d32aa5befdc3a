package multiplexer

import (
	"container/heap"
	"sort"
	"time"
)

type task struct {
	id       TaskID
	at       time.Time
	seq      uint64
	fn       func()
	interval time.Duration
	repeat   bool
	index    int
}

// taskQueue orders tasks by deadline, then by schedule sequence.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Schedule runs fn after delay on the loop goroutine. A zero delay runs it
// on the next iteration. With repeat, the task is re-armed with the same
// delay after each run until cancelled.
func (m *Multiplexer) Schedule(fn func(), delay time.Duration, repeat bool) TaskID {
	if fn == nil {
		panic("multiplexer: nil task")
	}
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	m.lastID++
	m.lastSeq++
	t := &task{
		id:       m.lastID,
		at:       m.now().Add(delay),
		seq:      m.lastSeq,
		fn:       fn,
		interval: delay,
		repeat:   repeat,
	}
	m.tasks[t.id] = t
	heap.Push(&m.queue, t)
	m.mu.Unlock()

	m.Wake()
	return t.id
}

// Cancel removes a scheduled task. It returns false if the task already
// ran or is unknown.
func (m *Multiplexer) Cancel(id TaskID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return false
	}
	delete(m.tasks, id)
	if t.index >= 0 {
		heap.Remove(&m.queue, t.index)
	}
	return true
}

// Pending returns the number of scheduled tasks.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// runDue runs every task due when the phase starts. Tasks scheduled by
// those tasks wait for the next iteration.
func (m *Multiplexer) runDue() {
	m.mu.Lock()
	now := m.now()
	var due []*task
	for len(m.queue) > 0 && !m.queue[0].at.After(now) {
		due = append(due, heap.Pop(&m.queue).(*task))
	}
	m.mu.Unlock()

	for _, t := range due {
		m.mu.Lock()
		_, live := m.tasks[t.id]
		if live && !t.repeat {
			delete(m.tasks, t.id)
		}
		m.mu.Unlock()
		if !live {
			continue
		}

		t.fn()

		if t.repeat {
			m.mu.Lock()
			if _, still := m.tasks[t.id]; still {
				m.lastSeq++
				t.seq = m.lastSeq
				t.at = m.now().Add(t.interval)
				heap.Push(&m.queue, t)
			}
			m.mu.Unlock()
		}
	}
}

func sortRegistrations(regs []*registration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
}
