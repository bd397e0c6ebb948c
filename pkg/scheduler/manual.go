package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests. Nothing runs until Advance
// or Flush is called; tasks then run in due-time order, ties broken by
// scheduling order.
//
// All methods are safe for concurrent use, but tasks always run on the
// goroutine that calls Advance.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks taskHeap
}

type manualTask struct {
	due     time.Time
	seq     uint64
	fn      func()
	stopped bool
	ran     bool
}

// NewManual returns a Manual scheduler starting at a fixed epoch.
func NewManual() *Manual {
	return &Manual{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Post schedules fn at the current virtual time.
func (m *Manual) Post(fn func()) {
	m.Delay(fn, 0)
}

// Delay schedules fn at now+d.
func (m *Manual) Delay(fn func(), d time.Duration) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{due: m.now.Add(d), seq: m.seq, fn: fn}
	heap.Push(&m.tasks, t)
	return &manualTimer{m: m, t: t}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, running every task that becomes due,
// including tasks scheduled by the tasks it runs.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		task := m.next(target)
		if task == nil {
			break
		}
		runTask(task.fn)
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}

// Flush runs every task that is due now without advancing the clock.
func (m *Manual) Flush() {
	m.Advance(0)
}

// Pending returns the number of tasks that have not run or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.stopped {
			n++
		}
	}
	return n
}

// next pops the earliest runnable task due at or before target and moves the
// clock to its due time.
func (m *Manual) next(target time.Time) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.tasks) > 0 && m.tasks[0].stopped {
		heap.Pop(&m.tasks)
	}
	if len(m.tasks) == 0 || m.tasks[0].due.After(target) {
		return nil
	}
	t := heap.Pop(&m.tasks).(*manualTask)
	t.ran = true
	if t.due.After(m.now) {
		m.now = t.due
	}
	return t
}

// taskHeap orders tasks by due time, then by scheduling order.
type taskHeap []*manualTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*manualTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type manualTimer struct {
	m *Manual
	t *manualTask
}

func (mt *manualTimer) Stop() bool {
	mt.m.mu.Lock()
	defer mt.m.mu.Unlock()
	if mt.t.ran || mt.t.stopped {
		return false
	}
	mt.t.stopped = true
	return true
}
