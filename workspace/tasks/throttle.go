// Package tasks provides coalesced scheduling for work that is triggered at
// arbitrary frequency but must run at a bounded rate: presence broadcasts and
// background cleanup sweeps.
package tasks

import (
	"sync"
	"time"
)

// Throttle runs fn with leading-edge-then-cooldown semantics: the first
// trigger in a quiet window runs fn immediately; triggers arriving inside the
// cooldown window coalesce into one trailing run when the window expires.
// N triggers within one window cause at most one additional run.
type Throttle struct {
	period time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

func NewThrottle(period time.Duration, fn func()) *Throttle {
	return &Throttle{period: period, fn: fn}
}

func (t *Throttle) Trigger() {
	t.mu.Lock()
	if t.timer == nil {
		t.timer = time.AfterFunc(t.period, t.expire)
		t.mu.Unlock()
		t.fn()
		return
	}
	t.pending = true
	t.mu.Unlock()
}

func (t *Throttle) expire() {
	t.mu.Lock()
	if !t.pending {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.timer = time.AfterFunc(t.period, t.expire)
	t.mu.Unlock()
	t.fn()
}

// Stop cancels any scheduled trailing run. Triggers after Stop start a fresh
// window.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = false
}

// Queue holds named throttled tasks so collections needing coalesced cleanup
// share one registration point instead of hand-wired throttle instances.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Throttle
}

func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]*Throttle)}
}

func (q *Queue) Register(kind string, period time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[kind] = NewThrottle(period, fn)
}

// Trigger schedules the named task; unknown kinds are a no-op.
func (q *Queue) Trigger(kind string) {
	q.mu.Lock()
	task := q.tasks[kind]
	q.mu.Unlock()
	if task != nil {
		task.Trigger()
	}
}

func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.tasks {
		task.Stop()
	}
}
