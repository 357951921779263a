package tasks_test

import (
	"sync/atomic"
	"testing"
	"time"

	"collabspace/workspace/tasks"
)

func waitForRuns(t *testing.T, runs *atomic.Int32, want int32, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d runs, saw %d", want, runs.Load())
		default:
			if runs.Load() >= want {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLeadingEdgeRun(t *testing.T) {
	var runs atomic.Int32
	throttle := tasks.NewThrottle(time.Hour, func() { runs.Add(1) })
	defer throttle.Stop()

	throttle.Trigger()

	if runs.Load() != 1 {
		t.Fatalf("first trigger should run immediately, saw %d runs", runs.Load())
	}
}

func TestBurstCoalescesToOneTrailingRun(t *testing.T) {
	var runs atomic.Int32
	throttle := tasks.NewThrottle(20*time.Millisecond, func() { runs.Add(1) })
	defer throttle.Stop()

	for i := 0; i < 50; i++ {
		throttle.Trigger()
	}

	waitForRuns(t, &runs, 2, time.Second)

	// Leading run plus one trailing run, no matter how large the burst.
	time.Sleep(60 * time.Millisecond)
	if runs.Load() != 2 {
		t.Fatalf("burst should cause exactly 2 runs, saw %d", runs.Load())
	}
}

func TestQuietWindowResets(t *testing.T) {
	var runs atomic.Int32
	throttle := tasks.NewThrottle(10*time.Millisecond, func() { runs.Add(1) })
	defer throttle.Stop()

	throttle.Trigger()
	time.Sleep(50 * time.Millisecond)
	throttle.Trigger()

	if runs.Load() != 2 {
		t.Fatalf("trigger after quiet window should run immediately, saw %d runs", runs.Load())
	}
}

func TestStopCancelsTrailingRun(t *testing.T) {
	var runs atomic.Int32
	throttle := tasks.NewThrottle(20*time.Millisecond, func() { runs.Add(1) })

	throttle.Trigger()
	throttle.Trigger()
	throttle.Stop()

	time.Sleep(60 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("stop should cancel the pending trailing run, saw %d runs", runs.Load())
	}
}

func TestQueueDispatchesByKind(t *testing.T) {
	var sweeps, pings atomic.Int32

	queue := tasks.NewQueue()
	defer queue.Stop()

	queue.Register("sweep", time.Hour, func() { sweeps.Add(1) })
	queue.Register("ping", time.Hour, func() { pings.Add(1) })

	queue.Trigger("sweep")

	if sweeps.Load() != 1 || pings.Load() != 0 {
		t.Fatalf("wrong task ran: sweeps=%d pings=%d", sweeps.Load(), pings.Load())
	}
}

func TestQueueUnknownKindIsNoop(t *testing.T) {
	queue := tasks.NewQueue()
	defer queue.Stop()

	queue.Trigger("never-registered")
}
