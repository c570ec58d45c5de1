package threadpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_RunsAllTasks(t *testing.T) {
	p := New(4)
	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(0, func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		})
	}
	wg.Wait()
	if n != 50 {
		t.Fatalf("expected 50 tasks to run, got %d", n)
	}
}

func TestSubmit_HigherPriorityRunsFirstWhenSerialized(t *testing.T) {
	// A single-worker pool with a gate: hold the worker busy on a
	// low-priority task that's already running, submit a bunch of
	// low-priority and one high-priority task, release the gate, and
	// check the high-priority task runs before most of the low ones.
	p := New(1)

	gate := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	p.Submit(0, func() {
		started.Done()
		<-gate
	})
	started.Wait()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		p.Submit(0, func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
		})
	}
	wg.Add(1)
	p.Submit(10, func() {
		defer wg.Done()
		mu.Lock()
		order = append(order, 10)
		mu.Unlock()
	})

	close(gate)
	wg.Wait()

	if len(order) == 0 || order[0] != 10 {
		t.Fatalf("expected the priority-10 task to run first among queued tasks, got order %v", order)
	}
}

func TestTerminate_Force_ReturnsPromptlyAndStopsWorkers(t *testing.T) {
	p := New(2)
	block := make(chan struct{})
	p.Submit(0, func() { <-block })
	for i := 0; i < 20; i++ {
		p.Submit(0, func() {})
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Terminate(ctx, true)

	if p.CurrentThreads() != 0 {
		t.Fatalf("expected 0 threads after forced terminate, got %d", p.CurrentThreads())
	}
}

func TestTerminate_NonForceWithActiveUserIsNoOp(t *testing.T) {
	p := New(1)
	p.AddUser()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Terminate(ctx, false)

	// Pool should still accept work since it wasn't actually stopped.
	done := make(chan struct{})
	p.Submit(0, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected pool to still be running after a non-force terminate with active users")
	}

	p.RemoveUser()
}
