package persistence

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := newOpQueue()
	for _, kind := range []string{"a", "b", "c"} {
		if !q.Push(&Operation{Kind: kind}) {
			t.Fatalf("push %q rejected", kind)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		op, ok := q.PopWait(time.Second)
		if !ok {
			t.Fatalf("pop %q: queue empty", want)
		}
		if op.Kind != want {
			t.Fatalf("kind = %q, want %q", op.Kind, want)
		}
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("len = %d, want 0", got)
	}
}

func TestQueue_PopWaitTimesOut(t *testing.T) {
	q := newOpQueue()

	start := time.Now()
	op, ok := q.PopWait(20 * time.Millisecond)
	if ok {
		t.Fatalf("unexpected op %+v from empty queue", op)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned after %v, want at least 20ms", elapsed)
	}
}

func TestQueue_PushWakesWaiter(t *testing.T) {
	q := newOpQueue()

	done := make(chan *Operation, 1)
	go func() {
		op, ok := q.PopWait(5 * time.Second)
		if !ok {
			done <- nil
			return
		}
		done <- op
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(&Operation{Kind: "wake"})

	select {
	case op := <-done:
		if op == nil || op.Kind != "wake" {
			t.Fatalf("got %+v, want kind=wake", op)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestQueue_NilSentinelPassesThrough(t *testing.T) {
	q := newOpQueue()
	q.Push(&Operation{Kind: "real"})
	q.Push(nil)

	op, ok := q.PopWait(time.Second)
	if !ok || op == nil || op.Kind != "real" {
		t.Fatalf("first pop = %+v, %v", op, ok)
	}
	op, ok = q.PopWait(time.Second)
	if !ok || op != nil {
		t.Fatalf("second pop = %+v, %v; want nil sentinel", op, ok)
	}
}

func TestQueue_CloseRejectsPush(t *testing.T) {
	q := newOpQueue()
	q.Push(&Operation{Kind: "before"})
	q.Close()

	if q.Push(&Operation{Kind: "after"}) {
		t.Fatal("push accepted after close")
	}

	// Already-queued envelopes stay poppable.
	op, ok := q.tryPop()
	if !ok || op.Kind != "before" {
		t.Fatalf("pop after close = %+v, %v", op, ok)
	}

	// Close is idempotent.
	q.Close()
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := newOpQueue()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(&Operation{Kind: "op"})
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		if _, ok := q.tryPop(); !ok {
			break
		}
		count++
	}
	if count != producers*perProducer {
		t.Fatalf("popped %d, want %d", count, producers*perProducer)
	}
}
