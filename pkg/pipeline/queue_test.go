package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"
)

func frameOf(s string) Frame {
	return Frame{Data: []byte(s)}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(3)
	for _, s := range []string{"a", "b", "c"} {
		if q.Enqueue(frameOf(s)) {
			t.Fatalf("Enqueue(%q) dropped with room available", s)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		f, ok := q.Dequeue(context.Background(), time.Second)
		if !ok {
			t.Fatalf("Dequeue() = false, want %q", want)
		}
		if string(f.Data) != want {
			t.Errorf("Dequeue() = %q, want %q", f.Data, want)
		}
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(frameOf("1"))
	q.Enqueue(frameOf("2"))

	if !q.Enqueue(frameOf("3")) {
		t.Fatal("Enqueue() on full queue did not report a drop")
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	if q.Drops() != 1 {
		t.Errorf("Drops() = %d, want 1", q.Drops())
	}

	for _, want := range []string{"2", "3"} {
		f, _ := q.Dequeue(context.Background(), time.Second)
		if string(f.Data) != want {
			t.Errorf("Dequeue() = %q, want %q", f.Data, want)
		}
	}
}

func TestQueue_EnqueueNeverBlocks(t *testing.T) {
	q := NewQueue(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Enqueue(frameOf("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if q.Drops() != 999 {
		t.Errorf("Drops() = %d, want 999", q.Drops())
	}
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := NewQueue(1)

	start := time.Now()
	if _, ok := q.Dequeue(context.Background(), 30*time.Millisecond); ok {
		t.Fatal("Dequeue() on empty queue returned a frame")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond || elapsed > time.Second {
		t.Errorf("Dequeue() waited %v, want about 30ms", elapsed)
	}
}

func TestQueue_DequeueContextCanceled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := q.Dequeue(ctx, 0); ok {
		t.Fatal("Dequeue() returned a frame after cancel")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			if _, ok := q.Dequeue(ctx, 50*time.Millisecond); !ok {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			received++
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Enqueue(frameOf("f"))
			}
		}()
	}
	wg.Wait()

	// Let the consumer drain what is left.
	deadline := time.Now().Add(time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-consumerDone

	if got := uint64(received) + q.Drops() + uint64(q.Len()); got != 1000 {
		t.Errorf("received %d + dropped %d + queued %d = %d, want 1000", received, q.Drops(), q.Len(), got)
	}
}

func TestNewQueue_MinimumCapacity(t *testing.T) {
	if got := NewQueue(0).Cap(); got != 1 {
		t.Errorf("Cap() = %d, want 1", got)
	}
}
