// Package pipeline decouples frame capture from the network send loop.
//
// A capture goroutine pulls frames from a Source and pushes them into a
// bounded Queue; the send loop pulls from the Queue and transmits. When the
// sender falls behind, the queue drops its oldest frame so that what goes out
// is always the freshest capture.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueCapacity is the default number of frames held between capture and send.
const DefaultQueueCapacity = 4

// Frame is one captured, encoded frame.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Queue is a bounded FIFO of frames. Enqueue never blocks; Dequeue waits at
// most its timeout. Safe for one or more producers and one consumer.
type Queue struct {
	mu    sync.Mutex // serializes producers so drop-oldest is atomic
	ch    chan Frame
	drops atomic.Uint64
}

// NewQueue creates a queue holding at most capacity frames.
// A capacity below 1 is treated as 1.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Frame, capacity)}
}

// Enqueue adds f, evicting the oldest queued frame if the queue is full.
// It reports whether a frame was dropped.
func (q *Queue) Enqueue(f Frame) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- f:
		return false
	default:
	}

	select {
	case <-q.ch:
		dropped = true
		q.drops.Add(1)
	default:
		// The consumer drained it in the meantime.
	}

	select {
	case q.ch <- f:
	default:
		// Unreachable with producers serialized by mu; count it rather than block.
		q.drops.Add(1)
		dropped = true
	}
	return dropped
}

// Dequeue returns the oldest frame, waiting up to timeout for one to arrive.
// It returns false on timeout or when ctx is done. A non-positive timeout
// waits only on ctx.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case f := <-q.ch:
		return f, true
	case <-expired:
		return Frame{}, false
	case <-ctx.Done():
		return Frame{}, false
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Drops returns how many frames have been evicted to make room.
func (q *Queue) Drops() uint64 { return q.drops.Load() }
