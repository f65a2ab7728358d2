package uplink

import (
	"sync"
)

// DefaultQueueCapacity is the number of frames held while the drain loop
// cannot keep up or the connection is down.
const DefaultQueueCapacity = 1000

// Queue is a count-bounded FIFO of encoded frames. When full, Push drops
// the new frame and leaves the queue untouched. The drain loop peeks the
// head, writes it and pops it only after the write succeeded, so a failed
// write keeps the frame at the front for the next connection.
//
// Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	dropped  uint64
	notify   chan struct{}
}

// NewQueue returns an empty queue holding at most capacity frames
// (DefaultQueueCapacity when capacity <= 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends frame. It returns false when the queue is full and the frame
// was dropped.
func (q *Queue) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.capacity {
		q.dropped++
		return false
	}
	q.frames = append(q.frames, frame)
	q.signal()
	return true
}

// Peek returns the oldest frame without removing it, or nil.
func (q *Queue) Peek() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil
	}
	return q.frames[0]
}

// Pop removes the oldest frame. No-op when empty.
func (q *Queue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return
	}
	q.frames[0] = nil
	q.frames = q.frames[1:]
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames were discarded because the queue was
// full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards every queued frame and returns how many there were.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}

// Notify returns a channel signalled after each successful push.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
