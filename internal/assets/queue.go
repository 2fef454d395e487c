package assets

import (
	"context"
	"sync"
)

// Queue holds blunder ids awaiting rendering. It deduplicates entries and
// drops the oldest id when full.
type Queue struct {
	mu      sync.Mutex
	queue   []uint
	seen    map[uint]bool
	maxSize int
	ready   chan struct{}
}

// NewQueue creates a queue with the given max size.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{
		queue:   make([]uint, 0, maxSize),
		seen:    make(map[uint]bool),
		maxSize: maxSize,
		ready:   make(chan struct{}, 1),
	}
}

// Enqueue adds id if not already queued.
// Returns false if it was already in the queue.
func (q *Queue) Enqueue(id uint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[id] {
		return false
	}
	if len(q.queue) >= q.maxSize {
		delete(q.seen, q.queue[0])
		q.queue = q.queue[1:]
	}
	q.queue = append(q.queue, id)
	q.seen[id] = true

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue returns the next id (FIFO) or false if empty.
func (q *Queue) TryDequeue() (uint, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return 0, false
	}
	id := q.queue[0]
	q.queue = q.queue[1:]
	delete(q.seen, id)
	if len(q.queue) > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return id, true
}

// Dequeue blocks until an id is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (uint, error) {
	for {
		if id, ok := q.TryDequeue(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *Queue) Contains(id uint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[id]
}
