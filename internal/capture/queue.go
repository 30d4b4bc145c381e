package capture

import "sync"

// DefaultQueueSize is the number of decoded frames buffered between the
// reader and the classifier.
const DefaultQueueSize = 1024

// dropQueue is a bounded FIFO that discards its oldest element when full,
// so a slow classifier sees recent traffic rather than stalling capture.
type dropQueue struct {
	mu    sync.Mutex
	items []Features
	size  int
	ready chan struct{}
}

func newDropQueue(size int) *dropQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &dropQueue{
		items: make([]Features, 0, size),
		size:  size,
		ready: make(chan struct{}, 1),
	}
}

// push appends f and reports whether an older element was dropped.
func (q *dropQueue) push(f Features) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.size {
		n := copy(q.items, q.items[1:])
		q.items = q.items[:n]
		dropped = true
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (q *dropQueue) pop() (Features, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Features{}, false
	}
	f := q.items[0]
	n := copy(q.items, q.items[1:])
	q.items = q.items[:n]
	return f, true
}

func (q *dropQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
