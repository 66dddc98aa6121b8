package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// heapEntry is the internal priority-queue element: negative priority so
// container/heap's min-heap gives us max-priority-first, with enqueue
// sequence as the FIFO tiebreaker.
type heapEntry struct {
	item Item
	seq  int64
}

type priorityHeap []*heapEntry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(*heapEntry)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// InMemory is the default queue backend: a max-heap keyed by
// (-priority, enqueue sequence), giving FIFO tie-break within a priority.
// Contents do not survive process restart; losing them on shutdown is
// documented as acceptable.
type InMemory struct {
	mu      sync.Mutex
	heap    priorityHeap
	nextSeq int64
	notify  chan struct{}
}

// NewInMemory returns an empty in-memory queue backend.
func NewInMemory() *InMemory {
	return &InMemory{notify: make(chan struct{}, 1)}
}

// Enqueue adds item to the heap and wakes one blocked drainer, if any.
func (q *InMemory) Enqueue(ctx context.Context, item Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	q.nextSeq++
	heap.Push(&q.heap, &heapEntry{item: item, seq: q.nextSeq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain pops the highest-priority, earliest-enqueued item. It polls on a
// short interval bounded by timeout rather than blocking indefinitely, so
// shutdown tokens and context cancellation are always honored promptly.
func (q *InMemory) Drain(ctx context.Context, timeout time.Duration) (Item, bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if item, ok := q.tryPop(); ok {
			return item, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Item{}, false, nil
		}

		select {
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *InMemory) tryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Item{}, false
	}
	entry := heap.Pop(&q.heap).(*heapEntry)
	return entry.item, true
}

// Len reports the number of items currently queued, for diagnostics and
// tests.
func (q *InMemory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

var _ Backend = (*InMemory)(nil)
