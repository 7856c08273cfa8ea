package engine

import "sync"

// scanQueue is the bounded deduplicating scan trigger: at most one pending
// scan per pair, FIFO across pairs. The channel capacity is the pair count,
// so Enqueue never blocks once dedup holds.
type scanQueue struct {
	mu      sync.Mutex
	pending map[string]bool
	ch      chan string
}

func newScanQueue(capacity int) *scanQueue {
	return &scanQueue{
		pending: make(map[string]bool, capacity),
		ch:      make(chan string, capacity),
	}
}

// Enqueue requests a scan; redundant requests while one is pending are
// dropped. Reports whether the pair was newly queued.
func (q *scanQueue) Enqueue(pair string) bool {
	q.mu.Lock()
	if q.pending[pair] {
		q.mu.Unlock()
		return false
	}
	q.pending[pair] = true
	q.mu.Unlock()

	select {
	case q.ch <- pair:
		return true
	default:
		// Capacity equals the pair universe, so this only happens if a
		// pair was enqueued that was never dequeued; undo the mark.
		q.mu.Lock()
		delete(q.pending, pair)
		q.mu.Unlock()
		return false
	}
}

// C exposes the dequeue channel for the scan loop's select.
func (q *scanQueue) C() <-chan string { return q.ch }

// Done clears the pending mark after a scan finishes, re-enabling triggers.
func (q *scanQueue) Done(pair string) {
	q.mu.Lock()
	delete(q.pending, pair)
	q.mu.Unlock()
}

// Len reports the number of pending scans.
func (q *scanQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
