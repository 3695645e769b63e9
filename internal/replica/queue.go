package replica

import (
	"sync"

	"github.com/marcus/statesync/internal/models"
)

// Queue is the FIFO of change events awaiting dispatch. It has its own lock;
// the engine may push while holding its state lock, never the reverse.
type Queue struct {
	mu    sync.Mutex
	items []models.ChangeEvent
}

// Push appends ev to the back of the queue
func (q *Queue) Push(ev models.ChangeEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
}

// Drain removes and returns up to max events from the front of the queue.
// A max of zero or less drains everything.
func (q *Queue) Drain(max int) []models.ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]models.ChangeEvent, n)
	copy(out, q.items[:n])
	rest := make([]models.ChangeEvent, len(q.items)-n, cap(q.items))
	copy(rest, q.items[n:])
	q.items = rest
	return out
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
