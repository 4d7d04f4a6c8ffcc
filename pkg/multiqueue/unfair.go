package multiqueue

import (
	"sync"
	"time"

	"github.com/aalpar/deheap"
)

// prioHeap is a deheap.Interface ordering subqueues by ascending priority
// (0 = drained first, matching spec.md's "drain subqueue 0 to empty
// before subqueue 1" unfair policy). Using a heap rather than a flat,
// sorted slice means opening a third or Nth priority tier (spec.md §9
// open question) costs O(log n) to insert instead of a linear insert.
type prioHeap []*Subqueue

func (h prioHeap) Len() int            { return len(h) }
func (h prioHeap) Less(i, j int) bool  { return h[i].prio < h[j].prio }
func (h prioHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *prioHeap) Push(x any) {
	sq := x.(*Subqueue)
	sq.index = len(*h)
	*h = append(*h, sq)
}
func (h *prioHeap) Pop() any {
	old := *h
	n := len(old)
	sq := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return sq
}

// unfairQueue drains strictly by priority: the lowest-priority-number
// subqueue that is both enabled and non-empty is always chosen, and a
// subqueue repopulated after having gone empty is revisited on the very
// next Get, per spec.md §4.3.
type unfairQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	heap      prioHeap
	state     addRemoveState
	destroyed bool
	nextPrio  int
}

// NewUnfair creates an unfair (strict priority) multiqueue. Subqueues
// created later get a higher (lower-priority) prio number by default;
// use CreateQueueWithPriority to control ordering explicitly (e.g. the
// receiver's high/low pair from spec.md §3.6).
func NewUnfair() Multiqueue {
	q := &unfairQueue{}
	q.cond = sync.NewCond(&q.mu)
	q.state.addEnabled = true
	q.state.recvEnabled = true
	deheap.Init(&q.heap)
	return q
}

func (q *unfairQueue) CreateQueue() *Subqueue {
	return q.CreateQueueWithPriority(q.nextPriority())
}

func (q *unfairQueue) nextPriority() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.nextPrio
	q.nextPrio++
	return p
}

// CreateQueueWithPriority adds a subqueue at an explicit priority; lower
// values drain first. Two priority classes (spec.md §3.6's high/low) are
// priorities 0 and 1.
func (q *unfairQueue) CreateQueueWithPriority(prio int) *Subqueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed || !q.state.addEnabled {
		return nil
	}
	sq := &Subqueue{enabled: true, unfair: q, prio: prio}
	deheap.Push(&q.heap, sq)
	return sq
}

// attach reports whether sq was actually attached; add-disabled or a
// destroyed multiqueue both refuse it, per spec.md §4.3.
func (q *unfairQueue) attach(sq *Subqueue) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed || !q.state.addEnabled {
		return false
	}
	sq.unfair = q
	sq.enabled = true
	deheap.Push(&q.heap, sq)
	q.cond.Broadcast()
	return true
}

func (q *unfairQueue) removeSubqueue(sq *Subqueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sq.index >= 0 && sq.index < len(q.heap) && q.heap[sq.index] == sq {
		deheap.Remove(&q.heap, sq.index)
	}
}

// DestroyQueue removes sq from q permanently, freeing its remaining
// elements via free.
func (q *unfairQueue) DestroyQueue(sq *Subqueue, free FreeFunc) {
	q.removeSubqueue(sq)
	sq.drain(free)
}

func (q *unfairQueue) notify(sq *Subqueue) {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *unfairQueue) Get() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.destroyed {
			return nil, false
		}
		if !q.state.recvEnabled {
			return nil, false
		}
		if v, ok := q.popLocked(); ok {
			return v, true
		}
		q.cond.Wait()
	}
}

// GetTimed is Get bounded by timeout, waking via a timer-driven broadcast
// exactly like pkg/deque's popTimed.
func (q *unfairQueue) GetTimed(timeout time.Duration) (any, bool) {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.destroyed || !q.state.recvEnabled {
			return nil, false
		}
		if v, ok := q.popLocked(); ok {
			return v, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}
}

// popLocked scans subqueues in priority order (heap order approximates
// but does not guarantee a fully sorted walk, so we do a bounded scan
// over the heap's backing slice, which for the two/three-tier case this
// spec targets is cheap and always correct).
func (q *unfairQueue) popLocked() (any, bool) {
	best := -1
	for i, sq := range q.heap {
		if !sq.enabled || sq.empty() {
			continue
		}
		if best == -1 || sq.prio < q.heap[best].prio {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}
	return q.heap[best].popFront()
}

func (q *unfairQueue) Disable(add, remove bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if add {
		q.state.addEnabled = false
	}
	if remove {
		q.state.recvEnabled = false
		q.cond.Broadcast()
	}
}

func (q *unfairQueue) Enable(add, remove bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if add {
		q.state.addEnabled = true
	}
	if remove {
		q.state.recvEnabled = true
	}
}

func (q *unfairQueue) Destroy(free FreeFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.destroyed = true
	for _, sq := range q.heap {
		sq.drain(free)
	}
	q.heap = nil
	q.cond.Broadcast()
}
