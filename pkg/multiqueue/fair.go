package multiqueue

import (
	"sync"
	"time"
)

// fairQueue drains its subqueues round-robin, advancing the cursor on
// every pop and skipping subqueues that are empty or not enabled for
// removal, per spec.md §4.3.
type fairQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	subqueues []*Subqueue
	cursor    int
	state     addRemoveState
	destroyed bool
}

// NewFair creates a fair (round-robin) multiqueue.
func NewFair() Multiqueue {
	q := &fairQueue{}
	q.cond = sync.NewCond(&q.mu)
	q.state.addEnabled = true
	q.state.recvEnabled = true
	return q
}

func (q *fairQueue) CreateQueue() *Subqueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed || !q.state.addEnabled {
		return nil
	}
	sq := &Subqueue{enabled: true, owner: q}
	q.subqueues = append(q.subqueues, sq)
	return sq
}

// attach reports whether sq was actually attached; add-disabled or a
// destroyed multiqueue both refuse it, per spec.md §4.3.
func (q *fairQueue) attach(sq *Subqueue) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed || !q.state.addEnabled {
		return false
	}
	sq.owner = q
	sq.enabled = true
	q.subqueues = append(q.subqueues, sq)
	q.cond.Broadcast()
	return true
}

func (q *fairQueue) removeSubqueue(sq *Subqueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subqueues {
		if s == sq {
			q.subqueues = append(q.subqueues[:i], q.subqueues[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			break
		}
	}
}

// DestroyQueue removes sq from q permanently, freeing its remaining
// elements via free.
func (q *fairQueue) DestroyQueue(sq *Subqueue, free FreeFunc) {
	q.removeSubqueue(sq)
	sq.drain(free)
}

func (q *fairQueue) notify(sq *Subqueue) {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *fairQueue) Get() (any, bool) {
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
func (q *fairQueue) GetTimed(timeout time.Duration) (any, bool) {
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

func (q *fairQueue) popLocked() (any, bool) {
	n := len(q.subqueues)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		sq := q.subqueues[idx]
		if !sq.enabled {
			continue
		}
		if v, ok := sq.popFront(); ok {
			q.cursor = (idx + 1) % n
			return v, true
		}
	}
	return nil, false
}

func (q *fairQueue) Disable(add, remove bool) {
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

func (q *fairQueue) Enable(add, remove bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if add {
		q.state.addEnabled = true
	}
	if remove {
		q.state.recvEnabled = true
	}
}

func (q *fairQueue) Destroy(free FreeFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.destroyed = true
	for _, sq := range q.subqueues {
		sq.drain(free)
	}
	q.subqueues = nil
	q.cond.Broadcast()
}
