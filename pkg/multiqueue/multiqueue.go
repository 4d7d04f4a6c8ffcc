// Package multiqueue implements spec.md §4.3 (C3): a set of subqueues
// drained through one Multiqueue, either fairly (round-robin) or unfairly
// (strict priority, first subqueue drains to empty before the next is
// visited). Subqueues can move between multiqueues at runtime, and
// add/remove can each be independently disabled.
//
// The unfair variant keeps its subqueues in a github.com/aalpar/deheap
// heap ordered by priority, so adding a subqueue (e.g. a third or Nth
// priority tier beyond the spec's canonical high/low pair, spec.md §9)
// costs O(log n). Choosing the next subqueue to drain is a linear scan
// over all of them (see unfairQueue.popLocked).
package multiqueue

import (
	"sync"
	"time"

	"github.com/aalpar/deheap"
)

// FreeFunc releases an element that is being discarded (e.g. on Destroy).
type FreeFunc func(elem any)

// addRemoveState tracks the independent add/remove enable flags spec.md
// §4.3 requires ("Add/remove can be independently disabled").
type addRemoveState struct {
	mu          sync.Mutex
	addEnabled  bool
	recvEnabled bool
}

// PriorityCreator is implemented by unfair multiqueues: it lets a caller
// pin a subqueue to an explicit priority class (e.g. pkg/peer's
// receiver-side high/low pair, spec.md §3.6) instead of taking whatever
// CreateQueue would assign next.
type PriorityCreator interface {
	CreateQueueWithPriority(prio int) *Subqueue
}

// Multiqueue fans many Subqueues into one Get call.
type Multiqueue interface {
	// CreateQueue adds a new subqueue to this multiqueue.
	CreateQueue() *Subqueue
	// DestroyQueue removes sq from this multiqueue permanently,
	// freeing its remaining elements via free.
	DestroyQueue(sq *Subqueue, free FreeFunc)
	// Get blocks until an element is available from some enabled
	// subqueue, per the multiqueue's draining policy.
	Get() (any, bool)
	// GetTimed is Get with a bound on how long to wait; ok is false both
	// on timeout and on disable/destroy, matching deque's timed-pop shape.
	GetTimed(timeout time.Duration) (any, bool)
	// Disable rejects further Get (remove) and/or CreateQueue (add)
	// calls, unblocking any already-blocked Get waiters when remove is
	// disabled.
	Disable(add, remove bool)
	// Enable reverses a prior Disable.
	Enable(add, remove bool)
	// Destroy frees every contained element via free and tears the
	// multiqueue down.
	Destroy(free FreeFunc)
}

// Subqueue is one source feeding into a Multiqueue. It is also usable on
// its own, independent of any owning Multiqueue's Get, for callers that
// want messages from this one source only (spec.md's get_message_from_channel).
type Subqueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []any
	enabled bool // enabled-remove, per spec.md §4.3 fair draining policy
	owner   *fairQueue
	unfair  *unfairQueue
	prio    int // lower value = higher priority, used by unfairQueue's heap
	index   int // heap index maintained by deheap
}

// PushBack adds an element to this subqueue's tail and wakes one waiter
// on the owning multiqueue, as well as anyone blocked directly on this
// subqueue's own Get/GetTimed.
func (s *Subqueue) PushBack(elem any) {
	s.mu.Lock()
	s.items = append(s.items, elem)
	if s.cond != nil {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	if s.owner != nil {
		s.owner.notify(s)
	}
	if s.unfair != nil {
		s.unfair.notify(s)
	}
}

// Get blocks until this subqueue has an element, bypassing whatever
// multiqueue owns it.
func (s *Subqueue) Get() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	for len(s.items) == 0 {
		s.cond.Wait()
	}
	v := s.items[0]
	s.items = s.items[1:]
	return v
}

// GetTimed is Get bounded by timeout; ok is false on timeout.
func (s *Subqueue) GetTimed(timeout time.Duration) (any, bool) {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	for len(s.items) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
	}
	v := s.items[0]
	s.items = s.items[1:]
	return v, true
}

func (s *Subqueue) popFront() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, false
	}
	v := s.items[0]
	s.items = s.items[1:]
	return v, true
}

func (s *Subqueue) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0
}

func (s *Subqueue) drain(free FreeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if free != nil {
		for _, v := range s.items {
			free(v)
		}
	}
	s.items = nil
}

// Move transfers s from its current multiqueue onto dst, per spec.md
// §4.3's "subqueues can move between multiqueues at runtime".
func (s *Subqueue) Move(dst Multiqueue) {
	if s.owner != nil {
		s.owner.removeSubqueue(s)
	}
	if s.unfair != nil {
		s.unfair.removeSubqueue(s)
	}
	s.owner = nil
	s.unfair = nil

	switch d := dst.(type) {
	case *fairQueue:
		d.attach(s)
	case *unfairQueue:
		d.attach(s)
	}
	// A false return (add disabled, or dst destroyed) leaves s detached
	// from any multiqueue, matching Disable(true, ...)'s "reject further
	// add" contract; the caller already has the *Subqueue pointer and can
	// handle it directly via Get/PushBack if it still needs to.
}
