// Package deque implements a thread-safe, unbounded double-ended queue with
// blocking, timed, and non-blocking pop variants, plus unblock/destroy
// operations, per spec.md §4.2 (C2). It backs a Connection's outbound
// write queue in pkg/transport.
package deque

import (
	"container/list"
	"sync"
	"time"
)

// Result classifies why a pop call returned without a value, matching the
// failure taxonomy spec.md §4.2 names.
type Result int

const (
	// Success means a value was returned.
	Success Result = iota
	// Empty means a non-blocking pop found nothing.
	Empty
	// TimedOut means a timed pop's deadline elapsed.
	TimedOut
	// Unblocked means Unblock woke this waiter, or the deque was
	// already unblocked when the call was made.
	Unblocked
	// Destroyed means Destroy tore the deque down while this waiter
	// was blocked, or had already done so.
	Destroyed
)

// Deque is a thread-safe double-ended queue of any.
type Deque struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     *list.List
	unblocked bool
	destroyed bool
}

// New creates an empty deque.
func New() *Deque {
	d := &Deque{items: list.New()}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// PushFront adds v to the front of the deque (used for urgent traffic:
// control replies, ChannelKill, Keepalive, WriterUnblocker, and per the
// spec's user-API front-queueing decision, ordinary user sends too).
func (d *Deque) PushFront(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.items.PushFront(v)
	d.cond.Signal()
}

// PushBack adds v to the back of the deque.
func (d *Deque) PushBack(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.items.PushBack(v)
	d.cond.Signal()
}

// PopFront blocks until a value is available, the deque is unblocked, or
// it is destroyed.
func (d *Deque) PopFront() (any, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if v, res, done := d.tryPopLocked(true); done {
			return v, res
		}
		d.cond.Wait()
	}
}

// PopBack is the back-end mirror of PopFront.
func (d *Deque) PopBack() (any, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if v, res, done := d.tryPopLocked(false); done {
			return v, res
		}
		d.cond.Wait()
	}
}

// PopFrontNB is the non-blocking variant: returns immediately with Empty
// if nothing is queued.
func (d *Deque) PopFrontNB() (any, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, res, _ := d.tryPopLocked(true)
	return v, res
}

// PopBackNB is the non-blocking back-end variant.
func (d *Deque) PopBackNB() (any, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, res, _ := d.tryPopLocked(false)
	return v, res
}

// PopFrontTimed blocks for at most timeout for a value.
func (d *Deque) PopFrontTimed(timeout time.Duration) (any, Result) {
	return d.popTimed(true, timeout)
}

// PopBackTimed is the back-end mirror of PopFrontTimed.
func (d *Deque) PopBackTimed(timeout time.Duration) (any, Result) {
	return d.popTimed(false, timeout)
}

func (d *Deque) popTimed(front bool, timeout time.Duration) (any, Result) {
	deadline := time.Now().Add(timeout)

	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if v, res, done := d.tryPopLocked(front); done {
			return v, res
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, TimedOut
		}
		woke := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
			close(woke)
		})
		d.cond.Wait()
		timer.Stop()
		select {
		case <-woke:
		default:
		}
	}
}

// tryPopLocked must be called with d.mu held. done is true when the
// caller should stop looping (either a value or a terminal condition).
func (d *Deque) tryPopLocked(front bool) (v any, res Result, done bool) {
	if d.destroyed {
		return nil, Destroyed, true
	}
	if e := d.frontOrBack(front); e != nil {
		d.items.Remove(e)
		return e.Value, Success, true
	}
	if d.unblocked {
		return nil, Unblocked, true
	}
	return nil, Empty, false
}

func (d *Deque) frontOrBack(front bool) *list.Element {
	if front {
		return d.items.Front()
	}
	return d.items.Back()
}

// Unblock wakes every blocked waiter with Unblocked, and causes every
// subsequent pop that finds the deque empty to also return Unblocked,
// until Reset is called.
func (d *Deque) Unblock() {
	d.mu.Lock()
	d.unblocked = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Reset clears the unblocked latch set by Unblock, allowing the deque to
// resume normal blocking pop behavior.
func (d *Deque) Reset() {
	d.mu.Lock()
	d.unblocked = false
	d.mu.Unlock()
}

// Len reports the number of queued items.
func (d *Deque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items.Len()
}

// Destroy releases storage and wakes every blocked waiter with Destroyed.
// Items still queued are passed to free for cleanup (nil free is allowed
// when items need no release).
func (d *Deque) Destroy(free func(v any)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	if free != nil {
		for e := d.items.Front(); e != nil; e = e.Next() {
			free(e.Value)
		}
	}
	d.items.Init()
	d.cond.Broadcast()
}
