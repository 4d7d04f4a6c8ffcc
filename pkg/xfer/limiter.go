package xfer

// FileHandleLimiter is the process-wide counting semaphore spec.md §4.11
// requires: it bounds how many incoming files the receiver state
// machines may have open simultaneously, so many peers streaming
// concurrently cannot exhaust file descriptors.
type FileHandleLimiter struct {
	sem chan struct{}
}

// NewFileHandleLimiter builds a limiter allowing up to max concurrently
// open incoming files.
func NewFileHandleLimiter(max int) *FileHandleLimiter {
	if max <= 0 {
		max = 1
	}
	return &FileHandleLimiter{sem: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free.
func (l *FileHandleLimiter) Acquire() {
	l.sem <- struct{}{}
}

// Release returns a slot, making room for the next waiter.
func (l *FileHandleLimiter) Release() {
	<-l.sem
}
