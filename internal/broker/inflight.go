package broker

import (
	"context"
	"sync"
)

// InFlight counts outstanding operations and lets callers wait for zero.
// Unlike sync.WaitGroup, Add may race with Wait.
type InFlight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// Add registers one operation.
func (f *InFlight) Add() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

// Done completes one operation.
func (f *InFlight) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.n == 0 {
		panic("broker: InFlight.Done without Add")
	}
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

// Len returns the number of outstanding operations.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.n
}

// Wait blocks until no operation is outstanding or ctx ends.
func (f *InFlight) Wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
