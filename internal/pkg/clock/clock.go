// Package clock abstracts wall-clock reads so timestamps can be pinned in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock, truncated to microseconds to match Postgres timestamptz.
type Real struct{}

// NewReal creates a system clock.
func NewReal() Clock {
	return Real{}
}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Mock is a settable clock, safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMock creates a Mock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

// Now returns the mocked time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Set pins the mocked time.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

// Advance moves the mocked time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}
