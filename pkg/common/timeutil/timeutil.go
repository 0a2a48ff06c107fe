// Package timeutil abstracts the clock so lifecycle code that compares
// stored timestamps against "now" can be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider is the clock the application reads.
type Provider interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// Sleep pauses the calling goroutine for d.
	Sleep(d time.Duration)
}

// Default returns the system clock.
func Default() Provider { return RealProvider{} }

// RealProvider reads the system clock.
type RealProvider struct{}

func (RealProvider) Now() time.Time        { return time.Now().UTC() }
func (RealProvider) Sleep(d time.Duration) { time.Sleep(d) }

// Mock is a settable clock for tests. It is safe for concurrent use: the
// sweeper reads it from its own goroutine while the test advances it.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a mock clock frozen at t.
func NewMock(t time.Time) *Mock { return &Mock{now: t.UTC()} }

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow moves the clock to t.
func (m *Mock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleep advances the clock by d without blocking.
func (m *Mock) Sleep(d time.Duration) { m.Advance(d) }
