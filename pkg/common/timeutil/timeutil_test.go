package timeutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealProviderNow(t *testing.T) {
	now := Default().Now()

	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now().UTC(), now, 10*time.Second)
}

func TestMockNowAndSetNow(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMock(start)

	assert.Equal(t, start, clock.Now())

	later := start.AddDate(0, 1, 0)
	clock.SetNow(later)
	assert.Equal(t, later, clock.Now())
}

func TestMockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMock(start)

	clock.Advance(14 * 24 * time.Hour)
	assert.Equal(t, start.Add(14*24*time.Hour), clock.Now())
}

func TestMockSleepAdvancesWithoutBlocking(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMock(start)

	done := make(chan struct{})
	go func() {
		clock.Sleep(time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mock Sleep blocked")
	}
	assert.Equal(t, start.Add(time.Hour), clock.Now())
}

func TestMockConcurrentAccess(t *testing.T) {
	clock := NewMock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			clock.Advance(time.Minute)
		}()
		go func() {
			defer wg.Done()
			_ = clock.Now()
		}()
	}
	wg.Wait()

	expected := time.Date(2025, 6, 1, 0, 10, 0, 0, time.UTC)
	assert.Equal(t, expected, clock.Now())
}
