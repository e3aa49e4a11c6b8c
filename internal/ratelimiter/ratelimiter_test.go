package ratelimiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUpToMaxCallsImmediately(t *testing.T) {
	l := New(3, 100*time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		l.Throttle()
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_BlocksUntilWindowClears(t *testing.T) {
	l := New(1, 80*time.Millisecond)
	l.Throttle()
	start := time.Now()
	l.Throttle()
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestLimiter_NonPositiveMaxCallsDisablesThrottling(t *testing.T) {
	l := New(0, time.Second)
	start := time.Now()
	for i := 0; i < 100; i++ {
		l.Throttle()
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_SerializesConcurrentCallers(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var calls []time.Time
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Throttle()
			mu.Lock()
			calls = append(calls, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, calls, 5)
	// No window of 50ms should ever contain more than 2 calls.
	for i := range calls {
		count := 0
		for _, c := range calls {
			if !c.Before(calls[i]) && c.Sub(calls[i]) < 50*time.Millisecond {
				count++
			}
		}
		assert.LessOrEqual(t, count, 2)
	}
}
