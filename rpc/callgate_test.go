package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallGate_ConcurrencyLimit(t *testing.T) {
	gate := NewCallGate("test-concurrency", 2, 0)

	var inflight int64
	var maxInflight int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			release, err := gate.Acquire(context.Background())
			require.NoError(t, err)
			defer release()

			current := atomic.AddInt64(&inflight, 1)
			for {
				observed := atomic.LoadInt64(&maxInflight)
				if current <= observed || atomic.CompareAndSwapInt64(&maxInflight, observed, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inflight, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&maxInflight), int64(2), "in-flight requests exceeded the configured limit")
}

func TestCallGate_MinInterval(t *testing.T) {
	minInterval := 50 * time.Millisecond
	gate := NewCallGate("test-interval", 4, minInterval)

	startTimes := make(chan time.Time, 5)
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			release, err := gate.Acquire(context.Background())
			require.NoError(t, err)
			startTimes <- time.Now()
			release()
		}()
	}
	wg.Wait()
	close(startTimes)

	times := []time.Time{}
	for start := range startTimes {
		times = append(times, start)
	}
	require.Len(t, times, 5)

	// sort by start time
	for i := 0; i < len(times); i++ {
		for j := i + 1; j < len(times); j++ {
			if times[j].Before(times[i]) {
				times[i], times[j] = times[j], times[i]
			}
		}
	}

	for i := 1; i < len(times); i++ {
		spacing := times[i].Sub(times[i-1])
		// allow a small scheduling tolerance below the configured interval
		assert.GreaterOrEqual(t, spacing, minInterval-5*time.Millisecond,
			"request starts %v and %v are closer than the minimum interval", i-1, i)
	}
}

func TestCallGate_CancellationReleasesSlot(t *testing.T) {
	gate := NewCallGate("test-cancel", 1, 0)

	release, err := gate.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = gate.Acquire(ctx)
	assert.Error(t, err, "acquire on a full gate with cancelled context must fail")

	release()

	// the cancelled waiter holds no slot, so once the first holder releases
	// the gate must be acquirable again
	release2, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestCallGate_SlowdownDoublesInterval(t *testing.T) {
	minInterval := 20 * time.Millisecond
	gate := NewCallGate("test-slowdown", 1, minInterval)

	// consume the initial token
	release, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	release()

	gate.Slowdown(200 * time.Millisecond)

	start := time.Now()
	release, err = gate.Acquire(context.Background())
	require.NoError(t, err)
	release()

	assert.GreaterOrEqual(t, time.Since(start), 2*minInterval-5*time.Millisecond,
		"slowdown did not double the request spacing")
}
