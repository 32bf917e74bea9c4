// ABOUTME: Tests for the poll throttle.
// ABOUTME: Validates interval enforcement, eviction, cleanup, and concurrency safety.

package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle_FirstPollAllowed(t *testing.T) {
	th := New(time.Second, 100)
	defer th.Close()

	assert.True(t, th.Allow("poll-code-1"))
}

func TestThrottle_RepollInsideIntervalRejected(t *testing.T) {
	th := New(time.Second, 100)
	defer th.Close()

	assert.True(t, th.Allow("poll-code-1"))
	assert.False(t, th.Allow("poll-code-1"))
}

func TestThrottle_RepollAfterIntervalAllowed(t *testing.T) {
	th := New(10*time.Millisecond, 100)
	defer th.Close()

	assert.True(t, th.Allow("poll-code-1"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, th.Allow("poll-code-1"))
}

func TestThrottle_KeysAreIndependent(t *testing.T) {
	th := New(time.Second, 100)
	defer th.Close()

	assert.True(t, th.Allow("code-a"))
	assert.True(t, th.Allow("code-b"))
	assert.False(t, th.Allow("code-a"))
	assert.False(t, th.Allow("code-b"))
}

func TestThrottle_RejectionDoesNotRestartInterval(t *testing.T) {
	th := New(30*time.Millisecond, 100)
	defer th.Close()

	assert.True(t, th.Allow("hammering"))

	// Hammering inside the interval keeps getting rejected but does not
	// push the next allowed poll further out.
	time.Sleep(10 * time.Millisecond)
	assert.False(t, th.Allow("hammering"))
	time.Sleep(10 * time.Millisecond)
	assert.False(t, th.Allow("hammering"))
	time.Sleep(15 * time.Millisecond)
	assert.True(t, th.Allow("hammering"))
}

func TestThrottle_Forget(t *testing.T) {
	th := New(time.Minute, 100)
	defer th.Close()

	assert.True(t, th.Allow("terminal"))
	th.Forget("terminal")
	assert.True(t, th.Allow("terminal"))

	// Forgetting an unknown key is a no-op.
	th.Forget("never-seen")
}

func TestThrottle_EvictsStalest(t *testing.T) {
	th := New(time.Minute, 3)
	defer th.Close()

	assert.True(t, th.Allow("first"))
	time.Sleep(time.Millisecond)
	assert.True(t, th.Allow("second"))
	time.Sleep(time.Millisecond)
	assert.True(t, th.Allow("third"))

	// A fourth key evicts "first"; the evicted key is then allowed again.
	assert.True(t, th.Allow("fourth"))
	assert.True(t, th.Allow("first"))
	assert.False(t, th.Allow("second"))
}

func TestThrottle_Cleanup(t *testing.T) {
	th := New(10*time.Millisecond, 100)
	defer th.Close()

	th.Allow("stale-1")
	th.Allow("stale-2")

	time.Sleep(20 * time.Millisecond)
	th.runCleanup()

	th.mu.Lock()
	mapLen := len(th.seen)
	th.mu.Unlock()
	assert.Equal(t, 0, mapLen, "cleanup should drop stale entries")
}

func TestThrottle_Concurrent(t *testing.T) {
	th := New(time.Minute, 1000)
	defer th.Close()

	const numGoroutines = 100

	// All goroutines poll the same key at once; exactly one gets through.
	var allowed int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if th.Allow("contested") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed, "exactly one concurrent poll should be allowed")
}

func TestThrottle_ConcurrentDistinctKeys(t *testing.T) {
	th := New(time.Minute, 1000)
	defer th.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("code-%d", n)
			assert.True(t, th.Allow(key))
			assert.False(t, th.Allow(key))
		}(i)
	}
	wg.Wait()
}

func TestThrottle_Close(t *testing.T) {
	th := New(time.Minute, 100)
	th.Allow("before-close")

	th.Close()
	th.Close()
}
