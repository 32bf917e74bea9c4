// ABOUTME: Thread-safe interval throttle for challenge polling.
// ABOUTME: Tracks last-poll times per poll code with bounded memory.

package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// throttleEntry stores the last-allowed timestamp and list element for a
// tracked key.
type throttleEntry struct {
	lastSeen time.Time
	element  *list.Element
}

// Throttle enforces a minimum interval between polls of the same key. It
// is size-limited: when full, the least recently polled key is evicted,
// which at worst lets an evicted poller through early. Uses a
// doubly-linked list to maintain recency order for O(1) eviction.
type Throttle struct {
	mu       sync.Mutex
	seen     map[string]*throttleEntry
	order    *list.List // keys in recency order, stalest at front
	interval time.Duration
	maxSize  int
	done     chan struct{}
	closed   bool
}

// New creates a throttle with the given minimum interval and maximum
// number of tracked keys. A background goroutine periodically drops stale
// entries.
func New(interval time.Duration, maxSize int) *Throttle {
	t := &Throttle{
		seen:     make(map[string]*throttleEntry),
		order:    list.New(),
		interval: interval,
		maxSize:  maxSize,
		done:     make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Allow reports whether a poll of key may proceed now. An allowed poll
// restarts the key's interval; a rejected poll does not, so a client that
// keeps hammering is rejected until it backs off for a full interval.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if entry, ok := t.seen[key]; ok {
		if now.Sub(entry.lastSeen) < t.interval {
			return false
		}
		entry.lastSeen = now
		t.order.MoveToBack(entry.element)
		return true
	}

	if len(t.seen) >= t.maxSize {
		t.evictStalest()
	}

	elem := t.order.PushBack(key)
	t.seen[key] = &throttleEntry{lastSeen: now, element: elem}
	return true
}

// Forget drops a key immediately. Called when a session reaches a terminal
// state so the map does not carry dead poll codes for a full interval.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.seen[key]
	if !ok {
		return
	}
	t.order.Remove(entry.element)
	delete(t.seen, key)
}

// evictStalest removes the least recently polled key. Must be called with
// mu held.
func (t *Throttle) evictStalest() {
	front := t.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.seen, key)
}

// cleanup periodically drops entries older than the interval; they would
// be allowed through anyway, so keeping them only costs memory.
func (t *Throttle) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runCleanup()
		case <-t.done:
			return
		}
	}
}

func (t *Throttle) runCleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, entry := range t.seen {
		if now.Sub(entry.lastSeen) > t.interval {
			t.order.Remove(entry.element)
			delete(t.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple
// times.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
