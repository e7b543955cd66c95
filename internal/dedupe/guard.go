// ABOUTME: Thread-safe TTL guard suppressing rapid duplicate turn submissions.
// ABOUTME: Catches double-clicks and client retries before they become queued jobs.

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// entry stores the timestamp and list element for a guarded key.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Guard tracks recently submitted turns so an identical (session, node, text)
// triple arriving within the TTL is rejected instead of enqueued twice.
// Size-limited with O(1) oldest-first eviction via a doubly-linked list.
type Guard struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewGuard creates a guard with the given TTL and maximum tracked size.
// A background goroutine periodically removes expired entries.
func NewGuard(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.cleanup()
	return g
}

// Duplicate atomically checks whether this submission was seen within the TTL
// and marks it if not. Returns true for a duplicate that should be rejected.
func (g *Guard) Duplicate(sessionID, nodeID, text string) bool {
	key := submissionKey(sessionID, nodeID, text)

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.seen[key]; ok && time.Since(e.seenAt) < g.ttl {
		return true
	}

	g.markLocked(key)
	return false
}

// markLocked records a key. Must be called with mu held.
func (g *Guard) markLocked(key string) {
	now := time.Now()

	if e, exists := g.seen[key]; exists {
		e.seenAt = now
		g.order.MoveToBack(e.element)
		return
	}

	if len(g.seen) >= g.maxSize {
		g.evictOldest()
	}

	elem := g.order.PushBack(key)
	g.seen[key] = &entry{seenAt: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.seen, key)
}

// cleanup runs in a background goroutine, removing expired entries.
func (g *Guard) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.runCleanup()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) runCleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, e := range g.seen {
		if now.Sub(e.seenAt) > g.ttl {
			g.order.Remove(e.element)
			delete(g.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}

// submissionKey hashes the triple so arbitrarily long message text stays a
// fixed-size key.
func submissionKey(sessionID, nodeID, text string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
