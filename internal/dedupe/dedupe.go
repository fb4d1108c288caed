// ABOUTME: Bounded TTL window over recently seen webhook event ids.
// ABOUTME: Channel adapters drop platform redeliveries that land inside it.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults sized for webhook retry behavior: platforms redeliver within a
// few minutes, and one gateway rarely sees more than a few thousand distinct
// events in that span.
const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 4096
)

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Window remembers event ids for a TTL, holding at most capacity entries.
// Insertion order doubles as eviction order, so hitting the cap drops the
// oldest id first.
type Window struct {
	ttl      time.Duration
	capacity int

	mu    sync.Mutex
	keys  map[string]*entry
	order *list.List

	stop      chan struct{}
	closeOnce sync.Once
}

// New builds a Window and starts its sweep goroutine. Non-positive arguments
// select the defaults. Call Close when done.
func New(ttl time.Duration, capacity int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	w := &Window{
		ttl:      ttl,
		capacity: capacity,
		keys:     make(map[string]*entry),
		order:    list.New(),
		stop:     make(chan struct{}),
	}
	go w.sweep()
	return w
}

// Duplicate reports whether key was already seen inside the window. A fresh
// key is recorded in the same step, so concurrent deliveries of one event id
// elect exactly one non-duplicate.
func (w *Window) Duplicate(key string) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.keys[key]; ok {
		if now.Sub(e.seenAt) < w.ttl {
			return true
		}
		// Expired but not yet swept: treat as new and restamp.
		e.seenAt = now
		w.order.MoveToBack(e.elem)
		return false
	}

	if len(w.keys) >= w.capacity {
		w.evictOldestLocked()
	}
	w.keys[key] = &entry{seenAt: now, elem: w.order.PushBack(key)}
	return false
}

// Contains reports whether key is currently inside the window, without
// recording anything.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.keys[key]
	return ok && time.Since(e.seenAt) < w.ttl
}

// Len reports the number of tracked ids, including not-yet-swept expired ones.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.keys, key)
}

// sweep drops expired entries so a quiet window releases its memory. The
// interval tracks the TTL but stays within [1s, 1m].
func (w *Window) sweep() {
	interval := w.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.expire()
		case <-w.stop:
			return
		}
	}
}

func (w *Window) expire() {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for e := w.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if ent := w.keys[key]; ent != nil && now.Sub(ent.seenAt) >= w.ttl {
			w.order.Remove(e)
			delete(w.keys, key)
		}
		e = next
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.stop) })
}
