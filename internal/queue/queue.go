// ABOUTME: Per-key FIFO task queues with at-most-one drain worker per key.
// ABOUTME: Serializes all work for a thread id while letting distinct threads run in parallel.

package queue

import "sync"

type item struct {
	run  func()
	done chan struct{}
}

// Queue runs tasks strictly in submission order per key. A drain worker is
// started when a key first gets work and removed once its queue empties, so
// idle keys cost nothing.
type Queue struct {
	mu   sync.Mutex
	keys map[string][]*item
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{keys: make(map[string][]*item)}
}

// Enqueue appends task to key's queue and returns a channel closed when the
// task has finished. Tasks for one key never overlap; callers pass results
// out through closure captures.
func (q *Queue) Enqueue(key string, task func()) <-chan struct{} {
	it := &item{run: task, done: make(chan struct{})}

	q.mu.Lock()
	items, active := q.keys[key]
	q.keys[key] = append(items, it)
	q.mu.Unlock()

	// Key present in the map means a drain worker owns it.
	if !active {
		go q.drain(key)
	}

	return it.done
}

// ActiveKeys reports how many keys currently have a drain worker.
func (q *Queue) ActiveKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

func (q *Queue) drain(key string) {
	for {
		q.mu.Lock()
		items := q.keys[key]
		if len(items) == 0 {
			delete(q.keys, key)
			q.mu.Unlock()
			return
		}
		next := items[0]
		q.keys[key] = items[1:]
		q.mu.Unlock()

		func() {
			defer close(next.done)
			next.run()
		}()
	}
}
