// ABOUTME: Tests for per-key FIFO ordering, isolation between keys, and cleanup.
// ABOUTME: Exercises the concurrency guarantees the engine relies on.

package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunInSubmissionOrder(t *testing.T) {
	q := New()

	var mu sync.Mutex
	var got []int
	var dones []<-chan struct{}

	for i := 0; i < 10; i++ {
		i := i
		dones = append(dones, q.Enqueue("thread-1", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	for _, done := range dones {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task never completed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestTasksForOneKeyNeverOverlap(t *testing.T) {
	q := New()

	var running, maxSeen atomic.Int32
	var dones []<-chan struct{}

	for i := 0; i < 20; i++ {
		dones = append(dones, q.Enqueue("thread-1", func() {
			n := running.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}))
	}

	for _, done := range dones {
		<-done
	}

	assert.Equal(t, int32(1), maxSeen.Load(), "tasks on the same key must not overlap")
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	q := New()

	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	doneA := q.Enqueue("a", func() {
		close(aStarted)
		select {
		case <-bStarted:
		case <-time.After(2 * time.Second):
			t.Error("key b never started while a was running")
		}
	})
	doneB := q.Enqueue("b", func() {
		close(bStarted)
		select {
		case <-aStarted:
		case <-time.After(2 * time.Second):
			t.Error("key a never started while b was running")
		}
	})

	<-doneA
	<-doneB
}

func TestKeyRecordRemovedWhenDrained(t *testing.T) {
	q := New()

	done := q.Enqueue("thread-1", func() {})
	<-done

	require.Eventually(t, func() bool {
		return q.ActiveKeys() == 0
	}, 2*time.Second, time.Millisecond)

	// Re-enqueueing after cleanup spins up a fresh worker.
	done = q.Enqueue("thread-1", func() {})
	<-done
}

func TestResultsFlowThroughClosures(t *testing.T) {
	q := New()

	var reply string
	var err error
	done := q.Enqueue("thread-1", func() {
		reply = "hi there"
		err = nil
	})
	<-done

	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
}
