// ABOUTME: Tests for the idempotency store: replay, conflicts, coalescing, TTL sweep.
// ABOUTME: Uses an injected clock so expiry is deterministic.

package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstExecutionRunsTask(t *testing.T) {
	s := New(0)

	result, cached, err := s.Execute(context.Background(), "k1", "fp", func() (any, error) {
		return "reply", nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "reply", result)
}

func TestReplayWithinTTLReturnsCachedResult(t *testing.T) {
	s := New(0)
	runs := 0
	task := func() (any, error) {
		runs++
		return map[string]any{"reply": "hello"}, nil
	}

	first, cached, err := s.Execute(context.Background(), "k1", "fp", task)
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached, err := s.Execute(context.Background(), "k1", "fp", task)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, runs, "the task must not run again on replay")
}

func TestConflictingFingerprintRejected(t *testing.T) {
	s := New(0)

	_, _, err := s.Execute(context.Background(), "k1", "body-a", func() (any, error) {
		return "a", nil
	})
	require.NoError(t, err)

	result, cached, err := s.Execute(context.Background(), "k1", "body-b", func() (any, error) {
		t.Fatal("conflicting task must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrKeyConflict)
	assert.True(t, cached)
	assert.Nil(t, result)
}

func TestConcurrentSubmissionsCoalesce(t *testing.T) {
	s := New(0)

	release := make(chan struct{})
	var runs int
	task := func() (any, error) {
		runs++
		<-release
		return "slow result", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	cachedFlags := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, cached, err := s.Execute(context.Background(), "k1", "fp", task)
			require.NoError(t, err)
			results[i] = res
			cachedFlags[i] = cached
		}(i)
	}

	// Let both goroutines reach the store before releasing the first task.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, runs, "second submission must await the first, not re-run")
	assert.Equal(t, "slow result", results[0])
	assert.Equal(t, "slow result", results[1])
	assert.NotEqual(t, cachedFlags[0], cachedFlags[1], "exactly one caller executed, the other was coalesced")
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	s := New(time.Minute)
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	_, _, err := s.Execute(context.Background(), "k1", "fp", func() (any, error) { return "v1", nil })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	// Within the TTL the entry replays.
	now = now.Add(30 * time.Second)
	_, cached, _ := s.Execute(context.Background(), "k1", "fp", func() (any, error) { return "v2", nil })
	assert.True(t, cached)

	// Past the TTL the key is fresh again, even with a new fingerprint.
	now = now.Add(2 * time.Minute)
	result, cached, err := s.Execute(context.Background(), "k1", "other", func() (any, error) { return "v3", nil })
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "v3", result)
}

func TestFailedTasksAreNotCached(t *testing.T) {
	s := New(0)

	_, cached, err := s.Execute(context.Background(), "k1", "fp", func() (any, error) {
		return nil, errors.New("agent exploded")
	})
	require.Error(t, err)
	assert.False(t, cached)

	// The key is free for a retry.
	result, cached, err := s.Execute(context.Background(), "k1", "fp", func() (any, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "recovered", result)
}

func TestEmptyKeyBypassesStore(t *testing.T) {
	s := New(0)

	for i := 0; i < 2; i++ {
		result, cached, err := s.Execute(context.Background(), "", "fp", func() (any, error) {
			return i, nil
		})
		require.NoError(t, err)
		assert.False(t, cached)
		assert.Equal(t, i, result)
	}
	assert.Equal(t, 0, s.Len())
}
