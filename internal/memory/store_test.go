// ABOUTME: Tests for the SQLite memory store.
// ABOUTME: Covers save validation, tag round-trips, search escaping, and limits.

package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "flint", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "prefers tabs", []string{"style"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err = s.Save(ctx, "deploys on fridays", nil)
	require.NoError(t, err)

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "deploys on fridays", entries[0].Text)
	assert.Equal(t, "prefers tabs", entries[1].Text)
	assert.Equal(t, []string{"style"}, entries[1].Tags)
	assert.Empty(t, entries[0].Tags)
}

func TestSaveRejectsBlankText(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(context.Background(), "   ", nil)
	assert.Error(t, err)
}

func TestSaveNormalizesTags(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Save(context.Background(), "note", []string{" go ", "", "infra"})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "infra"}, entry.Tags)

	entries, err := s.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "infra"}, entries[0].Tags)
}

func TestSearchMatchesTextAndTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, "rotate the ssh keys quarterly", []string{"ops"})
	require.NoError(t, err)
	_, err = s.Save(ctx, "standup moved to 10am", []string{"ssh-migration"})
	require.NoError(t, err)
	_, err = s.Save(ctx, "unrelated note", nil)
	require.NoError(t, err)

	entries, err := s.Search(ctx, "ssh", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// SQLite LIKE is case-insensitive for ASCII.
	entries, err = s.Search(ctx, "SSH", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.Search(ctx, "nothing matches this", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, "rollout is 100% done", nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, "rollout is 100x done", nil)
	require.NoError(t, err)

	entries, err := s.Search(ctx, "100%", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rollout is 100% done", entries[0].Text)

	_, err = s.Save(ctx, "var snake_case", nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, "var snakeXcase", nil)
	require.NoError(t, err)

	entries, err = s.Search(ctx, "snake_case", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "var snake_case", entries[0].Text)
}

func TestLimitDefaultsAndClamping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := s.Save(ctx, fmt.Sprintf("note %d", i), nil)
		require.NoError(t, err)
	}

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 20)

	entries, err = s.List(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "note 24", entries[0].Text)

	entries, err = s.Search(ctx, "note", -3)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestReopenKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")

	s, err := OpenStore(path)
	require.NoError(t, err)
	_, err = s.Save(context.Background(), "durable note", []string{"keep"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "durable note", entries[0].Text)
	assert.Equal(t, []string{"keep"}, entries[0].Tags)
}
