// ABOUTME: SQLite-backed note store for the built-in memory MCP server.
// ABOUTME: Saves free-text entries with optional tags, searched by substring.

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one saved memory.
type Entry struct {
	ID        string
	Text      string
	Tags      []string
	CreatedAt time.Time
}

// Store persists entries in a single SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		text       TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
`

// OpenStore opens (creating if needed) the database at path. Parent
// directories are created automatically.
func OpenStore(path string) (*Store, error) {
	logger := slog.Default().With("component", "memory")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("memory store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a new entry and returns it with its assigned id.
func (s *Store) Save(ctx context.Context, text string, tags []string) (*Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	entry := &Entry{
		ID:        uuid.New().String(),
		Text:      text,
		Tags:      normalizeTags(tags),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	tagsJSON, err := json.Marshal(entry.Tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, text, tags, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.Text, string(tagsJSON), entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting memory: %w", err)
	}
	return entry, nil
}

// Search returns entries whose text or tags contain query, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, tags, created_at
		FROM memories
		WHERE text LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		pattern, pattern, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	return scanEntries(rows)
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, tags, created_at
		FROM memories
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			tagsJSON  string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.Text, &tagsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &entry.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entry.CreatedAt = ts
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory rows: %w", err)
	}
	return entries, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// escapeLike escapes LIKE wildcards so user queries match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
