// ABOUTME: Thread record persistence as a single pretty-printed JSON file.
// ABOUTME: Holds every thread the gateway has run, keyed by resolved thread id.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrThreadNotFound is returned when a thread id has no record.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadRecord is the persisted state of one thread. ProviderThreadID is the
// agent's own session identifier; it is stored for resume but never exposed
// to external callers.
type ThreadRecord struct {
	ThreadID         string   `json:"threadId"`
	RoutingMode      string   `json:"routingMode"`
	Provider         string   `json:"provider"`
	ProviderThreadID string   `json:"providerThreadId,omitempty"`
	Model            string   `json:"model,omitempty"`
	MCPProfileIDs    []string `json:"mcpProfileIds,omitempty"`
	Channel          string   `json:"channel,omitempty"`
	UserID           string   `json:"userId,omitempty"`
	ChatType         string   `json:"chatType,omitempty"`
	PeerID           string   `json:"peerId,omitempty"`
	AccountID        string   `json:"accountId,omitempty"`
	IdentityID       string   `json:"identityId,omitempty"`
	ChannelThreadID  string   `json:"channelThreadId,omitempty"`
	CreatedAt        string   `json:"createdAt"`
	UpdatedAt        string   `json:"updatedAt"`
}

// NowISO returns the current UTC time in a fixed-width ISO-8601 form, so
// string comparison orders records the same as time comparison.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

type fileShape struct {
	Threads map[string]ThreadRecord `json:"threads"`
}

// FileStore keeps all records in memory and flushes the whole file on every
// upsert. Writes to a single thread are already serialized by the per-thread
// queue; the mutex covers cross-thread interleaving.
type FileStore struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	threads map[string]ThreadRecord
}

// NewFileStore builds a store over path. Call Init before use.
func NewFileStore(path string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{
		path:    path,
		log:     log.With("component", "store"),
		threads: make(map[string]ThreadRecord),
	}
}

// Init creates the parent directory and an empty file if absent, and loads
// existing records. A corrupt file is reset to empty and rewritten rather
// than blocking startup.
func (s *FileStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read thread store: %w", err)
	}

	var shape fileShape
	if len(data) > 0 {
		if err := json.Unmarshal(data, &shape); err != nil {
			s.log.Warn("thread store corrupt, resetting to empty", "path", s.path, "error", err)
			shape.Threads = nil
		}
	}
	if shape.Threads == nil {
		shape.Threads = make(map[string]ThreadRecord)
	}
	s.threads = shape.Threads

	return s.persistLocked()
}

// Get returns the record for threadID or ErrThreadNotFound.
func (s *FileStore) Get(threadID string) (ThreadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.threads[threadID]
	if !ok {
		return ThreadRecord{}, ErrThreadNotFound
	}
	return rec, nil
}

// List returns every record sorted by updatedAt descending. Ties break on
// threadId so the order is deterministic.
func (s *FileStore) List() []ThreadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ThreadRecord, 0, len(s.threads))
	for _, rec := range s.threads {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// Upsert writes rec and flushes the file.
func (s *FileStore) Upsert(rec ThreadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads[rec.ThreadID] = rec
	return s.persistLocked()
}

// Len reports the number of stored records.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// persistLocked writes the whole file via temp-and-rename so readers never
// observe a half-written store. Caller holds s.mu.
func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(fileShape{Threads: s.threads}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal thread store: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write thread store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace thread store: %w", err)
	}
	return nil
}
