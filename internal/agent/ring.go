// ABOUTME: Bounded ring buffer for agent child stderr output.
// ABOUTME: Keeps the most recent lines so crash errors can carry a useful tail.

package agent

import (
	"strings"
	"sync"
)

const (
	ringMaxLines = 60
	ringMaxBytes = 8 * 1024
)

// stderrRing retains the last ~60 lines (capped at ~8 KiB) of a child's
// stderr. The content is never parsed; it is attached to errors when the
// child exits unexpectedly.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
	size  int
}

func (r *stderrRing) append(line string) {
	if len(line) > ringMaxBytes {
		line = line[len(line)-ringMaxBytes:]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	r.size += len(line) + 1
	for len(r.lines) > 1 && (len(r.lines) > ringMaxLines || r.size > ringMaxBytes) {
		r.size -= len(r.lines[0]) + 1
		r.lines = r.lines[1:]
	}
}

func (r *stderrRing) tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}
