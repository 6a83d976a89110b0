package worker

import (
	"sync"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// Snapshot is the in-memory view of a running job served to get_tmp_sim_log
// and get_tmp_sim_trace. Each log source keeps its most recent maxLines and
// the trace its most recent maxChunks persisted chunks; older chunks are
// already in the router's store.
type Snapshot struct {
	mu        sync.Mutex
	maxLines  int
	maxChunks int
	log       protocol.LogBook
	chunks    []protocol.SimTrace
}

func NewSnapshot(maxLines, maxChunks int) *Snapshot {
	return &Snapshot{
		maxLines:  maxLines,
		maxChunks: maxChunks,
		log:       make(protocol.LogBook),
	}
}

// AddLine appends one line under source.
func (s *Snapshot) AddLine(source, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(source, line)
}

// MergeLog appends every line of book.
func (s *Snapshot) MergeLog(book protocol.LogBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for source, lines := range book {
		for _, l := range lines {
			s.appendLocked(source, l)
		}
	}
}

func (s *Snapshot) appendLocked(source, line string) {
	lines := append(s.log[source], line)
	if len(lines) > s.maxLines {
		lines = append([]string(nil), lines[len(lines)-s.maxLines:]...)
	}
	s.log[source] = lines
}

// AddChunk keeps a trace chunk. Chunks not marked for persistence are
// streaming previews and are skipped.
func (s *Snapshot) AddChunk(chunk protocol.SimTrace) {
	if !chunk.Persist {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	if len(s.chunks) > s.maxChunks {
		s.chunks = append([]protocol.SimTrace(nil), s.chunks[len(s.chunks)-s.maxChunks:]...)
	}
}

// Log returns a copy of the accumulated log.
func (s *Snapshot) Log() protocol.LogBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(protocol.LogBook, len(s.log))
	for source, lines := range s.log {
		out[source] = append([]string(nil), lines...)
	}
	return out
}

// Chunks returns the kept trace chunks in arrival order.
func (s *Snapshot) Chunks() []protocol.SimTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SimTrace{}, s.chunks...)
}
