package routing

import (
	"sync"
	"time"

	"github.com/aimux-ai/aimux/internal/types"
)

// defaultHistoryCapacity bounds the routing history ring buffer.
const defaultHistoryCapacity = 1000

// HistoryEntry records one past routing decision. Observability only.
type HistoryEntry struct {
	Timestamp      time.Time         `json:"timestamp"`
	RequestType    types.RequestType `json:"request_type"`
	CandidateCount int               `json:"candidate_count"`
	Provider       string            `json:"provider"`
	Rationale      string            `json:"rationale"`
	Elapsed        time.Duration     `json:"elapsed"`
	Success        bool              `json:"success"`
}

// History is a fixed-capacity FIFO ring of routing decisions.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	head    int // index of the oldest entry
	size    int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &History{entries: make([]HistoryEntry, capacity)}
}

// Add appends an entry, evicting the oldest once the ring is full.
func (h *History) Add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.entries) {
		h.entries[(h.head+h.size)%len(h.entries)] = e
		h.size++
		return
	}
	h.entries[h.head] = e
	h.head = (h.head + 1) % len(h.entries)
}

// Entries returns a copy ordered oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HistoryEntry, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.entries[(h.head+i)%len(h.entries)]
	}
	return out
}

// Recent returns up to n newest entries, newest first.
func (h *History) Recent(n int) []HistoryEntry {
	all := h.Entries()
	if n > len(all) {
		n = len(all)
	}
	out := make([]HistoryEntry, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Clear drops all entries.
func (h *History) Clear() {
	h.mu.Lock()
	h.head = 0
	h.size = 0
	h.mu.Unlock()
}
