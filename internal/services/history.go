package services

import (
	"sync"

	"github.com/latestcomment/go-debate-arena/internal/models"
)

// DefaultHistoryCapacity bounds the rolling conversation window when no
// explicit capacity is configured.
const DefaultHistoryCapacity = 8

// HistoryBuffer is a bounded FIFO of recent conversation turns for one
// round. The buffer is its own single owner: readers get copies via
// Snapshot and never a live reference.
type HistoryBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []models.HistoryEntry
}

// NewHistoryBuffer creates a buffer holding at most capacity entries.
// Non-positive capacities fall back to the default.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryBuffer{
		capacity: capacity,
		entries:  make([]models.HistoryEntry, 0, capacity),
	}
}

// Append pushes an entry to the tail, evicting from the head once the
// buffer is full.
func (b *HistoryBuffer) Append(entry models.HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// Snapshot returns a copy of the current window, oldest first.
func (b *HistoryBuffer) Snapshot() []models.HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.HistoryEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len reports the current number of retained entries.
func (b *HistoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear discards the window. Called when a round ends.
func (b *HistoryBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}
