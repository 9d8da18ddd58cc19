package statesync

import (
	"fmt"

	"consensus-room/internal/protocol"
)

// RollbackEntry is a snapshot taken before an accepted full-state replacement.
type RollbackEntry struct {
	State     protocol.GameState
	Timestamp int64
}

// history is a capped list of snapshots, oldest first.
type history struct {
	capacity int
	entries  []RollbackEntry
}

func newHistory(capacity int) *history {
	return &history{capacity: capacity}
}

func (h *history) push(entry RollbackEntry) {
	if h.capacity <= 0 {
		return
	}
	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, entry)
}

// take returns the entry steps back and drops it along with everything newer.
func (h *history) take(steps int) (RollbackEntry, error) {
	if steps < 1 || steps > len(h.entries) {
		return RollbackEntry{}, fmt.Errorf("rollback %d steps: %d entries available", steps, len(h.entries))
	}
	idx := len(h.entries) - steps
	entry := h.entries[idx]
	h.entries = h.entries[:idx]
	return entry, nil
}

func (h *history) len() int {
	return len(h.entries)
}

// seenWindow remembers the most recent sequence ids.
type seenWindow struct {
	ids  []string
	next int
	set  map[string]struct{}
}

func newSeenWindow(size int) *seenWindow {
	return &seenWindow{ids: make([]string, size), set: make(map[string]struct{}, size)}
}

// observe records id and reports whether it was already present.
func (w *seenWindow) observe(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := w.set[id]; ok {
		return true
	}
	if old := w.ids[w.next]; old != "" {
		delete(w.set, old)
	}
	w.ids[w.next] = id
	w.set[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ids)
	return false
}
