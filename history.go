package allocd

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry records one successful commit. Entries live for the session
// only; persisting them is the host's business.
type HistoryEntry struct {
	// EntryID is a time-ordered unique identifier for the entry.
	EntryID string `json:"entry_id"`
	// Timestamp is when the commit succeeded.
	Timestamp time.Time `json:"timestamp"`
	// AppID is the ledger identity the grant belongs to.
	AppID string `json:"app_id"`
	// Key is the flat object-type key.
	Key string `json:"key"`
	// IDs are the identifiers granted by the commit.
	IDs []int64 `json:"ids"`
	// Description is the caller-supplied annotation, if any.
	Description string `json:"description,omitempty"`
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	// Key restricts entries to one object-type key.
	Key string
	// AppID restricts entries to one ledger identity.
	AppID string
}

const defaultHistoryCap = 1000

// history is the in-memory assignment log. Appends never fail; capacity
// eviction drops the oldest entries first.
type history struct {
	mu      sync.Mutex
	entries []HistoryEntry
	cap     int
}

func (h *history) append(appID, key string, ids []int64, description string) HistoryEntry {
	entry := HistoryEntry{
		EntryID:     uuid.Must(uuid.NewV7()).String(),
		Timestamp:   time.Now().UTC(),
		AppID:       appID,
		Key:         key,
		IDs:         slices.Clone(ids),
		Description: description,
	}
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	limit := h.cap
	if limit <= 0 {
		limit = defaultHistoryCap
	}
	if len(h.entries) > limit {
		h.entries = h.entries[len(h.entries)-limit:]
	}
	h.mu.Unlock()
	return entry
}

// list returns matching entries, most recent first, capped at limit when
// limit > 0.
func (h *history) list(filter HistoryFilter, limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, 0, len(h.entries))
	for i := len(h.entries) - 1; i >= 0; i-- {
		entry := h.entries[i]
		if filter.Key != "" && entry.Key != filter.Key {
			continue
		}
		if filter.AppID != "" && entry.AppID != filter.AppID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// recentIDs returns the most recent n distinct identifiers recorded for key.
func (h *history) recentIDs(key string, n int) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[int64]struct{})
	var out []int64
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		entry := h.entries[i]
		if entry.Key != key {
			continue
		}
		for j := len(entry.IDs) - 1; j >= 0 && len(out) < n; j-- {
			id := entry.IDs[j]
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
