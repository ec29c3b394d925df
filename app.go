package allocd

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"sync"

	"pkt.systems/allocd/api"
)

// App is one independently developed module participating in id allocation.
// Apps are discovered and populated by the host (workspace scanning is out
// of scope here); the coordinator only consumes the record.
type App struct {
	// ID is the content-derived ledger identity: lowercase hex SHA-256 of
	// the app's declared GUID. See AppIDFromGUID.
	ID string
	// Name is the human-readable display name.
	Name string
	// Path locates the app in the workspace, for reporting only.
	Path string
	// Ranges are the configured id ranges, in priority order.
	Ranges []api.Range
	// AuthKey is the opaque secret issued by the authority. Empty until the
	// app is authorized.
	AuthKey string
	// PoolID, when set, delegates ALL ledger operations to the pool
	// identity: every member of a pool shares one counter and one
	// consumption set.
	PoolID string
}

// AppIDFromGUID derives the ledger identity from an app's declared GUID.
func AppIDFromGUID(guid string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(guid))))
	return hex.EncodeToString(sum[:])
}

// LedgerID returns the identity every ledger call for this app must carry:
// the pool identity when the app is pooled, its own otherwise.
func (a App) LedgerID() string {
	if a.PoolID != "" {
		return a.PoolID
	}
	return a.ID
}

// ConsumptionSet maps flat object-type keys to sets of consumed
// identifiers, scoped to one app or pool. The remote ledger owns the truth;
// local values are snapshots and may be stale.
type ConsumptionSet map[string]map[int64]struct{}

// Add records id as consumed under key.
func (s ConsumptionSet) Add(key string, id int64) {
	ids, ok := s[key]
	if !ok {
		ids = make(map[int64]struct{})
		s[key] = ids
	}
	ids[id] = struct{}{}
}

// Remove deletes id from key, dropping the key when it empties.
func (s ConsumptionSet) Remove(key string, id int64) {
	ids, ok := s[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(s, key)
	}
}

// Contains reports whether id is recorded under key.
func (s ConsumptionSet) Contains(key string, id int64) bool {
	_, ok := s[key][id]
	return ok
}

// Count returns the number of identifiers recorded under key.
func (s ConsumptionSet) Count(key string) int {
	return len(s[key])
}

// IDs returns the identifiers recorded under key, sorted ascending.
func (s ConsumptionSet) IDs(key string) []int64 {
	ids := make([]int64, 0, len(s[key]))
	for id := range s[key] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone deep-copies the set.
func (s ConsumptionSet) Clone() ConsumptionSet {
	out := make(ConsumptionSet, len(s))
	for key, ids := range s {
		dup := make(map[int64]struct{}, len(ids))
		for id := range ids {
			dup[id] = struct{}{}
		}
		out[key] = dup
	}
	return out
}

// Merge adds every entry of other without discarding anything in s.
func (s ConsumptionSet) Merge(other ConsumptionSet) {
	for key, ids := range other {
		for id := range ids {
			s.Add(key, id)
		}
	}
}

// Wire converts the set to its sorted transport representation.
func (s ConsumptionSet) Wire() map[string][]int64 {
	out := make(map[string][]int64, len(s))
	for key := range s {
		out[key] = s.IDs(key)
	}
	return out
}

// ConsumptionFromWire builds a set from the transport representation.
func ConsumptionFromWire(wire map[string][]int64) ConsumptionSet {
	out := make(ConsumptionSet, len(wire))
	for key, ids := range wire {
		for _, id := range ids {
			out.Add(key, id)
		}
	}
	return out
}

// Roster is the set of known sibling apps plus their cached consumption
// snapshots, safe for concurrent use. Snapshots are populated by an external
// caching layer; apps without one simply have no snapshot and collision
// checks skip them.
type Roster struct {
	mu        sync.RWMutex
	apps      map[string]App
	order     []string
	snapshots map[string]ConsumptionSet
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{
		apps:      make(map[string]App),
		snapshots: make(map[string]ConsumptionSet),
	}
}

// Upsert adds or replaces an app record.
func (r *Roster) Upsert(app App) {
	if app.ID == "" {
		return
	}
	r.mu.Lock()
	if _, ok := r.apps[app.ID]; !ok {
		r.order = append(r.order, app.ID)
	}
	r.apps[app.ID] = app
	r.mu.Unlock()
}

// App looks up one app by identity.
func (r *Roster) App(id string) (App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[id]
	return app, ok
}

// Apps returns every known app in insertion order.
func (r *Roster) Apps() []App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]App, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.apps[id])
	}
	return out
}

// SetConsumption stores (a clone of) an app's consumption snapshot.
func (r *Roster) SetConsumption(appID string, set ConsumptionSet) {
	if appID == "" {
		return
	}
	r.mu.Lock()
	r.snapshots[appID] = set.Clone()
	r.mu.Unlock()
}

// Consumption returns a clone of the app's cached snapshot, if one has been
// populated.
func (r *Roster) Consumption(appID string) (ConsumptionSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.snapshots[appID]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}
