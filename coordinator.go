package allocd

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/allocd/api"
	"pkt.systems/allocd/objkey"
)

// Ledger is the transport surface the coordinator drives. Implemented by
// *client.Client; test doubles implement it in-process.
type Ledger interface {
	Preview(ctx context.Context, req api.ReserveRequest) (*api.ReserveResponse, error)
	Commit(ctx context.Context, req api.ReserveRequest) (*api.ReserveResponse, error)
	SyncConsumption(ctx context.Context, req api.SyncRequest) (*api.SyncResponse, error)
	StoreAssignment(ctx context.Context, req api.AssignmentRequest) (*api.AssignmentResponse, error)
	FetchConsumption(ctx context.Context, appID, authKey string) (*api.ConsumptionResponse, error)
}

// GrantStatus is the three-state outcome of an acquire step. A substitute
// grant is a success that diverges from the caller's intent; modeling it
// explicitly keeps callers from misreading it as failure.
type GrantStatus string

const (
	// GrantAsRequested means the authority granted exactly what was asked.
	GrantAsRequested GrantStatus = "as_requested"
	// GrantSubstitute means the requested id was taken and the authority
	// granted the next free one instead.
	GrantSubstitute GrantStatus = "substitute"
	// GrantExhausted means no id exists in the supplied ranges. An outcome,
	// not an error.
	GrantExhausted GrantStatus = "exhausted"
)

// Grant is one acquire outcome.
type Grant struct {
	// Status classifies the outcome.
	Status GrantStatus `json:"status"`
	// Key is the flat object-type key the grant belongs to.
	Key string `json:"key"`
	// ID is the granted identifier, 0 when exhausted.
	ID int64 `json:"id,omitempty"`
	// IDs carries one identifier per queried range in per-range previews.
	IDs []int64 `json:"ids,omitempty"`
	// RequestedID echoes the exact id the caller asked for, when any.
	RequestedID int64 `json:"requested_id,omitempty"`
}

// Exact reports whether the grant matches the caller's requested id (always
// true for next-available requests that granted).
func (g Grant) Exact() bool {
	return g.Status == GrantAsRequested
}

// Granted reports whether any identifier was granted.
func (g Grant) Granted() bool {
	return g.Status != GrantExhausted
}

// AssignSpec describes one "give me N ids" request.
type AssignSpec struct {
	// Kind is the primary object kind.
	Kind objkey.Kind
	// ParentID scopes field/enum-value requests to their owning object.
	// Zero means absent.
	ParentID int64
	// Count is how many identifiers to commit. Zero means one.
	Count int
	// Ranges override the app's configured ranges when non-empty.
	Ranges []api.Range
	// Description annotates the history entry.
	Description string
	// CheckCollisions validates granted ids against sibling apps' cached
	// snapshots.
	CheckCollisions bool
	// SuggestAlternatives previews additional candidates, for display only,
	// when collisions are found. Implies nothing is committed beyond Count.
	SuggestAlternatives bool
}

// AssignResult is the structured outcome of Assign, Reserve and
// ReserveRange.
type AssignResult struct {
	// Key is the flat object-type key.
	Key string `json:"key"`
	// Grants holds one entry per committed identifier.
	Grants []Grant `json:"grants"`
	// Collisions lists advisory conflicts found in sibling snapshots.
	Collisions []CollisionReport `json:"collisions,omitempty"`
	// Alternatives are uncommitted candidate ids, for display only.
	Alternatives []int64 `json:"alternatives,omitempty"`
	// HistoryRecorded reports whether the session history captured the
	// commit. Recording is best-effort and never rolls back a grant.
	HistoryRecorded bool `json:"history_recorded"`
}

// IDs flattens the granted identifiers.
func (r AssignResult) IDs() []int64 {
	out := make([]int64, 0, len(r.Grants))
	for _, g := range r.Grants {
		if g.Granted() {
			out = append(out, g.ID)
		}
	}
	return out
}

// Coordinator turns allocation requests into preview/commit/collision-check
// sequences against the ledger. All dependencies are injected; there is no
// package-level state.
type Coordinator struct {
	ledger Ledger
	app    App
	roster *Roster
	logger pslog.Base
	hist   history

	// assignMu serializes multi-commit loops and guards the app record.
	// The authority already prevents duplicate grants; the mutex keeps
	// concurrent Assign calls from interleaving history and suggestion
	// bookkeeping.
	assignMu sync.Mutex
}

// NewCoordinator wires a coordinator for one app.
func NewCoordinator(ledger Ledger, app App, opts ...CoordinatorOption) (*Coordinator, error) {
	if ledger == nil {
		return nil, ErrNoLedger
	}
	if app.ID == "" {
		return nil, fmt.Errorf("%w: app id required", ErrValidation)
	}
	c := &Coordinator{
		ledger: ledger,
		app:    app,
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// App returns the app record the coordinator serves.
func (c *Coordinator) App() App {
	return c.appSnapshot()
}

// SetAuthKey updates the secret after authorization succeeds.
func (c *Coordinator) SetAuthKey(key string) {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()
	c.app.AuthKey = key
}

// SetPoolID rebinds the coordinator to a pool identity ("" reverts to the
// app's own).
func (c *Coordinator) SetPoolID(poolID string) {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()
	c.app.PoolID = poolID
}

// appSnapshot copies the app record for request paths that do not hold
// assignMu themselves.
func (c *Coordinator) appSnapshot() App {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()
	return c.app
}

func (c *Coordinator) resolve(kind objkey.Kind, parentID int64) (objkey.Key, error) {
	key, err := objkey.Resolve(kind, parentID)
	if err != nil {
		return objkey.Key{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return key, nil
}

// nestedValueRanges is the value space for sub-object namespaces. Fields and
// enum values number from 1, independent of the app's configured object
// ranges. Every acquire path resolves nested keys through here so preview,
// assign and reserve agree on the namespace floor.
func nestedValueRanges() []api.Range {
	return []api.Range{{From: 1, To: math.MaxInt32}}
}

func rangesFor(app App, key objkey.Key, override []api.Range) []api.Range {
	if len(override) > 0 {
		return override
	}
	if key.IsNested() {
		return nestedValueRanges()
	}
	return app.Ranges
}

// GetNext previews the next available identifier for the resolved namespace
// without claiming it. Supplying ranges overrides the app's configured ones.
func (c *Coordinator) GetNext(ctx context.Context, kind objkey.Kind, parentID int64, ranges []api.Range) (Grant, error) {
	key, err := c.resolve(kind, parentID)
	if err != nil {
		return Grant{}, err
	}
	app := c.appSnapshot()
	resp, err := c.ledger.Preview(ctx, api.ReserveRequest{
		AppID:   app.LedgerID(),
		AuthKey: app.AuthKey,
		Key:     key.String(),
		Ranges:  rangesFor(app, key, ranges),
	})
	if err != nil {
		return Grant{}, err
	}
	grant := grantFromResponse(key.String(), 0, resp)
	c.logger.Debug("coordinator.next", "key", key.String(), "status", grant.Status, "id", grant.ID)
	return grant, nil
}

// Reserve commits exactly one identifier. When the id is already taken the
// authority grants a substitute, which is reported with
// Status=GrantSubstitute; the substitute is already permanent at the
// authority. Primary ids must fall inside the app's configured ranges when
// any are configured; sub-object ids live in their own value space.
func (c *Coordinator) Reserve(ctx context.Context, kind objkey.Kind, parentID, id int64, description string) (AssignResult, error) {
	key, err := c.resolve(kind, parentID)
	if err != nil {
		return AssignResult{}, err
	}
	if id <= 0 {
		return AssignResult{}, fmt.Errorf("%w: id must be positive", ErrValidation)
	}
	c.assignMu.Lock()
	defer c.assignMu.Unlock()
	ranges := rangesFor(c.app, key, nil)
	if len(ranges) > 0 && !api.RangesContain(ranges, id) {
		return AssignResult{}, fmt.Errorf("%w: id %d outside configured ranges", ErrValidation, id)
	}
	resp, err := c.ledger.Commit(ctx, api.ReserveRequest{
		AppID:      c.app.LedgerID(),
		AuthKey:    c.app.AuthKey,
		Key:        key.String(),
		Ranges:     ranges,
		RequiredID: id,
		PerRange:   len(ranges) > 1,
	})
	if err != nil {
		return AssignResult{}, err
	}
	grant := grantFromResponse(key.String(), id, resp)
	result := AssignResult{Key: key.String(), Grants: []Grant{grant}}
	if grant.Granted() {
		result.HistoryRecorded = c.record(key.String(), []int64{grant.ID}, description)
	}
	c.logger.Info("coordinator.reserve", "key", key.String(), "requested", id, "status", grant.Status, "id", grant.ID)
	return result, nil
}

// Assign commits spec.Count identifiers, next-available each iteration. The
// authority, not the client, tracks what was already granted inside the
// loop. Optional collision checking and alternative suggestions run after
// the commits; they never undo a grant.
func (c *Coordinator) Assign(ctx context.Context, spec AssignSpec) (AssignResult, error) {
	key, err := c.resolve(spec.Kind, spec.ParentID)
	if err != nil {
		return AssignResult{}, err
	}
	count := spec.Count
	if count <= 0 {
		count = 1
	}

	c.assignMu.Lock()
	defer c.assignMu.Unlock()
	ranges := rangesFor(c.app, key, spec.Ranges)

	result := AssignResult{Key: key.String()}
	for i := 0; i < count; i++ {
		resp, err := c.ledger.Commit(ctx, api.ReserveRequest{
			AppID:   c.app.LedgerID(),
			AuthKey: c.app.AuthKey,
			Key:     key.String(),
			Ranges:  ranges,
		})
		if err != nil {
			// Ids committed by earlier iterations stay granted; the ledger
			// is the source of truth and there is no release operation.
			return result, err
		}
		grant := grantFromResponse(key.String(), 0, resp)
		result.Grants = append(result.Grants, grant)
		if !grant.Granted() {
			break
		}
	}

	granted := result.IDs()
	if spec.CheckCollisions {
		result.Collisions = c.checkCollisions(key.String(), granted)
		if len(result.Collisions) > 0 && spec.SuggestAlternatives {
			result.Alternatives = c.previewAlternatives(ctx, key.String(), ranges)
		}
	}
	if len(granted) > 0 {
		result.HistoryRecorded = c.record(key.String(), granted, spec.Description)
	}
	c.logger.Info("coordinator.assign", "key", key.String(), "requested", count, "granted", len(granted), "collisions", len(result.Collisions))
	return result, nil
}

// BatchAssign runs each spec in order, stopping at the first failure.
// Results for completed specs are returned alongside the error.
func (c *Coordinator) BatchAssign(ctx context.Context, specs []AssignSpec) ([]AssignResult, error) {
	results := make([]AssignResult, 0, len(specs))
	for i, spec := range specs {
		result, err := c.Assign(ctx, spec)
		if err != nil {
			return results, fmt.Errorf("batch entry %d: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// ReserveRange commits every identifier in [from, to] inclusive,
// sequentially, failing fast on the first value that cannot be granted
// exactly. Already granted values stay committed; the authority has no
// release operation, so there is no rollback.
func (c *Coordinator) ReserveRange(ctx context.Context, kind objkey.Kind, from, to int64, description string) (AssignResult, error) {
	key, err := c.resolve(kind, 0)
	if err != nil {
		return AssignResult{}, err
	}
	if from <= 0 || to < from {
		return AssignResult{}, fmt.Errorf("%w: invalid range %d..%d", ErrValidation, from, to)
	}
	span := api.Range{From: from, To: to}

	c.assignMu.Lock()
	defer c.assignMu.Unlock()

	result := AssignResult{Key: key.String()}
	for id := from; id <= to; id++ {
		resp, err := c.ledger.Commit(ctx, api.ReserveRequest{
			AppID:      c.app.LedgerID(),
			AuthKey:    c.app.AuthKey,
			Key:        key.String(),
			Ranges:     []api.Range{span},
			RequiredID: id,
		})
		if err != nil {
			c.finishRangeHistory(&result, description)
			return result, err
		}
		grant := grantFromResponse(key.String(), id, resp)
		result.Grants = append(result.Grants, grant)
		if grant.Status != GrantAsRequested {
			c.finishRangeHistory(&result, description)
			return result, fmt.Errorf("%w: id %d (granted %d instead)", ErrIDTaken, id, grant.ID)
		}
	}
	c.finishRangeHistory(&result, description)
	c.logger.Info("coordinator.reserve_range", "key", key.String(), "from", from, "to", to, "granted", len(result.Grants))
	return result, nil
}

func (c *Coordinator) finishRangeHistory(result *AssignResult, description string) {
	if ids := result.IDs(); len(ids) > 0 {
		result.HistoryRecorded = c.record(result.Key, ids, description)
	}
}

// SyncSpec describes one consumption synchronization.
type SyncSpec struct {
	// IDs is the partial (merge) or full (replace) consumption to send.
	IDs ConsumptionSet
	// Mode is merge (default) or replace.
	Mode api.SyncMode
	// Scope optionally tags the operation with the logical unit it covers.
	Scope string
	// Tombstones lists identifiers to remove per key. Merge mode only.
	Tombstones ConsumptionSet
	// ReplaceConfirmed is the explicit confirmation replace mode demands.
	ReplaceConfirmed bool
}

// SyncIDs reconciles locally observed consumption with the authority.
func (c *Coordinator) SyncIDs(ctx context.Context, spec SyncSpec) (*api.SyncResponse, error) {
	if len(spec.IDs) == 0 && len(spec.Tombstones) == 0 {
		return nil, fmt.Errorf("%w: nothing to sync", ErrValidation)
	}
	app := c.appSnapshot()
	req := api.SyncRequest{
		AppID:            app.LedgerID(),
		AuthKey:          app.AuthKey,
		IDs:              spec.IDs.Wire(),
		Mode:             spec.Mode,
		Scope:            spec.Scope,
		ReplaceConfirmed: spec.ReplaceConfirmed,
	}
	if len(spec.Tombstones) > 0 {
		req.Tombstones = spec.Tombstones.Wire()
	}
	resp, err := c.ledger.SyncConsumption(ctx, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("coordinator.sync", "mode", req.Mode, "scope", spec.Scope, "added", resp.Added, "removed", resp.Removed)
	return resp, nil
}

// RecordAssignment tracks a single identifier's consumption via the
// single-assignment primitive, leaving every other recorded id intact.
func (c *Coordinator) RecordAssignment(ctx context.Context, kind objkey.Kind, parentID, id int64, op api.AssignmentOp) error {
	key, err := c.resolve(kind, parentID)
	if err != nil {
		return err
	}
	app := c.appSnapshot()
	resp, err := c.ledger.StoreAssignment(ctx, api.AssignmentRequest{
		AppID:   app.LedgerID(),
		AuthKey: app.AuthKey,
		Key:     key.String(),
		ID:      id,
		Op:      op,
	})
	if err != nil {
		return err
	}
	if !resp.Stored {
		return fmt.Errorf("allocd: assignment %s %s %d not stored", op, key.String(), id)
	}
	return nil
}

// CheckCollision resolves the namespace and scans sibling snapshots for id.
// Nil means no conflict is known; missing snapshots degrade to unknown.
func (c *Coordinator) CheckCollision(kind objkey.Kind, parentID, id int64) (*CollisionReport, error) {
	key, err := c.resolve(kind, parentID)
	if err != nil {
		return nil, err
	}
	if c.roster == nil {
		c.logger.Debug("coordinator.collision.skip", "reason", "no roster")
		return nil, nil
	}
	return c.roster.CheckID(key.String(), id, c.appSnapshot().ID), nil
}

// RangeOverlaps reports configured-range intersections across the roster.
func (c *Coordinator) RangeOverlaps() []RangeOverlap {
	if c.roster == nil {
		return nil
	}
	return c.roster.RangeOverlaps()
}

// History returns recorded assignments, most recent first.
func (c *Coordinator) History(filter HistoryFilter, limit int) []HistoryEntry {
	return c.hist.list(filter, limit)
}

// record appends to the session history. Best-effort: a failure here is
// reported through the result, never by rolling back the commit.
func (c *Coordinator) record(key string, ids []int64, description string) bool {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("coordinator.history.failure", "key", key, "error", fmt.Sprint(r))
		}
	}()
	c.hist.append(c.app.LedgerID(), key, ids, description)
	return true
}

func (c *Coordinator) checkCollisions(key string, ids []int64) []CollisionReport {
	if c.roster == nil {
		c.logger.Debug("coordinator.collision.skip", "reason", "no roster")
		return nil
	}
	var reports []CollisionReport
	for _, id := range ids {
		if report := c.roster.CheckID(key, id, c.app.ID); report != nil {
			reports = append(reports, *report)
		}
	}
	return reports
}

// previewAlternatives fetches display-only candidates beyond the granted
// set. Failures are swallowed: alternatives are cosmetic.
func (c *Coordinator) previewAlternatives(ctx context.Context, key string, ranges []api.Range) []int64 {
	resp, err := c.ledger.Preview(ctx, api.ReserveRequest{
		AppID:    c.app.LedgerID(),
		AuthKey:  c.app.AuthKey,
		Key:      key,
		Ranges:   ranges,
		PerRange: true,
	})
	if err != nil {
		c.logger.Debug("coordinator.alternatives.failure", "key", key, "error", err)
		return nil
	}
	if !resp.Granted {
		return nil
	}
	ids := resp.IDs
	if len(ids) == 0 && resp.ID > 0 {
		ids = []int64{resp.ID}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func grantFromResponse(key string, requiredID int64, resp *api.ReserveResponse) Grant {
	grant := Grant{Key: key, RequestedID: requiredID}
	switch {
	case !resp.Granted:
		grant.Status = GrantExhausted
	case requiredID > 0 && resp.ID != requiredID:
		grant.Status = GrantSubstitute
		grant.ID = resp.ID
	default:
		grant.Status = GrantAsRequested
		grant.ID = resp.ID
	}
	if len(resp.IDs) > 0 {
		grant.IDs = slices.Clone(resp.IDs)
		if grant.ID == 0 && grant.Status != GrantExhausted {
			grant.ID = resp.IDs[0]
		}
	}
	return grant
}
