// Package api defines the wire types exchanged between the allocd SDK and an
// allocation ledger authority. The client and the ledgertest in-memory
// authority share these definitions so payloads stay in lockstep.
package api

import "fmt"

// Range is an inclusive identifier interval. Ordered lists of ranges define
// search priority for next-available queries.
type Range struct {
	// From is the inclusive lower bound of the range.
	From int64 `json:"from"`
	// To is the inclusive upper bound of the range.
	To int64 `json:"to"`
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int64) bool {
	return id >= r.From && id <= r.To
}

// Span returns the number of identifiers covered by the range.
func (r Range) Span() int64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Overlap returns the intersection of two ranges and whether one exists.
func (r Range) Overlap(o Range) (Range, bool) {
	lo := max(r.From, o.From)
	hi := min(r.To, o.To)
	if lo > hi {
		return Range{}, false
	}
	return Range{From: lo, To: hi}, true
}

// Validate rejects inverted or non-positive ranges.
func (r Range) Validate() error {
	if r.From <= 0 {
		return fmt.Errorf("range from %d must be positive", r.From)
	}
	if r.To < r.From {
		return fmt.Errorf("range %d..%d inverted", r.From, r.To)
	}
	return nil
}

// ValidateRanges validates every range in order.
func ValidateRanges(ranges []Range) error {
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RangesContain reports whether any range in the list covers id.
func RangesContain(ranges []Range, id int64) bool {
	for _, r := range ranges {
		if r.Contains(id) {
			return true
		}
	}
	return false
}

// ReserveRequest models POST /v1/preview and POST /v1/commit.
type ReserveRequest struct {
	// AppID is the ledger identity the reservation targets (app or pool).
	AppID string `json:"app_id"`
	// AuthKey authenticates the request. It travels in the X-Alloc-Key
	// header, never in the payload.
	AuthKey string `json:"-"`
	// Key is the flat object-type key the reservation targets.
	Key string `json:"key"`
	// Ranges bound the search for free identifiers, in priority order.
	Ranges []Range `json:"ranges,omitempty"`
	// RequiredID asks the authority for exactly this identifier. When it is
	// already taken the authority grants the next free one instead.
	RequiredID int64 `json:"required_id,omitempty"`
	// PerRange requests one identifier per supplied range on preview, and
	// range narrowing around RequiredID on commit.
	PerRange bool `json:"per_range,omitempty"`
}

// ReserveResponse is the outcome of a preview or commit.
type ReserveResponse struct {
	// Granted reports whether an identifier was available (preview) or
	// reserved (commit).
	Granted bool `json:"granted"`
	// ID is the granted identifier when Granted is true.
	ID int64 `json:"id,omitempty"`
	// IDs carries one identifier per queried range in per-range mode.
	IDs []int64 `json:"ids,omitempty"`
	// RangeExhausted is set when no identifier exists in the supplied ranges.
	RangeExhausted bool `json:"range_exhausted,omitempty"`
	// Key echoes the object-type key the grant belongs to.
	Key string `json:"key,omitempty"`
	// CorrelationID links related operations across request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// SyncMode selects consumption synchronization behavior.
type SyncMode string

const (
	// SyncMerge adds entries without discarding anything already recorded.
	SyncMerge SyncMode = "merge"
	// SyncReplace substitutes the entire recorded consumption. Destructive;
	// requires ReplaceConfirmed.
	SyncReplace SyncMode = "replace"
)

// SyncRequest models POST /v1/consumption/sync.
type SyncRequest struct {
	// AppID is the ledger identity whose consumption is synchronized.
	AppID string `json:"app_id"`
	// AuthKey authenticates the request via the X-Alloc-Key header.
	AuthKey string `json:"-"`
	// IDs maps object-type keys to consumed identifiers.
	IDs map[string][]int64 `json:"ids"`
	// Mode is merge (default) or replace.
	Mode SyncMode `json:"mode,omitempty"`
	// Scope optionally tags the operation with the logical unit it covers
	// (for example one source file). Audit only; mechanics are unchanged.
	Scope string `json:"scope,omitempty"`
	// Tombstones lists identifiers to remove per object-type key. Merge
	// mode only.
	Tombstones map[string][]int64 `json:"tombstones,omitempty"`
	// ReplaceConfirmed is the explicit confirmation replace mode demands.
	ReplaceConfirmed bool `json:"replace_confirmed,omitempty"`
}

// SyncResponse acknowledges a consumption synchronization.
type SyncResponse struct {
	// Synced reports whether the authority applied the operation.
	Synced bool `json:"synced"`
	// Added is the number of identifiers newly recorded.
	Added int `json:"added,omitempty"`
	// Removed is the number of identifiers removed via tombstones or replace.
	Removed int `json:"removed,omitempty"`
	// CorrelationID links related operations across request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AssignmentOp selects add or remove for a single-assignment store.
type AssignmentOp string

const (
	// AssignmentAdd records one identifier as consumed.
	AssignmentAdd AssignmentOp = "add"
	// AssignmentRemove deletes one identifier from the recorded consumption.
	AssignmentRemove AssignmentOp = "remove"
)

// AssignmentRequest models POST /v1/assignment. It touches exactly one
// identifier in exactly one object-type key, leaving everything else
// recorded for the app intact.
type AssignmentRequest struct {
	// AppID is the ledger identity the assignment belongs to.
	AppID string `json:"app_id"`
	// AuthKey authenticates the request via the X-Alloc-Key header.
	AuthKey string `json:"-"`
	// Key is the flat object-type key.
	Key string `json:"key"`
	// ID is the identifier to add or remove.
	ID int64 `json:"id"`
	// Op is add or remove.
	Op AssignmentOp `json:"op"`
}

// AssignmentResponse acknowledges a single-assignment store.
type AssignmentResponse struct {
	// Stored reports whether the authority applied the mutation.
	Stored bool `json:"stored"`
	// CorrelationID links related operations across request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ConsumptionResponse is returned from GET /v1/consumption.
type ConsumptionResponse struct {
	// AppID is the ledger identity the snapshot belongs to.
	AppID string `json:"app_id"`
	// IDs maps object-type keys to the identifiers the authority has
	// recorded, sorted ascending.
	IDs map[string][]int64 `json:"ids"`
}

// ManagedResponse is returned from GET /v1/managed.
type ManagedResponse struct {
	// Managed reports whether the authority already knows the app.
	Managed bool `json:"managed"`
	// PoolID is set when the app delegates its ledger identity to a pool.
	PoolID string `json:"pool_id,omitempty"`
}

// AuthorizeRequest models POST /v1/authorize, the one-time registration that
// issues the secret used by subsequent calls.
type AuthorizeRequest struct {
	// AppID is the content-derived identity being registered.
	AppID string `json:"app_id"`
	// Name is the app's display name, recorded for audit.
	Name string `json:"name,omitempty"`
	// GitRepo optionally records the repository the app lives in.
	GitRepo string `json:"git_repo,omitempty"`
}

// AuthorizeResponse carries the issued authorization key.
type AuthorizeResponse struct {
	// Authorized reports whether registration succeeded.
	Authorized bool `json:"authorized"`
	// AuthKey is the opaque secret issued for the app.
	AuthKey string `json:"auth_key,omitempty"`
}

// DeauthorizeRequest models DELETE /v1/authorize.
type DeauthorizeRequest struct {
	// AppID is the identity being deregistered.
	AppID string `json:"app_id"`
	// AuthKey authenticates the request via the X-Alloc-Key header.
	AuthKey string `json:"-"`
}

// DeauthorizeResponse acknowledges deregistration.
type DeauthorizeResponse struct {
	// Deleted reports whether the registration was removed.
	Deleted bool `json:"deleted"`
}

// CreatePoolRequest models POST /v1/pool/create. The named apps are rebound
// to a freshly issued pool identity.
type CreatePoolRequest struct {
	// Name labels the pool.
	Name string `json:"name"`
	// AppIDs lists initial members. May be empty.
	AppIDs []string `json:"app_ids,omitempty"`
	// AuthKey authenticates the request via the X-Alloc-Key header.
	AuthKey string `json:"-"`
}

// CreatePoolResponse carries the issued pool identity.
type CreatePoolResponse struct {
	// PoolID is the opaque identity members must use for all ledger calls.
	PoolID string `json:"pool_id"`
	// AuthKey is the secret issued for the pool identity.
	AuthKey string `json:"auth_key,omitempty"`
}

// JoinPoolRequest models POST /v1/pool/join.
type JoinPoolRequest struct {
	// PoolID identifies the pool to join.
	PoolID string `json:"pool_id"`
	// AppID is the member being rebound to the pool identity.
	AppID string `json:"app_id"`
	// AuthKey authenticates the request via the X-Alloc-Key header.
	AuthKey string `json:"-"`
}

// JoinPoolResponse acknowledges a pool join.
type JoinPoolResponse struct {
	// Joined reports whether the app now delegates to the pool.
	Joined bool `json:"joined"`
	// PoolID echoes the pool identity the member must use from now on.
	PoolID string `json:"pool_id"`
}

// LeavePoolRequest models POST /v1/pool/leave.
type LeavePoolRequest struct {
	// PoolID identifies the pool being left.
	PoolID string `json:"pool_id"`
	// AppID is the member leaving the pool.
	AppID string `json:"app_id"`
	// AuthKey authenticates the request via the X-Alloc-Key header.
	AuthKey string `json:"-"`
}

// LeavePoolResponse acknowledges a pool departure.
type LeavePoolResponse struct {
	// Left reports whether the app reverted to its own ledger identity.
	Left bool `json:"left"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable allocd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// Stable error codes surfaced in ErrorResponse.ErrorCode.
const (
	// ErrCodeUnauthorized is returned when the auth key is missing or wrong.
	ErrCodeUnauthorized = "unauthorized"
	// ErrCodeUnknownApp is returned when the ledger identity is not managed.
	ErrCodeUnknownApp = "unknown_app"
	// ErrCodeInvalidRequest is returned for malformed payloads.
	ErrCodeInvalidRequest = "invalid_request"
	// ErrCodeReplaceNotConfirmed rejects replace-mode syncs lacking the
	// explicit confirmation flag.
	ErrCodeReplaceNotConfirmed = "replace_not_confirmed"
	// ErrCodeThrottled signals the caller should back off and retry.
	ErrCodeThrottled = "throttled"
)
