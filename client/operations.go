package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"pkt.systems/allocd/api"
)

// Preview asks the authority for the next available identifier(s) in the
// supplied ranges without claiming anything. Granted=false with
// RangeExhausted=true means the ranges are full; that is an outcome, not an
// error.
func (c *Client) Preview(ctx context.Context, req api.ReserveRequest) (*api.ReserveResponse, error) {
	if err := validateReserve(req); err != nil {
		return nil, err
	}
	var resp api.ReserveResponse
	err := c.withRetry(ctx, "preview", func() error {
		resp = api.ReserveResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/preview", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Commit asks the authority to atomically reserve an identifier. With
// RequiredID set and the identifier already taken, the authority still
// answers Granted=true with the next free one; callers detect substitution
// by comparing RequiredID against the returned ID.
//
// With RequiredID and PerRange both set, Ranges are narrowed to the single
// range containing RequiredID before anything is sent, so a conflict inside
// one sub-range can never leak into unrelated ranges.
//
// Commit is intentionally non-idempotent. Retries are safe only because the
// authority arbitrates: a retried commit either re-confirms the already
// granted identifier or is rejected as a duplicate, never double-grants.
func (c *Client) Commit(ctx context.Context, req api.ReserveRequest) (*api.ReserveResponse, error) {
	if err := validateReserve(req); err != nil {
		return nil, err
	}
	if req.RequiredID > 0 && req.PerRange && len(req.Ranges) > 0 {
		narrowed := narrowRanges(req.Ranges, req.RequiredID)
		if len(narrowed) == 0 {
			return nil, fmt.Errorf("%w: id %d", ErrRequiredIDOutOfRange, req.RequiredID)
		}
		req.Ranges = narrowed
	}
	var resp api.ReserveResponse
	err := c.withRetry(ctx, "commit", func() error {
		resp = api.ReserveResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/commit", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// narrowRanges keeps only the single range numerically containing id.
func narrowRanges(ranges []api.Range, id int64) []api.Range {
	for _, r := range ranges {
		if r.Contains(id) {
			return []api.Range{r}
		}
	}
	return nil
}

func validateReserve(req api.ReserveRequest) error {
	if req.AppID == "" {
		return fmt.Errorf("allocd: app id required")
	}
	if req.Key == "" {
		return fmt.Errorf("allocd: object type key required")
	}
	return api.ValidateRanges(req.Ranges)
}

// SyncConsumption reconciles locally observed consumption with the
// authority. Merge mode is additive and may carry tombstones for precise
// removal; replace mode substitutes the whole set and is rejected here,
// before any network traffic, unless ReplaceConfirmed is set. The authority
// enforces the same guardrail.
func (c *Client) SyncConsumption(ctx context.Context, req api.SyncRequest) (*api.SyncResponse, error) {
	if req.AppID == "" {
		return nil, fmt.Errorf("allocd: app id required")
	}
	if req.Mode == "" {
		req.Mode = api.SyncMerge
	}
	switch req.Mode {
	case api.SyncMerge:
	case api.SyncReplace:
		if !req.ReplaceConfirmed {
			return nil, ErrReplaceNotConfirmed
		}
		if len(req.Tombstones) > 0 {
			return nil, fmt.Errorf("allocd: tombstones are a merge-mode feature")
		}
	default:
		return nil, fmt.Errorf("allocd: unknown sync mode %q", req.Mode)
	}
	var resp api.SyncResponse
	err := c.withRetry(ctx, "sync", func() error {
		resp = api.SyncResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/consumption/sync", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// StoreAssignment adds or removes exactly one identifier in one object-type
// key without touching anything else recorded for the app. This is the only
// safe primitive for incrementally tracking a single field or enum-value
// reservation; a replace-mode sync would discard every other recorded id.
func (c *Client) StoreAssignment(ctx context.Context, req api.AssignmentRequest) (*api.AssignmentResponse, error) {
	if req.AppID == "" {
		return nil, fmt.Errorf("allocd: app id required")
	}
	if req.Key == "" {
		return nil, fmt.Errorf("allocd: object type key required")
	}
	if req.ID <= 0 {
		return nil, fmt.Errorf("allocd: assignment id must be positive")
	}
	switch req.Op {
	case api.AssignmentAdd, api.AssignmentRemove:
	default:
		return nil, fmt.Errorf("allocd: unknown assignment op %q", req.Op)
	}
	var resp api.AssignmentResponse
	err := c.withRetry(ctx, "assignment", func() error {
		resp = api.AssignmentResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/assignment", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchConsumption reads everything the authority has recorded for the app
// or pool.
func (c *Client) FetchConsumption(ctx context.Context, appID, authKey string) (*api.ConsumptionResponse, error) {
	if appID == "" {
		return nil, fmt.Errorf("allocd: app id required")
	}
	var resp api.ConsumptionResponse
	path := "/v1/consumption?app_id=" + url.QueryEscape(appID)
	err := c.withRetry(ctx, "consumption", func() error {
		resp = api.ConsumptionResponse{}
		return c.doJSON(ctx, http.MethodGet, path, authKey, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckManaged reports whether the authority already knows the app, and the
// pool it delegates to when applicable.
func (c *Client) CheckManaged(ctx context.Context, appID string) (*api.ManagedResponse, error) {
	if appID == "" {
		return nil, fmt.Errorf("allocd: app id required")
	}
	var resp api.ManagedResponse
	path := "/v1/managed?app_id=" + url.QueryEscape(appID)
	err := c.withRetry(ctx, "managed", func() error {
		resp = api.ManagedResponse{}
		return c.doJSON(ctx, http.MethodGet, path, "", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Authorize performs the one-time registration that issues the secret used
// by all subsequent calls for the app.
func (c *Client) Authorize(ctx context.Context, req api.AuthorizeRequest) (*api.AuthorizeResponse, error) {
	if req.AppID == "" {
		return nil, fmt.Errorf("allocd: app id required")
	}
	var resp api.AuthorizeResponse
	err := c.withRetry(ctx, "authorize", func() error {
		resp = api.AuthorizeResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/authorize", "", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deauthorize removes the app's registration.
func (c *Client) Deauthorize(ctx context.Context, req api.DeauthorizeRequest) (*api.DeauthorizeResponse, error) {
	if req.AppID == "" {
		return nil, fmt.Errorf("allocd: app id required")
	}
	var resp api.DeauthorizeResponse
	err := c.withRetry(ctx, "deauthorize", func() error {
		resp = api.DeauthorizeResponse{}
		return c.doJSON(ctx, http.MethodDelete, "/v1/authorize", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreatePool mints a pool identity and rebinds the named apps to it. Once an
// app is a member, every ledger call for it must carry the pool identity.
func (c *Client) CreatePool(ctx context.Context, req api.CreatePoolRequest) (*api.CreatePoolResponse, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("allocd: pool name required")
	}
	var resp api.CreatePoolResponse
	err := c.withRetry(ctx, "pool.create", func() error {
		resp = api.CreatePoolResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/pool/create", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinPool rebinds one app to an existing pool identity.
func (c *Client) JoinPool(ctx context.Context, req api.JoinPoolRequest) (*api.JoinPoolResponse, error) {
	if req.PoolID == "" || req.AppID == "" {
		return nil, fmt.Errorf("allocd: pool id and app id required")
	}
	var resp api.JoinPoolResponse
	err := c.withRetry(ctx, "pool.join", func() error {
		resp = api.JoinPoolResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/pool/join", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// LeavePool reverts one app to its own ledger identity.
func (c *Client) LeavePool(ctx context.Context, req api.LeavePoolRequest) (*api.LeavePoolResponse, error) {
	if req.PoolID == "" || req.AppID == "" {
		return nil, fmt.Errorf("allocd: pool id and app id required")
	}
	var resp api.LeavePoolResponse
	err := c.withRetry(ctx, "pool.leave", func() error {
		resp = api.LeavePoolResponse{}
		return c.doJSON(ctx, http.MethodPost, "/v1/pool/leave", req.AuthKey, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
