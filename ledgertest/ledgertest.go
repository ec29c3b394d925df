// Package ledgertest provides an in-memory allocation ledger authority for
// tests. It implements the full wire contract of pkt.systems/allocd/api over
// net/http/httptest with the arbitration semantics the protocol demands:
// at most one winner per identifier, required-id substitution, merge/replace
// consumption sync with the replace guardrail, single-assignment stores and
// pool identities.
package ledgertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/rs/xid"

	"pkt.systems/allocd/api"
	"pkt.systems/allocd/client"
)

type appState struct {
	authKey     string
	name        string
	poolID      string
	consumption map[string]map[int64]struct{}
}

type poolState struct {
	name    string
	authKey string
	members map[string]struct{}
}

// Server is an in-memory authority. All state lives behind one mutex, which
// doubles as the atomic-arbitration guarantee the real service provides.
type Server struct {
	mu    sync.Mutex
	apps  map[string]*appState
	pools map[string]*poolState

	// requireAuth enforces X-Alloc-Key on stateful operations.
	requireAuth bool

	httpServer *httptest.Server
}

// Option customises the test authority.
type Option func(*Server)

// WithAuthRequired makes the authority reject stateful operations whose
// X-Alloc-Key does not match the registered key.
func WithAuthRequired() Option {
	return func(s *Server) {
		s.requireAuth = true
	}
}

// StartServer runs an authority for the duration of the test.
func StartServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		apps:  make(map[string]*appState),
		pools: make(map[string]*poolState),
	}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/preview", s.handleReserve(false))
	mux.HandleFunc("/v1/commit", s.handleReserve(true))
	mux.HandleFunc("/v1/consumption/sync", s.handleSync)
	mux.HandleFunc("/v1/assignment", s.handleAssignment)
	mux.HandleFunc("/v1/consumption", s.handleConsumption)
	mux.HandleFunc("/v1/managed", s.handleManaged)
	mux.HandleFunc("/v1/authorize", s.handleAuthorize)
	mux.HandleFunc("/v1/pool/create", s.handlePoolCreate)
	mux.HandleFunc("/v1/pool/join", s.handlePoolJoin)
	mux.HandleFunc("/v1/pool/leave", s.handlePoolLeave)
	s.httpServer = httptest.NewServer(mux)
	t.Cleanup(s.httpServer.Close)
	return s
}

// URL returns the base URL clients should target.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// NewClient builds an SDK client wired to this authority.
func (s *Server) NewClient(t testing.TB, opts ...client.Option) *client.Client {
	t.Helper()
	cli, err := client.New(s.URL(), opts...)
	if err != nil {
		t.Fatalf("ledgertest: new client: %v", err)
	}
	return cli
}

// SeedApp registers an app with a fixed auth key, bypassing /v1/authorize.
func (s *Server) SeedApp(appID, authKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAppLocked(appID).authKey = authKey
}

// SeedConsumption records ids as consumed for the given identity and key.
func (s *Server) SeedConsumption(appID, key string, ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureAppLocked(appID)
	for _, id := range ids {
		state.consume(key, id)
	}
}

// Consumption returns a sorted copy of the identity's recorded ids for key.
func (s *Server) Consumption(appID, key string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.apps[appID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(state.consumption[key]))
	for id := range state.consumption[key] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Server) ensureAppLocked(appID string) *appState {
	state, ok := s.apps[appID]
	if !ok {
		state = &appState{consumption: make(map[string]map[int64]struct{})}
		s.apps[appID] = state
	}
	return state
}

func (a *appState) consume(key string, id int64) {
	ids, ok := a.consumption[key]
	if !ok {
		ids = make(map[int64]struct{})
		a.consumption[key] = ids
	}
	ids[id] = struct{}{}
}

func (a *appState) taken(key string, id int64) bool {
	_, ok := a.consumption[key][id]
	return ok
}

// nextFree returns the smallest unconsumed id, searching ranges in priority
// order.
func (a *appState) nextFree(key string, ranges []api.Range) (int64, bool) {
	for _, r := range ranges {
		for id := r.From; id <= r.To; id++ {
			if !a.taken(key, id) {
				return id, true
			}
		}
	}
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, api.ErrorResponse{ErrorCode: code, Detail: detail})
}

func (s *Server) authorized(r *http.Request, appID string) bool {
	if !s.requireAuth {
		return true
	}
	key := strings.TrimSpace(r.Header.Get("X-Alloc-Key"))
	if state, ok := s.apps[appID]; ok && state.authKey != "" {
		return key == state.authKey
	}
	if pool, ok := s.pools[appID]; ok && pool.authKey != "" {
		return key == pool.authKey
	}
	return false
}

func (s *Server) handleReserve(commit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
			return
		}
		if req.AppID == "" || req.Key == "" {
			writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "app_id and key required")
			return
		}
		if len(req.Ranges) == 0 && req.RequiredID <= 0 {
			writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "ranges required for next-available requests")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.authorized(r, req.AppID) {
			writeError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "bad or missing auth key")
			return
		}
		state := s.ensureAppLocked(req.AppID)

		resp := api.ReserveResponse{Key: req.Key}
		switch {
		case req.RequiredID > 0:
			// Unbounded requests (no ranges) cover nested namespaces, which
			// carry their own value space. Search upward from the required id.
			search := req.Ranges
			if len(search) == 0 {
				search = []api.Range{{From: req.RequiredID, To: req.RequiredID + 65535}}
			}
			if !state.taken(req.Key, req.RequiredID) && api.RangesContain(search, req.RequiredID) {
				resp.Granted = true
				resp.ID = req.RequiredID
			} else if id, ok := state.nextFree(req.Key, search); ok {
				// Required id taken: grant the next free one instead of
				// failing. Callers compare ids to detect the substitution.
				resp.Granted = true
				resp.ID = id
			} else {
				resp.RangeExhausted = true
			}
		case req.PerRange && !commit:
			for _, rng := range req.Ranges {
				if id, ok := state.nextFree(req.Key, []api.Range{rng}); ok {
					resp.IDs = append(resp.IDs, id)
				}
			}
			if len(resp.IDs) > 0 {
				resp.Granted = true
				resp.ID = resp.IDs[0]
			} else {
				resp.RangeExhausted = true
			}
		default:
			if id, ok := state.nextFree(req.Key, req.Ranges); ok {
				resp.Granted = true
				resp.ID = id
			} else {
				resp.RangeExhausted = true
			}
		}
		if commit && resp.Granted {
			state.consume(req.Key, resp.ID)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req api.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = api.SyncMerge
	}
	if req.Mode == api.SyncReplace && !req.ReplaceConfirmed {
		writeError(w, http.StatusBadRequest, api.ErrCodeReplaceNotConfirmed,
			"replace sync requires explicit confirmation")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(r, req.AppID) {
		writeError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "bad or missing auth key")
		return
	}
	state := s.ensureAppLocked(req.AppID)
	resp := api.SyncResponse{Synced: true}
	if req.Mode == api.SyncReplace {
		for _, ids := range state.consumption {
			resp.Removed += len(ids)
		}
		state.consumption = make(map[string]map[int64]struct{})
	}
	for key, ids := range req.IDs {
		for _, id := range ids {
			if !state.taken(key, id) {
				resp.Added++
			}
			state.consume(key, id)
		}
	}
	if req.Mode == api.SyncMerge {
		for key, ids := range req.Tombstones {
			for _, id := range ids {
				if state.taken(key, id) {
					delete(state.consumption[key], id)
					resp.Removed++
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	var req api.AssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(r, req.AppID) {
		writeError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "bad or missing auth key")
		return
	}
	state := s.ensureAppLocked(req.AppID)
	switch req.Op {
	case api.AssignmentAdd:
		state.consume(req.Key, req.ID)
	case api.AssignmentRemove:
		delete(state.consumption[req.Key], req.ID)
	default:
		writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "unknown op")
		return
	}
	writeJSON(w, http.StatusOK, api.AssignmentResponse{Stored: true})
}

func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("app_id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "app_id required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(r, appID) {
		writeError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "bad or missing auth key")
		return
	}
	state, ok := s.apps[appID]
	if !ok {
		writeError(w, http.StatusNotFound, api.ErrCodeUnknownApp, "app not managed")
		return
	}
	resp := api.ConsumptionResponse{AppID: appID, IDs: make(map[string][]int64, len(state.consumption))}
	for key, ids := range state.consumption {
		sorted := make([]int64, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		slices.Sort(sorted)
		resp.IDs[key] = sorted
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManaged(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("app_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.apps[appID]
	resp := api.ManagedResponse{Managed: ok}
	if ok {
		resp.PoolID = state.poolID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req api.AuthorizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		state := s.ensureAppLocked(req.AppID)
		if state.authKey == "" {
			state.authKey = xid.New().String()
		}
		state.name = req.Name
		writeJSON(w, http.StatusOK, api.AuthorizeResponse{Authorized: true, AuthKey: state.authKey})
	case http.MethodDelete:
		var req api.DeauthorizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.authorized(r, req.AppID) {
			writeError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "bad or missing auth key")
			return
		}
		delete(s.apps, req.AppID)
		writeJSON(w, http.StatusOK, api.DeauthorizeResponse{Deleted: true})
	default:
		writeError(w, http.StatusMethodNotAllowed, api.ErrCodeInvalidRequest, "unsupported method")
	}
}

func (s *Server) handlePoolCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	poolID := "pool-" + xid.New().String()
	pool := &poolState{name: req.Name, authKey: xid.New().String(), members: make(map[string]struct{})}
	s.pools[poolID] = pool
	s.ensureAppLocked(poolID)
	for _, appID := range req.AppIDs {
		pool.members[appID] = struct{}{}
		s.ensureAppLocked(appID).poolID = poolID
	}
	writeJSON(w, http.StatusOK, api.CreatePoolResponse{PoolID: poolID, AuthKey: pool.authKey})
}

func (s *Server) handlePoolJoin(w http.ResponseWriter, r *http.Request) {
	var req api.JoinPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[req.PoolID]
	if !ok {
		writeError(w, http.StatusNotFound, api.ErrCodeUnknownApp, "pool not found")
		return
	}
	pool.members[req.AppID] = struct{}{}
	s.ensureAppLocked(req.AppID).poolID = req.PoolID
	writeJSON(w, http.StatusOK, api.JoinPoolResponse{Joined: true, PoolID: req.PoolID})
}

func (s *Server) handlePoolLeave(w http.ResponseWriter, r *http.Request) {
	var req api.LeavePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[req.PoolID]
	if !ok {
		writeError(w, http.StatusNotFound, api.ErrCodeUnknownApp, "pool not found")
		return
	}
	delete(pool.members, req.AppID)
	if state, ok := s.apps[req.AppID]; ok {
		state.poolID = ""
	}
	writeJSON(w, http.StatusOK, api.LeavePoolResponse{Left: true})
}
