package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pkt.systems/allocd/api"
)

func fastRetryPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:          retries,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(fastRetryPolicy(3))}, opts...)
	cli, err := New(url, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestPreviewRangeExhaustedIsOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/preview" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.ReserveResponse{RangeExhausted: true})
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	resp, err := cli.Preview(context.Background(), api.ReserveRequest{
		AppID:  "app",
		Key:    "table",
		Ranges: []api.Range{{From: 50100, To: 50100}},
	})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if resp.Granted {
		t.Fatalf("expected no grant")
	}
	if !resp.RangeExhausted {
		t.Fatalf("expected range exhausted")
	}
}

func TestCommitNarrowsRangesAroundRequiredID(t *testing.T) {
	var got api.ReserveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(api.ReserveResponse{Granted: true, ID: got.RequiredID})
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	_, err := cli.Commit(context.Background(), api.ReserveRequest{
		AppID:      "app",
		Key:        "table",
		Ranges:     []api.Range{{From: 50100, To: 50149}, {From: 60000, To: 60099}},
		RequiredID: 60010,
		PerRange:   true,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(got.Ranges) != 1 {
		t.Fatalf("expected 1 range on the wire, got %d", len(got.Ranges))
	}
	if got.Ranges[0].From != 60000 || got.Ranges[0].To != 60099 {
		t.Fatalf("wrong range on the wire: %+v", got.Ranges[0])
	}
}

func TestCommitRequiredIDOutsideRangesFailsLocally(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	_, err := cli.Commit(context.Background(), api.ReserveRequest{
		AppID:      "app",
		Key:        "table",
		Ranges:     []api.Range{{From: 50100, To: 50149}},
		RequiredID: 99999,
		PerRange:   true,
	})
	if !errors.Is(err, ErrRequiredIDOutOfRange) {
		t.Fatalf("expected ErrRequiredIDOutOfRange, got %v", err)
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("expected no requests, server saw %d", n)
	}
}

func TestSyncReplaceRequiresConfirmation(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	_, err := cli.SyncConsumption(context.Background(), api.SyncRequest{
		AppID: "app",
		IDs:   map[string][]int64{"table": {50100}},
		Mode:  api.SyncReplace,
	})
	if !errors.Is(err, ErrReplaceNotConfirmed) {
		t.Fatalf("expected ErrReplaceNotConfirmed, got %v", err)
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("replace without confirmation must not reach the network, server saw %d", n)
	}
}

func TestSyncReplaceRejectsTombstones(t *testing.T) {
	cli := newTestClient(t, "http://127.0.0.1:1")
	_, err := cli.SyncConsumption(context.Background(), api.SyncRequest{
		AppID:            "app",
		IDs:              map[string][]int64{"table": {50100}},
		Mode:             api.SyncReplace,
		ReplaceConfirmed: true,
		Tombstones:       map[string][]int64{"table": {50101}},
	})
	if err == nil || !strings.Contains(err.Error(), "merge-mode") {
		t.Fatalf("expected tombstone rejection, got %v", err)
	}
}

func TestTransientServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: "internal"})
			return
		}
		_ = json.NewEncoder(w).Encode(api.ReserveResponse{Granted: true, ID: 50100})
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	resp, err := cli.Preview(context.Background(), api.ReserveRequest{
		AppID:  "app",
		Key:    "table",
		Ranges: []api.Range{{From: 50100, To: 50149}},
	})
	if err != nil {
		t.Fatalf("preview after retries: %v", err)
	}
	if resp.ID != 50100 {
		t.Fatalf("expected id 50100, got %d", resp.ID)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: api.ErrCodeInvalidRequest})
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	_, err := cli.Preview(context.Background(), api.ReserveRequest{
		AppID:  "app",
		Key:    "table",
		Ranges: []api.Range{{From: 50100, To: 50149}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", apiErr.Status)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("4xx must not be retried, server saw %d attempts", n)
	}
}

func TestThrottledIsRetriedWithServerHint(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: api.ErrCodeThrottled})
			return
		}
		_ = json.NewEncoder(w).Encode(api.ReserveResponse{Granted: true, ID: 50100})
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	if _, err := cli.Preview(context.Background(), api.ReserveRequest{
		AppID:  "app",
		Key:    "table",
		Ranges: []api.Range{{From: 50100, To: 50149}},
	}); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("expected 429 to be retried once, server saw %d attempts", n)
	}
}

// Outcome counters tick once per operation so success and failure stay
// comparable; individual attempts are visible through the retry counter.
func TestMetricsCountOutcomesPerOperation(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	cli := newTestClient(t, srv.URL, WithMetrics(reg))
	if _, err := cli.Preview(context.Background(), api.ReserveRequest{
		AppID:  "app",
		Key:    "table",
		Ranges: []api.Range{{From: 50100, To: 50149}},
	}); err == nil {
		t.Fatalf("expected failure")
	}
	if n := hits.Load(); n != 4 {
		t.Fatalf("server saw %d attempts, want 4", n)
	}
	if got := testutil.ToFloat64(cli.metrics.requests.WithLabelValues("preview", "failure")); got != 1 {
		t.Fatalf("failure outcome counted %v times, want once per operation", got)
	}
	if got := testutil.ToFloat64(cli.metrics.requests.WithLabelValues("preview", "success")); got != 0 {
		t.Fatalf("success outcome = %v, want 0", got)
	}
	if got := testutil.ToFloat64(cli.metrics.retries.WithLabelValues("preview")); got != 3 {
		t.Fatalf("retries = %v, want 3", got)
	}
}

func TestUnauthorizedMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: api.ErrCodeUnauthorized})
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	_, err := cli.FetchConsumption(context.Background(), "app", "wrong-key")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestEndpointFailover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ManagedResponse{Managed: true})
	}))
	defer srv.Close()

	cli, err := NewWithEndpoints(
		[]string{"http://127.0.0.1:1", srv.URL},
		WithEndpointShuffle(false),
		WithRetryPolicy(fastRetryPolicy(0)),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := cli.CheckManaged(context.Background(), "app")
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if !resp.Managed {
		t.Fatalf("expected managed response via second endpoint")
	}
}

func TestAuthKeyAndCorrelationHeaders(t *testing.T) {
	var gotKey, gotCID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Alloc-Key")
		gotCID = r.Header.Get("X-Correlation-Id")
		_ = json.NewEncoder(w).Encode(api.ReserveResponse{Granted: true, ID: 50100})
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL)
	ctx := WithCorrelationID(context.Background(), "cid-1234")
	_, err := cli.Commit(ctx, api.ReserveRequest{
		AppID:   "app",
		AuthKey: "secret",
		Key:     "table",
		Ranges:  []api.Range{{From: 50100, To: 50149}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if gotKey != "secret" {
		t.Fatalf("auth key header = %q", gotKey)
	}
	if gotCID != "cid-1234" {
		t.Fatalf("correlation header = %q", gotCID)
	}
}

func TestNormalizeEndpoints(t *testing.T) {
	tests := []struct {
		in      []string
		want    []string
		wantErr bool
	}{
		{in: []string{"ledger.example"}, want: []string{"https://ledger.example:9470"}},
		{in: []string{"http://ledger.example:8080"}, want: []string{"http://ledger.example:8080"}},
		{in: []string{"ftp://ledger.example"}, wantErr: true},
		{in: []string{""}, wantErr: true},
	}
	for _, tc := range tests {
		got, err := normalizeEndpoints(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("normalizeEndpoints(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeEndpoints(%q): %v", tc.in, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("normalizeEndpoints(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("normalizeEndpoints(%q) = %v, want %v", tc.in, got, tc.want)
			}
		}
	}
}

func TestParseEndpointsSplitsCommaList(t *testing.T) {
	got, err := ParseEndpoints("a.example,b.example:9999")
	if err != nil {
		t.Fatalf("parse endpoints: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 endpoints, got %v", got)
	}
	if got[0] != "https://a.example:9470" || got[1] != "https://b.example:9999" {
		t.Fatalf("unexpected endpoints %v", got)
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"2", 2 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"garbage", 0},
	}
	for _, tc := range tests {
		if got := parseRetryAfterHeader(tc.in); got != tc.want {
			t.Fatalf("parseRetryAfterHeader(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestAPIErrorRetryAfterFallsBackToBody(t *testing.T) {
	err := &APIError{
		Status:   http.StatusTooManyRequests,
		Response: api.ErrorResponse{ErrorCode: api.ErrCodeThrottled, RetryAfterSeconds: 7},
	}
	if got := err.RetryAfterDuration(); got != 7*time.Second {
		t.Fatalf("RetryAfterDuration = %v, want 7s", got)
	}
}

func TestNormalizeCorrelationID(t *testing.T) {
	if _, ok := NormalizeCorrelationID(strings.Repeat("x", MaxCorrelationIDLength+1)); ok {
		t.Fatalf("overlong id must be rejected")
	}
	if _, ok := NormalizeCorrelationID("bad\nid"); ok {
		t.Fatalf("control characters must be rejected")
	}
	got, ok := NormalizeCorrelationID("  cid-1  ")
	if !ok || got != "cid-1" {
		t.Fatalf("NormalizeCorrelationID = %q, %v", got, ok)
	}
}
