// Package client implements the allocd SDK: a typed HTTP client for the
// remote allocation ledger authority.
//
// The client issues preview, commit, consumption-sync, single-assignment,
// managed/authorize and pool operations, fails over across multiple
// endpoints, and normalizes non-2xx responses into *APIError values.
// Transient failures (connection errors, 408/429, 5xx) are retried with
// bounded exponential backoff honoring server Retry-After hints; permanent
// failures (other 4xx, cancellation) propagate immediately.
//
// Construct a client with New or NewWithEndpoints and functional options:
//
//	cli, err := client.New("https://ledger.example:9470",
//	    client.WithLogger(logger),
//	    client.WithFailureRetries(3),
//	)
//
// Pass a pslog.Base via WithLogger to capture structured diagnostics for
// every request, attempt and backoff decision.
package client
