// Package allocd coordinates the allocation of unique numeric object
// identifiers across many independently developed apps that share numeric id
// ranges, against a remote ledger authority that is the single source of
// truth for which identifiers are taken.
//
// The Coordinator is the orchestration surface: it resolves object-type
// namespaces (pkt.systems/allocd/objkey), previews and commits reservations
// through the ledger transport (pkt.systems/allocd/client), cross-checks
// grants against sibling apps' cached consumption snapshots, and keeps a
// session-bound assignment history used for suggestions.
//
// The remote authority arbitrates all conflicts: given a commit request it
// atomically grants at most one winner per identifier. This package never
// guesses an outcome locally; collision checking over cached snapshots is
// advisory and degrades to "unknown" when a sibling's snapshot is missing.
//
// Typical wiring:
//
//	cli, _ := client.New("https://ledger.example:9470")
//	roster := allocd.NewRoster()
//	coord, _ := allocd.NewCoordinator(cli, app, allocd.WithRoster(roster))
//	grant, _ := coord.GetNext(ctx, objkey.KindTable, 0, nil)
//
// Nothing here persists beyond the process: durable caching of consumption
// snapshots and history is the host's responsibility.
package allocd
