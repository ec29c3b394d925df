package allocd

import (
	"pkt.systems/pslog"
)

// CoordinatorOption customises coordinator construction.
type CoordinatorOption func(*Coordinator)

// WithRoster wires the sibling-app roster used for collision checks. Without
// one, collision checking degrades to "unknown" and reservations proceed.
func WithRoster(roster *Roster) CoordinatorOption {
	return func(c *Coordinator) {
		c.roster = roster
	}
}

// WithLogger supplies a logger for coordinator diagnostics.
func WithLogger(logger pslog.Base) CoordinatorOption {
	return func(c *Coordinator) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = full.With(pslog.TrustedString("sys"), "coordinator")
			return
		}
		c.logger = logger
	}
}

// WithHistoryCap bounds the in-memory assignment history.
func WithHistoryCap(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.hist.cap = n
		}
	}
}
