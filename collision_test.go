package allocd

import (
	"strings"
	"testing"

	"pkt.systems/allocd/api"
)

func collisionRoster() *Roster {
	roster := NewRoster()
	roster.Upsert(App{ID: "a", Name: "App A", Path: "/ws/a"})
	roster.Upsert(App{ID: "b", Name: "App B", Path: "/ws/b"})

	snapA := make(ConsumptionSet)
	snapA.Add("table", 50100)
	roster.SetConsumption("a", snapA)

	snapB := make(ConsumptionSet)
	snapB.Add("table", 50100)
	snapB.Add("page", 50110)
	roster.SetConsumption("b", snapB)
	return roster
}

func TestCheckIDReportsEveryConflictingApp(t *testing.T) {
	roster := collisionRoster()
	roster.Upsert(App{ID: "c", Name: "App C", Path: "/ws/c"})

	report := roster.CheckID("table", 50100, "c")
	if report == nil {
		t.Fatalf("expected collision report")
	}
	if len(report.Apps) != 2 {
		t.Fatalf("apps = %+v, want both siblings", report.Apps)
	}
	if !strings.Contains(report.Message, "App A") || !strings.Contains(report.Message, "App B") {
		t.Fatalf("message = %q", report.Message)
	}
}

// The check is symmetric: it only depends on whose snapshots claim the id,
// not on which app asks.
func TestCheckIDSymmetry(t *testing.T) {
	roster := collisionRoster()

	fromA := roster.CheckID("page", 50110, "a")
	if fromA == nil || fromA.Apps[0].Name != "App B" {
		t.Fatalf("a's view = %+v", fromA)
	}
	fromB := roster.CheckID("page", 50110, "b")
	if fromB != nil {
		t.Fatalf("b's own consumption must not collide with itself: %+v", fromB)
	}
}

func TestCheckIDSkipsAppsWithoutSnapshot(t *testing.T) {
	roster := NewRoster()
	roster.Upsert(App{ID: "a", Name: "App A"})
	roster.Upsert(App{ID: "b", Name: "App B"})
	// No snapshots populated: the check degrades to unknown, not to a block.
	if report := roster.CheckID("table", 50100, "a"); report != nil {
		t.Fatalf("expected nil report, got %+v", report)
	}
}

func TestCheckIDNamespacesAreIsolated(t *testing.T) {
	roster := collisionRoster()
	// 50100 is claimed in "table", not in "table_50100".
	if report := roster.CheckID("table_50100", 50100, ""); report != nil {
		t.Fatalf("nested namespace leaked into primary: %+v", report)
	}
}

func TestRangeOverlapsPairwise(t *testing.T) {
	roster := NewRoster()
	roster.Upsert(App{ID: "a", Name: "App A", Ranges: []api.Range{{From: 50100, To: 50149}}})
	roster.Upsert(App{ID: "b", Name: "App B", Ranges: []api.Range{{From: 50140, To: 50199}}})
	roster.Upsert(App{ID: "c", Name: "App C", Ranges: []api.Range{{From: 60000, To: 60099}}})

	overlaps := roster.RangeOverlaps()
	if len(overlaps) != 1 {
		t.Fatalf("overlaps = %+v, want exactly one", overlaps)
	}
	got := overlaps[0]
	if got.Interval.From != 50140 || got.Interval.To != 50149 {
		t.Fatalf("interval = %+v", got.Interval)
	}
	if got.AppA.Name != "App A" || got.AppB.Name != "App B" {
		t.Fatalf("apps = %+v", got)
	}
}
