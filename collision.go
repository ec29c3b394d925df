package allocd

import (
	"fmt"
	"strings"

	"pkt.systems/allocd/api"
)

// CollisionApp names an app implicated in a collision report.
type CollisionApp struct {
	// Name is the app's display name.
	Name string `json:"name"`
	// Path locates the app in the workspace.
	Path string `json:"path"`
}

// CollisionReport describes one identifier recorded by more than one app.
// Reports are computed from cached snapshots and never persisted.
type CollisionReport struct {
	// Key is the flat object-type key the collision occurred in.
	Key string `json:"key"`
	// ID is the colliding identifier.
	ID int64 `json:"id"`
	// Apps lists every conflicting sibling.
	Apps []CollisionApp `json:"apps"`
	// Message is a ready-to-display summary.
	Message string `json:"message"`
}

// RangeOverlap describes a numeric interval configured by two different
// apps. Range configuration is type-agnostic by convention, so overlapping
// ranges are worth flagging before any identifier is consumed.
type RangeOverlap struct {
	// AppA and AppB are the two apps whose ranges intersect.
	AppA CollisionApp `json:"app_a"`
	AppB CollisionApp `json:"app_b"`
	// Interval is the intersection itself.
	Interval api.Range `json:"interval"`
	// Message is a ready-to-display summary.
	Message string `json:"message"`
}

// CheckID scans every other known app's cached consumption for key
// containing id. Apps whose snapshot has not been populated are skipped:
// cross-app collision checking is advisory, the authority's own per-app
// exclusivity is the binding guarantee. Returns nil when no conflict is
// found. Read-only.
func (r *Roster) CheckID(key string, id int64, excludeAppID string) *CollisionReport {
	var conflicting []CollisionApp
	for _, app := range r.Apps() {
		if app.ID == excludeAppID {
			continue
		}
		snapshot, ok := r.Consumption(app.ID)
		if !ok {
			continue
		}
		if snapshot.Contains(key, id) {
			conflicting = append(conflicting, CollisionApp{Name: app.Name, Path: app.Path})
		}
	}
	if len(conflicting) == 0 {
		return nil
	}
	names := make([]string, len(conflicting))
	for i, app := range conflicting {
		names[i] = app.Name
	}
	return &CollisionReport{
		Key:     key,
		ID:      id,
		Apps:    conflicting,
		Message: fmt.Sprintf("%s %d is already consumed by %s", key, id, strings.Join(names, ", ")),
	}
}

// RangeOverlaps pairwise-compares every configured range of every known app
// and reports numeric intersections. Quadratic over apps x ranges, which is
// fine at workspace scale. Read-only.
func (r *Roster) RangeOverlaps() []RangeOverlap {
	apps := r.Apps()
	var out []RangeOverlap
	for i := 0; i < len(apps); i++ {
		for j := i + 1; j < len(apps); j++ {
			for _, ra := range apps[i].Ranges {
				for _, rb := range apps[j].Ranges {
					interval, ok := ra.Overlap(rb)
					if !ok {
						continue
					}
					out = append(out, RangeOverlap{
						AppA:     CollisionApp{Name: apps[i].Name, Path: apps[i].Path},
						AppB:     CollisionApp{Name: apps[j].Name, Path: apps[j].Path},
						Interval: interval,
						Message: fmt.Sprintf("%s and %s both configure %d..%d",
							apps[i].Name, apps[j].Name, interval.From, interval.To),
					})
				}
			}
		}
	}
	return out
}
