// Package expiry decides when a membership entry has outlived its window.
//
// Staleness is measured from JoinedAt only. Heartbeats refresh
// LastHeartbeatAt but never extend an entry's window.
package expiry

import (
	"time"

	"munchclub/pkg/model"

	"github.com/samber/lo"
)

const DefaultWindow = time.Hour

type Policy struct {
	Window time.Duration
}

func New(window time.Duration) Policy {
	if window <= 0 {
		window = DefaultWindow
	}
	return Policy{Window: window}
}

// IsStale reports whether now is at least Window past entry.JoinedAt.
// The boundary itself is stale.
func (p Policy) IsStale(entry model.MemberEntry, now time.Time) bool {
	return now.Sub(entry.JoinedAt) >= p.Window
}

// FilterActive returns the non-stale entries in their original order.
func (p Policy) FilterActive(entries []model.MemberEntry, now time.Time) []model.MemberEntry {
	return lo.Filter(entries, func(e model.MemberEntry, _ int) bool {
		return !p.IsStale(e, now)
	})
}

// CountActive is len(FilterActive(entries, now)) without the allocation.
func (p Policy) CountActive(entries []model.MemberEntry, now time.Time) int {
	return lo.CountBy(entries, func(e model.MemberEntry) bool {
		return !p.IsStale(e, now)
	})
}

func IsStale(entry model.MemberEntry, now time.Time) bool {
	return New(DefaultWindow).IsStale(entry, now)
}

func FilterActive(entries []model.MemberEntry, now time.Time) []model.MemberEntry {
	return New(DefaultWindow).FilterActive(entries, now)
}
