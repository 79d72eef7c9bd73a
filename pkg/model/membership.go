package model

import (
	"time"
)

// MemberEntry is one user's presence at a location. JoinedAt is fixed at
// join time; LastHeartbeatAt is refreshed while the user stays present.
type MemberEntry struct {
	UserID          string    `json:"user_id" bson:"user_id"`
	DisplayName     string    `json:"display_name" bson:"display_name"`
	AvatarRef       string    `json:"avatar_ref,omitempty" bson:"avatar_ref"`
	ContactRef      string    `json:"contact_ref,omitempty" bson:"contact_ref"`
	JoinedAt        time.Time `json:"joined_at" bson:"joined_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at" bson:"last_heartbeat_at"`
}

// MembershipRecord is the shared per-location document. It has no owner
// and is mutated by full replacement of Members.
type MembershipRecord struct {
	LocationID string        `json:"location_id" bson:"_id"`
	Members    []MemberEntry `json:"members" bson:"members"`
	UpdatedAt  time.Time     `json:"updated_at" bson:"updated_at"`
}

// Snapshot is one observation of a location's record as pushed by a store
// subscription. Exists is false when no record has been written yet.
type Snapshot struct {
	LocationID string
	Exists     bool
	Members    []MemberEntry
	UpdatedAt  time.Time
}

func SnapshotOf(record *MembershipRecord) Snapshot {
	return Snapshot{
		LocationID: record.LocationID,
		Exists:     true,
		Members:    CloneMembers(record.Members),
		UpdatedAt:  record.UpdatedAt,
	}
}

func AbsentSnapshot(locationID string) Snapshot {
	return Snapshot{LocationID: locationID}
}

// NewerThan reports whether s should replace prev as the latest known
// state of the same location.
func (s Snapshot) NewerThan(prev Snapshot) bool {
	if !prev.Exists {
		return true
	}
	return !s.UpdatedAt.Before(prev.UpdatedAt)
}

func CloneMembers(members []MemberEntry) []MemberEntry {
	if members == nil {
		return []MemberEntry{}
	}
	out := make([]MemberEntry, len(members))
	copy(out, members)
	return out
}

// Timestamp normalizes t to the millisecond UTC precision kept by every
// store backend.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Snapshots keeps the latest snapshot per location. Not safe for
// concurrent use.
type Snapshots map[string]Snapshot

// Apply stores snap unless a newer snapshot of the same location is
// already held. Reports whether snap was stored.
func (s Snapshots) Apply(snap Snapshot) bool {
	if prev, ok := s[snap.LocationID]; ok && !snap.NewerThan(prev) {
		return false
	}
	s[snap.LocationID] = snap
	return true
}
