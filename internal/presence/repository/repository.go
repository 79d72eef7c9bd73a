package repository

import (
	"context"
	"errors"
	"time"

	"munchclub/pkg/model"
)

const (
	CollectionName = "Memberships"
)

var (
	// ErrNotFound is returned by Read when no record exists for a location.
	ErrNotFound = errors.New("membership record not found")
)

// MembershipRepository is the store adapter for per-location membership
// records. It holds no business rules: writes replace the member set
// wholesale and nothing is locked.
type MembershipRepository interface {
	// Read returns the location's record or ErrNotFound.
	Read(ctx context.Context, locationID string) (*model.MembershipRecord, error)

	// Write replaces the member set. The stored UpdatedAt is updatedAt, or
	// one millisecond past the previous value when updatedAt would not
	// advance it. Returns the record as stored.
	Write(ctx context.Context, locationID string, members []model.MemberEntry, updatedAt time.Time) (*model.MembershipRecord, error)

	// Subscribe delivers the current state of one location followed by
	// every later change, including the caller's own writes. Intermediate
	// states may be skipped when the consumer lags; the latest is always
	// delivered. The channel is closed once ctx is done.
	Subscribe(ctx context.Context, locationID string) (<-chan model.Snapshot, error)

	// SubscribeAll is Subscribe over every location. The initial state
	// covers every record that exists.
	SubscribeAll(ctx context.Context) (<-chan model.Snapshot, error)

	Ping(ctx context.Context) error
}

// nextUpdatedAt keeps UpdatedAt strictly increasing per record.
func nextUpdatedAt(prev *model.MembershipRecord, requested time.Time) time.Time {
	ts := model.Timestamp(requested)
	if prev != nil && !ts.After(prev.UpdatedAt) {
		ts = prev.UpdatedAt.Add(time.Millisecond)
	}
	return ts
}
