package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"munchclub/pkg/model"
)

type memoryMembershipRepository struct {
	mu      sync.Mutex
	records map[string]model.MembershipRecord
	hub     *hub
}

// NewMemoryMembershipRepository keeps records in process memory. Used for
// single-instance development runs and tests.
func NewMemoryMembershipRepository() MembershipRepository {
	return &memoryMembershipRepository{
		records: make(map[string]model.MembershipRecord),
		hub:     newHub(),
	}
}

func (r *memoryMembershipRepository) Read(ctx context.Context, locationID string) (*model.MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[locationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locationID)
	}
	record.Members = model.CloneMembers(record.Members)
	return &record, nil
}

func (r *memoryMembershipRepository) Write(ctx context.Context, locationID string, members []model.MemberEntry, updatedAt time.Time) (*model.MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var prev *model.MembershipRecord
	if existing, ok := r.records[locationID]; ok {
		prev = &existing
	}

	record := model.MembershipRecord{
		LocationID: locationID,
		Members:    model.CloneMembers(members),
		UpdatedAt:  nextUpdatedAt(prev, updatedAt),
	}
	r.records[locationID] = record
	r.hub.publish(model.SnapshotOf(&record))

	record.Members = model.CloneMembers(record.Members)
	return &record, nil
}

func (r *memoryMembershipRepository) Subscribe(ctx context.Context, locationID string) (<-chan model.Snapshot, error) {
	return r.hub.open(ctx, locationID, func() ([]model.Snapshot, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if record, ok := r.records[locationID]; ok {
			return []model.Snapshot{model.SnapshotOf(&record)}, nil
		}
		return []model.Snapshot{model.AbsentSnapshot(locationID)}, nil
	})
}

func (r *memoryMembershipRepository) SubscribeAll(ctx context.Context) (<-chan model.Snapshot, error) {
	return r.hub.open(ctx, "", func() ([]model.Snapshot, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		ids := make([]string, 0, len(r.records))
		for id := range r.records {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		snaps := make([]model.Snapshot, 0, len(ids))
		for _, id := range ids {
			record := r.records[id]
			snaps = append(snaps, model.SnapshotOf(&record))
		}
		return snaps, nil
	})
}

func (r *memoryMembershipRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}
