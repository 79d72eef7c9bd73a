package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	presenceerrors "munchclub/internal/presence/errors"
	"munchclub/pkg/model"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

const badgerKeyPrefix = "membership/"

type badgerMembershipRepository struct {
	db  *badger.DB
	hub *hub

	// writeMu serializes read-modify-write of UpdatedAt and keeps hub
	// notifications in commit order.
	writeMu sync.Mutex
}

// NewBadgerMembershipRepository stores records in an embedded badger
// database. Change notifications only reach subscribers in this process.
func NewBadgerMembershipRepository(db *badger.DB) MembershipRepository {
	return &badgerMembershipRepository{
		db:  db,
		hub: newHub(),
	}
}

func badgerKey(locationID string) []byte {
	return []byte(badgerKeyPrefix + locationID)
}

func (r *badgerMembershipRepository) Read(ctx context.Context, locationID string) (*model.MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *model.MembershipRecord
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = getRecord(txn, locationID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read %s: %w", presenceerrors.ErrStoreUnavailable, locationID, err)
	}
	return record, nil
}

func (r *badgerMembershipRepository) Write(ctx context.Context, locationID string, members []model.MemberEntry, updatedAt time.Time) (*model.MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var record model.MembershipRecord
	err := r.db.Update(func(txn *badger.Txn) error {
		prev, err := getRecord(txn, locationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		record = model.MembershipRecord{
			LocationID: locationID,
			Members:    model.CloneMembers(members),
			UpdatedAt:  nextUpdatedAt(prev, updatedAt),
		}
		data, err := bson.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode membership record: %w", err)
		}
		return txn.Set(badgerKey(locationID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", presenceerrors.ErrStoreUnavailable, locationID, err)
	}

	r.hub.publish(model.SnapshotOf(&record))
	return &record, nil
}

func (r *badgerMembershipRepository) Subscribe(ctx context.Context, locationID string) (<-chan model.Snapshot, error) {
	return r.hub.open(ctx, locationID, func() ([]model.Snapshot, error) {
		record, err := r.Read(ctx, locationID)
		if errors.Is(err, ErrNotFound) {
			return []model.Snapshot{model.AbsentSnapshot(locationID)}, nil
		}
		if err != nil {
			return nil, err
		}
		return []model.Snapshot{model.SnapshotOf(record)}, nil
	})
}

func (r *badgerMembershipRepository) SubscribeAll(ctx context.Context) (<-chan model.Snapshot, error) {
	return r.hub.open(ctx, "", func() ([]model.Snapshot, error) {
		var snaps []model.Snapshot
		err := r.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(badgerKeyPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var record model.MembershipRecord
				err := it.Item().Value(func(val []byte) error {
					return bson.Unmarshal(val, &record)
				})
				if err != nil {
					return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
				}
				snaps = append(snaps, model.SnapshotOf(&record))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: list: %w", presenceerrors.ErrStoreUnavailable, err)
		}
		return snaps, nil
	})
}

func (r *badgerMembershipRepository) Ping(ctx context.Context) error {
	if r.db.IsClosed() {
		return fmt.Errorf("%w: badger is closed", presenceerrors.ErrStoreUnavailable)
	}
	return ctx.Err()
}

func getRecord(txn *badger.Txn, locationID string) (*model.MembershipRecord, error) {
	item, err := txn.Get(badgerKey(locationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locationID)
	}
	if err != nil {
		return nil, err
	}

	var record model.MembershipRecord
	if err := item.Value(func(val []byte) error {
		return bson.Unmarshal(val, &record)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode membership record: %w", err)
	}
	record.Members = model.CloneMembers(record.Members)
	return &record, nil
}
