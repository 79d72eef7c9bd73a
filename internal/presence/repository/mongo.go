package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	presenceerrors "munchclub/internal/presence/errors"
	"munchclub/pkg/config"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const watchRetryDelay = time.Second

type mongoMembershipRepository struct {
	cfg        *config.Config
	log        *logger.Logger
	collection *mongo.Collection
}

// NewMongoMembershipRepository stores one document per location, keyed by
// location id. Subscriptions are backed by change streams, so the
// deployment must be a replica set.
func NewMongoMembershipRepository(cfg *config.Config) MembershipRepository {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &mongoMembershipRepository{
		cfg:        cfg,
		log:        cfg.Log.With("component", "membership_store"),
		collection: db.Collection(CollectionName),
	}
}

// withTimeout bounds ctx by timeout unless it is a transaction context or
// already has a nearer deadline.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.(mongo.SessionContext); ok {
		return ctx, func() {}
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *mongoMembershipRepository) Read(ctx context.Context, locationID string) (*model.MembershipRecord, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var record model.MembershipRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": locationID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locationID)
		}
		return nil, fmt.Errorf("%w: read %s: %w", presenceerrors.ErrStoreUnavailable, locationID, err)
	}
	record.Members = model.CloneMembers(record.Members)
	return &record, nil
}

// Write upserts the member set with an update pipeline so the monotonic
// UpdatedAt bump happens server side in the same operation.
func (r *mongoMembershipRepository) Write(ctx context.Context, locationID string, members []model.MemberEntry, updatedAt time.Time) (*model.MembershipRecord, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	previousPlusOne := bson.D{{Key: "$add", Value: bson.A{
		bson.D{{Key: "$ifNull", Value: bson.A{"$updated_at", time.Time{}}}},
		1,
	}}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "members", Value: bson.D{{Key: "$literal", Value: model.CloneMembers(members)}}},
			{Key: "updated_at", Value: bson.D{{Key: "$max", Value: bson.A{model.Timestamp(updatedAt), previousPlusOne}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var record model.MembershipRecord
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": locationID}, update, opts).Decode(&record)
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", presenceerrors.ErrStoreUnavailable, locationID, err)
	}
	record.Members = model.CloneMembers(record.Members)
	return &record, nil
}

func (r *mongoMembershipRepository) Subscribe(ctx context.Context, locationID string) (<-chan model.Snapshot, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: locationID}}}},
	}
	return r.subscribe(ctx, locationID, pipeline, func(ctx context.Context) ([]model.Snapshot, error) {
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

func (r *mongoMembershipRepository) SubscribeAll(ctx context.Context) (<-chan model.Snapshot, error) {
	return r.subscribe(ctx, "", mongo.Pipeline{}, r.loadAll)
}

func (r *mongoMembershipRepository) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	if err := r.collection.Database().Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", presenceerrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *mongoMembershipRepository) loadAll(ctx context.Context) ([]model.Snapshot, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	cursor, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", presenceerrors.ErrStoreUnavailable, err)
	}
	defer cursor.Close(ctx)

	var records []model.MembershipRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("%w: decode list: %w", presenceerrors.ErrStoreUnavailable, err)
	}

	snaps := make([]model.Snapshot, len(records))
	for i := range records {
		snaps[i] = model.SnapshotOf(&records[i])
	}
	return snaps, nil
}

// subscribe opens the change stream before loading the initial state so
// that no write can fall between the two.
func (r *mongoMembershipRepository) subscribe(ctx context.Context, locationID string, pipeline mongo.Pipeline, load func(context.Context) ([]model.Snapshot, error)) (<-chan model.Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := r.openStream(ctx, pipeline, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: watch: %w", presenceerrors.ErrStoreUnavailable, err)
	}

	initial, err := load(ctx)
	if err != nil {
		_ = stream.Close(context.Background())
		cancel()
		return nil, err
	}

	sub := newSubscription(locationID)
	for _, snap := range initial {
		sub.offer(snap)
	}

	go r.watch(ctx, stream, pipeline, sub)
	go sub.run(ctx, cancel)
	return sub.out, nil
}

func (r *mongoMembershipRepository) openStream(ctx context.Context, pipeline mongo.Pipeline, resumeToken bson.Raw) (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resumeToken != nil {
		opts.SetResumeAfter(resumeToken)
	}
	return r.collection.Watch(ctx, pipeline, opts)
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *model.MembershipRecord `bson:"fullDocument"`
}

func (e changeEvent) snapshot() model.Snapshot {
	if e.FullDocument == nil {
		return model.AbsentSnapshot(e.DocumentKey.ID)
	}
	return model.SnapshotOf(e.FullDocument)
}

// watch feeds change events into sub, reopening the stream from the last
// resume token after transient failures.
func (r *mongoMembershipRepository) watch(ctx context.Context, stream *mongo.ChangeStream, pipeline mongo.Pipeline, sub *subscription) {
	var resumeToken bson.Raw

	for {
		for stream.Next(ctx) {
			var event changeEvent
			if err := stream.Decode(&event); err != nil {
				r.log.Error("Failed to decode membership change", "error", err)
				continue
			}
			resumeToken = stream.ResumeToken()
			sub.offer(event.snapshot())
		}

		err := stream.Err()
		_ = stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}

		r.log.Warn("Membership change stream interrupted, reopening",
			"location_id", sub.locationID,
			"error", err,
		)

		for {
			select {
			case <-time.After(watchRetryDelay):
			case <-ctx.Done():
				return
			}

			stream, err = r.openStream(ctx, pipeline, resumeToken)
			if err == nil {
				break
			}
			r.log.Error("Failed to reopen membership change stream", "error", err)
		}
	}
}
