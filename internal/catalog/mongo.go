package catalog

import (
	"context"
	"fmt"
	"time"

	"munchclub/pkg/config"
	mongotx "munchclub/pkg/db/mongo"
	"munchclub/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionName = "Locations"

type MongoCatalog struct {
	cfg        *config.Config
	collection *mongo.Collection
	txManager  mongotx.TransactionManager
}

func NewMongoCatalog(cfg *config.Config) *MongoCatalog {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &MongoCatalog{
		cfg:        cfg,
		collection: db.Collection(CollectionName),
		txManager:  mongotx.NewTransactionManager(cfg.Client.Mongo),
	}
}

func (c *MongoCatalog) List(ctx context.Context) ([]model.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := c.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer cursor.Close(ctx)

	var locations []model.Location
	if err := cursor.All(ctx, &locations); err != nil {
		return nil, fmt.Errorf("failed to decode locations: %w", err)
	}
	return locations, nil
}

// Upsert writes every location in one transaction so a partially seeded
// catalog is never visible. Returns how many documents were inserted.
func (c *MongoCatalog) Upsert(ctx context.Context, locations []model.Location) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout*time.Duration(max(1, len(locations))))
	defer cancel()

	var inserted int64
	err := c.txManager.ExecuteTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		inserted = 0
		for _, location := range locations {
			result, err := c.collection.ReplaceOne(sessCtx,
				bson.M{"_id": location.ID},
				location,
				options.Replace().SetUpsert(true),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert location %s: %w", location.ID, err)
			}
			inserted += result.UpsertedCount
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
