package main

import (
	"context"
	"time"

	"munchclub/internal/catalog"
	"munchclub/internal/presence/validator"
	"munchclub/pkg/config"
)

const JobName = "catalog-seed"

// The seed job writes the built-in dining hall catalog to Mongo. Existing
// locations are replaced, so it can be rerun after editing the seed.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := config.Load(JobName)
	cfg.SetMongo()
	defer cfg.GracefulShutdown(ctx)

	locations := catalog.StanfordDiningHalls()
	v := validator.NewIdentityValidator()
	for _, location := range locations {
		if err := v.ValidateLocation(location); err != nil {
			cfg.Log.Error("Invalid seed location", "location_id", location.ID, "error", err)
			return
		}
	}

	inserted, err := catalog.NewMongoCatalog(cfg).Upsert(ctx, locations)
	if err != nil {
		cfg.Log.Error("Catalog seed failed", "error", err)
		return
	}
	cfg.Log.Info("Catalog seeded",
		"locations", len(locations),
		"inserted", inserted,
		"replaced", int64(len(locations))-inserted,
	)
}
