package main

import (
	"context"

	"munchclub/internal/catalog"
	"munchclub/internal/presence/events"
	"munchclub/internal/presence/exclusivity"
	"munchclub/internal/presence/expiry"
	"munchclub/internal/presence/handler"
	"munchclub/internal/presence/repository"
	"munchclub/internal/presence/roster"
	"munchclub/internal/presence/service"
	"munchclub/pkg/app"
	"munchclub/pkg/config"
	"munchclub/pkg/kafka"
	kafka_config "munchclub/pkg/kafka/config"
	kafka_middleware "munchclub/pkg/kafka/middleware"
	"munchclub/pkg/model"

	"github.com/jonboulle/clockwork"
)

const ServiceName = "presence"

func main() {
	cfg := config.Load(ServiceName)
	cfg.OpenStore()

	cfg.Log.Info("Starting Presence service", "store_backend", cfg.StoreBackend)

	// Background watchers run until shutdown.
	ctx, stop := context.WithCancel(context.Background())

	repo := initRepository(cfg)
	locations := initCatalog(ctx, cfg)
	eventMetrics := &kafka_middleware.Metrics{}
	publisher := initPublisher(cfg, eventMetrics)
	presenceService := initService(ctx, cfg, repo, locations, publisher)

	serverApp := app.NewApplication(cfg)
	serverApp.SetApp(
		handler.NewHealthHandler(presenceService, cfg.Log),
		handler.NewPresenceHandler(presenceService, cfg.Log, cfg.DefaultPhoneRegion),
		handler.NewSocketHandler(presenceService, cfg.Log, cfg.DefaultPhoneRegion),
	)
	serverApp.OnShutdown("presence sessions", presenceService.Shutdown)
	serverApp.OnShutdown("store watchers", func(context.Context) error {
		stop()
		cfg.Log.Info("Presence event totals", "metrics", eventMetrics.Snapshot())
		return nil
	})
	serverApp.Run()
}

func initRepository(cfg *config.Config) repository.MembershipRepository {
	switch cfg.StoreBackend {
	case config.StoreMongo:
		return repository.NewMongoMembershipRepository(cfg)
	case config.StoreBadger:
		return repository.NewBadgerMembershipRepository(cfg.Client.Badger)
	default:
		cfg.Log.Warn("Using in-memory membership store; presence is lost on restart")
		return repository.NewMemoryMembershipRepository()
	}
}

// initCatalog reads the location catalog once. Without Mongo the built-in
// seed is served.
func initCatalog(ctx context.Context, cfg *config.Config) []model.Location {
	var source catalog.Catalog = catalog.NewStatic(catalog.StanfordDiningHalls())
	if cfg.StoreBackend == config.StoreMongo {
		source = catalog.NewMongoCatalog(cfg)
	}

	cached, err := catalog.Cached(ctx, source)
	if err != nil {
		cfg.Log.Fatal("Failed to load location catalog", "error", err)
	}
	locations, err := cached.List(ctx)
	if err != nil {
		cfg.Log.Fatal("Failed to list location catalog", "error", err)
	}
	if len(locations) == 0 {
		cfg.Log.Fatal("Location catalog is empty; run the seed job first")
	}

	cfg.Log.Info("Location catalog loaded", "locations", len(locations))
	return locations
}

func initPublisher(cfg *config.Config, metrics *kafka_middleware.Metrics) events.Publisher {
	kafkaCfg, err := kafka_config.Load()
	if err != nil {
		cfg.Log.Fatal("Invalid Kafka configuration", "error", err)
	}
	kafkaCfg.LogConfiguration(cfg.Log)
	if !kafkaCfg.Enabled {
		return events.NopPublisher{}
	}

	producer, err := kafka.NewProducer(kafkaCfg, kafkaCfg.PresenceTopic, cfg.Log)
	if err != nil {
		cfg.Log.Fatal("Failed to create Kafka producer", "error", err)
	}
	producer.Use(kafka_middleware.LoggingProducerMiddleware(cfg.Log))
	producer.Use(metrics.ProducerMiddleware())

	cfg.Log.Info("Presence events enabled", "topic", kafkaCfg.PresenceTopic)
	return events.NewKafkaPublisher(producer, cfg.Log)
}

func initService(ctx context.Context, cfg *config.Config, repo repository.MembershipRepository, locations []model.Location, publisher events.Publisher) service.PresenceService {
	clk := clockwork.NewRealClock()
	policy := expiry.New(cfg.ExpiryWindow)

	tracker := exclusivity.New(locations, policy, clk, cfg.Log)
	if err := tracker.Start(ctx, repo); err != nil {
		cfg.Log.Fatal("Failed to start exclusivity tracker", "error", err)
	}
	aggregator := roster.New(locations, policy, clk, cfg.Log, cfg.RosterRefreshInterval)
	if err := aggregator.Start(ctx, repo); err != nil {
		cfg.Log.Fatal("Failed to start roster aggregator", "error", err)
	}

	presenceService := service.NewPresenceService(service.Dependencies{
		Repository: repo,
		Locations:  locations,
		Tracker:    tracker,
		Roster:     aggregator,
		Publisher:  publisher,
		Clock:      clk,
	}, cfg)

	cfg.Log.Info("Presence service initialized",
		"expiry_window", cfg.ExpiryWindow,
		"heartbeat_interval", cfg.HeartbeatInterval,
	)
	return presenceService
}
