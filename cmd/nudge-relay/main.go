package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"munchclub/internal/nudge"
	"munchclub/pkg/config"
	"munchclub/pkg/kafka"
	kafka_config "munchclub/pkg/kafka/config"
	kafka_middleware "munchclub/pkg/kafka/middleware"
)

const ServiceName = "nudge-relay"

func main() {
	cfg := config.Load(ServiceName)

	kafkaCfg, err := kafka_config.Load()
	if err != nil {
		cfg.Log.Fatal("Invalid Kafka configuration", "error", err)
	}
	kafkaCfg.LogConfiguration(cfg.Log)
	if !kafkaCfg.Enabled {
		cfg.Log.Fatal("Kafka is disabled; the nudge relay has nothing to consume")
	}

	var notifier nudge.Notifier = nudge.LogNotifier{Log: cfg.Log}
	if cfg.NudgeWebhookURL != "" {
		notifier = nudge.NewWebhookNotifier(cfg.NudgeWebhookURL, cfg.NudgeWebhookTimeout)
		cfg.Log.Info("Nudges will be posted to webhook")
	}

	relay := nudge.NewRelay(notifier, cfg.Log, cfg.DefaultPhoneRegion)
	consumer, err := kafka.NewConsumer(kafkaCfg, kafkaCfg.PresenceTopic, kafkaCfg.NudgeGroupID, relay.Handle, cfg.Log)
	if err != nil {
		cfg.Log.Fatal("Failed to create Kafka consumer", "error", err)
	}

	metrics := &kafka_middleware.Metrics{}
	consumer.Use(kafka_middleware.LoggingConsumerMiddleware(cfg.Log))
	consumer.Use(metrics.ConsumerMiddleware())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Log.Info("Starting nudge relay",
		"topic", kafkaCfg.PresenceTopic,
		"group_id", kafkaCfg.NudgeGroupID,
	)
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		cfg.Log.Error("Nudge relay stopped", "error", err)
	}

	if err := consumer.Close(); err != nil {
		cfg.Log.Error("Failed to close Kafka consumer", "error", err)
	}
	cfg.Log.Info("Nudge relay stopped", "metrics", metrics.Snapshot())
}
