package config

import "time"

const (
	StoreMongo  = "mongo"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

const (
	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultMongoDatabaseName = "munchclub"
	DefaultMongoConnTimeout  = 10 * time.Second

	DefaultStoreBackend = StoreMongo
	DefaultBadgerPath   = "./data/badger"

	DefaultPort      = "8080"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultExpiryWindow          = 1 * time.Hour
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultRosterRefreshInterval = 30 * time.Second
	DefaultTeardownTimeout       = 5 * time.Second

	DefaultPhoneRegion = "US"

	DefaultNudgeWebhookURL     = "" // empty logs nudges instead of posting them
	DefaultNudgeWebhookTimeout = 5 * time.Second

	DefaultRateLimitRequests = 30
	DefaultRateLimitWindow   = 1 * time.Minute

	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxRequestSize = 64 * 1024 // 64KB

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)
