package config

const (
	EnvMongoURI          = "MONGO_URI"
	EnvMongoDatabaseName = "MONGO_DATABASE_NAME"
	EnvMongoConnTimeout  = "MONGO_CONN_TIMEOUT"

	EnvStoreBackend = "STORE_BACKEND"
	EnvBadgerPath   = "BADGER_PATH"

	EnvPort      = "PORT"
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"

	EnvExpiryWindow          = "EXPIRY_WINDOW"
	EnvHeartbeatInterval     = "HEARTBEAT_INTERVAL"
	EnvRosterRefreshInterval = "ROSTER_REFRESH_INTERVAL"
	EnvTeardownTimeout       = "TEARDOWN_TIMEOUT"

	EnvDefaultPhoneRegion = "DEFAULT_PHONE_REGION"

	EnvNudgeWebhookURL     = "NUDGE_WEBHOOK_URL"
	EnvNudgeWebhookTimeout = "NUDGE_WEBHOOK_TIMEOUT"

	EnvRateLimitRequests = "RATE_LIMIT_REQUESTS"
	EnvRateLimitWindow   = "RATE_LIMIT_WINDOW"

	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvMaxRequestSize = "MAX_REQUEST_SIZE"

	EnvReadTimeout     = "READ_TIMEOUT"
	EnvWriteTimeout    = "WRITE_TIMEOUT"
	EnvIdleTimeout     = "IDLE_TIMEOUT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
)
