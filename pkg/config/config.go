package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"munchclub/pkg/client"
	"munchclub/pkg/logger"

	"github.com/nyaruka/phonenumbers"
)

var mongoURIPrefix = regexp.MustCompile(`^mongodb(\+srv)?://`)

type Config struct {
	MongoURI          string
	MongoDatabaseName string
	MongoConnTimeout  time.Duration

	StoreBackend string
	BadgerPath   string

	Port string

	ExpiryWindow          time.Duration
	HeartbeatInterval     time.Duration
	RosterRefreshInterval time.Duration
	TeardownTimeout       time.Duration

	DefaultPhoneRegion string

	NudgeWebhookURL     string
	NudgeWebhookTimeout time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration

	RequestTimeout time.Duration
	MaxRequestSize int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Log    *logger.Logger
	Client *client.Client
}

// Load reads the environment, validates it and logs the result. Invalid
// configuration is fatal.
func Load(serviceName string) *Config {
	cfg := FromEnv(serviceName)

	if err := cfg.Validate(); err != nil {
		cfg.Log.Fatal(err.Error())
	}
	cfg.LogConfiguration()
	return cfg
}

// FromEnv reads the environment without validating it.
func FromEnv(serviceName string) *Config {
	return &Config{
		MongoURI:          getEnvStr(EnvMongoURI, DefaultMongoURI),
		MongoDatabaseName: getEnvStr(EnvMongoDatabaseName, DefaultMongoDatabaseName),
		MongoConnTimeout:  getEnvDuration(EnvMongoConnTimeout, DefaultMongoConnTimeout),

		StoreBackend: strings.ToLower(getEnvStr(EnvStoreBackend, DefaultStoreBackend)),
		BadgerPath:   getEnvStr(EnvBadgerPath, DefaultBadgerPath),

		Port: getEnvStr(EnvPort, DefaultPort),

		ExpiryWindow:          getEnvDuration(EnvExpiryWindow, DefaultExpiryWindow),
		HeartbeatInterval:     getEnvDuration(EnvHeartbeatInterval, DefaultHeartbeatInterval),
		RosterRefreshInterval: getEnvDuration(EnvRosterRefreshInterval, DefaultRosterRefreshInterval),
		TeardownTimeout:       getEnvDuration(EnvTeardownTimeout, DefaultTeardownTimeout),

		DefaultPhoneRegion: strings.ToUpper(getEnvStr(EnvDefaultPhoneRegion, DefaultPhoneRegion)),

		NudgeWebhookURL:     getEnvStr(EnvNudgeWebhookURL, DefaultNudgeWebhookURL),
		NudgeWebhookTimeout: getEnvDuration(EnvNudgeWebhookTimeout, DefaultNudgeWebhookTimeout),

		RateLimitRequests: getEnvNum(EnvRateLimitRequests, DefaultRateLimitRequests),
		RateLimitWindow:   getEnvDuration(EnvRateLimitWindow, DefaultRateLimitWindow),

		RequestTimeout: getEnvDuration(EnvRequestTimeout, DefaultRequestTimeout),
		MaxRequestSize: getEnvNum(EnvMaxRequestSize, DefaultMaxRequestSize),

		ReadTimeout:     getEnvDuration(EnvReadTimeout, DefaultReadTimeout),
		WriteTimeout:    getEnvDuration(EnvWriteTimeout, DefaultWriteTimeout),
		IdleTimeout:     getEnvDuration(EnvIdleTimeout, DefaultIdleTimeout),
		ShutdownTimeout: getEnvDuration(EnvShutdownTimeout, DefaultShutdownTimeout),

		Log: logger.New(logger.Config{
			Level:     getEnvStr(EnvLogLevel, DefaultLogLevel),
			Format:    getEnvStr(EnvLogFormat, DefaultLogFormat),
			AddSource: true,
			Service:   serviceName,
		}),
		Client: client.NewClient(),
	}
}

// OpenStore connects the configured membership store backend.
func (cfg *Config) OpenStore() {
	switch cfg.StoreBackend {
	case StoreMongo:
		cfg.SetMongo()
	case StoreBadger:
		cfg.Client.SetBadger(cfg.Log, cfg.BadgerPath)
	}
}

func (cfg *Config) SetMongo() {
	cfg.Client.SetMongo(cfg.Log, cfg.MongoURI, cfg.MongoConnTimeout)
}

func (cfg *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("Port must be between 1 and 65535, got: %s", cfg.Port))
	}

	switch cfg.StoreBackend {
	case StoreMongo:
		if cfg.MongoURI == "" {
			errors = append(errors, "MongoURI cannot be empty")
		} else if !mongoURIPrefix.MatchString(cfg.MongoURI) {
			errors = append(errors, fmt.Sprintf("MongoURI must start with 'mongodb://' or 'mongodb+srv://', got: %s", redactMongoURI(cfg.MongoURI)))
		}
		if cfg.MongoDatabaseName == "" {
			errors = append(errors, "MongoDatabaseName cannot be empty")
		}
		if cfg.MongoConnTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("MongoConnTimeout must be positive, got: %s", cfg.MongoConnTimeout))
		}
	case StoreBadger, StoreMemory:
	default:
		errors = append(errors, fmt.Sprintf("StoreBackend must be one of [mongo, badger, memory], got: %s", cfg.StoreBackend))
	}

	if cfg.ExpiryWindow <= 0 {
		errors = append(errors, fmt.Sprintf("ExpiryWindow must be positive, got: %s", cfg.ExpiryWindow))
	}
	if cfg.HeartbeatInterval <= 0 {
		errors = append(errors, fmt.Sprintf("HeartbeatInterval must be positive, got: %s", cfg.HeartbeatInterval))
	} else if cfg.HeartbeatInterval >= cfg.ExpiryWindow {
		errors = append(errors, fmt.Sprintf("HeartbeatInterval (%s) must be shorter than ExpiryWindow (%s)", cfg.HeartbeatInterval, cfg.ExpiryWindow))
	}
	if cfg.RosterRefreshInterval <= 0 {
		errors = append(errors, fmt.Sprintf("RosterRefreshInterval must be positive, got: %s", cfg.RosterRefreshInterval))
	}
	if cfg.TeardownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("TeardownTimeout must be positive, got: %s", cfg.TeardownTimeout))
	}

	if !isSupportedRegion(cfg.DefaultPhoneRegion) {
		errors = append(errors, fmt.Sprintf("DefaultPhoneRegion must be a supported ISO region code, got: %s", cfg.DefaultPhoneRegion))
	}

	if cfg.NudgeWebhookURL != "" {
		if u, err := url.Parse(cfg.NudgeWebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, fmt.Sprintf("NudgeWebhookURL must be an absolute http(s) URL, got: %s", cfg.NudgeWebhookURL))
		}
	}
	if cfg.NudgeWebhookTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("NudgeWebhookTimeout must be positive, got: %s", cfg.NudgeWebhookTimeout))
	}

	if cfg.RateLimitRequests <= 0 {
		errors = append(errors, fmt.Sprintf("RateLimitRequests must be positive, got: %d", cfg.RateLimitRequests))
	}
	if cfg.RateLimitWindow <= 0 {
		errors = append(errors, fmt.Sprintf("RateLimitWindow must be positive, got: %s", cfg.RateLimitWindow))
	}
	if cfg.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("RequestTimeout must be positive, got: %s", cfg.RequestTimeout))
	}
	if cfg.MaxRequestSize <= 0 {
		errors = append(errors, fmt.Sprintf("MaxRequestSize must be positive, got: %d", cfg.MaxRequestSize))
	}
	if cfg.ReadTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ReadTimeout must be positive, got: %s", cfg.ReadTimeout))
	}
	if cfg.WriteTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("WriteTimeout must be positive, got: %s", cfg.WriteTimeout))
	}
	if cfg.IdleTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("IdleTimeout must be positive, got: %s", cfg.IdleTimeout))
	}
	if cfg.ShutdownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ShutdownTimeout must be positive, got: %s", cfg.ShutdownTimeout))
	}

	if len(errors) > 0 {
		errMsg := "Configuration validation failed:\n"
		for i, err := range errors {
			errMsg += fmt.Sprintf("  %d. %s\n", i+1, err)
		}
		return fmt.Errorf("%s", errMsg)
	}

	return nil
}

func (cfg *Config) LogConfiguration() {
	cfg.Log.Info("Configuration loaded successfully",
		"store_backend", cfg.StoreBackend,
		"mongo_uri", redactMongoURI(cfg.MongoURI),
		"mongo_database", cfg.MongoDatabaseName,
		"mongo_conn_timeout", cfg.MongoConnTimeout,
		"badger_path", cfg.BadgerPath,
		"port", cfg.Port,
		"expiry_window", cfg.ExpiryWindow,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"roster_refresh_interval", cfg.RosterRefreshInterval,
		"teardown_timeout", cfg.TeardownTimeout,
		"default_phone_region", cfg.DefaultPhoneRegion,
		"nudge_webhook_enabled", cfg.NudgeWebhookURL != "",
		"nudge_webhook_timeout", cfg.NudgeWebhookTimeout,
		"rate_limit_requests", cfg.RateLimitRequests,
		"rate_limit_window", cfg.RateLimitWindow,
		"request_timeout", cfg.RequestTimeout,
		"max_request_size", cfg.MaxRequestSize,
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"idle_timeout", cfg.IdleTimeout,
		"shutdown_timeout", cfg.ShutdownTimeout,
	)
}

func (cfg *Config) GracefulShutdown(ctx context.Context) {
	if err := cfg.Client.GracefulShutdown(ctx); err != nil {
		cfg.Log.Error("Failed to close store connections", "error", err)
	}
}

func isSupportedRegion(region string) bool {
	_, ok := phonenumbers.GetSupportedRegions()[region]
	return ok
}

func redactMongoURI(uri string) string {
	credentialRegex := regexp.MustCompile(`(mongodb(\+srv)?://)[^:]+:[^@]+@`)
	return credentialRegex.ReplaceAllString(uri, "${1}***:***@")
}

func getEnvStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvNum(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
