package kafka_config

import "time"

const (
	DefaultKafkaEnabled       = false
	DefaultKafkaBrokers       = "localhost:9092"
	DefaultKafkaPresenceTopic = "munchclub.presence"
	DefaultKafkaNudgeGroupID  = "munchclub-nudge-relay"

	DefaultProducerMaxAttempts  = 3
	DefaultProducerBatchTimeout = 10 * time.Millisecond
	DefaultProducerRequireAcks  = -1
	DefaultProducerCompression  = "snappy"

	// Presence events only matter while fresh; a relay that restarts skips the backlog.
	DefaultConsumerStartOffset       = -1
	DefaultConsumerMaxBytes          = 1024 * 1024
	DefaultConsumerMaxWait           = 500 * time.Millisecond
	DefaultConsumerCommitInterval    = time.Second
	DefaultConsumerHeartbeatInterval = 3 * time.Second
	DefaultConsumerSessionTimeout    = 10 * time.Second
	DefaultConsumerMaxRetries        = 3
)
