// Package events announces presence changes to the rest of the system.
// Publishing is best effort: a lost event never affects membership.
package events

import (
	"context"
	"time"

	"munchclub/pkg/kafka"
	"munchclub/pkg/logger"
)

const (
	TypeMemberJoined = "member.joined"
	TypeMemberLeft   = "member.left"

	SchemaVersion = "1"
	Source        = "munchclub-presence"
)

// MemberEvent is the payload of both event types. OthersPresent lists the
// user ids already at the location when the member joined.
type MemberEvent struct {
	Type          string    `json:"type"`
	LocationID    string    `json:"location_id"`
	UserID        string    `json:"user_id"`
	DisplayName   string    `json:"display_name"`
	ContactRef    string    `json:"contact_ref,omitempty"`
	OthersPresent []string  `json:"others_present,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event MemberEvent) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, MemberEvent) error { return nil }
func (NopPublisher) Close() error                               { return nil }

// KafkaPublisher writes events keyed by location so a location's events
// stay ordered within one partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	log      *logger.Logger
}

func NewKafkaPublisher(producer *kafka.Producer, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event MemberEvent) error {
	msg, err := Encode(event)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

func Encode(event MemberEvent) (kafka.Message, error) {
	return kafka.NewMessage().
		WithKey(event.LocationID).
		WithValue(event).
		WithEventType(event.Type).
		WithSchemaVersion(SchemaVersion).
		WithSource(Source).
		WithTimestamp(event.OccurredAt).
		Build()
}

// Decode reads a MemberEvent back from a consumed message. Malformed
// payloads are permanent failures.
func Decode(msg kafka.Message) (MemberEvent, error) {
	var event MemberEvent
	if err := msg.DecodeValue(&event); err != nil {
		return MemberEvent{}, kafka.NewPermanentError("malformed presence event", err)
	}
	if event.Type == "" {
		event.Type = msg.GetEventType()
	}
	return event, nil
}
