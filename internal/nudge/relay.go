// Package nudge turns member.joined events into contact prompts for the
// user who joined a table that already had people at it.
package nudge

import (
	"context"
	"errors"

	"munchclub/internal/presence/events"
	"munchclub/pkg/kafka"
	"munchclub/pkg/logger"
	"munchclub/pkg/sanitizer"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDedupeSize = 1024

// Nudge prompts UserID to reach out to the people already at LocationID.
type Nudge struct {
	EventID     string
	LocationID  string
	UserID      string
	DisplayName string
	Contact     string
	Others      []string
}

type Notifier interface {
	Notify(ctx context.Context, n Nudge) error
}

// LogNotifier records nudges in the log. Delivery to a messaging channel
// plugs in behind Notifier.
type LogNotifier struct {
	Log *logger.Logger
}

func (n LogNotifier) Notify(_ context.Context, nudge Nudge) error {
	n.Log.Info("Contact nudge",
		"event_id", nudge.EventID,
		"location_id", nudge.LocationID,
		"user_id", nudge.UserID,
		"display_name", nudge.DisplayName,
		"contact", nudge.Contact,
		"others_present", nudge.Others,
	)
	return nil
}

type Relay struct {
	notifier Notifier
	log      *logger.Logger
	region   string

	// Delivery is at least once; recently seen event ids are skipped.
	seen *lru.Cache[string, struct{}]
}

func NewRelay(notifier Notifier, log *logger.Logger, phoneRegion string) *Relay {
	seen, err := lru.New[string, struct{}](defaultDedupeSize)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return &Relay{
		notifier: notifier,
		log:      log,
		region:   phoneRegion,
		seen:     seen,
	}
}

// Handle is a kafka.MessageHandler. The consumer calls it from a single
// goroutine.
func (r *Relay) Handle(ctx context.Context, msg kafka.Message) error {
	event, err := events.Decode(msg)
	if err != nil {
		return err
	}
	if event.Type != events.TypeMemberJoined || len(event.OthersPresent) == 0 {
		return nil
	}

	eventID := msg.GetEventID()
	if r.duplicate(eventID) {
		r.log.Debug("Skipping duplicate presence event", "event_id", eventID)
		return nil
	}

	if err := r.notifier.Notify(ctx, Nudge{
		EventID:     eventID,
		LocationID:  event.LocationID,
		UserID:      event.UserID,
		DisplayName: event.DisplayName,
		Contact:     sanitizer.FormatPhone(event.ContactRef, r.region),
		Others:      event.OthersPresent,
	}); err != nil {
		var kafkaErr *kafka.KafkaError
		if errors.As(err, &kafkaErr) {
			return err
		}
		return kafka.NewTransientError("nudge delivery failed", err)
	}
	r.remember(eventID)
	return nil
}

func (r *Relay) duplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	return r.seen.Contains(eventID)
}

func (r *Relay) remember(eventID string) {
	if eventID == "" {
		return
	}
	r.seen.Add(eventID, struct{}{})
}
