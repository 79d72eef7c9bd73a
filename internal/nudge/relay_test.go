package nudge

import (
	"context"
	"errors"
	"testing"
	"time"

	"munchclub/internal/presence/events"
	"munchclub/pkg/kafka"
	"munchclub/pkg/logger"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	nudges []Nudge
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, nudge Nudge) error {
	if n.err != nil {
		return n.err
	}
	n.nudges = append(n.nudges, nudge)
	return nil
}

func encode(t *testing.T, event events.MemberEvent) kafka.Message {
	t.Helper()
	msg, err := events.Encode(event)
	require.NoError(t, err)
	return msg
}

func joined(others ...string) events.MemberEvent {
	return events.MemberEvent{
		Type:          events.TypeMemberJoined,
		LocationID:    "wilbur",
		UserID:        "u1",
		DisplayName:   "Ann L.",
		ContactRef:    "+16502530000",
		OthersPresent: others,
		OccurredAt:    time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestRelay_NudgesWhenOthersPresent(t *testing.T) {
	notifier := &recordingNotifier{}
	relay := NewRelay(notifier, logger.Nop(), "US")

	require.NoError(t, relay.Handle(context.Background(), encode(t, joined("u2", "u3"))))

	require.Len(t, notifier.nudges, 1)
	n := notifier.nudges[0]
	require.Equal(t, "wilbur", n.LocationID)
	require.Equal(t, "u1", n.UserID)
	require.Equal(t, "(650) 253-0000", n.Contact)
	require.Equal(t, []string{"u2", "u3"}, n.Others)
	require.NotEmpty(t, n.EventID)
}

func TestRelay_IgnoresOtherEvents(t *testing.T) {
	notifier := &recordingNotifier{}
	relay := NewRelay(notifier, logger.Nop(), "US")

	left := joined("u2")
	left.Type = events.TypeMemberLeft

	require.NoError(t, relay.Handle(context.Background(), encode(t, joined())))
	require.NoError(t, relay.Handle(context.Background(), encode(t, left)))
	require.Empty(t, notifier.nudges)
}

func TestRelay_SkipsRedelivery(t *testing.T) {
	notifier := &recordingNotifier{}
	relay := NewRelay(notifier, logger.Nop(), "US")
	msg := encode(t, joined("u2"))

	require.NoError(t, relay.Handle(context.Background(), msg))
	require.NoError(t, relay.Handle(context.Background(), msg))
	require.Len(t, notifier.nudges, 1)
}

func TestRelay_ForgetsOldestEventIDs(t *testing.T) {
	notifier := &recordingNotifier{}
	relay := NewRelay(notifier, logger.Nop(), "US")
	relay.seen.Resize(2)

	first := encode(t, joined("u2"))
	require.NoError(t, relay.Handle(context.Background(), first))
	require.NoError(t, relay.Handle(context.Background(), encode(t, joined("u2"))))
	require.NoError(t, relay.Handle(context.Background(), encode(t, joined("u2"))))
	require.NoError(t, relay.Handle(context.Background(), first))

	require.Len(t, notifier.nudges, 4)
}

func TestRelay_Errors(t *testing.T) {
	malformed := kafka.Message{Value: []byte("{"), Headers: map[string]string{}}
	err := NewRelay(&recordingNotifier{}, logger.Nop(), "US").Handle(context.Background(), malformed)
	require.Equal(t, kafka.ErrorTypePermanent, kafka.ClassifyError(err))

	notifier := &recordingNotifier{err: errors.New("smtp down")}
	relay := NewRelay(notifier, logger.Nop(), "US")
	msg := encode(t, joined("u2"))
	err = relay.Handle(context.Background(), msg)
	require.Equal(t, kafka.ErrorTypeTransient, kafka.ClassifyError(err))

	// A failed delivery is not remembered, so a retry goes through.
	notifier.err = nil
	require.NoError(t, relay.Handle(context.Background(), msg))
	require.Len(t, notifier.nudges, 1)
}
