package events

import (
	"testing"
	"time"

	"munchclub/pkg/kafka"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	req := require.New(t)
	at := time.Date(2025, 3, 4, 12, 30, 0, 0, time.UTC)
	event := MemberEvent{
		Type:          TypeMemberJoined,
		LocationID:    "wilbur",
		UserID:        "u-ada",
		DisplayName:   "Ada L.",
		OthersPresent: []string{"u-grace"},
		OccurredAt:    at,
	}

	msg, err := Encode(event)
	req.NoError(err)
	req.Equal("wilbur", msg.Key)
	req.Equal(TypeMemberJoined, msg.GetEventType())
	req.Equal(Source, msg.Headers[kafka.HeaderSource])
	req.NotEmpty(msg.GetEventID())
	req.Equal(at, msg.Timestamp)

	decoded, err := Decode(msg)
	req.NoError(err)
	req.Equal(event, decoded)
}

func TestDecode_MalformedIsPermanent(t *testing.T) {
	_, err := Decode(kafka.Message{Value: []byte("{nope"), Headers: map[string]string{}})
	require.Error(t, err)
	require.Equal(t, kafka.ErrorTypePermanent, kafka.ClassifyError(err))
}
