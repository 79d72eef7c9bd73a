package model

import "time"

// Identity is the authenticated user as handed over by the identity
// provider. It is passed explicitly into every presence session.
type Identity struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	DisplayName string `json:"display_name" validate:"required,max=64"`
	AvatarRef   string `json:"avatar_ref,omitempty" validate:"omitempty,url,max=512"`
	ContactRef  string `json:"contact_ref,omitempty" validate:"omitempty,e164"`
}

// Entry builds the member entry this identity contributes to a record.
func (i Identity) Entry(joinedAt, heartbeatAt time.Time) MemberEntry {
	return MemberEntry{
		UserID:          i.UserID,
		DisplayName:     i.DisplayName,
		AvatarRef:       i.AvatarRef,
		ContactRef:      i.ContactRef,
		JoinedAt:        joinedAt,
		LastHeartbeatAt: heartbeatAt,
	}
}
