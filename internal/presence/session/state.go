package session

import "munchclub/pkg/model"

type State int

const (
	Absent State = iota
	Joining
	Present
	Leaving
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Joining:
		return "joining"
	case Present:
		return "present"
	case Leaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// View is what a session publishes after every observation: the active
// members of its location and whether the session's user is among them.
type View struct {
	LocationID string              `json:"location_id"`
	State      string              `json:"state"`
	IsPresent  bool                `json:"is_present"`
	Members    []model.MemberEntry `json:"members"`
}
