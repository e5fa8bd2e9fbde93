package model

import "time"

// DefaultMaxPunches задаёт число отметок, после которого клиенту положен бесплатный товар.
const DefaultMaxPunches = 6

// PunchCardState описывает фазу цикла карты.
type PunchCardState string

const (
	PunchCardActive   PunchCardState = "ACTIVE"
	PunchCardComplete PunchCardState = "COMPLETE"
	PunchCardClaimed  PunchCardState = "CLAIMED"
)

// PunchCard описывает карту отметок пользователя по одной категории наград.
type PunchCard struct {
	UserID          int64          `json:"userId"`
	Category        RewardCategory `json:"category"`
	CurrentPunches  int64          `json:"currentPunches"`
	MaxPunches      int64          `json:"maxPunches"`
	FreeItemClaimed bool           `json:"freeItemClaimed"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// IsComplete сообщает, набрано ли нужное число отметок.
func (c PunchCard) IsComplete() bool {
	return c.CurrentPunches >= c.MaxPunches
}

// State возвращает текущую фазу карты.
func (c PunchCard) State() PunchCardState {
	switch {
	case c.IsComplete() && c.FreeItemClaimed:
		return PunchCardClaimed
	case c.IsComplete():
		return PunchCardComplete
	default:
		return PunchCardActive
	}
}
