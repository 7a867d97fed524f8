package models

import "time"

// RoundStatus is the lifecycle state of a debate round.
type RoundStatus string

const (
	RoundStarting RoundStatus = "STARTING"
	RoundOpen     RoundStatus = "OPEN"
	RoundEnd      RoundStatus = "END"
)

// RoomConfig is fixed at room creation.
type RoomConfig struct {
	RoundDuration time.Duration `json:"roundDuration"`
	PvPEnabled    bool          `json:"pvpEnabled"`
}

// Room is a configured debate container. Membership maps agent id to the
// agent's wallet address and is immutable after setup except explicit
// add/kick.
type Room struct {
	ID        string            `json:"id"`
	Config    RoomConfig        `json:"config"`
	Agents    map[string]string `json:"agents"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Round is one debate cycle within a room. At most one round per room holds
// status OPEN at a time; closed rounds are immutable.
type Round struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"roomId"`
	Status    RoundStatus `json:"status"`
	GMID      string      `json:"gmId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Active reports whether the round accepts new agent messages.
func (r Round) Active() bool {
	return r.Status == RoundOpen
}
