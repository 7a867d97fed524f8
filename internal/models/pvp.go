package models

import "time"

// PvPActionType enumerates the direct actions and timed status effects a
// participant can enact against an agent.
type PvPActionType string

const (
	// Direct actions: executed once, never stored.
	ActionAttack  PvPActionType = "ATTACK"
	ActionAmnesia PvPActionType = "AMNESIA"
	ActionMurder  PvPActionType = "MURDER"

	// Status effects: held until expiry.
	StatusSilence PvPActionType = "SILENCE"
	StatusDeafen  PvPActionType = "DEAFEN"
	StatusPoison  PvPActionType = "POISON"
	StatusBlind   PvPActionType = "BLIND"
	StatusDeceive PvPActionType = "DECEIVE"
)

// Direct reports whether the action is one-shot rather than a timed status.
func (t PvPActionType) Direct() bool {
	switch t {
	case ActionAttack, ActionAmnesia, ActionMurder:
		return true
	}
	return false
}

// Known reports whether t is part of the protocol.
func (t PvPActionType) Known() bool {
	switch t {
	case ActionAttack, ActionAmnesia, ActionMurder,
		StatusSilence, StatusDeafen, StatusPoison, StatusBlind, StatusDeceive:
		return true
	}
	return false
}

// PvPAction is the wire form of an enacted action.
type PvPAction struct {
	ActionType PvPActionType  `json:"actionType"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// PoisonDetails configures the find/replace applied to a poisoned agent's
// messages.
type PoisonDetails struct {
	Find          string `json:"find"`
	Replace       string `json:"replace"`
	CaseSensitive bool   `json:"case_sensitive"`
}

// PvPEffect is an applied status effect owned by the PvP engine's
// per-target list.
type PvPEffect struct {
	EffectID      string
	ActionType    PvPActionType
	SourceAddress string
	TargetAgentID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Details       *PoisonDetails
}

// Expired reports whether the effect has lapsed at the given instant.
// Expiry is evaluated lazily on every read rather than by timers.
func (e PvPEffect) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
