package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates envelope content. Every consumption site must
// switch over the full set; unknown types are rejected at the parse boundary.
type MessageType string

const (
	TypeSubscribeRoom      MessageType = "subscribe_room"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeParticipants       MessageType = "participants"
	TypeAgentMessage       MessageType = "agent_message"
	TypeGMMessage          MessageType = "gm_message"
	TypeObservation        MessageType = "observation"
	TypeSystemNotification MessageType = "system_notification"
	TypePvPActionEnacted   MessageType = "pvp_action_enacted"
	TypePvPStatusRemoved   MessageType = "pvp_status_removed"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingField       = errors.New("missing required field")
)

// Envelope is the signed, typed wire unit. The signature covers the
// canonical serialization of the signed portion of Content, never the outer
// envelope, and envelopes are treated as immutable once signed.
type Envelope struct {
	Type      MessageType     `json:"messageType"`
	Signature string          `json:"signature,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Content   json.RawMessage `json:"content"`
}

// ParseEnvelope decodes raw wire bytes and rejects envelopes whose type is
// not part of the protocol. Content validation happens in DecodeContent.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	switch env.Type {
	case TypeSubscribeRoom, TypeHeartbeat, TypeParticipants, TypeAgentMessage,
		TypeGMMessage, TypeObservation, TypeSystemNotification,
		TypePvPActionEnacted, TypePvPStatusRemoved:
		return &env, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// DecodeContent unmarshals and validates the typed content payload for the
// envelope's declared type.
func (e *Envelope) DecodeContent() (any, error) {
	decode := func(dst interface{ Validate() error }) (any, error) {
		if err := json.Unmarshal(e.Content, dst); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", e.Type, err)
		}
		if err := dst.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Type, err)
		}
		return dst, nil
	}

	switch e.Type {
	case TypeSubscribeRoom:
		return decode(&SubscribeRoomContent{})
	case TypeHeartbeat:
		return decode(&HeartbeatContent{})
	case TypeParticipants:
		return decode(&ParticipantsContent{})
	case TypeAgentMessage:
		return decode(&AgentMessageContent{})
	case TypeGMMessage:
		return decode(&GMMessageContent{})
	case TypeObservation:
		return decode(&ObservationContent{})
	case TypeSystemNotification:
		return decode(&SystemNotificationContent{})
	case TypePvPActionEnacted:
		return decode(&PvPActionEnactedContent{})
	case TypePvPStatusRemoved:
		return decode(&PvPStatusRemovedContent{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
}

// SubscribeRoomContent asks the backend to relay a room's traffic over the
// current connection.
type SubscribeRoomContent struct {
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

func (c *SubscribeRoomContent) Validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return nil
}

// HeartbeatContent is intentionally empty; liveness is carried by the
// envelope itself.
type HeartbeatContent struct{}

func (c *HeartbeatContent) Validate() error { return nil }

// ParticipantsContent is the backend's response to a room subscription and
// doubles as the liveness proof during the handshake.
type ParticipantsContent struct {
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
	Count     int    `json:"count"`
}

func (c *ParticipantsContent) Validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return nil
}

// AgentMessageContent is one conversational turn. Context carries recent
// history for downstream consumers; it is attached after signing and is
// excluded from the signed fields so signatures stay stable as context
// grows.
type AgentMessageContent struct {
	Timestamp int64          `json:"timestamp"`
	RoomID    string         `json:"roomId"`
	RoundID   string         `json:"roundId"`
	AgentID   string         `json:"agentId"`
	Text      string         `json:"text"`
	Context   []HistoryEntry `json:"context,omitempty"`
}

func (c *AgentMessageContent) Validate() error {
	switch {
	case c.RoomID == "":
		return fmt.Errorf("%w: roomId", ErrMissingField)
	case c.RoundID == "":
		return fmt.Errorf("%w: roundId", ErrMissingField)
	case c.AgentID == "":
		return fmt.Errorf("%w: agentId", ErrMissingField)
	case c.Text == "":
		return fmt.Errorf("%w: text", ErrMissingField)
	}
	return nil
}

// SignedFields returns the content without post-signing context. This is
// the fixed canonical shape the signature is computed over.
func (c AgentMessageContent) SignedFields() AgentMessageContent {
	c.Context = nil
	return c
}

// GMMessageContent is a Game Master directive addressed to one or more
// agents.
type GMMessageContent struct {
	GMID           string         `json:"gmId"`
	Timestamp      int64          `json:"timestamp"`
	Targets        []string       `json:"targets"`
	RoomID         string         `json:"roomId"`
	RoundID        string         `json:"roundId"`
	Message        string         `json:"message"`
	Deadline       *int64         `json:"deadline,omitempty"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
	IgnoreErrors   bool           `json:"ignoreErrors,omitempty"`
}

func (c *GMMessageContent) Validate() error {
	switch {
	case c.GMID == "":
		return fmt.Errorf("%w: gmId", ErrMissingField)
	case c.RoomID == "":
		return fmt.Errorf("%w: roomId", ErrMissingField)
	case c.RoundID == "":
		return fmt.Errorf("%w: roundId", ErrMissingField)
	case c.Message == "":
		return fmt.Errorf("%w: message", ErrMissingField)
	}
	return nil
}

// ObservationContent carries out-of-band data (oracle prices, wallet
// balances) visible to agents unless a BLIND effect suppresses it.
type ObservationContent struct {
	AgentID         string          `json:"agentId"`
	Timestamp       int64           `json:"timestamp"`
	RoomID          string          `json:"roomId"`
	RoundID         string          `json:"roundId"`
	ObservationType string          `json:"observationType"`
	Data            json.RawMessage `json:"data"`
}

func (c *ObservationContent) Validate() error {
	switch {
	case c.AgentID == "":
		return fmt.Errorf("%w: agentId", ErrMissingField)
	case c.RoomID == "":
		return fmt.Errorf("%w: roomId", ErrMissingField)
	case c.RoundID == "":
		return fmt.Errorf("%w: roundId", ErrMissingField)
	case c.ObservationType == "":
		return fmt.Errorf("%w: observationType", ErrMissingField)
	}
	return nil
}

// SystemNotificationContent is an unsigned backend-to-client notice.
type SystemNotificationContent struct {
	Timestamp       int64           `json:"timestamp"`
	Text            string          `json:"text"`
	Error           bool            `json:"error"`
	OriginalMessage json.RawMessage `json:"originalMessage,omitempty"`
}

func (c *SystemNotificationContent) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("%w: text", ErrMissingField)
	}
	return nil
}

// PvPActionEnactedContent announces that an instigator enacted a PvP action
// against a target.
type PvPActionEnactedContent struct {
	Timestamp         int64     `json:"timestamp"`
	RoomID            string    `json:"roomId"`
	RoundID           string    `json:"roundId"`
	Instigator        string    `json:"instigator"`
	InstigatorAddress string    `json:"instigatorAddress"`
	Action            PvPAction `json:"action"`
}

func (c *PvPActionEnactedContent) Validate() error {
	switch {
	case c.RoomID == "":
		return fmt.Errorf("%w: roomId", ErrMissingField)
	case c.RoundID == "":
		return fmt.Errorf("%w: roundId", ErrMissingField)
	case c.Instigator == "":
		return fmt.Errorf("%w: instigator", ErrMissingField)
	case c.Action.ActionType == "":
		return fmt.Errorf("%w: action.actionType", ErrMissingField)
	case c.Action.Target == "":
		return fmt.Errorf("%w: action.target", ErrMissingField)
	}
	return nil
}

// PvPStatusRemovedContent announces that a status effect was removed before
// or at expiry, for visibility only; clients also expire effects locally.
type PvPStatusRemovedContent struct {
	EffectID      string `json:"effectId"`
	TargetAgentID string `json:"targetAgentId"`
}

func (c *PvPStatusRemovedContent) Validate() error {
	switch {
	case c.EffectID == "":
		return fmt.Errorf("%w: effectId", ErrMissingField)
	case c.TargetAgentID == "":
		return fmt.Errorf("%w: targetAgentId", ErrMissingField)
	}
	return nil
}
