// Package handlers implements the local bus backend: the REST surface and
// websocket relay the arena client packages speak to during development and
// tests.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/models"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoundNotFound    = errors.New("round not found")
	ErrRoundClosed      = errors.New("round closed")
	ErrOpenRoundExists  = errors.New("an open round already exists")
	ErrNoOpenRound      = errors.New("no open round")
	ErrUnknownAgent     = errors.New("agent not registered in room")
	ErrAddressMismatch  = errors.New("address does not match registration")
	ErrAlreadyMember    = errors.New("agent already registered")
	ErrRoundRoomMissing = errors.New("round does not belong to a known room")
)

// Subscriber serializes writes to one websocket connection; the relay and
// the connection's own read loop may both write to it.
type Subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSubscriber wraps a connection for relay use.
func NewSubscriber(conn *websocket.Conn) *Subscriber {
	return &Subscriber{conn: conn}
}

// Send writes one text frame.
func (s *Subscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SendEnvelope marshals and writes one envelope.
func (s *Subscriber) SendEnvelope(env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Send(data)
}

type roomState struct {
	room        models.Room
	subscribers map[*Subscriber]bool
	rounds      []*models.Round
}

type roundState struct {
	round    *models.Round
	roomID   string
	messages []*models.Envelope
}

// Hub owns every room, round, and websocket subscription. All mutation
// happens under one mutex; broadcasts copy the subscriber set first so
// writes happen outside it.
type Hub struct {
	log zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*roomState
	rounds map[string]*roundState
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:    log.With().Str("component", "hub").Logger(),
		rooms:  make(map[string]*roomState),
		rounds: make(map[string]*roundState),
	}
}

// CreateRoom registers a room with the given configuration.
func (h *Hub) CreateRoom(cfg models.RoomConfig) models.Room {
	room := models.Room{
		ID:        uuid.NewString(),
		Config:    cfg,
		Agents:    make(map[string]string),
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.rooms[room.ID] = &roomState{
		room:        room,
		subscribers: make(map[*Subscriber]bool),
	}
	h.mu.Unlock()

	h.log.Info().Str("room", room.ID).Msg("room created")
	return room
}

// RegisterAgent adds an agent to a room's membership. Re-registering the
// same agent with the same address is tolerated; a different address is a
// conflict.
func (h *Hub) RegisterAgent(roomID, agentID, address string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if existing, ok := state.room.Agents[agentID]; ok {
		if existing == address {
			return ErrAlreadyMember
		}
		return ErrAddressMismatch
	}
	state.room.Agents[agentID] = address
	return nil
}

// KickAgent removes an agent from a room's membership.
func (h *Hub) KickAgent(roomID, agentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok := state.room.Agents[agentID]; !ok {
		return ErrUnknownAgent
	}
	delete(state.room.Agents, agentID)
	return nil
}

// AgentAddress resolves an agent's registered wallet address.
func (h *Hub) AgentAddress(roomID, agentID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	address, ok := state.room.Agents[agentID]
	if !ok {
		return "", ErrUnknownAgent
	}
	return address, nil
}

// CreateRound opens a round for the room. The room invariant holds here: if
// an open round exists, it is returned with ErrOpenRoundExists and no new
// round is created.
func (h *Hub) CreateRound(roomID, gmID string) (*models.Round, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	for _, round := range state.rounds {
		if round.Status == models.RoundOpen {
			return round, ErrOpenRoundExists
		}
	}

	round := &models.Round{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Status:    models.RoundOpen,
		GMID:      gmID,
		CreatedAt: time.Now(),
	}
	state.rounds = append(state.rounds, round)
	h.rounds[round.ID] = &roundState{round: round, roomID: roomID}

	h.log.Info().Str("room", roomID).Str("round", round.ID).Msg("round opened")
	return round, nil
}

// ActiveRound returns the room's single open round.
func (h *Hub) ActiveRound(roomID string) (*models.Round, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	for _, round := range state.rounds {
		if round.Status == models.RoundOpen {
			return round, nil
		}
	}
	return nil, ErrNoOpenRound
}

// EndRound closes a round. Closed rounds keep their message history for
// audit but accept no further agent messages.
func (h *Hub) EndRound(roundID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rounds[roundID]
	if !ok {
		return ErrRoundNotFound
	}
	state.round.Status = models.RoundEnd
	h.log.Info().Str("round", roundID).Msg("round closed")
	return nil
}

// RoundAgents returns the membership of the round's room.
func (h *Hub) RoundAgents(roundID string) (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rounds[roundID]
	if !ok {
		return nil, ErrRoundNotFound
	}
	room, ok := h.rooms[state.roomID]
	if !ok {
		return nil, ErrRoundRoomMissing
	}
	out := make(map[string]string, len(room.room.Agents))
	for id, addr := range room.room.Agents {
		out[id] = addr
	}
	return out, nil
}

// RoundMessages returns the retained envelopes for a round.
func (h *Hub) RoundMessages(roundID string) ([]*models.Envelope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rounds[roundID]
	if !ok {
		return nil, ErrRoundNotFound
	}
	out := make([]*models.Envelope, len(state.messages))
	copy(out, state.messages)
	return out, nil
}

// Subscribe attaches a connection to a room's relay and returns the
// resulting subscriber count.
func (h *Hub) Subscribe(roomID string, sub *Subscriber) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	state.subscribers[sub] = true
	return len(state.subscribers), nil
}

// Unsubscribe detaches a connection from every room.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, state := range h.rooms {
		delete(state.subscribers, sub)
	}
}

// Accept stores an envelope under its round if open, then relays it to the
// room's subscribers.
func (h *Hub) Accept(roomID, roundID string, env *models.Envelope) error {
	h.mu.Lock()
	state, ok := h.rounds[roundID]
	if !ok {
		h.mu.Unlock()
		return ErrRoundNotFound
	}
	if state.roomID != roomID {
		h.mu.Unlock()
		return fmt.Errorf("%w: round belongs to another room", ErrRoundNotFound)
	}
	if env.Type == models.TypeAgentMessage && state.round.Status != models.RoundOpen {
		h.mu.Unlock()
		return ErrRoundClosed
	}
	state.messages = append(state.messages, env)
	h.mu.Unlock()

	h.Broadcast(roomID, env)
	return nil
}

// Broadcast relays an envelope to every subscriber of the room.
func (h *Hub) Broadcast(roomID string, env *models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("broadcast marshal failed")
		return
	}

	h.mu.Lock()
	state, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(state.subscribers))
	for sub := range state.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Send(data); err != nil {
			h.log.Warn().Err(err).Msg("relay write failed, dropping subscriber")
			h.Unsubscribe(sub)
		}
	}
}
