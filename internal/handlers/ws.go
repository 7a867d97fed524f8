package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/identity"
	"github.com/latestcomment/go-debate-arena/internal/models"
)

// WebSocketHandler services persistent connections: room subscription,
// heartbeat echo, and envelope relay. Message intake happens over REST;
// the websocket is the inbound leg.
type WebSocketHandler struct {
	log zerolog.Logger
	hub *Hub
}

// NewWebSocketHandler creates the websocket surface over hub.
func NewWebSocketHandler(log zerolog.Logger, hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		log: log.With().Str("component", "ws").Logger(),
		hub: hub,
	}
}

// Middleware gates the route to websocket upgrade requests.
func (h *WebSocketHandler) Middleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle runs one connection's read loop until it closes. Malformed or
// unknown envelopes are logged and dropped; they never end the loop.
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	sub := NewSubscriber(c)
	defer func() {
		h.hub.Unsubscribe(sub)
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		env, err := models.ParseEnvelope(data)
		if err != nil {
			h.log.Warn().Err(err).Msg("dropping invalid envelope")
			continue
		}

		switch env.Type {
		case models.TypeSubscribeRoom:
			h.handleSubscribe(sub, env)
		case models.TypeHeartbeat:
			// Echo proves the connection is not half-open.
			if err := sub.SendEnvelope(&models.Envelope{
				Type:    models.TypeHeartbeat,
				Content: json.RawMessage(`{}`),
			}); err != nil {
				return
			}
		default:
			h.log.Warn().Str("type", string(env.Type)).Msg("unexpected envelope on socket, dropping")
		}
	}
}

func (h *WebSocketHandler) handleSubscribe(sub *Subscriber, env *models.Envelope) {
	content, err := env.DecodeContent()
	if err != nil {
		h.notifyError(sub, "malformed subscription", env)
		return
	}
	msg := content.(*models.SubscribeRoomContent)

	if env.Signature == "" || !identity.Verify(env.Content, env.Signature, env.Sender) {
		h.log.Error().Str("sender", env.Sender).Msg("rejecting subscription: signature mismatch")
		h.notifyError(sub, "subscription signature verification failed", env)
		return
	}

	count, err := h.hub.Subscribe(msg.RoomID, sub)
	if err != nil {
		h.notifyError(sub, "room not found", env)
		return
	}

	// The participant count response doubles as the subscription ack in
	// the client's verified-handshake.
	reply, err := json.Marshal(models.ParticipantsContent{
		RoomID:    msg.RoomID,
		Timestamp: time.Now().UnixMilli(),
		Count:     count,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("participants marshal failed")
		return
	}
	if err := sub.SendEnvelope(&models.Envelope{
		Type:    models.TypeParticipants,
		Content: reply,
	}); err != nil {
		h.log.Warn().Err(err).Msg("participants reply failed")
		return
	}

	// Let the room know someone joined.
	note, err := json.Marshal(models.SystemNotificationContent{
		Timestamp: time.Now().UnixMilli(),
		Text:      fmt.Sprintf("%s joined the room (%d connected)", env.Sender, count),
	})
	if err != nil {
		return
	}
	h.hub.Broadcast(msg.RoomID, &models.Envelope{
		Type:    models.TypeSystemNotification,
		Content: note,
	})
}

func (h *WebSocketHandler) notifyError(sub *Subscriber, text string, original *models.Envelope) {
	raw, err := json.Marshal(models.SystemNotificationContent{
		Timestamp:       time.Now().UnixMilli(),
		Text:            text,
		Error:           true,
		OriginalMessage: original.Content,
	})
	if err != nil {
		return
	}
	if err := sub.SendEnvelope(&models.Envelope{
		Type:    models.TypeSystemNotification,
		Content: raw,
	}); err != nil {
		h.log.Warn().Err(err).Msg("notification send failed")
	}
}
