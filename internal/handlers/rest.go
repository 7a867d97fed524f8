package handlers

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/identity"
	"github.com/latestcomment/go-debate-arena/internal/models"
)

// RestHandler exposes the hub over the backend's REST surface. Every
// response is the uniform {message?, data?, error?} shape, and every
// mutating request must carry a signature the hub can verify.
type RestHandler struct {
	log zerolog.Logger
	hub *Hub
}

// NewRestHandler creates the REST surface over hub.
func NewRestHandler(log zerolog.Logger, hub *Hub) *RestHandler {
	return &RestHandler{
		log: log.With().Str("component", "rest").Logger(),
		hub: hub,
	}
}

// Register mounts all routes on the app.
func (h *RestHandler) Register(app *fiber.App) {
	app.Post("/rooms", h.CreateRoom)
	app.Post("/rooms/:roomId/agents", h.RegisterAgent)
	app.Post("/rooms/:roomId/rounds", h.CreateRound)
	app.Get("/rooms/:roomId/rounds/active", h.ActiveRound)
	app.Post("/rounds/:roundId/end", h.EndRound)
	app.Get("/rounds/:roundId/agents", h.RoundAgents)
	app.Get("/rounds/:roundId/messages", h.RoundMessages)
	app.Post("/messages/agent", h.PostAgentMessage)
	app.Post("/messages/gm", h.PostGMMessage)
	app.Post("/messages/observation", h.PostObservation)
	app.Post("/messages/pvp", h.PostPvPAction)
}

// signedRequest is the body for signed non-envelope requests; the signature
// covers the canonical serialization of Content.
type signedRequest struct {
	Content   json.RawMessage `json:"content"`
	Signature string          `json:"signature"`
	Sender    string          `json:"sender"`
}

func ok(c *fiber.Ctx, message string, data any) error {
	resp := models.APIResponse{Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fail(c, fiber.StatusInternalServerError, "encode response")
		}
		resp.Data = raw
	}
	return c.JSON(resp)
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(models.APIResponse{Error: message})
}

// parseSigned decodes and authenticates a signed request body. It fails
// closed: any parse or recovery problem rejects the request.
func (h *RestHandler) parseSigned(c *fiber.Ctx) (*signedRequest, error) {
	var req signedRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return nil, errors.New("malformed request body")
	}
	if req.Signature == "" || req.Sender == "" {
		return nil, errors.New("missing signature or sender")
	}
	if !identity.Verify(req.Content, req.Signature, req.Sender) {
		return nil, errors.New("signature verification failed")
	}
	return &req, nil
}

func (h *RestHandler) CreateRoom(c *fiber.Ctx) error {
	req, err := h.parseSigned(c)
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}

	var body struct {
		RoundDuration int64 `json:"roundDuration"`
		PvPEnabled    bool  `json:"pvpEnabled"`
	}
	if err := json.Unmarshal(req.Content, &body); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed room config")
	}

	room := h.hub.CreateRoom(models.RoomConfig{
		RoundDuration: time.Duration(body.RoundDuration) * time.Millisecond,
		PvPEnabled:    body.PvPEnabled,
	})
	return ok(c, "room created", room)
}

func (h *RestHandler) RegisterAgent(c *fiber.Ctx) error {
	req, err := h.parseSigned(c)
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}

	var body struct {
		AgentID string `json:"agentId"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Content, &body); err != nil || body.AgentID == "" {
		return fail(c, fiber.StatusBadRequest, "malformed registration")
	}
	// Agents register themselves: the signer is the registered address.
	if !strings.EqualFold(body.Address, req.Sender) {
		return fail(c, fiber.StatusUnauthorized, "address does not match signer")
	}

	err = h.hub.RegisterAgent(c.Params("roomId"), body.AgentID, body.Address)
	switch {
	case errors.Is(err, ErrAlreadyMember):
		return fail(c, fiber.StatusConflict, "agent already registered")
	case errors.Is(err, ErrAddressMismatch):
		return fail(c, fiber.StatusUnauthorized, "agent registered under a different address")
	case errors.Is(err, ErrRoomNotFound):
		return fail(c, fiber.StatusNotFound, "room not found")
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, "agent registered", nil)
}

func (h *RestHandler) CreateRound(c *fiber.Ctx) error {
	req, err := h.parseSigned(c)
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}

	var body struct {
		GMID string `json:"gmId"`
	}
	if err := json.Unmarshal(req.Content, &body); err != nil || body.GMID == "" {
		return fail(c, fiber.StatusBadRequest, "malformed round request")
	}

	round, err := h.hub.CreateRound(c.Params("roomId"), body.GMID)
	switch {
	case errors.Is(err, ErrOpenRoundExists):
		return fail(c, fiber.StatusConflict, "an open round already exists")
	case errors.Is(err, ErrRoomNotFound):
		return fail(c, fiber.StatusNotFound, "room not found")
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, "round opened", round)
}

func (h *RestHandler) ActiveRound(c *fiber.Ctx) error {
	round, err := h.hub.ActiveRound(c.Params("roomId"))
	switch {
	case errors.Is(err, ErrNoOpenRound):
		return fail(c, fiber.StatusNotFound, "no active round")
	case errors.Is(err, ErrRoomNotFound):
		return fail(c, fiber.StatusNotFound, "room not found")
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, "", round)
}

func (h *RestHandler) EndRound(c *fiber.Ctx) error {
	if _, err := h.parseSigned(c); err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}
	if err := h.hub.EndRound(c.Params("roundId")); err != nil {
		return fail(c, fiber.StatusNotFound, "round not found")
	}
	return ok(c, "round closed", nil)
}

func (h *RestHandler) RoundAgents(c *fiber.Ctx) error {
	agents, err := h.hub.RoundAgents(c.Params("roundId"))
	if err != nil {
		return fail(c, fiber.StatusNotFound, "round not found")
	}
	return ok(c, "", agents)
}

func (h *RestHandler) RoundMessages(c *fiber.Ctx) error {
	messages, err := h.hub.RoundMessages(c.Params("roundId"))
	if err != nil {
		return fail(c, fiber.StatusNotFound, "round not found")
	}
	return ok(c, "", messages)
}

func (h *RestHandler) PostAgentMessage(c *fiber.Ctx) error {
	env, err := models.ParseEnvelope(c.Body())
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	content, err := env.DecodeContent()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	msg, okType := content.(*models.AgentMessageContent)
	if !okType || env.Type != models.TypeAgentMessage {
		return fail(c, fiber.StatusBadRequest, "expected agent_message")
	}

	// The signature covers the core fields only; attached context is
	// post-signing supplementary data.
	if !identity.Verify(msg.SignedFields(), env.Signature, env.Sender) {
		return fail(c, fiber.StatusUnauthorized, "signature verification failed")
	}
	address, err := h.hub.AgentAddress(msg.RoomID, msg.AgentID)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err.Error())
	}
	if !strings.EqualFold(address, env.Sender) {
		return fail(c, fiber.StatusUnauthorized, "sender is not the registered address for agent")
	}

	return h.accept(c, msg.RoomID, msg.RoundID, env)
}

func (h *RestHandler) PostGMMessage(c *fiber.Ctx) error {
	env, err := models.ParseEnvelope(c.Body())
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	content, err := env.DecodeContent()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	msg, okType := content.(*models.GMMessageContent)
	if !okType || env.Type != models.TypeGMMessage {
		return fail(c, fiber.StatusBadRequest, "expected gm_message")
	}
	if !identity.Verify(env.Content, env.Signature, env.Sender) {
		return fail(c, fiber.StatusUnauthorized, "signature verification failed")
	}
	return h.accept(c, msg.RoomID, msg.RoundID, env)
}

func (h *RestHandler) PostObservation(c *fiber.Ctx) error {
	env, err := models.ParseEnvelope(c.Body())
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	content, err := env.DecodeContent()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	msg, okType := content.(*models.ObservationContent)
	if !okType || env.Type != models.TypeObservation {
		return fail(c, fiber.StatusBadRequest, "expected observation")
	}
	if !identity.Verify(env.Content, env.Signature, env.Sender) {
		return fail(c, fiber.StatusUnauthorized, "signature verification failed")
	}
	return h.accept(c, msg.RoomID, msg.RoundID, env)
}

func (h *RestHandler) PostPvPAction(c *fiber.Ctx) error {
	env, err := models.ParseEnvelope(c.Body())
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	content, err := env.DecodeContent()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	msg, okType := content.(*models.PvPActionEnactedContent)
	if !okType || env.Type != models.TypePvPActionEnacted {
		return fail(c, fiber.StatusBadRequest, "expected pvp_action_enacted")
	}
	if !msg.Action.ActionType.Known() {
		return fail(c, fiber.StatusBadRequest, "unknown pvp action type")
	}
	if !identity.Verify(env.Content, env.Signature, env.Sender) {
		return fail(c, fiber.StatusUnauthorized, "signature verification failed")
	}
	return h.accept(c, msg.RoomID, msg.RoundID, env)
}

func (h *RestHandler) accept(c *fiber.Ctx, roomID, roundID string, env *models.Envelope) error {
	err := h.hub.Accept(roomID, roundID, env)
	switch {
	case errors.Is(err, ErrRoundClosed):
		return fail(c, fiber.StatusConflict, "round closed")
	case errors.Is(err, ErrRoundNotFound):
		return fail(c, fiber.StatusNotFound, "round not found")
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, "message accepted", nil)
}
