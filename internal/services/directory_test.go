package services

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latestcomment/go-debate-arena/internal/handlers"
	"github.com/latestcomment/go-debate-arena/internal/identity"
	"github.com/latestcomment/go-debate-arena/internal/models"
)

// startBackend runs the full backend on a loopback listener and returns its
// base URLs. The server is torn down with the test.
func startBackend(t *testing.T) (httpURL, wsURL string) {
	t.Helper()

	hub := handlers.NewHub(zerolog.Nop())
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handlers.NewRestHandler(zerolog.Nop(), hub).Register(app)
	ws := handlers.NewWebSocketHandler(zerolog.Nop(), hub)
	app.Get("/ws", ws.Middleware, websocket.New(ws.Handle))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		if err := app.Listener(ln); err != nil {
			t.Logf("backend stopped: %v", err)
		}
	}()
	t.Cleanup(func() { _ = app.Shutdown() })

	addr := ln.Addr().String()
	return "http://" + addr, "ws://" + addr + "/ws"
}

func newDirectory(t *testing.T, baseURL string) *Directory {
	t.Helper()
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	return NewDirectory(zerolog.Nop(), baseURL, signer, 3, 10*time.Millisecond)
}

func TestDirectory_RoomLifecycle(t *testing.T) {
	baseURL, _ := startBackend(t)
	ctx := context.Background()
	gm := newDirectory(t, baseURL)

	room, err := gm.CreateRoom(ctx, models.RoomConfig{RoundDuration: 5 * time.Minute, PvPEnabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, room.ID)
	assert.True(t, room.Config.PvPEnabled)

	// Registration is idempotent from the caller's point of view.
	agent := newDirectory(t, baseURL)
	require.NoError(t, agent.RegisterAgent(ctx, room.ID, "a1"))
	require.NoError(t, agent.RegisterAgent(ctx, room.ID, "a1"))

	round, err := gm.CreateRound(ctx, room.ID, "gm")
	require.NoError(t, err)
	assert.Equal(t, models.RoundOpen, round.Status)

	// A concurrent opener converges on the same round.
	again, err := gm.CreateRound(ctx, room.ID, "gm")
	require.NoError(t, err)
	assert.Equal(t, round.ID, again.ID)

	agents, err := agent.RoundAgents(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.signer.Address(), agents["a1"])

	require.NoError(t, gm.EndRound(ctx, round.ID))
	_, err = gm.ActiveRound(ctx, room.ID)
	assert.ErrorIs(t, err, ErrNoActiveRound)
}

func TestDirectory_ResolveActiveRoundBounded(t *testing.T) {
	baseURL, _ := startBackend(t)
	ctx := context.Background()
	gm := newDirectory(t, baseURL)

	room, err := gm.CreateRoom(ctx, models.RoomConfig{})
	require.NoError(t, err)

	start := time.Now()
	_, err = gm.ResolveActiveRound(ctx, room.ID)
	assert.ErrorIs(t, err, ErrNoActiveRound)
	assert.Less(t, time.Since(start), 5*time.Second, "polling must give up, not block")
}

func TestDirectory_ResolveActiveRoundFailsFastForMissingRoom(t *testing.T) {
	baseURL, _ := startBackend(t)
	gm := newDirectory(t, baseURL)

	_, err := gm.ActiveRound(context.Background(), "no-such-room")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	// A missing room is not worth polling for; with a long poll interval a
	// single retry would blow the deadline below.
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	slow := NewDirectory(zerolog.Nop(), baseURL, signer, 5, 2*time.Second)

	start := time.Now()
	_, err = slow.ResolveActiveRound(context.Background(), "no-such-room")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.NotErrorIs(t, err, ErrNoActiveRound)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDirectory_ResolveActiveRoundFindsLateRound(t *testing.T) {
	baseURL, _ := startBackend(t)
	ctx := context.Background()
	gm := newDirectory(t, baseURL)

	room, err := gm.CreateRoom(ctx, models.RoomConfig{})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = gm.CreateRound(ctx, room.ID, "gm")
	}()

	round, err := gm.ResolveActiveRound(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundOpen, round.Status)
}

func TestDirectory_PostEnvelopeRoutesAndStores(t *testing.T) {
	baseURL, _ := startBackend(t)
	ctx := context.Background()
	gm := newDirectory(t, baseURL)
	agent := newDirectory(t, baseURL)

	room, err := gm.CreateRoom(ctx, models.RoomConfig{})
	require.NoError(t, err)
	require.NoError(t, agent.RegisterAgent(ctx, room.ID, "a1"))
	round, err := gm.CreateRound(ctx, room.ID, "gm")
	require.NoError(t, err)

	content := models.AgentMessageContent{
		Timestamp: time.Now().UnixMilli(),
		RoomID:    room.ID,
		RoundID:   round.ID,
		AgentID:   "a1",
		Text:      "opening statement",
	}
	sig, err := agent.signer.Sign(content.SignedFields())
	require.NoError(t, err)
	raw, err := json.Marshal(content)
	require.NoError(t, err)

	env := &models.Envelope{
		Type:      models.TypeAgentMessage,
		Signature: sig,
		Sender:    agent.signer.Address(),
		Content:   raw,
	}
	require.NoError(t, agent.PostEnvelope(ctx, env))

	messages, err := gm.RoundMessages(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.TypeAgentMessage, messages[0].Type)

	// Closed rounds refuse new agent messages.
	require.NoError(t, gm.EndRound(ctx, round.ID))
	err = agent.PostEnvelope(ctx, env)
	assert.ErrorIs(t, err, ErrBackend)
}

func TestDirectory_PostEnvelopeRejectsUnpostableType(t *testing.T) {
	d := newDirectory(t, "http://127.0.0.1:1")
	err := d.PostEnvelope(context.Background(), &models.Envelope{Type: models.TypeHeartbeat})
	assert.Error(t, err)
}
