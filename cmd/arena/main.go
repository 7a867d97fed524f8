// arena runs a debate: it provisions a room on the backend, wires a Game
// Master and a set of debating agents, and drives the discussion loop until
// interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/config"
	"github.com/latestcomment/go-debate-arena/internal/identity"
	"github.com/latestcomment/go-debate-arena/internal/models"
	"github.com/latestcomment/go-debate-arena/internal/services"
)

type roster struct {
	id      string
	name    string
	role    services.Role
	persona string
}

var defaultRoster = []roster{
	{id: "gm", name: "Game Master", role: services.RoleGameMaster,
		persona: "You moderate a no-holds-barred crypto debate."},
	{id: "maximalist", name: "Maxi", role: services.RoleDebater,
		persona: "You argue that Bitcoin is the only asset worth holding. Be brief and combative."},
	{id: "skeptic", name: "Skeptic", role: services.RoleDebater,
		persona: "You argue that crypto is speculative excess. Be brief and cutting."},
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	var generator services.Generator
	if cfg.OpenRouterKey != "" {
		generator, err = services.NewOpenRouterGenerator(cfg.OpenRouterKey, cfg.AIModel)
		if err != nil {
			log.Fatal().Err(err).Msg("generator")
		}
	} else {
		log.Warn().Msg("OPENROUTER_API_KEY not set, using canned responses")
		generator = &services.StaticGenerator{Lines: []string{
			"Bitcoin is the future of money.",
			"Speculation is not a monetary policy.",
		}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	participants, gmDirectory, err := buildParticipants(log, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("participants")
	}

	roomID := os.Getenv("ARENA_ROOM_ID")
	if roomID == "" {
		room, err := gmDirectory.CreateRoom(ctx, models.RoomConfig{
			RoundDuration: cfg.RoundDuration,
			PvPEnabled:    true,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("create room")
		}
		roomID = room.ID
		log.Info().Str("room", roomID).Msg("room provisioned")
	}
	for _, p := range participants {
		p.Session = services.NewSession(log, services.SessionConfig{
			URL:               cfg.BackendWSURL,
			RoomID:            roomID,
			AgentID:           p.ID,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			VerifyTimeout:     cfg.VerifyTimeout,
			ReconnectBase:     cfg.ReconnectBase,
			ReconnectCap:      cfg.ReconnectCap,
		}, p.Signer)
	}

	orchestrator, err := services.NewOrchestrator(log, services.OrchestratorConfig{
		RoomID:          roomID,
		TurnDelay:       cfg.TurnDelay,
		RoundDelay:      cfg.RoundDelay,
		DiscussionTurns: cfg.DiscussionTurns,
		PvPChance:       cfg.PvPChance,
		VotingEnabled:   cfg.VotingEnabled,
		VerifyTimeout:   cfg.VerifyTimeout,
	}, participants, generator, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("orchestrator")
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		orchestrator.Stop()
		cancel()
	}()

	if err := orchestrator.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start")
	}
	orchestrator.Run(ctx)
}

// buildParticipants creates an identity, directory client, delivery queue,
// and history window per roster entry. Sessions attach once the room id is
// known.
func buildParticipants(log zerolog.Logger, cfg config.Config) ([]*services.Participant, *services.Directory, error) {
	var participants []*services.Participant
	var gmDirectory *services.Directory

	for _, entry := range defaultRoster {
		signer, err := identity.GenerateSigner()
		if err != nil {
			return nil, nil, err
		}
		directory := services.NewDirectory(log, cfg.BackendURL, signer, cfg.RoundPollAttempts, cfg.RoundPollBase)
		queue := services.NewDeliveryQueue(log, directory.PostEnvelope, cfg.MaxDeliveryAttempts, cfg.DeliveryBackoff)

		p := &services.Participant{
			ID:        entry.id,
			Name:      entry.name,
			Role:      entry.role,
			Persona:   entry.persona,
			Signer:    signer,
			Queue:     queue,
			Directory: directory,
			History:   services.NewHistoryBuffer(cfg.HistoryCapacity),
		}
		if entry.role == services.RoleGameMaster {
			gmDirectory = directory
		}
		participants = append(participants, p)
	}
	return participants, gmDirectory, nil
}
