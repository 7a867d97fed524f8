// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable the arena client and the local bus read.
type Config struct {
	// Backend endpoints.
	BackendURL   string `env:"ARENA_BACKEND_URL" envDefault:"http://localhost:3000"`
	BackendWSURL string `env:"ARENA_BACKEND_WS_URL" envDefault:"ws://localhost:3000/ws"`
	ListenAddr   string `env:"ARENA_LISTEN_ADDR" envDefault:":3000"`

	// Session transport.
	HeartbeatInterval time.Duration `env:"ARENA_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"ARENA_HEARTBEAT_TIMEOUT" envDefault:"30s"`
	VerifyTimeout     time.Duration `env:"ARENA_VERIFY_TIMEOUT" envDefault:"20s"`
	ReconnectBase     time.Duration `env:"ARENA_RECONNECT_BASE" envDefault:"1s"`
	ReconnectCap      time.Duration `env:"ARENA_RECONNECT_CAP" envDefault:"30s"`

	// Delivery queue.
	MaxDeliveryAttempts int           `env:"ARENA_MAX_DELIVERY_ATTEMPTS" envDefault:"3"`
	DeliveryBackoff     time.Duration `env:"ARENA_DELIVERY_BACKOFF" envDefault:"1s"`

	// Round discovery.
	RoundPollAttempts int           `env:"ARENA_ROUND_POLL_ATTEMPTS" envDefault:"5"`
	RoundPollBase     time.Duration `env:"ARENA_ROUND_POLL_BASE" envDefault:"500ms"`

	// Orchestrator.
	TurnDelay       time.Duration `env:"ARENA_TURN_DELAY" envDefault:"3s"`
	RoundDelay      time.Duration `env:"ARENA_ROUND_DELAY" envDefault:"10s"`
	DiscussionTurns int           `env:"ARENA_DISCUSSION_TURNS" envDefault:"10"`
	PvPChance       float64       `env:"ARENA_PVP_CHANCE" envDefault:"0.25"`
	VotingEnabled   bool          `env:"ARENA_VOTING_ENABLED" envDefault:"false"`

	// Rooms and history.
	RoundDuration   time.Duration `env:"ARENA_ROUND_DURATION" envDefault:"5m"`
	HistoryCapacity int           `env:"ARENA_HISTORY_CAPACITY" envDefault:"8"`

	// Response generation.
	OpenRouterKey string `env:"OPENROUTER_API_KEY"`
	AIModel       string `env:"AI_MODEL" envDefault:"deepseek/deepseek-chat-v3.1:free"`
}

// Load reads .env if present, then parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
