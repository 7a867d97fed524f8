// busd is the local message bus backend: the REST surface and websocket
// relay arena clients develop and test against.
package main

import (
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/config"
	"github.com/latestcomment/go-debate-arena/internal/handlers"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	app := fiber.New()
	app.Use(logger.New())

	hub := handlers.NewHub(log)
	rest := handlers.NewRestHandler(log, hub)
	ws := handlers.NewWebSocketHandler(log, hub)

	rest.Register(app)
	app.Get("/ws", ws.Middleware, websocket.New(ws.Handle))

	log.Info().Str("addr", cfg.ListenAddr).Msg("bus listening")
	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
}
