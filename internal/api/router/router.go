// Package router wires the HTTP routes for the booking agent API.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tinyteams/booking-agent/internal/http/handlers"
	httpmiddleware "github.com/tinyteams/booking-agent/internal/http/middleware"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger            *logging.Logger
	TurnHandler       *handlers.TurnHandler
	TranscriptHandler *handlers.TranscriptHandler
	MetricsHandler    http.Handler
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", handlers.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1/conversations/{conversationID}", func(conv chi.Router) {
		if cfg.TurnHandler != nil {
			conv.Post("/messages", cfg.TurnHandler.HandleMessage)
		}
		if cfg.TranscriptHandler != nil {
			conv.Get("/", cfg.TranscriptHandler.GetConversation)
		}
	})

	return r
}
