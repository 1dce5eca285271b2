// Package server assembles the HTTP surface: REST endpoints for auth
// and conversations, the websocket upgrade path, and the health check.
package server

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/covechat/cove/internal/auth"
	"github.com/covechat/cove/internal/chat"
	"github.com/covechat/cove/internal/config"
	"github.com/covechat/cove/internal/database"
	"github.com/covechat/cove/internal/handlers"
	mw "github.com/covechat/cove/internal/middleware"
	"github.com/covechat/cove/internal/presence"
	"github.com/covechat/cove/internal/realtime"
)

type Server struct {
	Router *chi.Mux
}

type Config struct {
	Cfg      *config.Config
	DB       *database.DB
	Auth     *auth.Service
	Hub      *realtime.Hub
	Presence presence.Store
	Chat     *chat.Service
}

func New(cfg Config) *Server {
	s := &Server{Router: chi.NewRouter()}
	s.setupMiddleware()
	s.setupRoutes(cfg)
	return s
}

func (s *Server) setupMiddleware() {
	s.Router.Use(chiMiddleware.RealIP)
	s.Router.Use(mw.RequestID)
	s.Router.Use(mw.Logger)
	// The widget script embeds on arbitrary customer sites; tenancy is
	// enforced by token claims, not by origin.
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.WidgetTokenHeader},
		AllowCredentials: false,
		MaxAge:           86400,
	}))
	s.Router.Use(chiMiddleware.Recoverer)
}

func (s *Server) setupRoutes(cfg Config) {
	authHandler := handlers.NewAuthHandler(cfg.DB, cfg.Auth)
	chatHandler := handlers.NewChatHandler(cfg.Chat)
	presenceHandler := handlers.NewPresenceHandler(cfg.Presence, cfg.Cfg.HeartbeatTimeout)
	systemHandler := handlers.NewSystemHandler(cfg.Hub, cfg.Cfg.ServerID)

	s.Router.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.With(mw.RateLimit(10, time.Minute)).Post("/auth/login", authHandler.Login)
		r.With(mw.RateLimit(30, time.Minute)).Post("/widget/session", authHandler.WidgetSession)
		r.Post("/auth/logout", authHandler.Logout)

		r.Get("/system/health", systemHandler.Health)

		// WebSocket (auth handled via the authenticate frame)
		r.Get("/ws", cfg.Hub.HandleWS)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(mw.Identity(cfg.Auth))

			r.Get("/auth/me", authHandler.Me)

			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Get("/messages", chatHandler.ListMessages)
				r.Post("/messages", chatHandler.SendMessage)

				r.Group(func(r chi.Router) {
					r.Use(mw.RequireStaff)
					r.Get("/items", chatHandler.ListItems)
					r.Post("/items/{itemID}/publish", chatHandler.PublishItem)
				})
			})

			r.Get("/presence/{websiteID}/{actorID}", presenceHandler.Online)
		})
	})
}
