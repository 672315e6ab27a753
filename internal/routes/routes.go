package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/handlers"
	"github.com/AnshRaj112/clara-backend/internal/middleware"
)

// Options carries what the route table needs beyond the handlers.
type Options struct {
	Auth       middleware.Authenticator
	Limiters   *middleware.Limiters
	Redis      *redis.Client
	TrustProxy bool
	AdminKey   string
	Log        zerolog.Logger
}

func SetupRoutes(r chi.Router, h *handlers.Handler, opts Options) {
	r.Get("/health", h.Health)

	// Auth routes
	r.Post("/api/auth/signup", h.Signup)
	r.Post("/api/auth/signin", h.Signin)
	r.Post("/api/auth/signout", h.Signout)
	r.Post("/api/auth/forgot-password", h.ForgotPassword)
	r.Post("/api/auth/reset-password", h.ResetPassword)
	r.Post("/api/auth/access-check", h.CheckAccessCode)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(opts.Auth))

		r.Get("/api/auth/me", h.Me)

		// Profile routes
		r.Get("/api/profile", h.GetProfile)
		r.Put("/api/profile", h.UpdateProfile)
		r.Post("/api/profile/avatar", h.UploadAvatar)

		// Chat routes
		r.Get("/api/chat/status", h.ChatStatus)
		r.Group(func(r chi.Router) {
			r.Use(middleware.PerIP(opts.Limiters.History, opts.TrustProxy, "Too many chat history requests. Please slow down."))
			r.Get("/api/chat/history", h.ChatHistory)
			r.Get("/api/chat/search", h.ChatSearch)
		})
		r.With(middleware.TurnRateLimit(opts.Redis, opts.TrustProxy, opts.Log)).Post("/api/chat/turn", h.ChatTurn)

		// WebSocket endpoint for staged turns
		r.Get("/ws/chat", h.ChatWebSocket)

		// Account routes
		r.Post("/api/account/clear", h.ClearChat)
		r.Post("/api/account/reset", h.ResetAccount)
		r.Delete("/api/account", h.DeleteAccount)
	})

	// Operator routes
	r.With(middleware.RequireAdminKey(opts.AdminKey)).Get("/api/admin/topics", h.GetTopicInsights)
}
