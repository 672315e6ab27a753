// Package handlers exposes the chat service over HTTP and WebSocket.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/auth"
	"github.com/AnshRaj112/clara-backend/internal/chat"
	"github.com/AnshRaj112/clara-backend/internal/media"
	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/internal/store"
)

const maxBodyBytes = 64 << 10

// Accounts is the identity provider. *auth.Service satisfies it.
type Accounts interface {
	SignUp(ctx context.Context, req auth.SignUpRequest) (string, error)
	SignIn(ctx context.Context, email, password string) (auth.Session, error)
	SignOut(ctx context.Context, token string) error
	RequestPasswordReset(ctx context.Context, email string) (bool, string)
	ResetPassword(ctx context.Context, token, password, confirm string) error
	DeleteCredentials(ctx context.Context, userID string) error
	Gate() *auth.AccessGate
}

// Conversations is the store surface the HTTP layer touches directly.
// *store.Store satisfies it.
type Conversations interface {
	Profile(ctx context.Context, userID string) models.Profile
	SaveProfile(ctx context.Context, userID string, update store.ProfileUpdate)
	History(ctx context.Context, userID string, limit int) []models.Message
	Clear(ctx context.Context, userID string)
	DeleteAccount(ctx context.Context, userID string)
	Topics(ctx context.Context, counter string) map[string]int
}

// Chat runs turns. *chat.Service satisfies it.
type Chat interface {
	Turn(ctx context.Context, req chat.TurnRequest) (chat.TurnResult, error)
	Status(ctx context.Context, userID string) chat.Status
	SearchConversation(ctx context.Context, userID, query string) []chat.Match
}

// MemoryEraser removes a user's long-term memories. *memory.Store satisfies it.
type MemoryEraser interface {
	DeleteUser(ctx context.Context, userID string) error
}

// HealthReporter is the latest backend health state. *jobs.Scheduler satisfies it.
type HealthReporter interface {
	Healthy() bool
	Status() map[string]string
}

type Deps struct {
	Accounts      Accounts
	Conversations Conversations
	Chat          Chat
	Memories      MemoryEraser
	Avatars       *media.Avatars
	Health        HealthReporter
	// AllowedOrigins also governs WebSocket upgrades.
	AllowedOrigins []string
	Log            zerolog.Logger
}

type Handler struct {
	accounts Accounts
	conv     Conversations
	chat     Chat
	memories MemoryEraser
	avatars  *media.Avatars
	health   HealthReporter
	origins  map[string]bool
	log      zerolog.Logger
}

func New(d Deps) *Handler {
	h := &Handler{
		accounts: d.Accounts,
		conv:     d.Conversations,
		chat:     d.Chat,
		memories: d.Memories,
		avatars:  d.Avatars,
		health:   d.Health,
		origins:  make(map[string]bool),
		log:      d.Log.With().Str("component", "http").Logger(),
	}
	for _, o := range d.AllowedOrigins {
		h.origins[normalizeOrigin(o)] = true
	}
	return h
}

// APIResponse is the envelope every JSON endpoint returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: message, Data: data})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: false, Message: message})
}

// decode reads a JSON body into dst; it writes the 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && err != io.EOF {
		fail(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
