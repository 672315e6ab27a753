package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/AnshRaj112/clara-backend/internal/chat"
	"github.com/AnshRaj112/clara-backend/internal/llm"
	"github.com/AnshRaj112/clara-backend/internal/middleware"
	"github.com/AnshRaj112/clara-backend/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// TurnRequest carries either a message or a continue request.
type TurnRequest struct {
	Message  string `json:"message"`
	Continue bool   `json:"continue"`
}

type TurnResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Turn    *chat.TurnResult `json:"turn,omitempty"`
	Status  *chat.Status     `json:"status,omitempty"`
}

type HistoryResponse struct {
	Success  bool             `json:"success"`
	Messages []models.Message `json:"messages"`
}

type SearchResponse struct {
	Success bool         `json:"success"`
	Query   string       `json:"query"`
	Matches []chat.Match `json:"matches"`
}

func (h *Handler) ChatStatus(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	ok(w, "", h.chat.Status(r.Context(), sess.ChatID))
}

// ChatHistory returns the newest active messages, oldest first.
// Query params:
//
//	limit (optional, default 50, max 100)
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	limit := defaultHistoryLimit
	if lStr := r.URL.Query().Get("limit"); lStr != "" {
		if parsed, err := strconv.Atoi(lStr); err == nil && parsed > 0 && parsed <= maxHistoryLimit {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Success:  true,
		Messages: h.conv.History(r.Context(), sess.ChatID, limit),
	})
}

func (h *Handler) ChatSearch(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		fail(w, http.StatusBadRequest, "Please enter something to search for.")
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{
		Success: true,
		Query:   q,
		Matches: h.chat.SearchConversation(r.Context(), sess.ChatID, q),
	})
}

// ChatTurn runs one turn and returns the shaped reply.
func (h *Handler) ChatTurn(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	var req TurnRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.chat.Turn(r.Context(), chat.TurnRequest{
		UserID:   sess.ChatID,
		Message:  req.Message,
		Continue: req.Continue,
	})
	if err != nil {
		status, msg := h.turnError(sess.ChatID, err)
		resp := TurnResponse{Success: false, Message: msg}
		if errors.Is(err, chat.ErrDailyLimit) {
			st := h.chat.Status(r.Context(), sess.ChatID)
			resp.Status = &st
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, TurnResponse{Success: true, Turn: &res})
}

// turnError maps a turn failure to a status and a message fit for display.
func (h *Handler) turnError(userID string, err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrDailyLimit):
		return http.StatusTooManyRequests, chat.LimitMessage
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "Please type a message."
	case errors.Is(err, chat.ErrNoUser):
		return http.StatusUnauthorized, "Please sign in to continue."
	}
	h.log.Error().Err(err).Str("user_id", userID).Msg("turn failed")
	if llm.IsRateLimited(err) {
		return http.StatusServiceUnavailable, llm.UserMessage(err)
	}
	return http.StatusBadGateway, llm.UserMessage(err)
}
