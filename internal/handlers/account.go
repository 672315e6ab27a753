package handlers

import (
	"net/http"

	"github.com/AnshRaj112/clara-backend/internal/middleware"
)

// ClearChat hides the visible conversation and resets the summary. Memories,
// profile and usage are kept.
func (h *Handler) ClearChat(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	h.conv.Clear(r.Context(), sess.ChatID)
	ok(w, "Conversation cleared", nil)
}

// eraseData removes every conversation record and memory the user owns.
func (h *Handler) eraseData(r *http.Request, chatID string) {
	h.conv.DeleteAccount(r.Context(), chatID)
	if h.memories == nil {
		return
	}
	if err := h.memories.DeleteUser(r.Context(), chatID); err != nil {
		h.log.Warn().Err(err).Str("user_id", chatID).Msg("memory erase failed")
	}
}

// ResetAccount wipes conversation data but keeps the login.
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	h.eraseData(r, sess.ChatID)
	ok(w, "Your data has been reset", nil)
}

// DeleteAccount wipes conversation data, the login and the session.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	h.eraseData(r, sess.ChatID)
	if sess.UserID != sess.ChatID {
		h.conv.DeleteAccount(r.Context(), sess.UserID)
	}
	if err := h.accounts.DeleteCredentials(r.Context(), sess.UserID); err != nil {
		h.userError(w, err, http.StatusInternalServerError, "delete_credentials")
		return
	}
	ok(w, "Your account has been deleted", nil)
}
