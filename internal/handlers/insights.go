package handlers

import (
	"net/http"

	"github.com/AnshRaj112/clara-backend/internal/store"
)

// TopicsResponse holds the anonymous topic counters. No user ids are kept
// alongside them.
type TopicsResponse struct {
	Success   bool           `json:"success"`
	Heuristic map[string]int `json:"heuristic"`
	Model     map[string]int `json:"model"`
}

// GetTopicInsights is an operator view of what people talk about.
func (h *Handler) GetTopicInsights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TopicsResponse{
		Success:   true,
		Heuristic: h.conv.Topics(r.Context(), store.TopicCounterHeuristic),
		Model:     h.conv.Topics(r.Context(), store.TopicCounterModel),
	})
}

// Health reports liveness plus the latest backend health checks.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status := "ok"
	if !h.health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "backends": h.health.Status()})
}
