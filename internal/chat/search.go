package chat

import (
	"context"
	"strings"
	"time"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

const (
	// SearchHistoryLimit bounds how far back a conversation search looks.
	SearchHistoryLimit = 500

	snippetMax = 220
	snippetCut = 217
)

// Match is one search hit. Index is 1-based within the searched history.
type Match struct {
	Index     int         `json:"index"`
	Role      models.Role `json:"role"`
	Speaker   string      `json:"speaker"`
	Snippet   string      `json:"snippet"`
	Timestamp time.Time   `json:"timestamp"`
}

// SearchConversation returns the active messages containing query, case
// insensitively, oldest first.
func (s *Service) SearchConversation(ctx context.Context, userID, query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if userID == "" || q == "" {
		return []Match{}
	}
	return searchMessages(s.conv.History(ctx, userID, SearchHistoryLimit), q)
}

func searchMessages(msgs []models.Message, lowerQuery string) []Match {
	matches := []Match{}
	for i, m := range msgs {
		if !strings.Contains(strings.ToLower(m.Content), lowerQuery) {
			continue
		}
		speaker := "Clara"
		if m.Role == models.RoleUser {
			speaker = "You"
		}
		snippet := m.Content
		if r := []rune(snippet); len(r) > snippetMax {
			snippet = string(r[:snippetCut]) + "..."
		}
		matches = append(matches, Match{
			Index:     i + 1,
			Role:      m.Role,
			Speaker:   speaker,
			Snippet:   snippet,
			Timestamp: m.Timestamp,
		})
	}
	return matches
}

// Status is the user's usage for today.
type Status struct {
	Plan      models.Plan `json:"plan"`
	Date      string      `json:"date"`
	Count     int         `json:"count"`
	Limit     *int        `json:"limit"`
	Remaining *int        `json:"remaining"`
	OverLimit bool        `json:"over_limit"`
	// ShowContinue is set when the last message is an assistant reply that
	// reads as unfinished.
	ShowContinue bool   `json:"show_continue"`
	LimitMessage string `json:"limit_message,omitempty"`
}

func (s *Service) Status(ctx context.Context, userID string) Status {
	plan := s.conv.Plan(ctx, userID)
	st := Status{
		Plan: plan,
		Date: s.conv.Today(),
	}
	st.Count = s.conv.DailyCount(ctx, userID, st.Date)
	if limit, capped := DailyLimit(plan); capped {
		remaining := limit - st.Count
		if remaining < 0 {
			remaining = 0
		}
		st.Limit, st.Remaining = &limit, &remaining
		st.OverLimit = st.Count >= limit
	}
	if st.OverLimit {
		st.LimitMessage = LimitMessage
		return st
	}
	if last := s.conv.History(ctx, userID, 1); len(last) == 1 && last[0].Role == models.RoleAssistant {
		st.ShowContinue = ShouldShowContinue(last[0].Content)
	}
	return st
}
