package chat

import (
	"strings"
	"unicode"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

const (
	FreeReplyBudget = 700
	PlusReplyBudget = 1400

	Ellipsis = "…"

	// continueMinLength is the reply length above which a continuation is offered.
	continueMinLength = 300
)

var fullAnswerPhrases = []string{
	"full answer",
	"full explanation",
	"full version",
	"in detail",
	"in depth",
	"in-depth",
	"detailed",
	"more detail",
	"elaborate",
	"step by step",
	"step-by-step",
	"explain fully",
	"long answer",
	"go deeper",
	"comprehensive",
	"thorough",
	"don't hold back",
	"dont hold back",
	"everything you know",
	"tell me more",
}

// ReplyBudget is the reply length, in characters, for plan.
func ReplyBudget(plan models.Plan) int {
	if plan == models.PlanPlus {
		return PlusReplyBudget
	}
	return FreeReplyBudget
}

// WantsFullAnswer reports whether the message explicitly asks for a long or
// detailed reply.
func WantsFullAnswer(message string) bool {
	m := strings.ToLower(strings.ReplaceAll(message, "’", "'"))
	for _, p := range fullAnswerPhrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// TrimForConciseness cuts text to at most maxChars characters plus Ellipsis.
// It prefers a paragraph break, then a sentence end, then a word boundary,
// searching only the last 40% of the budget.
func TrimForConciseness(text string, maxChars int) (string, bool) {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text, false
	}

	floor := maxChars * 6 / 10
	cut := -1

	// paragraph: the last "\n\n" starting inside the window
	for i := maxChars - 1; i >= floor && i > 0; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			cut = i - 1
			break
		}
	}
	if cut < 0 {
		for i := maxChars - 1; i >= floor; i-- {
			if isSentenceEnd(runes[i]) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
				cut = i + 1
				break
			}
		}
	}
	if cut < 0 {
		for i := maxChars; i >= floor; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	if cut < 0 {
		cut = maxChars
	}

	out := strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
	return out + Ellipsis, true
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// ShouldShowContinue reports whether the last assistant reply reads as
// unfinished enough to offer a one-tap "Continue".
func ShouldShowContinue(lastAssistant string) bool {
	text := strings.TrimSpace(lastAssistant)
	if text == "" || strings.HasSuffix(text, "?") {
		return false
	}
	if strings.HasSuffix(text, Ellipsis) || strings.HasSuffix(text, "...") || strings.HasSuffix(text, ":") {
		return true
	}
	return len([]rune(text)) >= continueMinLength
}
