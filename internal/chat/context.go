package chat

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

const (
	// ContextHistoryLimit is how many raw messages are replayed into the model.
	ContextHistoryLimit = 50

	DefaultHomeCity     = "London"
	DefaultHomeTimezone = "Europe/London"

	clockLayout = "Monday, 15:04"
)

var cityZones = map[string]string{
	"london":        "Europe/London",
	"new york":      "America/New_York",
	"nyc":           "America/New_York",
	"los angeles":   "America/Los_Angeles",
	"la":            "America/Los_Angeles",
	"san francisco": "America/Los_Angeles",
	"chicago":       "America/Chicago",
	"toronto":       "America/Toronto",
	"paris":         "Europe/Paris",
	"berlin":        "Europe/Berlin",
	"tokyo":         "Asia/Tokyo",
	"singapore":     "Asia/Singapore",
	"sydney":        "Australia/Sydney",
	"melbourne":     "Australia/Melbourne",
}

// ResolveZone maps a user-supplied locale (a known city name or an IANA zone
// id) to a location. ok is false for anything else.
func ResolveZone(locale string) (loc *time.Location, ok bool) {
	key := strings.TrimSpace(locale)
	if key == "" || strings.EqualFold(key, "local") {
		return nil, false
	}
	name := key
	if zone, found := cityZones[strings.ToLower(key)]; found {
		name = zone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}

// TimeContext describes the service's home-base time and, when known, the
// user's. Unrecognized locales are passed through as a place description.
func TimeContext(now time.Time, home *time.Location, homeCity, userLocale string) string {
	if home == nil {
		home = time.UTC
	}
	line := fmt.Sprintf("[CONTEXT] Time context: Right now it’s %s in %s.", now.In(home).Format(clockLayout), homeCity)

	locale := strings.TrimSpace(userLocale)
	if locale == "" {
		return line
	}
	if loc, ok := ResolveZone(locale); ok {
		return line + fmt.Sprintf(" The user’s local time is approximately %s (%s).", now.In(loc).Format(clockLayout), locale)
	}
	return line + fmt.Sprintf(" The user has told you they are in %s.", locale)
}

// ContextInput is everything BuildContext needs; it does no I/O.
type ContextInput struct {
	Summary  string
	Profile  models.Profile
	History  []models.Message
	Now      time.Time
	Home     *time.Location
	HomeCity string
}

// BuildContext assembles the session replayed ahead of a new message:
// summary, name directive, profile note, time context, then the newest
// ContextHistoryLimit messages.
func BuildContext(in ContextInput) []models.Message {
	session := make([]models.Message, 0, ContextHistoryLimit+4)
	add := func(text string) {
		session = append(session, models.Message{Role: models.RoleUser, Content: text})
	}

	if s := strings.TrimSpace(in.Summary); s != "" {
		add("[CONTEXT] Durable summary:\n" + s)
	}
	if name := strings.TrimSpace(in.Profile.Name); name != "" {
		add(fmt.Sprintf("[CONTEXT] User name: %s. Address the user as %s.", name, utils.FirstName(name)))
	}
	if note := strings.TrimSpace(in.Profile.Note); note != "" {
		add("[CONTEXT] Profile note:\n" + note)
	}
	city := in.HomeCity
	if city == "" {
		city = DefaultHomeCity
	}
	add(TimeContext(in.Now, in.Home, city, in.Profile.Timezone))

	history := in.History
	if len(history) > ContextHistoryLimit {
		history = history[len(history)-ContextHistoryLimit:]
	}
	return append(session, history...)
}

// AugmentPrompt prepends retrieved memories to the user's message in a
// delimited block the model can tell apart from live dialogue.
func AugmentPrompt(input string, recalled []models.MemoryRecord) string {
	if len(recalled) == 0 {
		return input
	}
	var b strings.Builder
	b.WriteString("\n[INTEGRITY MIRROR - RELEVANT MEMORIES]\n")
	for _, r := range recalled {
		tone := r.Tone
		if tone == "" {
			tone = "n/a"
		}
		fmt.Fprintf(&b, "- (%s) %s [Tone: %s]\n", r.Timestamp.UTC().Format("2006-01-02"), r.Text, tone)
	}
	return b.String() + "\n\nUser: " + input
}

// Transcript renders messages as the summarizer prompt.
func Transcript(msgs []models.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		speaker := "Clara"
		if m.Role == models.RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+m.Content)
	}
	return "Below is a conversation between the user and Clara.\n\n" +
		strings.Join(lines, "\n") +
		"\n\nWrite a durable memory summary of the user."
}
