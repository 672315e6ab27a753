package chat

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

func TestResolveZone(t *testing.T) {
	cases := map[string]string{
		"London":            "Europe/London",
		"  nyc ":            "America/New_York",
		"San Francisco":     "America/Los_Angeles",
		"Asia/Kolkata":      "Asia/Kolkata",
		"America/Sao_Paulo": "America/Sao_Paulo",
	}
	for in, want := range cases {
		loc, ok := ResolveZone(in)
		require.True(t, ok, in)
		assert.Equal(t, want, loc.String(), in)
	}

	for _, in := range []string{"", "   ", "somewhere near the sea", "Local"} {
		_, ok := ResolveZone(in)
		assert.False(t, ok, in)
	}
}

func TestTimeContext(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	now := time.Date(2025, 7, 7, 9, 30, 0, 0, time.UTC) // Monday, BST

	assert.Equal(t, "[CONTEXT] Time context: Right now it’s Monday, 10:30 in London.",
		TimeContext(now, london, "London", ""))
	assert.Equal(t, "[CONTEXT] Time context: Right now it’s Monday, 10:30 in London. The user’s local time is approximately Monday, 05:30 (new york).",
		TimeContext(now, london, "London", "new york"))
	assert.Equal(t, "[CONTEXT] Time context: Right now it’s Monday, 10:30 in London. The user has told you they are in the Scottish highlands.",
		TimeContext(now, london, "London", "the Scottish highlands"))
}

func TestBuildContextOrderAndTrimming(t *testing.T) {
	var history []models.Message
	for i := 0; i < 60; i++ {
		history = append(history, models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	session := BuildContext(ContextInput{
		Summary: "summary",
		Profile: models.Profile{Name: "Sam", Note: "note"},
		History: history,
		Now:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	require.Len(t, session, 4+ContextHistoryLimit)
	assert.True(t, strings.HasPrefix(session[0].Content, "[CONTEXT] Durable summary:"))
	assert.Equal(t, "[CONTEXT] User name: Sam. Address the user as Sam.", session[1].Content)
	assert.True(t, strings.HasPrefix(session[2].Content, "[CONTEXT] Profile note:"))
	assert.True(t, strings.HasPrefix(session[3].Content, "[CONTEXT] Time context:"))
	assert.Equal(t, "m10", session[4].Content)
	assert.Equal(t, "m59", session[len(session)-1].Content)
}

func TestBuildContextSkipsEmptyFields(t *testing.T) {
	session := BuildContext(ContextInput{Now: time.Now()})
	require.Len(t, session, 1)
	assert.True(t, strings.HasPrefix(session[0].Content, "[CONTEXT] Time context:"))
	assert.Contains(t, session[0].Content, "in London.")
}

func TestAugmentPrompt(t *testing.T) {
	assert.Equal(t, "hi", AugmentPrompt("hi", nil))

	got := AugmentPrompt("hi", []models.MemoryRecord{
		{Text: "first", Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Tone: "Hopeful"},
		{Text: "reply", Timestamp: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
	})
	assert.Equal(t, "\n[INTEGRITY MIRROR - RELEVANT MEMORIES]\n"+
		"- (2024-05-01) first [Tone: Hopeful]\n"+
		"- (2024-05-02) reply [Tone: n/a]\n"+
		"\n\nUser: hi", got)
}

func TestTrimForConciseness(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		out, cut := TrimForConciseness("  Hello there.  ", 700)
		assert.False(t, cut)
		assert.Equal(t, "Hello there.", out)
	})

	t.Run("cuts at a sentence end", func(t *testing.T) {
		text := longReply(2000)
		out, cut := TrimForConciseness(text, 700)
		require.True(t, cut)
		assert.LessOrEqual(t, len([]rune(out)), 701)
		assert.True(t, strings.HasSuffix(out, "reply."+Ellipsis))
		assert.Greater(t, len([]rune(out)), 420)
	})

	t.Run("prefers a paragraph break", func(t *testing.T) {
		text := strings.Repeat("a", 500) + ". More.\n\n" + strings.Repeat("b ", 400)
		out, cut := TrimForConciseness(text, 700)
		require.True(t, cut)
		assert.Equal(t, strings.Repeat("a", 500)+". More."+Ellipsis, out)
	})

	t.Run("falls back to a word boundary", func(t *testing.T) {
		text := strings.Repeat("word ", 300)
		out, cut := TrimForConciseness(text, 700)
		require.True(t, cut)
		assert.True(t, strings.HasSuffix(out, "word"+Ellipsis))
	})

	t.Run("hard cut without any boundary", func(t *testing.T) {
		out, cut := TrimForConciseness(strings.Repeat("x", 1000), 700)
		require.True(t, cut)
		assert.Equal(t, strings.Repeat("x", 700)+Ellipsis, out)
	})
}

func TestWantsFullAnswer(t *testing.T) {
	assert.True(t, WantsFullAnswer("Can you explain it in detail?"))
	assert.True(t, WantsFullAnswer("Walk me through it STEP BY STEP"))
	assert.True(t, WantsFullAnswer("Don’t hold back"))
	assert.False(t, WantsFullAnswer("I'm really anxious about work"))
	assert.False(t, WantsFullAnswer(""))
}

func TestShouldShowContinue(t *testing.T) {
	assert.False(t, ShouldShowContinue(""))
	assert.False(t, ShouldShowContinue("How does that feel?"))
	assert.False(t, ShouldShowContinue("Glad to hear it."))
	assert.True(t, ShouldShowContinue("There is more to say"+Ellipsis))
	assert.True(t, ShouldShowContinue("Three things stand out:"))
	assert.True(t, ShouldShowContinue(strings.Repeat("Long thought. ", 30)))
}

func TestDailyLimit(t *testing.T) {
	limit, capped := DailyLimit(models.PlanFree)
	assert.True(t, capped)
	assert.Equal(t, 50, limit)

	_, capped = DailyLimit(models.PlanPlus)
	assert.False(t, capped)
}
