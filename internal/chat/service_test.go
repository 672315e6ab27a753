package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/clara-backend/internal/database"
	"github.com/AnshRaj112/clara-backend/internal/llm"
	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/internal/store"
	"github.com/AnshRaj112/clara-backend/pkg/result"
	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

type fakeModel struct {
	mu sync.Mutex

	reply      string
	sendErr    error
	emotion    models.Emotion
	emotionErr error
	label      string
	summary    string

	sendCalls      int
	emotionCalls   int
	classifyCalls  int
	summarizeCalls int
	lastSession    []models.Message
	lastInput      string
	lastTranscript string
}

func (m *fakeModel) SendTurn(_ context.Context, history []models.Message, input string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	m.lastSession, m.lastInput = history, input
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return m.reply, nil
}

func (m *fakeModel) Summarize(_ context.Context, transcript string) result.Result[string] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarizeCalls++
	m.lastTranscript = transcript
	return result.Ok(m.summary)
}

func (m *fakeModel) ClassifyTopic(context.Context, string) result.Result[string] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifyCalls++
	if m.label == "" {
		return result.Ok(llm.TopicOther)
	}
	return result.Ok(m.label)
}

func (m *fakeModel) ExtractEmotion(context.Context, string) result.Result[models.Emotion] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emotionCalls++
	if m.emotionErr != nil {
		return result.Fallback(models.DefaultEmotion(), m.emotionErr)
	}
	return result.Ok(m.emotion)
}

type storedMemory struct {
	userID string
	text   string
	meta   models.MemoryMeta
}

type fakeMemories struct {
	mu sync.Mutex

	similar []models.MemoryRecord
	byTone  []models.MemoryRecord

	similarCalls int
	toneCalls    int
	lastTone     string
	stored       []storedMemory
}

func (f *fakeMemories) Store(_ context.Context, userID, text string, meta models.MemoryMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if text == "" {
		return
	}
	f.stored = append(f.stored, storedMemory{userID: userID, text: text, meta: meta})
}

func (f *fakeMemories) SearchSimilar(context.Context, string, string, int, float64) result.Result[[]models.MemoryRecord] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.similarCalls++
	return result.Ok(f.similar)
}

func (f *fakeMemories) SearchByTone(_ context.Context, _ string, tone string, _ int) result.Result[[]models.MemoryRecord] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toneCalls++
	f.lastTone = tone
	return result.Ok(f.byTone)
}

type harness struct {
	svc   *Service
	store *store.Store
	model *fakeModel
	mem   *fakeMemories
}

func newHarness(t *testing.T, storeOpts []store.Option, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := database.ConnectSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	backend, err := store.NewSQLiteBackend(ctx, db)
	require.NoError(t, err)

	h := &harness{
		store: store.New(backend, zerolog.Nop(), storeOpts...),
		model: &fakeModel{reply: "I hear you.", emotion: models.Emotion{Tone: "Calm", Weight: 3}},
		mem:   &fakeMemories{},
	}
	h.svc = NewService(h.store, h.mem, h.model, zerolog.Nop(), opts...)
	t.Cleanup(h.svc.Wait)
	return h
}

func longReply(n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		b.WriteString("This is one more calm sentence in a long reply. ")
	}
	return b.String()
}

func TestTurnEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	userID := utils.LegacyUserID("a@b.com", "pepper")
	require.NotEmpty(t, userID)

	assert.Equal(t, models.Profile{}, h.store.Profile(ctx, userID))

	h.model.label = "Anxiety"
	h.model.emotion = models.Emotion{Tone: "Anxious", Weight: 8}
	h.model.reply = longReply(2000)

	res, err := h.svc.Turn(ctx, TurnRequest{UserID: userID, Message: "I'm really anxious about work"})
	require.NoError(t, err)
	h.svc.Wait()

	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len([]rune(res.Reply)), FreeReplyBudget+len([]rune(Ellipsis)))
	assert.True(t, strings.HasSuffix(res.Reply, "."+Ellipsis))
	assert.Equal(t, models.PlanFree, res.Plan)
	assert.Equal(t, 1, res.DailyCount)
	assert.Equal(t, "anxiety", res.Topic)

	assert.Equal(t, 1, h.mem.toneCalls)
	assert.Equal(t, "Anxious", h.mem.lastTone)
	assert.Equal(t, 1, h.store.DailyCount(ctx, userID, h.store.Today()))

	history := h.store.History(ctx, userID, 10)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "I'm really anxious about work", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, res.Reply, history[1].Content)

	assert.Equal(t, map[string]int{"Anxiety": 1}, h.store.Topics(ctx, store.TopicCounterModel))
	assert.Equal(t, map[string]int{"anxiety": 1}, h.store.Topics(ctx, store.TopicCounterHeuristic))

	require.Len(t, h.mem.stored, 2)
	assert.Equal(t, models.MemoryMeta{Role: models.RoleUser, Tone: "Anxious", Weight: 8, Topic: "anxiety"}, h.mem.stored[0].meta)
	assert.Equal(t, models.MemoryMeta{Role: models.RoleAssistant, Topic: "anxiety"}, h.mem.stored[1].meta)
	assert.Equal(t, res.Reply, h.mem.stored[1].text)
}

func TestTurnSkipsToneSearchBelowThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.model.emotion = models.Emotion{Tone: "Sad", Weight: 6}

	_, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "rough day"})
	require.NoError(t, err)

	assert.Equal(t, 1, h.mem.similarCalls)
	assert.Equal(t, 0, h.mem.toneCalls)
}

func TestTurnRefusedAtDailyLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.IncrementDailyCount(ctx, "u1", h.store.Today(), FreeDailyLimit)

	res, err := h.svc.Turn(ctx, TurnRequest{UserID: "u1", Message: "one more?"})
	require.ErrorIs(t, err, ErrDailyLimit)
	assert.Equal(t, FreeDailyLimit, res.DailyCount)

	assert.Equal(t, 0, h.model.sendCalls)
	assert.Equal(t, 0, h.model.emotionCalls)
	assert.Equal(t, 0, h.mem.similarCalls)
	assert.Empty(t, h.store.History(ctx, "u1", 10))
	assert.Equal(t, FreeDailyLimit, h.store.DailyCount(ctx, "u1", h.store.Today()))
}

func TestPlusPlanIsUnlimitedAndGetsLongerReplies(t *testing.T) {
	h := newHarness(t, []store.Option{store.WithForcePlan("plus")})
	ctx := context.Background()
	h.store.IncrementDailyCount(ctx, "u1", h.store.Today(), 200)
	h.model.reply = longReply(3000)

	res, err := h.svc.Turn(ctx, TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.PlanPlus, res.Plan)
	assert.Equal(t, 201, res.DailyCount)
	assert.True(t, res.Truncated)
	assert.Greater(t, len([]rune(res.Reply)), FreeReplyBudget+1)
	assert.LessOrEqual(t, len([]rune(res.Reply)), PlusReplyBudget+1)
}

func TestFailedGenerationStillCounts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.sendErr = errors.Wrap(llm.ErrRateLimited, "429 from backend")

	_, err := h.svc.Turn(ctx, TurnRequest{UserID: "u1", Message: "hello?"})
	require.Error(t, err)
	assert.True(t, llm.IsRateLimited(err))

	assert.Equal(t, 1, h.store.DailyCount(ctx, "u1", h.store.Today()))
	history := h.store.History(ctx, "u1", 10)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleUser, history[0].Role)
}

func TestEmotionFailureUsesDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.model.emotionErr = errors.New("meta model down")

	res, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultEmotion(), res.Emotion)
	assert.Equal(t, 0, h.mem.toneCalls)
}

func TestTurnAugmentsPromptWithDedupedMemories(t *testing.T) {
	h := newHarness(t, nil)
	h.model.emotion = models.Emotion{Tone: "Anxious", Weight: 9}
	rec := models.MemoryRecord{
		ID:        "m1",
		UserID:    "u1",
		Text:      "worried about the move",
		Timestamp: time.Date(2025, 1, 2, 18, 0, 0, 0, time.UTC),
		Tone:      "Anxious",
	}
	h.mem.similar = []models.MemoryRecord{rec}
	h.mem.byTone = []models.MemoryRecord{rec}

	res, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "it's happening again"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalled)
	assert.Equal(t,
		"\n[INTEGRITY MIRROR - RELEVANT MEMORIES]\n- (2025-01-02) worried about the move [Tone: Anxious]\n\n\nUser: it's happening again",
		h.model.lastInput)

	// the log keeps the raw message, not the augmented prompt
	history := h.store.History(context.Background(), "u1", 2)
	require.Len(t, history, 2)
	assert.Equal(t, "it's happening again", history[0].Content)
}

func TestTurnWithoutMemoriesSendsRawMessage(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", h.model.lastInput)
}

func TestTurnReplaysContext(t *testing.T) {
	monday := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, nil, WithClock(func() time.Time { return monday }))
	ctx := context.Background()

	h.store.SaveSummary(ctx, "u1", "Likes hiking.")
	h.store.SaveName(ctx, "u1", "Ada Lovelace")
	h.store.SaveNote(ctx, "u1", "Prefers short answers.")
	h.store.SaveTimezone(ctx, "u1", "Tokyo")
	require.NoError(t, h.store.AppendMessage(ctx, "u1", models.RoleUser, "earlier"))
	require.NoError(t, h.store.AppendMessage(ctx, "u1", models.RoleAssistant, "earlier reply"))

	_, err := h.svc.Turn(ctx, TurnRequest{UserID: "u1", Message: "now"})
	require.NoError(t, err)

	session := h.model.lastSession
	require.Len(t, session, 6)
	assert.Equal(t, "[CONTEXT] Durable summary:\nLikes hiking.", session[0].Content)
	assert.Equal(t, "[CONTEXT] User name: Ada Lovelace. Address the user as Ada.", session[1].Content)
	assert.Equal(t, "[CONTEXT] Profile note:\nPrefers short answers.", session[2].Content)
	assert.Equal(t, "[CONTEXT] Time context: Right now it’s Monday, 12:00 in London. The user’s local time is approximately Monday, 21:00 (Tokyo).", session[3].Content)
	assert.Equal(t, "earlier", session[4].Content)
	assert.Equal(t, models.RoleAssistant, session[5].Role)
}

func TestTurnFullAnswerIsNotTrimmed(t *testing.T) {
	h := newHarness(t, nil)
	h.model.reply = longReply(2000)

	res, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "Give me a detailed answer please"})
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, strings.TrimSpace(longReply(2000)), res.Reply)
}

func TestTurnContinue(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Continue: true})
	require.NoError(t, err)
	history := h.store.History(context.Background(), "u1", 2)
	require.Len(t, history, 2)
	assert.Equal(t, ContinuePrompt, history[0].Content)
}

func TestTurnEmptyReplyIsNotPersisted(t *testing.T) {
	h := newHarness(t, nil)
	h.model.reply = ""

	res, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	assert.Empty(t, res.Reply)
	assert.Len(t, h.store.History(context.Background(), "u1", 10), 1)
}

func TestTurnReportsStagesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	var stages []Stage
	_, err := h.svc.Turn(context.Background(), TurnRequest{
		UserID:  "u1",
		Message: "hello",
		OnStage: func(s Stage) { stages = append(stages, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, []Stage{
		StageCollectingContext,
		StageRetrievingMemory,
		StageGenerating,
		StagePostProcessing,
		StagePersisting,
		StageDone,
	}, stages)
}

func TestTurnFlagsCrisisWithoutBlocking(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "some days I want to die"})
	require.NoError(t, err)
	assert.True(t, res.Crisis)
	assert.Equal(t, 1, h.model.sendCalls)
}

func TestTurnInputErrors(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = h.svc.Turn(context.Background(), TurnRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrNoUser)
	assert.Equal(t, 0, h.model.sendCalls)
}

func seedMessages(t *testing.T, s *store.Store, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		require.NoError(t, s.AppendMessage(context.Background(), userID, role, "message"))
	}
}

func TestRefreshSummaryCadence(t *testing.T) {
	ctx := context.Background()

	t.Run("due and decided", func(t *testing.T) {
		h := newHarness(t, nil, WithDecide(func() bool { return true }))
		h.model.summary = "The user is moving to Berlin."
		seedMessages(t, h.store, "u1", 30)

		assert.True(t, h.svc.RefreshSummary(ctx, "u1"))
		assert.Equal(t, 1, h.model.summarizeCalls)
		assert.Equal(t, "The user is moving to Berlin.", h.store.Summary(ctx, "u1"))
		assert.True(t, strings.HasPrefix(h.model.lastTranscript, "Below is a conversation between the user and Clara.\n\nUser: message\nClara: message"))
		assert.True(t, strings.HasSuffix(h.model.lastTranscript, "\n\nWrite a durable memory summary of the user."))
	})

	t.Run("due but throttled", func(t *testing.T) {
		h := newHarness(t, nil, WithDecide(func() bool { return false }))
		seedMessages(t, h.store, "u1", 30)

		assert.False(t, h.svc.RefreshSummary(ctx, "u1"))
		assert.Equal(t, 0, h.model.summarizeCalls)
	})

	t.Run("not a multiple of fifteen", func(t *testing.T) {
		h := newHarness(t, nil, WithDecide(func() bool { return true }))
		seedMessages(t, h.store, "u1", 25)
		assert.False(t, h.svc.RefreshSummary(ctx, "u1"))
	})

	t.Run("below the floor", func(t *testing.T) {
		h := newHarness(t, nil, WithDecide(func() bool { return true }))
		seedMessages(t, h.store, "u1", 15)
		assert.False(t, h.svc.RefreshSummary(ctx, "u1"))
		assert.Equal(t, 0, h.model.summarizeCalls)
	})
}

func TestTurnTriggersSummaryOnCadence(t *testing.T) {
	h := newHarness(t, nil, WithDecide(func() bool { return true }))
	h.model.summary = "Durable."
	ctx := context.Background()
	seedMessages(t, h.store, "u1", 28)

	_, err := h.svc.Turn(ctx, TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	h.svc.Wait()

	assert.Equal(t, 1, h.model.summarizeCalls)
	assert.Equal(t, "Durable.", h.store.Summary(ctx, "u1"))
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	st := h.svc.Status(ctx, "u1")
	require.NotNil(t, st.Limit)
	assert.Equal(t, FreeDailyLimit, *st.Limit)
	assert.Equal(t, FreeDailyLimit, *st.Remaining)
	assert.False(t, st.OverLimit)
	assert.False(t, st.ShowContinue)

	require.NoError(t, h.store.AppendMessage(ctx, "u1", models.RoleUser, "go on"))
	require.NoError(t, h.store.AppendMessage(ctx, "u1", models.RoleAssistant, "Here is the first part:"))
	assert.True(t, h.svc.Status(ctx, "u1").ShowContinue)

	h.store.IncrementDailyCount(ctx, "u1", h.store.Today(), 55)
	st = h.svc.Status(ctx, "u1")
	assert.True(t, st.OverLimit)
	assert.Equal(t, 0, *st.Remaining)
	assert.Equal(t, LimitMessage, st.LimitMessage)
}

func TestStatusPlusIsUnlimited(t *testing.T) {
	h := newHarness(t, []store.Option{store.WithForcePlan("plus")})
	st := h.svc.Status(context.Background(), "u1")
	assert.Equal(t, models.PlanPlus, st.Plan)
	assert.Nil(t, st.Limit)
	assert.False(t, st.OverLimit)
}

func TestSearchConversation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.AppendMessage(ctx, "u1", models.RoleUser, "My sister visited"))
	require.NoError(t, h.store.AppendMessage(ctx, "u1", models.RoleAssistant, "How did the visit feel?"))
	require.NoError(t, h.store.AppendMessage(ctx, "u1", models.RoleUser, strings.Repeat("visit ", 60)))

	matches := h.svc.SearchConversation(ctx, "u1", "VISIT")
	require.Len(t, matches, 3)
	assert.Equal(t, 1, matches[0].Index)
	assert.Equal(t, "You", matches[0].Speaker)
	assert.Equal(t, "Clara", matches[1].Speaker)
	assert.Equal(t, 3, matches[2].Index)
	assert.Len(t, []rune(matches[2].Snippet), 220)
	assert.True(t, strings.HasSuffix(matches[2].Snippet, "..."))

	assert.Empty(t, h.svc.SearchConversation(ctx, "u1", "berlin"))
	assert.Empty(t, h.svc.SearchConversation(ctx, "u1", "  "))
}
