package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

type scriptedBackend struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []Request
}

func (b *scriptedBackend) Generate(_ context.Context, req Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return b.reply, b.err
}

func newTestGateway(b Backend) *Gateway {
	return NewGateway(b, Config{PersonaModel: "persona-model", FastModel: "fast-model"}, zerolog.Nop())
}

func TestClassifyBlankInputSkipsBackend(t *testing.T) {
	b := &scriptedBackend{reply: "Career"}
	g := newTestGateway(b)

	for _, in := range []string{"", "   ", "\n\t"} {
		res := g.ClassifyTopic(context.Background(), in)
		assert.True(t, res.OK())
		assert.Equal(t, "Other", res.Value)
	}
	assert.Empty(t, b.reqs)
}

func TestClassifyNormalizesLabels(t *testing.T) {
	cases := map[string]string{
		"Anxiety":        "Anxiety",
		"'career'":       "Career",
		"\"LEARNING\"\n": "Learning",
		"Health.":        "Health",
	}
	for reply, want := range cases {
		g := newTestGateway(&scriptedBackend{reply: reply})
		res := g.ClassifyTopic(context.Background(), "I'm really anxious about work")
		assert.True(t, res.OK(), reply)
		assert.Equal(t, want, res.Value, reply)
	}
}

func TestClassifyFallsBackToOther(t *testing.T) {
	g := newTestGateway(&scriptedBackend{reply: "Cooking"})
	res := g.ClassifyTopic(context.Background(), "recipes")
	assert.ErrorIs(t, res.Err, ErrUnknownLabel)
	assert.Equal(t, "Other", res.Value)

	g = newTestGateway(&scriptedBackend{err: errors.New("backend down")})
	res = g.ClassifyTopic(context.Background(), "recipes")
	assert.Error(t, res.Err)
	assert.Equal(t, "Other", res.Value)
}

func TestClassifierConfiguration(t *testing.T) {
	b := &scriptedBackend{reply: "Other"}
	g := newTestGateway(b)
	g.ClassifyTopic(context.Background(), "hello")

	require.Len(t, b.reqs, 1)
	req := b.reqs[0]
	assert.Equal(t, "fast-model", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Equal(t, 8, req.MaxTokens)
	assert.Contains(t, req.System, "exactly one")
	assert.Equal(t, DefaultSafety, req.Safety)
}

func TestExtractEmotionDefaultsOnFailure(t *testing.T) {
	g := newTestGateway(&scriptedBackend{err: errors.New("boom")})
	res := g.ExtractEmotion(context.Background(), "I'm really anxious about work")
	assert.Error(t, res.Err)
	assert.Equal(t, models.Emotion{Tone: "Neutral", Weight: 1}, res.Value)
}

func TestExtractEmotionParsesAndValidates(t *testing.T) {
	cases := []struct {
		reply string
		want  models.Emotion
		ok    bool
	}{
		{`{"tone": "Anxious", "weight": 8}`, models.Emotion{Tone: "Anxious", Weight: 8}, true},
		{"```json\n{\"tone\": \"Joyful\", \"weight\": \"3\"}\n```", models.Emotion{Tone: "Joyful", Weight: 3}, true},
		{`{"tone": "Furious", "weight": 42}`, models.Emotion{Tone: "Furious", Weight: 10}, true},
		{`{"tone": "Flat", "weight": 0}`, models.Emotion{Tone: "Flat", Weight: 1}, true},
		{`{"tone": "Anxious"}`, models.DefaultEmotion(), false},
		{`{"tone": 3, "weight": 4}`, models.DefaultEmotion(), false},
		{`not json`, models.DefaultEmotion(), false},
	}
	for _, tc := range cases {
		b := &scriptedBackend{reply: tc.reply}
		res := newTestGateway(b).ExtractEmotion(context.Background(), "some text")
		assert.Equal(t, tc.ok, res.OK(), tc.reply)
		assert.Equal(t, tc.want, res.Value, tc.reply)

		require.Len(t, b.reqs, 1)
		assert.True(t, b.reqs[0].JSON)
		assert.Contains(t, b.reqs[0].Input, `Text: "some text"`)
	}
}

func TestSendTurnUsesPersona(t *testing.T) {
	b := &scriptedBackend{reply: "  Quite right.  "}
	g := newTestGateway(b)
	history := []models.Message{{Role: models.RoleUser, Content: "hi"}, {Role: models.RoleAssistant, Content: "hello"}}

	reply, err := g.SendTurn(context.Background(), history, "how are you")
	require.NoError(t, err)
	assert.Equal(t, "Quite right.", reply)

	req := b.reqs[0]
	assert.Equal(t, "persona-model", req.Model)
	assert.Contains(t, req.System, "You are Clara")
	assert.Equal(t, history, req.History)
	assert.Equal(t, "how are you", req.Input)
	assert.Nil(t, req.Temperature)
}

func TestSendTurnEmptyReplyIsNotAnError(t *testing.T) {
	reply, err := newTestGateway(&scriptedBackend{reply: ""}).SendTurn(context.Background(), nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "", reply)
}

func TestSendTurnRateLimited(t *testing.T) {
	g := newTestGateway(&scriptedBackend{err: &APIError{Provider: "gemini", StatusCode: 429, Status: "RESOURCE_EXHAUSTED"}})
	_, err := g.SendTurn(context.Background(), nil, "hi")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, UserMessage(err), "hitting the limits of the current plan")

	g = newTestGateway(&scriptedBackend{err: errors.New("You exceeded your current quota")})
	_, err = g.SendTurn(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestUserMessageForGenericErrors(t *testing.T) {
	msg := UserMessage(&APIError{Provider: "gemini", StatusCode: 500, Message: "internal"})
	assert.Equal(t, "Clara hit an unexpected error: APIError: gemini api 500: internal", msg)

	assert.Equal(t, "Clara hit an unexpected error: Timeout: context deadline exceeded", UserMessage(context.DeadlineExceeded))
	assert.Equal(t, "", UserMessage(nil))
	assert.NotContains(t, UserMessage(errors.New("boom")), "goroutine")
}

func TestSummarize(t *testing.T) {
	b := &scriptedBackend{reply: "The user works as a nurse."}
	res := newTestGateway(b).Summarize(context.Background(), "User: I'm a nurse")
	require.True(t, res.OK())
	assert.Equal(t, "The user works as a nurse.", res.Value)
	require.NotNil(t, b.reqs[0].Temperature)
	assert.Equal(t, 0.2, *b.reqs[0].Temperature)

	res = newTestGateway(&scriptedBackend{err: errors.New("down")}).Summarize(context.Background(), "User: hi")
	assert.False(t, res.OK())
	assert.Equal(t, "", res.Value)
}

func TestModelConfigsAreBuiltOnce(t *testing.T) {
	g := newTestGateway(&scriptedBackend{})
	first, s1 := g.metaConfig()
	second, s2 := g.metaConfig()
	assert.Equal(t, first, second)
	assert.Same(t, s1, s2)
}

func TestLoadPrompts(t *testing.T) {
	p := DefaultPrompts()
	assert.Contains(t, p.Persona, "988")
	assert.Contains(t, p.Classifier, "Philosophy")

	_, err := LoadPrompts([]byte("persona: a\nsummarizer: b\nclassifier: c\nemotion: no placeholder\n"))
	assert.Error(t, err)

	_, err = LoadPrompts([]byte("persona: a\n"))
	assert.Error(t, err)

	custom, err := LoadPrompts([]byte("persona: a\nsummarizer: b\nclassifier: c\nemotion: 'rate {{TEXT}}'\n"))
	require.NoError(t, err)
	assert.Equal(t, "rate hello", custom.emotionPrompt("hello"))
}
