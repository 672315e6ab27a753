// Package chat runs a conversation turn: it gates on the daily limit,
// assembles context, recalls memories, calls the model, shapes the reply and
// records the interaction.
package chat

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/memory"
	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/internal/safety"
	"github.com/AnshRaj112/clara-backend/internal/store"
	"github.com/AnshRaj112/clara-backend/internal/topics"
	"github.com/AnshRaj112/clara-backend/pkg/result"
)

const (
	FreeDailyLimit = 50

	RecallTopK    = 3
	PatternWeight = 7

	SummaryFloor  = 20
	SummaryEvery  = 15
	SummaryWindow = 60
	summaryChance = 0.6

	// ContinuePrompt is sent when the user taps "Continue".
	ContinuePrompt = "Continue"

	backgroundTimeout = 60 * time.Second
)

// LimitMessage is shown when a free user is out of messages for the day.
const LimitMessage = "You’ve reached today’s free message limit with the standard Clara experience.\n\n" +
	"Clara Plus gives you more daily messages, richer long‑term memory, and room for more detailed answers " +
	"when you actually want them.\n\n" +
	"For now, reach out directly if you’d like Clara Plus turned on for your account."

var (
	ErrDailyLimit   = errors.New("daily message limit reached")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoUser       = errors.New("user id is required")
)

// Stage is a step of a turn, reported to observers as it starts.
type Stage string

const (
	StageCollectingContext Stage = "collecting_context"
	StageRetrievingMemory  Stage = "retrieving_memory"
	StageGenerating        Stage = "generating"
	StagePostProcessing    Stage = "post_processing"
	StagePersisting        Stage = "persisting"
	StageDone              Stage = "done"
)

// Conversations is the part of the identity and usage store a turn needs.
// *store.Store satisfies it.
type Conversations interface {
	Today() string
	AppendMessage(ctx context.Context, userID string, role models.Role, content string) error
	History(ctx context.Context, userID string, limit int) []models.Message
	CountMessages(ctx context.Context, userID string) int
	Summary(ctx context.Context, userID string) string
	SaveSummary(ctx context.Context, userID, text string)
	DailyCount(ctx context.Context, userID, date string) int
	IncrementDailyCount(ctx context.Context, userID, date string, amount int)
	Plan(ctx context.Context, userID string) models.Plan
	Profile(ctx context.Context, userID string) models.Profile
	IncrementTopic(ctx context.Context, counter, label string)
}

// Memories is the semantic memory store. *memory.Store satisfies it.
type Memories interface {
	Store(ctx context.Context, userID, text string, meta models.MemoryMeta)
	SearchSimilar(ctx context.Context, userID, queryText string, topK int, minRelevance float64) result.Result[[]models.MemoryRecord]
	SearchByTone(ctx context.Context, userID, tone string, topK int) result.Result[[]models.MemoryRecord]
}

// Model is the language model gateway. *llm.Gateway satisfies it.
type Model interface {
	SendTurn(ctx context.Context, history []models.Message, input string) (string, error)
	Summarize(ctx context.Context, transcript string) result.Result[string]
	ClassifyTopic(ctx context.Context, text string) result.Result[string]
	ExtractEmotion(ctx context.Context, text string) result.Result[models.Emotion]
}

type TurnRequest struct {
	UserID   string
	Message  string
	Continue bool
	// OnStage, when set, is called synchronously as each stage begins.
	OnStage func(Stage)
}

type TurnResult struct {
	Reply        string         `json:"reply"`
	Truncated    bool           `json:"truncated"`
	ShowContinue bool           `json:"show_continue"`
	Crisis       bool           `json:"crisis"`
	Emotion      models.Emotion `json:"emotion"`
	Topic        string         `json:"topic"`
	Recalled     int            `json:"recalled"`
	Plan         models.Plan    `json:"plan"`
	DailyCount   int            `json:"daily_count"`
}

type Option func(*Service)

// WithDecide replaces the random summary throttle.
func WithDecide(decide func() bool) Option {
	return func(s *Service) { s.decide = decide }
}

// WithClock replaces time.Now for the time context.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHome sets the service's home-base city and time zone.
func WithHome(city, timezone string) Option {
	return func(s *Service) {
		if loc, err := time.LoadLocation(timezone); err == nil && city != "" {
			s.homeCity, s.home = city, loc
		}
	}
}

type Service struct {
	conv  Conversations
	mem   Memories
	model Model
	log   zerolog.Logger

	decide   func() bool
	now      func() time.Time
	homeCity string
	home     *time.Location

	wg sync.WaitGroup
}

func NewService(conv Conversations, mem Memories, model Model, log zerolog.Logger, opts ...Option) *Service {
	home, err := time.LoadLocation(DefaultHomeTimezone)
	if err != nil {
		home = time.UTC
	}
	s := &Service{
		conv:     conv,
		mem:      mem,
		model:    model,
		log:      log.With().Str("component", "chat").Logger(),
		decide:   func() bool { return rand.Float64() < summaryChance },
		now:      time.Now,
		homeCity: DefaultHomeCity,
		home:     home,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DailyLimit returns the plan's daily message cap; capped is false for an
// unlimited plan.
func DailyLimit(plan models.Plan) (limit int, capped bool) {
	if plan == models.PlanPlus {
		return 0, false
	}
	return FreeDailyLimit, true
}

// Wait blocks until background work started by earlier turns has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// background runs fn detached from the request, bounded by backgroundTimeout.
func (s *Service) background(ctx context.Context, name string, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Str("task", name).Msg("background task panicked")
			}
		}()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		fn(bg)
	}()
}

// Turn processes one user message end to end. Only ErrDailyLimit, input
// errors and generation failures are returned; every other failure falls
// back to a default. A turn that fails during generation still counts
// against the daily limit.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	notify := func(st Stage) {
		if req.OnStage != nil {
			req.OnStage(st)
		}
	}
	userID := strings.TrimSpace(req.UserID)
	input := strings.TrimSpace(req.Message)
	if input == "" && req.Continue {
		input = ContinuePrompt
	}
	if userID == "" {
		return TurnResult{}, ErrNoUser
	}
	if input == "" {
		return TurnResult{}, ErrEmptyMessage
	}

	plan := s.conv.Plan(ctx, userID)
	today := s.conv.Today()
	count := s.conv.DailyCount(ctx, userID, today)
	res := TurnResult{Plan: plan, DailyCount: count}
	if limit, capped := DailyLimit(plan); capped && count >= limit {
		return res, ErrDailyLimit
	}

	notify(StageCollectingContext)
	session := BuildContext(ContextInput{
		Summary:  s.conv.Summary(ctx, userID),
		Profile:  s.conv.Profile(ctx, userID),
		History:  s.conv.History(ctx, userID, ContextHistoryLimit),
		Now:      s.now(),
		Home:     s.home,
		HomeCity: s.homeCity,
	})

	if err := s.conv.AppendMessage(ctx, userID, models.RoleUser, input); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("user message rejected")
	}
	s.conv.IncrementDailyCount(ctx, userID, today, 1)
	res.DailyCount = count + 1

	res.Topic = topics.Classify(input)
	s.recordTopics(ctx, input, res.Topic)

	if sig := safety.Screen(input); sig.Crisis() {
		res.Crisis = true
		s.log.Warn().Str("user_id", userID).Bool("self_harm", sig.SelfHarm).Bool("violence", sig.Violence).
			Msg("crisis signal on turn")
	}

	notify(StageRetrievingMemory)
	emotion := s.model.ExtractEmotion(ctx, input)
	if !emotion.OK() {
		s.log.Debug().Err(emotion.Err).Msg("emotion extraction fell back to default")
	}
	res.Emotion = emotion.Value
	recalled := s.recall(ctx, userID, input, res.Emotion)
	res.Recalled = len(recalled)

	notify(StageGenerating)
	reply, err := s.model.SendTurn(ctx, session, AugmentPrompt(input, recalled))
	if err != nil {
		return res, errors.Wrap(err, "generate reply")
	}

	notify(StagePostProcessing)
	reply = strings.TrimSpace(reply)
	if !WantsFullAnswer(input) {
		reply, res.Truncated = TrimForConciseness(reply, ReplyBudget(plan))
	}
	res.Reply = reply
	res.ShowContinue = ShouldShowContinue(reply)

	notify(StagePersisting)
	if reply != "" {
		if err := s.conv.AppendMessage(ctx, userID, models.RoleAssistant, reply); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("assistant message rejected")
		}
	}
	s.remember(ctx, userID, input, reply, res.Emotion, res.Topic)

	notify(StageDone)
	return res, nil
}

// recall runs the semantic search and, for emotionally heavy messages, the
// tone pattern search, merging both by record id.
func (s *Service) recall(ctx context.Context, userID, input string, em models.Emotion) []models.MemoryRecord {
	similar := s.mem.SearchSimilar(ctx, userID, input, RecallTopK, 0)
	if !similar.OK() {
		s.log.Debug().Err(similar.Err).Msg("similar search unavailable")
	}
	var pattern []models.MemoryRecord
	if em.Weight >= PatternWeight {
		byTone := s.mem.SearchByTone(ctx, userID, em.Tone, RecallTopK)
		if !byTone.OK() {
			s.log.Debug().Err(byTone.Err).Msg("tone search unavailable")
		}
		pattern = byTone.Value
	}
	return memory.Merge(similar.Value, pattern)
}

// recordTopics bumps the anonymous heuristic and model topic counters.
func (s *Service) recordTopics(ctx context.Context, input, heuristic string) {
	s.background(ctx, "topics", func(ctx context.Context) {
		s.conv.IncrementTopic(ctx, store.TopicCounterHeuristic, heuristic)
		label := s.model.ClassifyTopic(ctx, input)
		if !label.OK() {
			s.log.Debug().Err(label.Err).Msg("topic classifier fell back")
		}
		s.conv.IncrementTopic(ctx, store.TopicCounterModel, label.Value)
	})
}

// remember stores both sides of the turn as memories, then maybe refreshes
// the durable summary.
func (s *Service) remember(ctx context.Context, userID, input, reply string, em models.Emotion, topic string) {
	s.background(ctx, "remember", func(ctx context.Context) {
		s.mem.Store(ctx, userID, input, models.MemoryMeta{
			Role:   models.RoleUser,
			Tone:   em.Tone,
			Weight: em.Weight,
			Topic:  topic,
		})
		s.mem.Store(ctx, userID, reply, models.MemoryMeta{Role: models.RoleAssistant, Topic: topic})
		s.RefreshSummary(ctx, userID)
	})
}

// RefreshSummary regenerates the durable summary from the newest
// SummaryWindow messages when the active message count is at least
// SummaryFloor, a multiple of SummaryEvery, and the throttle agrees.
func (s *Service) RefreshSummary(ctx context.Context, userID string) bool {
	n := s.conv.CountMessages(ctx, userID)
	if n < SummaryFloor || n%SummaryEvery != 0 || !s.decide() {
		return false
	}
	recent := s.conv.History(ctx, userID, SummaryWindow)
	if len(recent) == 0 {
		return false
	}
	summary := s.model.Summarize(ctx, Transcript(recent))
	if !summary.OK() {
		s.log.Warn().Err(summary.Err).Str("user_id", userID).Msg("summary refresh failed")
		return false
	}
	s.conv.SaveSummary(ctx, userID, summary.Value)
	return true
}
