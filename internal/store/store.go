// Package store persists chat logs, summaries, profiles and usage counters.
//
// Store is the best-effort facade used by the conversation flow: backend
// failures are logged and replaced by empty defaults so that a degraded
// database never interrupts a live conversation. Backends return errors.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/pkg/result"
	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

const (
	DefaultHistoryLimit = 50
	// LegacyMigrationLimit caps how many messages MigrateLegacyChat copies.
	LegacyMigrationLimit = 250

	TopicCounterHeuristic = "topics"
	TopicCounterModel     = "topics_ml"

	// CallTimeout bounds each backend call; a retried read gets it twice.
	CallTimeout = 3 * time.Second
	// bulkTimeout bounds migrations and account deletion, which touch many rows.
	bulkTimeout = 30 * time.Second

	dateLayout = "2006-01-02"
)

var (
	ErrInvalidRole  = errors.New("invalid message role")
	ErrEmptyUser    = errors.New("user id is required")
	ErrEmptyContent = errors.New("message content is empty")
)

// ProfileUpdate is a merge-style partial write; nil fields are left untouched.
type ProfileUpdate struct {
	Name      *string
	Timezone  *string
	Note      *string
	AvatarURL *string
}

// Migration describes a legacy chat record adoption.
type Migration struct {
	LegacyID string
	NewID    string
	Email    string
	Today    string
	At       time.Time
	Limit    int
}

// Backend is a concrete conversation database.
type Backend interface {
	AppendMessage(ctx context.Context, userID string, msg models.Message) error
	History(ctx context.Context, userID string, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context, userID string) (int, error)
	Clear(ctx context.Context, userID string, at time.Time) error

	Summary(ctx context.Context, userID string) (string, error)
	SaveSummary(ctx context.Context, userID, text string) error

	DailyCount(ctx context.Context, userID, date string) (int, error)
	IncrementDailyCount(ctx context.Context, userID, date string, amount int) error

	Profile(ctx context.Context, userID string) (models.Profile, error)
	SaveProfile(ctx context.Context, userID string, update ProfileUpdate, at time.Time) error
	ChatExists(ctx context.Context, userID string) (bool, error)
	EnsureIdentity(ctx context.Context, userID, email string, at time.Time) error

	IncrementTopic(ctx context.Context, counter, label string) error
	Topics(ctx context.Context, counter string) (map[string]int, error)

	// MigrateChat reports whether anything was copied.
	MigrateChat(ctx context.Context, m Migration) (bool, error)
	DeleteAccount(ctx context.Context, userID string) error

	Ping(ctx context.Context) error
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryCache enables the Redis recent-history cache.
func WithHistoryCache(c *HistoryCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithForcePlan overrides every user's stored plan ("" disables).
func WithForcePlan(plan string) Option {
	return func(s *Store) {
		switch strings.ToLower(strings.TrimSpace(plan)) {
		case string(models.PlanFree):
			s.forcePlan = models.PlanFree
		case string(models.PlanPlus):
			s.forcePlan = models.PlanPlus
		default:
			s.forcePlan = ""
		}
	}
}

// WithCallTimeout replaces CallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	backend   Backend
	cache     *HistoryCache
	log       zerolog.Logger
	forcePlan models.Plan
	now       func() time.Time
	timeout   time.Duration

	mu   sync.Mutex
	last time.Time
}

func New(backend Backend, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     log.With().Str("component", "store").Logger(),
		now:     time.Now,
		timeout: CallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the usage-counter date key for the current UTC day.
func (s *Store) Today() string {
	return s.now().UTC().Format(dateLayout)
}

// tick returns a millisecond-precision timestamp strictly later than any
// previously issued by this Store.
func (s *Store) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

// call runs one backend call under the per-call timeout.
func (s *Store) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

// read runs an idempotent backend read, retried once, each attempt under the
// per-call timeout.
func read[T any](ctx context.Context, s *Store, fn func(ctx context.Context) (T, error)) (T, error) {
	return result.RetryOnce(ctx, func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return fn(ctx)
	})
}

func (s *Store) warn(err error, op, userID string) {
	s.log.Warn().Err(err).Str("op", op).Str("user_id", userID).Msg("store operation failed")
}

// AppendMessage validates and persists one message. Validation failures are
// returned; backend failures are logged and swallowed.
func (s *Store) AppendMessage(ctx context.Context, userID string, role models.Role, content string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return ErrEmptyUser
	case !role.Valid():
		return errors.Wrapf(ErrInvalidRole, "role %q", role)
	case strings.TrimSpace(content) == "":
		return ErrEmptyContent
	}

	msg := models.Message{Role: role, Content: content, Timestamp: s.tick()}
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.AppendMessage(ctx, userID, msg)
	}); err != nil {
		s.warn(err, "append_message", userID)
		return nil
	}
	s.cache.Push(ctx, userID, msg)
	return nil
}

// History returns the newest limit active messages, oldest first.
func (s *Store) History(ctx context.Context, userID string, limit int) []models.Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if cached, ok := s.cache.Recent(ctx, userID, limit); ok {
		return cached
	}
	gen := s.cache.Generation(ctx, userID)
	msgs, err := read(ctx, s, func(ctx context.Context) ([]models.Message, error) {
		return s.backend.History(ctx, userID, limit)
	})
	if err != nil {
		s.warn(err, "history", userID)
		return []models.Message{}
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	if limit >= HistoryCacheSize || len(msgs) < limit {
		s.cache.Warm(ctx, userID, msgs, gen)
	}
	return msgs
}

// CountMessages returns the number of messages since the last clear.
func (s *Store) CountMessages(ctx context.Context, userID string) int {
	n, err := read(ctx, s, func(ctx context.Context) (int, error) {
		return s.backend.CountMessages(ctx, userID)
	})
	if err != nil {
		s.warn(err, "count_messages", userID)
		return 0
	}
	return n
}

// Clear hides existing messages and wipes the summary. Rows are kept.
func (s *Store) Clear(ctx context.Context, userID string) {
	at := s.tick()
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.Clear(ctx, userID, at)
	}); err != nil {
		s.warn(err, "clear", userID)
	}
	s.cache.Invalidate(ctx, userID)
}

func (s *Store) Summary(ctx context.Context, userID string) string {
	text, err := read(ctx, s, func(ctx context.Context) (string, error) {
		return s.backend.Summary(ctx, userID)
	})
	if err != nil {
		s.warn(err, "summary", userID)
		return ""
	}
	return text
}

func (s *Store) SaveSummary(ctx context.Context, userID, text string) {
	text = strings.TrimSpace(text)
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.SaveSummary(ctx, userID, text)
	}); err != nil {
		s.warn(err, "save_summary", userID)
	}
}

func (s *Store) DailyCount(ctx context.Context, userID, date string) int {
	n, err := read(ctx, s, func(ctx context.Context) (int, error) {
		return s.backend.DailyCount(ctx, userID, date)
	})
	if err != nil {
		s.warn(err, "daily_count", userID)
		return 0
	}
	return n
}

// IncrementDailyCount atomically adds amount to the user's counter for date.
func (s *Store) IncrementDailyCount(ctx context.Context, userID, date string, amount int) {
	if amount <= 0 {
		return
	}
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.IncrementDailyCount(ctx, userID, date, amount)
	}); err != nil {
		s.warn(err, "increment_daily_count", userID)
	}
}

// Plan returns the user's plan; a forced plan wins over stored data.
func (s *Store) Plan(ctx context.Context, userID string) models.Plan {
	if s.forcePlan != "" {
		return s.forcePlan
	}
	return models.ParsePlan(string(s.Profile(ctx, userID).Plan))
}

func (s *Store) Profile(ctx context.Context, userID string) models.Profile {
	p, err := read(ctx, s, func(ctx context.Context) (models.Profile, error) {
		return s.backend.Profile(ctx, userID)
	})
	if err != nil {
		s.warn(err, "profile", userID)
		return models.Profile{}
	}
	return p
}

func (s *Store) SaveProfile(ctx context.Context, userID string, update ProfileUpdate) {
	if update.Name == nil && update.Timezone == nil && update.Note == nil && update.AvatarURL == nil {
		return
	}
	for _, f := range []*string{update.Name, update.Timezone, update.Note, update.AvatarURL} {
		if f != nil {
			*f = strings.TrimSpace(*f)
		}
	}
	at := s.now().UTC()
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.SaveProfile(ctx, userID, update, at)
	}); err != nil {
		s.warn(err, "save_profile", userID)
	}
}

func (s *Store) SaveName(ctx context.Context, userID, name string) {
	s.SaveProfile(ctx, userID, ProfileUpdate{Name: &name})
}

func (s *Store) SaveTimezone(ctx context.Context, userID, tz string) {
	s.SaveProfile(ctx, userID, ProfileUpdate{Timezone: &tz})
}

func (s *Store) SaveNote(ctx context.Context, userID, note string) {
	s.SaveProfile(ctx, userID, ProfileUpdate{Note: &note})
}

func (s *Store) SaveAvatar(ctx context.Context, userID, url string) {
	s.SaveProfile(ctx, userID, ProfileUpdate{AvatarURL: &url})
}

func (s *Store) ChatExists(ctx context.Context, userID string) bool {
	ok, err := read(ctx, s, func(ctx context.Context) (bool, error) {
		return s.backend.ChatExists(ctx, userID)
	})
	if err != nil {
		s.warn(err, "chat_exists", userID)
		return false
	}
	return ok
}

// EnsureIdentity upserts the identity record; createdAt is only set once.
func (s *Store) EnsureIdentity(ctx context.Context, userID, email string) {
	if userID == "" {
		return
	}
	email, at := utils.NormalizeEmail(email), s.now().UTC()
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.EnsureIdentity(ctx, userID, email, at)
	}); err != nil {
		s.warn(err, "ensure_identity", userID)
	}
}

// IncrementTopic bumps an anonymous aggregate counter. It never fails the caller.
func (s *Store) IncrementTopic(ctx context.Context, counter, label string) {
	label = strings.TrimSpace(label)
	if counter == "" || label == "" {
		return
	}
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.IncrementTopic(ctx, counter, label)
	}); err != nil {
		s.log.Warn().Err(err).Str("counter", counter).Msg("topic increment failed")
	}
}

func (s *Store) Topics(ctx context.Context, counter string) map[string]int {
	out, err := read(ctx, s, func(ctx context.Context) (map[string]int, error) {
		return s.backend.Topics(ctx, counter)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("counter", counter).Msg("topic read failed")
		return map[string]int{}
	}
	return out
}

// MigrateLegacyChat copies a legacy chat record to newID when newID has no
// chat of its own. It reports whether a migration happened.
func (s *Store) MigrateLegacyChat(ctx context.Context, legacyID, newID, email string) bool {
	if legacyID == "" || newID == "" || legacyID == newID {
		return false
	}
	if s.ChatExists(ctx, newID) || !s.ChatExists(ctx, legacyID) {
		return false
	}
	mctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()
	ok, err := s.backend.MigrateChat(mctx, Migration{
		LegacyID: legacyID,
		NewID:    newID,
		Email:    utils.NormalizeEmail(email),
		Today:    s.Today(),
		At:       s.tick(),
		Limit:    LegacyMigrationLimit,
	})
	if err != nil {
		s.warn(err, "migrate_legacy_chat", newID)
		return false
	}
	if ok {
		s.cache.Invalidate(ctx, newID)
		s.log.Info().Str("legacy_id", legacyID).Str("user_id", newID).Msg("legacy chat migrated")
	}
	return ok
}

// DeleteAccount removes every record the user owns. Calling it again is a no-op.
func (s *Store) DeleteAccount(ctx context.Context, userID string) {
	dctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()
	if err := s.backend.DeleteAccount(dctx, userID); err != nil {
		s.warn(err, "delete_account", userID)
	}
	s.cache.Invalidate(ctx, userID)
}

// Ping reports backend health.
func (s *Store) Ping(ctx context.Context) error {
	return s.call(ctx, s.backend.Ping)
}
