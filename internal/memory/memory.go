// Package memory is the per-user semantic memory used to resurface past
// exchanges. Records are embedded with a task-specific mode and stored in a
// vector index partitioned by user.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/pkg/result"
)

// Mode selects the embedding task framing.
type Mode int

const (
	ModeDocument Mode = iota
	ModeQuery
)

func (m Mode) String() string {
	if m == ModeQuery {
		return "query"
	}
	return "document"
}

const (
	callTimeout       = 5 * time.Second
	// ProvisionCooldown is how long a failed provision keeps the index out of use.
	ProvisionCooldown = 30 * time.Second

	// toneQueryFormat builds the deliberately generic vector used for tone-filtered retrieval.
	toneQueryFormat = "My feelings of %s"
)

var (
	ErrEmptyText        = errors.New("memory: empty text")
	ErrIndexUnavailable = errors.New("memory: index unavailable")
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string, mode Mode) ([]float32, error)
}

// Query is a user-scoped nearest-neighbour request.
type Query struct {
	UserID string
	Vector []float32
	TopK   int
	// Tone, when set, restricts matches to records with exactly this tone.
	Tone string
}

// Index is a vector store partitioned by user.
type Index interface {
	// Provision creates the index if absent and waits until it can serve requests.
	Provision(ctx context.Context) error
	Upsert(ctx context.Context, rec models.MemoryRecord, vector []float32) error
	// Query returns matches for q.UserID only, best first, with Score in [0,1].
	Query(ctx context.Context, q Query) ([]models.MemoryRecord, error)
	DeleteUser(ctx context.Context, userID string) error
}

// Store composes an Embedder and an Index.
type Store struct {
	embedder Embedder
	index    Index
	log      zerolog.Logger
	now      func() time.Time
	timeout  time.Duration

	mu          sync.Mutex
	provisioned bool
	inFlight    bool
	retryAt     time.Time
}

func NewStore(embedder Embedder, index Index, log zerolog.Logger) *Store {
	return &Store{
		embedder: embedder,
		index:    index,
		log:      log.With().Str("component", "memory").Logger(),
		now:      time.Now,
		timeout:  callTimeout,
	}
}

// Provision prepares the index within ctx. The server calls it once at
// startup; request paths go through ensure. A failure starts the cooldown.
func (s *Store) Provision(ctx context.Context) error {
	s.mu.Lock()
	if s.provisioned {
		s.mu.Unlock()
		return nil
	}
	if s.inFlight {
		s.mu.Unlock()
		return ErrIndexUnavailable
	}
	s.inFlight = true
	s.mu.Unlock()

	err := s.index.Provision(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if err != nil {
		s.retryAt = s.now().Add(ProvisionCooldown)
		return errors.Wrap(err, "provision memory index")
	}
	s.provisioned = true
	s.retryAt = time.Time{}
	return nil
}

// ensure provisions the index on first use, bounded by the call timeout.
// It never waits on another caller's attempt and fails fast during the
// cooldown after a failure.
func (s *Store) ensure(ctx context.Context) error {
	s.mu.Lock()
	if s.provisioned {
		s.mu.Unlock()
		return nil
	}
	if s.inFlight || s.now().Before(s.retryAt) {
		s.mu.Unlock()
		return ErrIndexUnavailable
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Provision(ctx)
}

// Embed embeds text once with no retry. On failure the value is nil.
func (s *Store) Embed(ctx context.Context, text string, mode Mode) result.Result[[]float32] {
	if strings.TrimSpace(text) == "" {
		return result.Fallback[[]float32](nil, ErrEmptyText)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, text, mode)
	if err != nil {
		return result.Fallback[[]float32](nil, errors.Wrapf(err, "embed %s", mode))
	}
	if len(vec) == 0 {
		return result.Fallback[[]float32](nil, errors.New("embedder returned an empty vector"))
	}
	return result.Ok(vec)
}

// Store embeds text and upserts it under a fresh id. It silently does
// nothing for an empty user or text, or when embedding fails.
func (s *Store) Store(ctx context.Context, userID, text string, meta models.MemoryMeta) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(text) == "" {
		return
	}
	emb := s.Embed(ctx, text, ModeDocument)
	if !emb.OK() {
		s.log.Debug().Err(emb.Err).Str("user_id", userID).Msg("memory not stored")
		return
	}
	if err := s.ensure(ctx); err != nil {
		s.log.Warn().Err(err).Msg("memory index unavailable")
		return
	}

	rec := models.MemoryRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		Timestamp: s.now().UTC(),
		Tone:      meta.Tone,
		Weight:    meta.Weight,
		Topic:     meta.Topic,
		Role:      meta.Role,
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.index.Upsert(ctx, rec, emb.Value); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("memory upsert failed")
	}
}

func (s *Store) query(ctx context.Context, q Query) ([]models.MemoryRecord, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return result.RetryOnce(ctx, func(ctx context.Context) ([]models.MemoryRecord, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.index.Query(ctx, q)
	})
}

// SearchSimilar returns the user's records closest to queryText with a
// score of at least minRelevance, best first.
func (s *Store) SearchSimilar(ctx context.Context, userID, queryText string, topK int, minRelevance float64) result.Result[[]models.MemoryRecord] {
	if userID == "" || strings.TrimSpace(queryText) == "" || topK <= 0 {
		return result.Ok([]models.MemoryRecord{})
	}
	emb := s.Embed(ctx, queryText, ModeQuery)
	if !emb.OK() {
		return result.Fallback([]models.MemoryRecord{}, emb.Err)
	}

	recs, err := s.query(ctx, Query{UserID: userID, Vector: emb.Value, TopK: topK})
	if err != nil {
		return result.Fallback([]models.MemoryRecord{}, errors.Wrap(err, "similar search"))
	}

	out := make([]models.MemoryRecord, 0, len(recs))
	for _, r := range recs {
		// The index is trusted to partition, but never hand out a foreign record.
		if r.UserID != userID || r.Score < minRelevance {
			continue
		}
		out = append(out, r)
	}
	sortByScore(out)
	return result.Ok(out)
}

// SearchByTone returns up to topK of the user's records tagged with tone.
// Scores are not meaningful here.
func (s *Store) SearchByTone(ctx context.Context, userID, tone string, topK int) result.Result[[]models.MemoryRecord] {
	tone = strings.TrimSpace(tone)
	if userID == "" || tone == "" || topK <= 0 {
		return result.Ok([]models.MemoryRecord{})
	}
	emb := s.Embed(ctx, fmt.Sprintf(toneQueryFormat, tone), ModeQuery)
	if !emb.OK() {
		return result.Fallback([]models.MemoryRecord{}, emb.Err)
	}

	recs, err := s.query(ctx, Query{UserID: userID, Vector: emb.Value, TopK: topK, Tone: tone})
	if err != nil {
		return result.Fallback([]models.MemoryRecord{}, errors.Wrap(err, "tone search"))
	}
	out := make([]models.MemoryRecord, 0, len(recs))
	for _, r := range recs {
		if r.UserID == userID && r.Tone == tone {
			out = append(out, r)
		}
	}
	return result.Ok(out)
}

// DeleteUser erases every vector owned by userID.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if err := s.ensure(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return errors.Wrap(s.index.DeleteUser(ctx, userID), "delete user memories")
}

// Merge concatenates lists, keeping the first occurrence of each record id.
func Merge(lists ...[]models.MemoryRecord) []models.MemoryRecord {
	seen := make(map[string]struct{})
	var out []models.MemoryRecord
	for _, list := range lists {
		for _, r := range list {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func sortByScore(recs []models.MemoryRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
}
