package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

const (
	historyKeyPrefix = "chat:user:"
	historyKeySuffix = ":recent"
	historyGenSuffix = ":gen"
	HistoryCacheSize = 50
	historyCacheTTL  = 1 * time.Hour
	cacheCallTimeout = 2 * time.Second
)

var errStaleWarm = errors.New("history changed while loading")

// HistoryCache keeps each user's most recent messages in a Redis list
// (newest at head). A nil *HistoryCache is valid and caches nothing.
//
// Every write to a user's history bumps a generation counter. Warm only
// fills the list when the generation still matches the one read before the
// backend query, so a slow read can never overwrite a newer message.
type HistoryCache struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisHistoryCache(rdb *redis.Client, log zerolog.Logger) *HistoryCache {
	if rdb == nil {
		return nil
	}
	return &HistoryCache{rdb: rdb, log: log.With().Str("component", "history_cache").Logger()}
}

func historyKey(userID string) string {
	return historyKeyPrefix + userID + historyKeySuffix
}

func historyGenKey(userID string) string {
	return historyKeyPrefix + userID + historyGenSuffix
}

// Generation returns the user's history generation, or -1 when it cannot be
// read (which disables the following Warm).
func (c *HistoryCache) Generation(ctx context.Context, userID string) int64 {
	if c == nil {
		return -1
	}
	ctx, cancel := context.WithTimeout(ctx, cacheCallTimeout)
	defer cancel()
	n, err := c.rdb.Get(ctx, historyGenKey(userID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0
	case err != nil:
		return -1
	}
	return n
}

// Push prepends msg to an already-warm list. A cold key stays cold so that a
// partial list is never mistaken for the full history. When the push fails
// the list is dropped rather than left without msg.
func (c *HistoryCache) Push(ctx context.Context, userID string, msg models.Message) {
	if c == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.Invalidate(ctx, userID)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, cacheCallTimeout)
	defer cancel()

	key, gen := historyKey(userID), historyGenKey(userID)
	pipe := c.rdb.TxPipeline()
	pipe.Incr(pctx, gen)
	pipe.Expire(pctx, gen, historyCacheTTL)
	pipe.LPushX(pctx, key, data)
	pipe.LTrim(pctx, key, 0, HistoryCacheSize-1)
	pipe.Expire(pctx, key, historyCacheTTL)
	if _, err := pipe.Exec(pctx); err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("history cache push failed")
		c.Invalidate(ctx, userID)
	}
}

// Recent returns the newest limit messages oldest-first when the cache can
// answer the request.
func (c *HistoryCache) Recent(ctx context.Context, userID string, limit int) ([]models.Message, bool) {
	if c == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, cacheCallTimeout)
	defer cancel()
	raw, err := c.rdb.LRange(ctx, historyKey(userID), 0, -1).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	// A full list may be truncated history; only serve what it certainly holds.
	if len(raw) >= HistoryCacheSize && limit > len(raw) {
		return nil, false
	}

	msgs := make([]models.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m models.Message
		if json.Unmarshal([]byte(raw[i]), &m) != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, true
}

// Warm replaces the cached list with msgs (oldest-first input), provided the
// history generation is still gen.
func (c *HistoryCache) Warm(ctx context.Context, userID string, msgs []models.Message, gen int64) {
	if c == nil || len(msgs) == 0 || gen < 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheCallTimeout)
	defer cancel()

	key, genKey := historyKey(userID), historyGenKey(userID)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			cur, err = 0, nil
		}
		if err != nil {
			return err
		}
		if cur != gen {
			return errStaleWarm
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			for i := len(msgs) - 1; i >= 0; i-- {
				data, err := json.Marshal(msgs[i])
				if err != nil {
					continue
				}
				pipe.RPush(ctx, key, data)
			}
			pipe.LTrim(ctx, key, 0, HistoryCacheSize-1)
			pipe.Expire(ctx, key, historyCacheTTL)
			return nil
		})
		return err
	}, genKey)
	if err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("history cache not warmed")
	}
}

// Invalidate drops the user's cached list and bumps its generation.
func (c *HistoryCache) Invalidate(ctx context.Context, userID string) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheCallTimeout)
	defer cancel()

	gen := historyGenKey(userID)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, historyKey(userID))
	pipe.Incr(ctx, gen)
	pipe.Expire(ctx, gen, historyCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("history cache invalidate failed")
	}
}
