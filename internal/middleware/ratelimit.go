package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/pkg/clientip"
)

const (
	// TurnWindow is 120 seconds
	TurnWindow = 120 * time.Second
	// TurnWindowMax is the number of chat turns allowed per window
	TurnWindowMax = 25
	// TurnKeyPrefix is the Redis key prefix for turn rate limiting
	TurnKeyPrefix = "ratelimit:turn:"
)

// TurnRateLimit caps chat turns per user in a fixed Redis window, shared by
// every server instance. It sits behind RequireSession; without a session it
// keys by client IP. Redis failures let the request through.
func TurnRateLimit(rdb *redis.Client, trustProxy bool, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rdb == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := TurnKeyPrefix
			if sess, ok := SessionFrom(r.Context()); ok {
				key += "user:" + sess.UserID
			} else {
				key += "ip:" + clientip.RealClientIP(r, trustProxy)
			}

			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			pipe := rdb.TxPipeline()
			incr := pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, TurnWindow)
			if _, err := pipe.Exec(ctx); err != nil {
				log.Warn().Err(err).Msg("turn rate limit unavailable")
				next.ServeHTTP(w, r)
				return
			}

			count := int(incr.Val())
			if count > TurnWindowMax {
				w.Header().Set("Retry-After", strconv.Itoa(int(TurnWindow.Seconds())))
				tooMany(w, TurnWindowMax, "You're sending messages very quickly. Please wait a moment.")
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(TurnWindowMax))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(TurnWindowMax-count))
			next.ServeHTTP(w, r)
		})
	}
}
