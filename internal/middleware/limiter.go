package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AnshRaj112/clara-backend/pkg/clientip"
)

// LimiterTTL is how long an idle key keeps its bucket.
const LimiterTTL = 30 * time.Minute

type limiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// Limiter holds one token bucket per key. Idle buckets are dropped by Sweep,
// which the maintenance scheduler calls.
type Limiter struct {
	name  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

func NewLimiter(name string, limit rate.Limit, burst int) *Limiter {
	return &Limiter{
		name:    name,
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func (l *Limiter) Name() string { return l.name }

func (l *Limiter) Burst() int { return l.burst }

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastUse = l.now()
	return e.limiter
}

// Allow takes a token for key.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Sweep removes buckets unused for longer than ttl and returns how many it dropped.
func (l *Limiter) Sweep(ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, e := range l.entries {
		if now.Sub(e.lastUse) > ttl {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Len is the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func tooMany(w http.ResponseWriter, limit int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"success":false,"message":"` + message + `"}`))
}

// PerIP limits every request by client IP.
func PerIP(l *Limiter, trustProxy bool, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientip.RealClientIP(r, trustProxy)) {
				tooMany(w, l.Burst(), message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
