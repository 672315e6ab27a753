package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionDuration is 7 days
	SessionDuration = 7 * 24 * time.Hour
	// SessionKeyPrefix is the Redis key prefix for sessions
	SessionKeyPrefix = "session:"
	// UserSessionKeyPrefix is the Redis key prefix for user->session mapping
	UserSessionKeyPrefix = "user_session:"
)

// Session is an authenticated login. ChatID is the key the user's
// conversation data lives under; it differs from UserID only for adopted
// legacy records.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Sessions issues and resolves session tokens. A user holds at most one
// session; creating a new one invalidates the old.
type Sessions interface {
	Create(ctx context.Context, s Session) (Session, error)
	Validate(ctx context.Context, token string) (Session, bool, error)
	Invalidate(ctx context.Context, token string) error
	InvalidateUser(ctx context.Context, userID string) error
}

func newToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(tokenBytes), nil
}

// RedisSessions stores sessions as session:{token} -> JSON and
// user_session:{userID} -> token, both expiring after SessionDuration.
type RedisSessions struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisSessions(rdb *redis.Client) *RedisSessions {
	return &RedisSessions{rdb: rdb, now: time.Now}
}

func (r *RedisSessions) Create(ctx context.Context, s Session) (Session, error) {
	// a new login resets the 7-day timer
	if err := r.InvalidateUser(ctx, s.UserID); err != nil {
		return Session{}, err
	}

	token, err := newToken()
	if err != nil {
		return Session{}, errors.Wrap(err, "generate session token")
	}
	s.Token = token
	s.ExpiresAt = r.now().Add(SessionDuration).UTC()

	payload, err := json.Marshal(s)
	if err != nil {
		return Session{}, errors.Wrap(err, "encode session")
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, SessionKeyPrefix+token, payload, SessionDuration)
	pipe.Set(ctx, UserSessionKeyPrefix+s.UserID, token, SessionDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, errors.Wrap(err, "store session")
	}
	return s, nil
}

func (r *RedisSessions) Validate(ctx context.Context, token string) (Session, bool, error) {
	if token == "" {
		return Session{}, false, nil
	}
	raw, err := r.rdb.Get(ctx, SessionKeyPrefix+token).Bytes()
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, errors.Wrap(err, "load session")
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, errors.Wrap(err, "decode session")
	}
	s.Token = token
	return s, true, nil
}

func (r *RedisSessions) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	s, ok, err := r.Validate(ctx, token)
	if err == nil && ok {
		r.rdb.Del(ctx, UserSessionKeyPrefix+s.UserID)
	}
	return errors.Wrap(r.rdb.Del(ctx, SessionKeyPrefix+token).Err(), "delete session")
}

// InvalidateUser drops the user's current session, e.g. after a password change.
func (r *RedisSessions) InvalidateUser(ctx context.Context, userID string) error {
	userSessionKey := UserSessionKeyPrefix + userID
	token, err := r.rdb.Get(ctx, userSessionKey).Result()
	if err == nil && token != "" {
		r.rdb.Del(ctx, SessionKeyPrefix+token)
	}
	err = r.rdb.Del(ctx, userSessionKey).Err()
	return errors.Wrap(err, "delete user session")
}
