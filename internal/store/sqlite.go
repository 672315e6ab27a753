package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
	user_id       TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	timezone      TEXT NOT NULL DEFAULT '',
	note          TEXT NOT NULL DEFAULT '',
	avatar_url    TEXT NOT NULL DEFAULT '',
	plan          TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	cleared_at    INTEGER NOT NULL DEFAULT 0,
	migrated_from TEXT NOT NULL DEFAULT '',
	migrated_to   TEXT NOT NULL DEFAULT '',
	migrated_at   INTEGER NOT NULL DEFAULT 0,
	meta_email    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	content TEXT NOT NULL,
	ts      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_ts ON messages(user_id, ts);
CREATE TABLE IF NOT EXISTS usage_daily (
	user_id TEXT NOT NULL,
	date    TEXT NOT NULL,
	count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, date)
);
CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics (
	counter TEXT NOT NULL,
	label   TEXT NOT NULL,
	count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (counter, label)
);`

// SQLiteBackend stores chats in a local SQLite database. Timestamps are
// unix milliseconds.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the schema on db if needed.
func NewSQLiteBackend(ctx context.Context, db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, errors.Wrap(err, "create sqlite schema")
	}
	return &SQLiteBackend{db: db}, nil
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func (b *SQLiteBackend) touchChat(ctx context.Context, tx execer, userID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chats (user_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET updated_at = excluded.updated_at`, userID, ms(at), ms(at))
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *SQLiteBackend) clearedAt(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := b.db.QueryRowContext(ctx, `SELECT cleared_at FROM chats WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (b *SQLiteBackend) AppendMessage(ctx context.Context, userID string, msg models.Message) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (user_id, role, content, ts) VALUES (?, ?, ?, ?)`,
		userID, string(msg.Role), msg.Content, ms(msg.Timestamp)); err != nil {
		return errors.Wrap(err, "insert message")
	}
	if err := b.touchChat(ctx, tx, userID, msg.Timestamp); err != nil {
		return errors.Wrap(err, "touch chat")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (b *SQLiteBackend) History(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	cleared, err := b.clearedAt(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "load cleared_at")
	}
	rows, err := b.db.QueryContext(ctx, `SELECT role, content, ts FROM messages
		WHERE user_id = ? AND ts > ? ORDER BY ts DESC, id DESC LIMIT ?`, userID, cleared, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			role, content string
			ts            int64
		)
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msgs = append(msgs, models.Message{Role: models.Role(role), Content: content, Timestamp: fromMS(ts)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (b *SQLiteBackend) CountMessages(ctx context.Context, userID string) (int, error) {
	cleared, err := b.clearedAt(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "load cleared_at")
	}
	var n int
	err = b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = ? AND ts > ?`, userID, cleared).Scan(&n)
	return n, errors.Wrap(err, "count messages")
}

func (b *SQLiteBackend) Clear(ctx context.Context, userID string, at time.Time) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO chats (user_id, cleared_at, summary, created_at, updated_at) VALUES (?, ?, '', ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET cleared_at = excluded.cleared_at, summary = '', updated_at = excluded.updated_at`,
		userID, ms(at), ms(at), ms(at))
	return errors.Wrap(err, "clear chat")
}

func (b *SQLiteBackend) Summary(ctx context.Context, userID string) (string, error) {
	var s string
	err := b.db.QueryRowContext(ctx, `SELECT summary FROM chats WHERE user_id = ?`, userID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return s, errors.Wrap(err, "load summary")
}

func (b *SQLiteBackend) SaveSummary(ctx context.Context, userID, text string) error {
	now := ms(time.Now())
	_, err := b.db.ExecContext(ctx, `INSERT INTO chats (user_id, summary, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		userID, text, now, now)
	return errors.Wrap(err, "save summary")
}

func (b *SQLiteBackend) DailyCount(ctx context.Context, userID, date string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT count FROM usage_daily WHERE user_id = ? AND date = ?`, userID, date).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, errors.Wrap(err, "load usage")
}

func (b *SQLiteBackend) IncrementDailyCount(ctx context.Context, userID, date string, amount int) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO usage_daily (user_id, date, count) VALUES (?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET count = count + excluded.count`, userID, date, amount)
	return errors.Wrap(err, "increment usage")
}

func (b *SQLiteBackend) Profile(ctx context.Context, userID string) (models.Profile, error) {
	var (
		p    models.Profile
		plan string
	)
	err := b.db.QueryRowContext(ctx, `SELECT name, timezone, note, avatar_url, plan FROM chats WHERE user_id = ?`, userID).
		Scan(&p.Name, &p.Timezone, &p.Note, &p.AvatarURL, &plan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, nil
	}
	if err != nil {
		return models.Profile{}, errors.Wrap(err, "load profile")
	}
	p.Plan = models.Plan(plan)
	return p, nil
}

func (b *SQLiteBackend) SaveProfile(ctx context.Context, userID string, u ProfileUpdate, at time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if err := b.touchChat(ctx, tx, userID, at); err != nil {
		return errors.Wrap(err, "touch chat")
	}
	for col, v := range map[string]*string{
		"name":       u.Name,
		"timezone":   u.Timezone,
		"note":       u.Note,
		"avatar_url": u.AvatarURL,
	} {
		if v == nil {
			continue
		}
		// col comes from the fixed map above.
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET `+col+` = ? WHERE user_id = ?`, *v, userID); err != nil {
			return errors.Wrapf(err, "save %s", col)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (b *SQLiteBackend) ChatExists(ctx context.Context, userID string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE user_id = ?`, userID).Scan(&n)
	return n > 0, errors.Wrap(err, "chat exists")
}

func (b *SQLiteBackend) EnsureIdentity(ctx context.Context, userID, email string, at time.Time) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO users (user_id, email, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET email = excluded.email, updated_at = excluded.updated_at`,
		userID, email, ms(at), ms(at))
	return errors.Wrap(err, "ensure identity")
}

// Identity reads the identity record; used by tests and the CLI.
func (b *SQLiteBackend) Identity(ctx context.Context, userID string) (models.Identity, bool, error) {
	var (
		id               = models.Identity{UserID: userID}
		created, updated int64
	)
	err := b.db.QueryRowContext(ctx, `SELECT email, created_at, updated_at FROM users WHERE user_id = ?`, userID).
		Scan(&id.Email, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, false, nil
	}
	if err != nil {
		return models.Identity{}, false, errors.Wrap(err, "load identity")
	}
	id.CreatedAt, id.UpdatedAt = fromMS(created), fromMS(updated)
	return id, true, nil
}

func (b *SQLiteBackend) IncrementTopic(ctx context.Context, counter, label string) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO metrics (counter, label, count) VALUES (?, ?, 1)
		ON CONFLICT(counter, label) DO UPDATE SET count = count + 1`, counter, label)
	return errors.Wrap(err, "increment topic")
}

func (b *SQLiteBackend) Topics(ctx context.Context, counter string) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT label, count FROM metrics WHERE counter = ?`, counter)
	if err != nil {
		return nil, errors.Wrap(err, "query topics")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			label string
			n     int
		)
		if err := rows.Scan(&label, &n); err != nil {
			return nil, errors.Wrap(err, "scan topic")
		}
		out[label] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate topics")
}

func (b *SQLiteBackend) MigrateChat(ctx context.Context, m Migration) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	at := ms(m.At)
	res, err := tx.ExecContext(ctx, `INSERT INTO chats (user_id, name, timezone, note, avatar_url, plan, summary, cleared_at,
			migrated_from, migrated_at, meta_email, created_at, updated_at)
		SELECT ?, name, timezone, note, avatar_url, plan, summary, cleared_at, ?, ?, ?, ?, ?
		FROM chats WHERE user_id = ?
		ON CONFLICT(user_id) DO NOTHING`,
		m.NewID, m.LegacyID, at, m.Email, at, at, m.LegacyID)
	if err != nil {
		return false, errors.Wrap(err, "copy chat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (user_id, role, content, ts)
		SELECT ?, role, content, ts FROM (
			SELECT role, content, ts, id FROM messages WHERE user_id = ? ORDER BY ts DESC, id DESC LIMIT ?
		) ORDER BY ts ASC, id ASC`, m.NewID, m.LegacyID, m.Limit); err != nil {
		return false, errors.Wrap(err, "copy messages")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET migrated_to = ?, migrated_at = ? WHERE user_id = ?`,
		m.NewID, at, m.LegacyID); err != nil {
		return false, errors.Wrap(err, "mark legacy chat")
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO usage_daily (user_id, date, count)
		SELECT ?, date, count FROM usage_daily WHERE user_id = ? AND date = ? AND count > 0
		ON CONFLICT(user_id, date) DO NOTHING`, m.NewID, m.LegacyID, m.Today); err != nil {
		return false, errors.Wrap(err, "copy usage")
	}
	return true, errors.Wrap(tx.Commit(), "commit")
}

func (b *SQLiteBackend) DeleteAccount(ctx context.Context, userID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE user_id = ?`,
		`DELETE FROM usage_daily WHERE user_id = ?`,
		`DELETE FROM chats WHERE user_id = ?`,
		`DELETE FROM users WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return errors.Wrap(err, "delete account")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
