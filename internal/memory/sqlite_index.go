package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

const sqliteMemorySchema = `
CREATE TABLE IF NOT EXISTS memories (
	id      TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	text    TEXT NOT NULL,
	ts      TEXT NOT NULL,
	tone    TEXT NOT NULL DEFAULT '',
	weight  INTEGER NOT NULL DEFAULT 0,
	topic   TEXT NOT NULL DEFAULT '',
	role    TEXT NOT NULL DEFAULT '',
	vector  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user_tone ON memories(user_id, tone);`

// SQLiteIndex is a brute-force cosine index for local runs and tests.
type SQLiteIndex struct {
	db *sql.DB
}

func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

func (x *SQLiteIndex) Provision(ctx context.Context) error {
	_, err := x.db.ExecContext(ctx, sqliteMemorySchema)
	return errors.Wrap(err, "create memories table")
}

func (x *SQLiteIndex) Upsert(ctx context.Context, rec models.MemoryRecord, vector []float32) error {
	_, err := x.db.ExecContext(ctx, `INSERT INTO memories (id, user_id, text, ts, tone, weight, topic, role, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text, ts = excluded.ts, tone = excluded.tone,
			weight = excluded.weight, topic = excluded.topic, role = excluded.role, vector = excluded.vector`,
		rec.ID, rec.UserID, rec.Text, rec.Timestamp.UTC().Format(time.RFC3339), rec.Tone, rec.Weight,
		rec.Topic, string(rec.Role), encodeVector(vector))
	return errors.Wrap(err, "upsert memory")
}

func (x *SQLiteIndex) Query(ctx context.Context, q Query) ([]models.MemoryRecord, error) {
	query := `SELECT id, user_id, text, ts, tone, weight, topic, role, vector FROM memories WHERE user_id = ?`
	args := []any{q.UserID}
	if q.Tone != "" {
		query += ` AND tone = ?`
		args = append(args, q.Tone)
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query memories")
	}
	defer rows.Close()

	var out []models.MemoryRecord
	for rows.Next() {
		var (
			rec      models.MemoryRecord
			ts, role string
			blob     []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Text, &ts, &rec.Tone, &rec.Weight, &rec.Topic, &role, &blob); err != nil {
			return nil, errors.Wrap(err, "scan memory")
		}
		rec.Role = models.Role(role)
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		rec.Score = math.Max(0, cosine(q.Vector, decodeVector(blob)))
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate memories")
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

func (x *SQLiteIndex) DeleteUser(ctx context.Context, userID string) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	return errors.Wrap(err, "delete memories")
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
