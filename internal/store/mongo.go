package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

const (
	colChats    = "chats"
	colMessages = "messages"
	colUsage    = "usage_daily"
	colUsers    = "users"
	colMetrics  = "metrics"
)

type chatDoc struct {
	ID        string          `bson:"_id"`
	Profile   models.Profile  `bson:"profile"`
	Summary   string          `bson:"summary,omitempty"`
	ClearedAt time.Time       `bson:"clearedAt,omitempty"`
	Meta      models.ChatMeta `bson:"chatMeta,omitempty"`
	CreatedAt time.Time       `bson:"createdAt,omitempty"`
	UpdatedAt time.Time       `bson:"updatedAt,omitempty"`
}

type messageDoc struct {
	UserID  string      `bson:"userId"`
	Role    models.Role `bson:"role"`
	Content string      `bson:"content"`
	TS      time.Time   `bson:"ts"`
}

type usageDoc struct {
	UserID string `bson:"userId"`
	Date   string `bson:"date"`
	Count  int    `bson:"count"`
}

type metricsDoc struct {
	Counts map[string]int `bson:"counts"`
}

// MongoBackend stores chats in MongoDB.
type MongoBackend struct {
	db *mongo.Database
}

func NewMongoBackend(db *mongo.Database) *MongoBackend {
	return &MongoBackend{db: db}
}

// EnsureIndexes creates the message and usage indexes. Called on startup.
func (b *MongoBackend) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colMessages: {{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "ts", Value: -1}},
			Options: options.Index().SetName("idx_user_ts"),
		}},
		colUsage: {{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetName("idx_user_date").SetUnique(true),
		}},
	}
	for col, idx := range indexes {
		if _, err := b.db.Collection(col).Indexes().CreateMany(ctx, idx); err != nil {
			return errors.Wrapf(err, "ensure %s indexes", col)
		}
	}
	return nil
}

func (b *MongoBackend) chat(ctx context.Context, userID string) (chatDoc, bool, error) {
	var doc chatDoc
	err := b.db.Collection(colChats).FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chatDoc{ID: userID}, false, nil
	}
	if err != nil {
		return chatDoc{}, false, errors.Wrap(err, "load chat")
	}
	return doc, true, nil
}

func (b *MongoBackend) activeFilter(ctx context.Context, userID string) (bson.M, error) {
	doc, _, err := b.chat(ctx, userID)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"userId": userID}
	if !doc.ClearedAt.IsZero() {
		filter["ts"] = bson.M{"$gt": doc.ClearedAt}
	}
	return filter, nil
}

func (b *MongoBackend) touchChat(ctx context.Context, userID string, set bson.M, at time.Time) error {
	if set == nil {
		set = bson.M{}
	}
	set["updatedAt"] = at
	_, err := b.db.Collection(colChats).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"createdAt": at}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (b *MongoBackend) AppendMessage(ctx context.Context, userID string, msg models.Message) error {
	_, err := b.db.Collection(colMessages).InsertOne(ctx, messageDoc{
		UserID:  userID,
		Role:    msg.Role,
		Content: msg.Content,
		TS:      msg.Timestamp,
	})
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	return errors.Wrap(b.touchChat(ctx, userID, nil, msg.Timestamp), "touch chat")
}

func (b *MongoBackend) History(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	filter, err := b.activeFilter(ctx, userID)
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := b.db.Collection(colMessages).Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find messages")
	}
	defer cur.Close(ctx)

	var msgs []models.Message
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			continue
		}
		msgs = append(msgs, models.Message{Role: d.Role, Content: d.Content, Timestamp: d.TS})
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (b *MongoBackend) CountMessages(ctx context.Context, userID string) (int, error) {
	filter, err := b.activeFilter(ctx, userID)
	if err != nil {
		return 0, err
	}
	n, err := b.db.Collection(colMessages).CountDocuments(ctx, filter)
	return int(n), errors.Wrap(err, "count messages")
}

func (b *MongoBackend) Clear(ctx context.Context, userID string, at time.Time) error {
	return errors.Wrap(b.touchChat(ctx, userID, bson.M{"clearedAt": at, "summary": ""}, at), "clear chat")
}

func (b *MongoBackend) Summary(ctx context.Context, userID string) (string, error) {
	doc, _, err := b.chat(ctx, userID)
	return doc.Summary, err
}

func (b *MongoBackend) SaveSummary(ctx context.Context, userID, text string) error {
	return errors.Wrap(b.touchChat(ctx, userID, bson.M{"summary": text}, time.Now().UTC()), "save summary")
}

func (b *MongoBackend) DailyCount(ctx context.Context, userID, date string) (int, error) {
	var doc usageDoc
	err := b.db.Collection(colUsage).FindOne(ctx, bson.M{"userId": userID, "date": date}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "load usage")
	}
	return doc.Count, nil
}

func (b *MongoBackend) IncrementDailyCount(ctx context.Context, userID, date string, amount int) error {
	_, err := b.db.Collection(colUsage).UpdateOne(ctx,
		bson.M{"userId": userID, "date": date},
		bson.M{"$inc": bson.M{"count": amount}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "increment usage")
}

func (b *MongoBackend) Profile(ctx context.Context, userID string) (models.Profile, error) {
	doc, _, err := b.chat(ctx, userID)
	return doc.Profile, err
}

func (b *MongoBackend) SaveProfile(ctx context.Context, userID string, u ProfileUpdate, at time.Time) error {
	set := bson.M{}
	if u.Name != nil {
		set["profile.name"] = *u.Name
	}
	if u.Timezone != nil {
		set["profile.timezone"] = *u.Timezone
	}
	if u.Note != nil {
		set["profile.note"] = *u.Note
	}
	if u.AvatarURL != nil {
		set["profile.avatarUrl"] = *u.AvatarURL
	}
	return errors.Wrap(b.touchChat(ctx, userID, set, at), "save profile")
}

func (b *MongoBackend) ChatExists(ctx context.Context, userID string) (bool, error) {
	n, err := b.db.Collection(colChats).CountDocuments(ctx, bson.M{"_id": userID}, options.Count().SetLimit(1))
	return n > 0, errors.Wrap(err, "chat exists")
}

func (b *MongoBackend) EnsureIdentity(ctx context.Context, userID, email string, at time.Time) error {
	_, err := b.db.Collection(colUsers).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{
			"$set":         bson.M{"email": email, "updatedAt": at},
			"$setOnInsert": bson.M{"createdAt": at},
		},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "ensure identity")
}

// metricKey makes a label safe to use as a document field name.
func metricKey(label string) string {
	return strings.NewReplacer(".", "_", "$", "").Replace(label)
}

func (b *MongoBackend) IncrementTopic(ctx context.Context, counter, label string) error {
	_, err := b.db.Collection(colMetrics).UpdateOne(ctx,
		bson.M{"_id": counter},
		bson.M{"$inc": bson.M{"counts." + metricKey(label): 1}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "increment topic")
}

func (b *MongoBackend) Topics(ctx context.Context, counter string) (map[string]int, error) {
	var doc metricsDoc
	err := b.db.Collection(colMetrics).FindOne(ctx, bson.M{"_id": counter}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load topics")
	}
	if doc.Counts == nil {
		doc.Counts = map[string]int{}
	}
	return doc.Counts, nil
}

func (b *MongoBackend) MigrateChat(ctx context.Context, m Migration) (bool, error) {
	legacy, found, err := b.chat(ctx, m.LegacyID)
	if err != nil || !found {
		return false, err
	}

	target := chatDoc{
		ID:        m.NewID,
		Profile:   legacy.Profile,
		Summary:   legacy.Summary,
		ClearedAt: legacy.ClearedAt,
		Meta:      models.ChatMeta{MigratedFrom: m.LegacyID, MigratedAt: m.At, Email: m.Email},
		CreatedAt: m.At,
		UpdatedAt: m.At,
	}
	if _, err := b.db.Collection(colChats).InsertOne(ctx, target); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "insert migrated chat")
	}

	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(m.Limit))
	cur, err := b.db.Collection(colMessages).Find(ctx, bson.M{"userId": m.LegacyID}, opts)
	if err != nil {
		return true, errors.Wrap(err, "find legacy messages")
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return true, errors.Wrap(err, "read legacy messages")
	}
	if len(docs) > 0 {
		copies := make([]interface{}, 0, len(docs))
		for i := len(docs) - 1; i >= 0; i-- {
			d := docs[i]
			d.UserID = m.NewID
			copies = append(copies, d)
		}
		if _, err := b.db.Collection(colMessages).InsertMany(ctx, copies); err != nil {
			return true, errors.Wrap(err, "copy legacy messages")
		}
	}

	if _, err := b.db.Collection(colChats).UpdateOne(ctx,
		bson.M{"_id": m.LegacyID},
		bson.M{"$set": bson.M{"chatMeta.migratedTo": m.NewID, "chatMeta.migratedAt": m.At}},
	); err != nil {
		return true, errors.Wrap(err, "mark legacy chat")
	}

	legacyCount, err := b.DailyCount(ctx, m.LegacyID, m.Today)
	if err != nil || legacyCount == 0 {
		return true, err
	}
	_, err = b.db.Collection(colUsage).UpdateOne(ctx,
		bson.M{"userId": m.NewID, "date": m.Today},
		bson.M{"$setOnInsert": bson.M{"count": legacyCount}},
		options.Update().SetUpsert(true),
	)
	return true, errors.Wrap(err, "copy usage")
}

func (b *MongoBackend) DeleteAccount(ctx context.Context, userID string) error {
	if _, err := b.db.Collection(colMessages).DeleteMany(ctx, bson.M{"userId": userID}); err != nil {
		return errors.Wrap(err, "delete messages")
	}
	if _, err := b.db.Collection(colUsage).DeleteMany(ctx, bson.M{"userId": userID}); err != nil {
		return errors.Wrap(err, "delete usage")
	}
	if _, err := b.db.Collection(colChats).DeleteOne(ctx, bson.M{"_id": userID}); err != nil {
		return errors.Wrap(err, "delete chat")
	}
	_, err := b.db.Collection(colUsers).DeleteOne(ctx, bson.M{"_id": userID})
	return errors.Wrap(err, "delete identity")
}

func (b *MongoBackend) Ping(ctx context.Context) error {
	return b.db.Client().Ping(ctx, nil)
}
