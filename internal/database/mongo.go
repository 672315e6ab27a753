package database

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoDB = "clara"

// ConnectMongo dials MongoDB and returns the database named in the URI path
// (falling back to "clara").
func ConnectMongo(ctx context.Context, mongoURI string) (*mongo.Database, error) {
	// Atlas clusters can be slow to answer the first handshake.
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(mongoURI)
	clientOptions.SetServerSelectionTimeout(10 * time.Second)

	log.Info().Msg("connecting to MongoDB")
	client, err := mongo.Connect(dialCtx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping")
	}

	db := client.Database(MongoDatabaseName(mongoURI))
	log.Info().Str("database", db.Name()).Msg("connected to MongoDB")
	return db, nil
}

// MongoDatabaseName extracts the database segment of a mongodb:// URI.
func MongoDatabaseName(mongoURI string) string {
	parts := strings.Split(mongoURI, "/")
	if len(parts) > 3 {
		if name := strings.Split(parts[len(parts)-1], "?")[0]; name != "" {
			return name
		}
	}
	return defaultMongoDB
}

// DisconnectMongo closes the client behind db.
func DisconnectMongo(db *mongo.Database) error {
	if db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.Client().Disconnect(ctx)
}
