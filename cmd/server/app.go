package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/AnshRaj112/clara-backend/internal/auth"
	"github.com/AnshRaj112/clara-backend/internal/chat"
	"github.com/AnshRaj112/clara-backend/internal/config"
	"github.com/AnshRaj112/clara-backend/internal/database"
	"github.com/AnshRaj112/clara-backend/internal/llm"
	"github.com/AnshRaj112/clara-backend/internal/media"
	"github.com/AnshRaj112/clara-backend/internal/memory"
	"github.com/AnshRaj112/clara-backend/internal/store"
	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

const (
	llmHTTPTimeout   = 90 * time.Second
	provisionTimeout = 15 * time.Second
)

// app holds every backend connection and the services built on them.
// Fields stay nil when the command that built the app did not ask for them.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	mongo    *mongo.Database
	sqlite   *sql.DB
	postgres *sql.DB
	redis    *redis.Client

	store    *store.Store
	memories *memory.Store
	gateway  *llm.Gateway
	chat     *chat.Service
	auth     *auth.Service
	avatars  *media.Avatars

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// openSQLite returns the shared SQLite handle, opening it on first use.
func (a *app) openSQLite(ctx context.Context) (*sql.DB, error) {
	if a.sqlite != nil {
		return a.sqlite, nil
	}
	db, err := database.ConnectSQLite(ctx, a.cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.sqlite = db
	a.onClose(func() { _ = db.Close() })
	return db, nil
}

func (a *app) openRedis(ctx context.Context) error {
	if a.redis != nil {
		return nil
	}
	rdb, err := database.ConnectRedis(ctx, a.cfg.RedisURI)
	if err != nil {
		return err
	}
	a.redis = rdb
	a.onClose(func() { _ = rdb.Close() })
	return nil
}

// openStore builds the conversation store on the configured driver.
// withCache puts the Redis history cache in front of it.
func (a *app) openStore(ctx context.Context, withCache bool) error {
	var backend store.Backend
	switch a.cfg.DBDriver {
	case config.DBDriverMongo:
		db, err := database.ConnectMongo(ctx, a.cfg.MongoURI)
		if err != nil {
			return err
		}
		a.mongo = db
		a.onClose(func() {
			if err := database.DisconnectMongo(db); err != nil {
				a.log.Warn().Err(err).Msg("mongo disconnect")
			}
		})
		mb := store.NewMongoBackend(db)
		if err := mb.EnsureIndexes(ctx); err != nil {
			return errors.Wrap(err, "mongo indexes")
		}
		backend = mb
	case config.DBDriverSQLite:
		db, err := a.openSQLite(ctx)
		if err != nil {
			return err
		}
		sb, err := store.NewSQLiteBackend(ctx, db)
		if err != nil {
			return err
		}
		backend = sb
	}

	opts := []store.Option{store.WithForcePlan(a.cfg.ForcePlan)}
	if withCache {
		if err := a.openRedis(ctx); err != nil {
			return err
		}
		opts = append(opts, store.WithHistoryCache(store.NewRedisHistoryCache(a.redis, a.log)))
	}
	a.store = store.New(backend, a.log, opts...)
	return nil
}

// openMemories builds the semantic memory store on the configured vector index.
func (a *app) openMemories(ctx context.Context) error {
	var index memory.Index
	switch a.cfg.VectorStore {
	case config.VectorStoreWeaviate:
		wi, err := memory.NewWeaviateIndex(a.cfg.WeaviateScheme, a.cfg.WeaviateURL, a.log)
		if err != nil {
			return err
		}
		index = wi
	case config.VectorStoreSQLite:
		db, err := a.openSQLite(ctx)
		if err != nil {
			return err
		}
		index = memory.NewSQLiteIndex(db)
	}
	embedder := memory.NewGeminiEmbedder(a.cfg.GeminiBaseURL, a.cfg.GeminiAPIKey, a.cfg.EmbedModel, a.cfg.EmbedDimensions)
	a.memories = memory.NewStore(embedder, index, a.log)

	// An unreachable index is not fatal: turns run without recall until it recovers.
	pctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()
	if err := a.memories.Provision(pctx); err != nil {
		a.log.Warn().Err(err).Str("vector_store", a.cfg.VectorStore).Msg("memory index not ready; recall disabled until it recovers")
	}
	return nil
}

func (a *app) openGateway() error {
	prompts := llm.DefaultPrompts()
	if path := strings.TrimSpace(a.cfg.PromptsFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "read prompts file")
		}
		if prompts, err = llm.LoadPrompts(data); err != nil {
			return err
		}
	}

	var backend llm.Backend
	switch a.cfg.LLMProvider {
	case config.LLMProviderGemini:
		backend = llm.NewGeminiBackend(a.cfg.GeminiBaseURL, a.cfg.GeminiAPIKey)
	case config.LLMProviderOpenAI:
		backend = llm.NewOpenAIBackend(a.cfg.OpenAIAPIKey, a.cfg.OpenAIBaseURL, &http.Client{Timeout: llmHTTPTimeout}, a.log)
	}
	a.gateway = llm.NewGateway(backend, llm.Config{
		PersonaModel: a.cfg.PersonaModel,
		FastModel:    a.cfg.FastModel,
		Prompts:      prompts,
	}, a.log)
	return nil
}

// encryptionKey returns the configured key. Outside production a missing
// key is replaced by a random one, so recovery emails sealed with it do not
// survive a restart.
func (a *app) encryptionKey() (string, error) {
	if a.cfg.EncryptionKey != "" {
		return a.cfg.EncryptionKey, nil
	}
	if a.cfg.IsProduction() {
		return "", errors.New("ENCRYPTION_KEY is required in production")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", errors.Wrap(err, "generate encryption key")
	}
	a.log.Warn().Msg("ENCRYPTION_KEY not set; using an ephemeral key (generate one with: openssl rand -base64 32)")
	return base64.StdEncoding.EncodeToString(key), nil
}

func (a *app) openPostgres(ctx context.Context) error {
	if a.postgres != nil {
		return nil
	}
	db, err := database.ConnectPostgres(ctx, a.cfg.PostgresURI)
	if err != nil {
		return err
	}
	a.postgres = db
	a.onClose(func() { _ = db.Close() })
	return nil
}

// openAuth builds the credential service. It needs the store for identity
// records and legacy chat adoption.
func (a *app) openAuth(ctx context.Context) error {
	if err := a.openPostgres(ctx); err != nil {
		return err
	}
	if err := a.openRedis(ctx); err != nil {
		return err
	}
	key, err := a.encryptionKey()
	if err != nil {
		return err
	}
	cipher, err := utils.NewCipher(key)
	if err != nil {
		return errors.Wrap(err, "encryption key")
	}
	if a.cfg.UserIDSalt == "" {
		a.log.Warn().Msg("USER_ID_SALT not set; legacy user ids are derived from the bare email")
	}

	repo := auth.NewPostgresRepository(a.postgres)
	gate := auth.NewAccessGate(repo, a.cfg.RequireAccessCode, a.cfg.BetaAccessKey, a.cfg.DeveloperKey,
		a.cfg.MasterEmails, a.cfg.MasterDomains)
	a.auth = auth.NewService(repo, auth.NewRedisSessions(a.redis), cipher, auth.NewResetTokens(a.cfg.JWTSecret),
		auth.NewLogMailer(a.log), gate, a.store, auth.Config{
			UserIDSalt:         a.cfg.UserIDSalt,
			PreviousUserIDSalt: a.cfg.PreviousUserIDSalt,
			ResetURL:           strings.TrimRight(a.cfg.FrontendURL, "/") + "/reset-password",
		}, a.log)
	return nil
}

func (a *app) openAvatars() {
	if a.cfg.CloudinaryName == "" || a.cfg.CloudinaryAPIKey == "" || a.cfg.CloudinaryAPISecret == "" {
		a.log.Warn().Msg("cloudinary credentials not found; avatar uploads disabled")
		return
	}
	up, err := media.NewCloudinaryUploader(a.cfg.CloudinaryName, a.cfg.CloudinaryAPIKey, a.cfg.CloudinaryAPISecret)
	if err != nil {
		a.log.Warn().Err(err).Msg("cloudinary init failed; avatar uploads disabled")
		return
	}
	a.avatars = media.NewAvatars(up)
	a.log.Info().Msg("cloudinary avatar uploads enabled")
}

// buildServer opens every backend the HTTP service uses.
func buildServer(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	steps := []func() error{
		func() error { return a.openStore(ctx, true) },
		func() error { return a.openMemories(ctx) },
		a.openGateway,
		func() error { return a.openAuth(ctx) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.openAvatars()
	a.chat = chat.NewService(a.store, a.memories, a.gateway, log, chat.WithHome(cfg.HomeCity, cfg.HomeTimezone))
	return a, nil
}
