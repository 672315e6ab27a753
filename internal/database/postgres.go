package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ConnectPostgres opens the credentials database and creates its tables.
func ConnectPostgres(ctx context.Context, postgresURI string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURI)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}
	log.Info().Msg("connected to PostgreSQL")

	if err := InitPostgresTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitPostgresTables creates the credential tables if they don't exist.
func InitPostgresTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		// Credentials only. Conversation data lives in the chat store.
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id VARCHAR(64) PRIMARY KEY,
			email_lookup VARCHAR(64) NOT NULL UNIQUE,
			email_encrypted TEXT NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,

		// One-time access codes, claimed on first successful sign-up.
		`CREATE TABLE IF NOT EXISTS access_codes (
			code VARCHAR(64) PRIMARY KEY,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			used BOOLEAN NOT NULL DEFAULT FALSE,
			used_by VARCHAR(64),
			used_at TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_access_codes_used ON access_codes(used)`,
	}

	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "init postgres tables")
		}
	}
	log.Info().Msg("postgres tables initialized")
	return nil
}
