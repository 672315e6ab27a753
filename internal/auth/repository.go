package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Credential is the login record for one user. The email itself is only
// kept encrypted; EmailLookup is its unsalted hash.
type Credential struct {
	UserID         string
	EmailLookup    string
	EmailEncrypted string
	PasswordHash   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IsActive       bool
}

// AccessCode is a one-time sign-up code.
type AccessCode struct {
	Code   string
	Used   bool
	UsedBy string
}

// Repository persists credentials and access codes.
type Repository interface {
	CreateCredential(ctx context.Context, c Credential) error
	CredentialByLookup(ctx context.Context, lookup string) (Credential, error)
	CredentialByUserID(ctx context.Context, userID string) (Credential, error)
	UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error
	DeleteCredential(ctx context.Context, userID string) error

	AccessCode(ctx context.Context, code string) (AccessCode, error)
	// ClaimAccessCode marks an unused code as used by userID. It reports
	// false when the code is unknown or already used.
	ClaimAccessCode(ctx context.Context, code, userID string, at time.Time) (bool, error)
	ReleaseAccessCode(ctx context.Context, code, userID string) error
	CreateAccessCode(ctx context.Context, code string) error
}

// PostgresRepository is the lib/pq implementation of Repository.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *PostgresRepository) CreateCredential(ctx context.Context, c Credential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, email_lookup, email_encrypted, password_hash, created_at, updated_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.UserID, c.EmailLookup, c.EmailEncrypted, c.PasswordHash, c.CreatedAt, c.UpdatedAt, c.IsActive)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert credential")
}

func (r *PostgresRepository) credential(ctx context.Context, where string, arg string) (Credential, error) {
	var c Credential
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, email_lookup, email_encrypted, password_hash, created_at, updated_at, is_active
		FROM credentials WHERE `+where+` = $1
	`, arg).Scan(&c.UserID, &c.EmailLookup, &c.EmailEncrypted, &c.PasswordHash, &c.CreatedAt, &c.UpdatedAt, &c.IsActive)
	if err == sql.ErrNoRows {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, errors.Wrap(err, "load credential")
	}
	return c, nil
}

func (r *PostgresRepository) CredentialByLookup(ctx context.Context, lookup string) (Credential, error) {
	return r.credential(ctx, "email_lookup", lookup)
}

func (r *PostgresRepository) CredentialByUserID(ctx context.Context, userID string) (Credential, error) {
	return r.credential(ctx, "user_id", userID)
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET password_hash = $1, updated_at = $2 WHERE user_id = $3`, hash, at, userID)
	if err != nil {
		return errors.Wrap(err, "update password")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteCredential(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = $1`, userID)
	return errors.Wrap(err, "delete credential")
}

func (r *PostgresRepository) AccessCode(ctx context.Context, code string) (AccessCode, error) {
	var (
		ac     AccessCode
		usedBy sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT code, used, used_by FROM access_codes WHERE code = $1`, code).Scan(&ac.Code, &ac.Used, &usedBy)
	if err == sql.ErrNoRows {
		return AccessCode{}, ErrNotFound
	}
	if err != nil {
		return AccessCode{}, errors.Wrap(err, "load access code")
	}
	ac.UsedBy = usedBy.String
	return ac, nil
}

func (r *PostgresRepository) ClaimAccessCode(ctx context.Context, code, userID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE access_codes SET used = TRUE, used_by = $1, used_at = $2
		WHERE code = $3 AND used = FALSE
	`, userID, at, code)
	if err != nil {
		return false, errors.Wrap(err, "claim access code")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "claim access code")
	}
	return n == 1, nil
}

func (r *PostgresRepository) ReleaseAccessCode(ctx context.Context, code, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE access_codes SET used = FALSE, used_by = NULL, used_at = NULL
		WHERE code = $1 AND used_by = $2
	`, code, userID)
	return errors.Wrap(err, "release access code")
}

func (r *PostgresRepository) CreateAccessCode(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO access_codes (code) VALUES ($1)`, code)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert access code")
}
