// Package auth is the local identity provider: credentials in Postgres,
// sessions in Redis, signed password reset links.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

const (
	msgFillAllFields    = "Please fill in all fields."
	msgEnterBoth        = "Please enter both email and password."
	msgPasswordMismatch = "Passwords do not match."
	msgEmailRegistered  = "This email is already registered. Try logging in."
	msgNoAccount        = "No account found with this email."
	msgIncorrectPass    = "Incorrect password."
	msgDisabled         = "This account has been disabled."
	msgResetSent        = "Reset email sent. Check your inbox."
	msgResetFailed      = "We couldn't send the reset email. Please try again."
	msgResetInvalid     = "This reset link is invalid or has expired."
	msgTryAgain         = "Something went wrong. Please try again."
)

var ErrUnauthorized = errors.New("unauthorized")

// Identities is the part of the conversation store auth touches.
// *store.Store satisfies it.
type Identities interface {
	EnsureIdentity(ctx context.Context, userID, email string)
	ChatExists(ctx context.Context, userID string) bool
}

type Config struct {
	UserIDSalt         string
	// PreviousUserIDSalt is the salt in use before a USER_ID_SALT rotation.
	// Chats keyed under it are adopted on sign-in.
	PreviousUserIDSalt string
	// ResetURL is the frontend page that accepts ?token=.
	ResetURL           string
}

type Service struct {
	repo     Repository
	sessions Sessions
	cipher   *utils.Cipher
	tokens   *ResetTokens
	mailer   Mailer
	gate     *AccessGate
	ids      Identities
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, sessions Sessions, cipher *utils.Cipher, tokens *ResetTokens, mailer Mailer,
	gate *AccessGate, ids Identities, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		sessions: sessions,
		cipher:   cipher,
		tokens:   tokens,
		mailer:   mailer,
		gate:     gate,
		ids:      ids,
		cfg:      cfg,
		log:      log.With().Str("component", "auth").Logger(),
		now:      time.Now,
	}
}

// Gate exposes the access gate for key checks before sign-up.
func (s *Service) Gate() *AccessGate {
	return s.gate
}

func emailLookup(email string) string {
	sum := sha256.Sum256([]byte(utils.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func invalid(field, msg string) error {
	return &utils.ValidationError{Field: field, Message: msg}
}

type SignUpRequest struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	AccessCode      string `json:"access_code"`
}

// SignUp creates a credential keyed by the legacy user id so accounts keep
// any conversation data that already exists under it.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (string, error) {
	email := utils.NormalizeEmail(req.Email)
	access, err := s.gate.admit(ctx, email, req.AccessCode)
	if err != nil {
		return "", err
	}
	if email == "" || req.Password == "" || strings.TrimSpace(req.Name) == "" {
		return "", invalid("", msgFillAllFields)
	}
	if err := utils.ValidateEmail(email); err != nil {
		return "", err
	}
	if req.Password != req.ConfirmPassword {
		return "", invalid("confirm_password", msgPasswordMismatch)
	}
	if err := utils.ValidatePassword(req.Password); err != nil {
		return "", err
	}

	userID := utils.LegacyUserID(email, s.cfg.UserIDSalt)
	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	sealed, err := s.cipher.Encrypt(email)
	if err != nil {
		return "", errors.Wrap(err, "encrypt email")
	}

	now := s.now().UTC()
	code := strings.TrimSpace(req.AccessCode)
	if access.OneTime {
		claimed, err := s.repo.ClaimAccessCode(ctx, code, userID, now)
		if err != nil {
			return "", err
		}
		if !claimed {
			return "", invalid("access_code", msgAccessKeyUsed)
		}
	}

	err = s.repo.CreateCredential(ctx, Credential{
		UserID:         userID,
		EmailLookup:    emailLookup(email),
		EmailEncrypted: sealed,
		PasswordHash:   hash,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsActive:       true,
	})
	if err != nil {
		if access.OneTime {
			if rerr := s.repo.ReleaseAccessCode(ctx, code, userID); rerr != nil {
				s.log.Warn().Err(rerr).Msg("failed to release access code")
			}
		}
		if errors.Is(err, ErrDuplicate) {
			return "", invalid("email", msgEmailRegistered)
		}
		return "", err
	}

	s.ids.EnsureIdentity(ctx, userID, email)
	s.log.Info().Str("user_id", userID).Bool("developer_key", access.Developer).Msg("account created")
	return userID, nil
}

// SignIn verifies a password and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	email = utils.NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, invalid("", msgEnterBoth)
	}

	cred, err := s.repo.CredentialByLookup(ctx, emailLookup(email))
	if errors.Is(err, ErrNotFound) {
		return Session{}, invalid("email", msgNoAccount)
	}
	if err != nil {
		return Session{}, err
	}
	ok, err := utils.VerifyPassword(password, cred.PasswordHash)
	if err != nil || !ok {
		return Session{}, invalid("password", msgIncorrectPass)
	}
	if !cred.IsActive {
		return Session{}, invalid("email", msgDisabled)
	}

	s.ids.EnsureIdentity(ctx, cred.UserID, email)
	return s.sessions.Create(ctx, Session{
		UserID: cred.UserID,
		ChatID: s.resolveChatID(ctx, cred.UserID, email),
		Email:  email,
	})
}

// resolveChatID adopts conversation data stored under a legacy id when the
// account's own id has none. SignUp keys accounts by the legacy id under the
// current salt, so that candidate only matters for credentials created some
// other way (an earlier identity provider, or rows inserted by hand). The
// previous salt covers every account after a salt rotation.
func (s *Service) resolveChatID(ctx context.Context, userID, email string) string {
	if s.ids.ChatExists(ctx, userID) {
		return userID
	}
	salts := []string{s.cfg.UserIDSalt}
	if prev := s.cfg.PreviousUserIDSalt; prev != "" && prev != s.cfg.UserIDSalt {
		salts = append(salts, prev)
	}
	for _, salt := range salts {
		legacy := utils.LegacyUserID(email, salt)
		if legacy != "" && legacy != userID && s.ids.ChatExists(ctx, legacy) {
			s.log.Info().Str("user_id", userID).Msg("adopting legacy chat record")
			return legacy
		}
	}
	return userID
}

// RequestPasswordReset emails a signed reset link. The message is always
// suitable to show the user.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (bool, string) {
	if err := utils.ValidateEmail(email); err != nil {
		return false, err.Error()
	}
	email = utils.NormalizeEmail(email)

	cred, err := s.repo.CredentialByLookup(ctx, emailLookup(email))
	if errors.Is(err, ErrNotFound) {
		return false, msgNoAccount
	}
	if err != nil {
		s.log.Error().Err(err).Msg("reset lookup failed")
		return false, msgTryAgain
	}

	token, err := s.tokens.Sign(cred.UserID, cred.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Msg("sign reset token")
		return false, msgTryAgain
	}
	link := s.cfg.ResetURL + "?token=" + url.QueryEscape(token)
	if err := s.mailer.SendPasswordReset(ctx, email, link); err != nil {
		s.log.Error().Err(err).Msg("send reset email")
		return false, msgResetFailed
	}
	return true, msgResetSent
}

// ResetPassword sets a new password from a reset link and ends the
// user's session.
func (s *Service) ResetPassword(ctx context.Context, token, password, confirm string) error {
	if password != confirm {
		return invalid("confirm_password", msgPasswordMismatch)
	}
	if err := utils.ValidatePassword(password); err != nil {
		return err
	}
	userID, fingerprint, err := s.tokens.Verify(token)
	if err != nil {
		return invalid("token", msgResetInvalid)
	}
	cred, err := s.repo.CredentialByUserID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return invalid("token", msgResetInvalid)
	}
	if err != nil {
		return err
	}
	if hashFingerprint(cred.PasswordHash) != fingerprint {
		return invalid("token", msgResetInvalid)
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	if err := s.repo.UpdatePassword(ctx, userID, hash, s.now().UTC()); err != nil {
		return err
	}
	if err := s.sessions.InvalidateUser(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to end sessions after reset")
	}
	return nil
}

// Authenticate resolves a session token.
func (s *Service) Authenticate(ctx context.Context, token string) (Session, error) {
	sess, ok, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrUnauthorized
	}
	return sess, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}

// DeleteCredentials removes the login and ends the session. Conversation
// data is erased separately by the caller.
func (s *Service) DeleteCredentials(ctx context.Context, userID string) error {
	if err := s.repo.DeleteCredential(ctx, userID); err != nil {
		return err
	}
	return s.sessions.InvalidateUser(ctx, userID)
}
