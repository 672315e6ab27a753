package auth

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

// Mailer delivers account emails.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, link string) error
}

// LogMailer writes reset links to the log instead of sending them. It is
// the default until an email provider is configured.
type LogMailer struct {
	log zerolog.Logger
}

func NewLogMailer(log zerolog.Logger) *LogMailer {
	return &LogMailer{log: log.With().Str("component", "mailer").Logger()}
}

func (m *LogMailer) SendPasswordReset(_ context.Context, email, link string) error {
	m.log.Info().
		Str("email_domain", utils.EmailDomain(email)).
		Str("link", link).
		Msg("password reset email")
	return nil
}
