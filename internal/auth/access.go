package auth

import (
	"context"
	"strings"

	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

const (
	msgInvalidAccessKey = "Invalid access key. Please check it and try again."
	msgAccessKeyUsed    = "This access key has already been used to create an account. If that was you, please log in instead."
)

// AccessStatus is the result of checking a sign-up access key.
type AccessStatus struct {
	Valid     bool `json:"valid"`
	Used      bool `json:"used"`
	Developer bool `json:"developer"`
	// OneTime is set for codes from the access_codes table; they are
	// claimed by the account they create.
	OneTime bool `json:"one_time"`
}

// AccessGate decides who may create an account while sign-up is invite-only.
type AccessGate struct {
	repo          Repository
	required      bool
	betaKey       string
	developerKey  string
	masterEmails  map[string]struct{}
	masterDomains map[string]struct{}
}

func NewAccessGate(repo Repository, required bool, betaKey, developerKey string, masterEmails, masterDomains []string) *AccessGate {
	g := &AccessGate{
		repo:          repo,
		required:      required,
		betaKey:       strings.TrimSpace(betaKey),
		developerKey:  strings.TrimSpace(developerKey),
		masterEmails:  make(map[string]struct{}),
		masterDomains: make(map[string]struct{}),
	}
	for _, e := range masterEmails {
		if e = utils.NormalizeEmail(e); e != "" {
			g.masterEmails[e] = struct{}{}
		}
	}
	for _, d := range masterDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			g.masterDomains[strings.TrimPrefix(d, "@")] = struct{}{}
		}
	}
	return g
}

// IsMaster reports whether email bypasses the gate.
func (g *AccessGate) IsMaster(email string) bool {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return false
	}
	if _, ok := g.masterEmails[email]; ok {
		return true
	}
	_, ok := g.masterDomains[utils.EmailDomain(email)]
	return ok
}

// Check validates an access key without consuming it.
func (g *AccessGate) Check(ctx context.Context, key string) (AccessStatus, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return AccessStatus{}, nil
	case g.developerKey != "" && key == g.developerKey:
		return AccessStatus{Valid: true, Developer: true}, nil
	case g.betaKey != "" && strings.EqualFold(key, g.betaKey):
		return AccessStatus{Valid: true}, nil
	}
	code, err := g.repo.AccessCode(ctx, key)
	if err == ErrNotFound {
		return AccessStatus{}, nil
	}
	if err != nil {
		return AccessStatus{}, err
	}
	return AccessStatus{Valid: true, Used: code.Used, OneTime: true}, nil
}

// admit returns the status to claim after sign-up, or a validation error.
func (g *AccessGate) admit(ctx context.Context, email, key string) (AccessStatus, error) {
	if !g.required || g.IsMaster(email) {
		return AccessStatus{Valid: true}, nil
	}
	st, err := g.Check(ctx, key)
	if err != nil {
		return AccessStatus{}, err
	}
	if st.Developer {
		return st, nil
	}
	if !st.Valid {
		return st, &utils.ValidationError{Field: "access_code", Message: msgInvalidAccessKey}
	}
	if st.Used {
		return st, &utils.ValidationError{Field: "access_code", Message: msgAccessKeyUsed}
	}
	return st, nil
}
