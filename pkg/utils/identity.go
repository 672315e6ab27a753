package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	MinPasswordLength = 6
	MaxEmailLength    = 254
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail lowercases and trims an email address for storage and hashing.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the rough shape of an email address.
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return &ValidationError{Field: "email", Message: "Email is required."}
	}
	if len(email) > MaxEmailLength || !emailRegex.MatchString(email) {
		return &ValidationError{Field: "email", Message: "Please enter a valid email address."}
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return &ValidationError{Field: "password", Message: "Password should be at least 6 characters."}
	}
	return nil
}

// LegacyUserID derives the stable user id from a normalized email.
// Accounts created before the identity provider existed were keyed by this
// value, so new accounts reuse it to keep owning their old data.
func LegacyUserID(email, salt string) string {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(salt) + normalized))
	return hex.EncodeToString(sum[:])
}

// EmailDomain returns the part after the last "@", lowercased.
func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	if idx := strings.LastIndex(email, "@"); idx != -1 {
		return email[idx+1:]
	}
	return ""
}

// FirstName returns the first whitespace-separated token of a display name.
func FirstName(displayName string) string {
	fields := strings.Fields(displayName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ValidationError is a user-facing input error. Handlers surface Message as-is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
