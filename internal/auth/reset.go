package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	ResetTokenTTL = time.Hour
	resetPurpose  = "password_reset"
)

var ErrInvalidResetToken = errors.New("invalid or expired reset token")

// ResetTokens signs password reset links. A token is bound to the password
// hash it was issued for, so it stops working once the password changes.
type ResetTokens struct {
	secret []byte
	now    func() time.Time
}

func NewResetTokens(secret string) *ResetTokens {
	return &ResetTokens{secret: []byte(secret), now: time.Now}
}

func hashFingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:8])
}

func (t *ResetTokens) Sign(userID, passwordHash string) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"sub":     userID,
		"purpose": resetPurpose,
		"pwh":     hashFingerprint(passwordHash),
		"iat":     now.Unix(),
		"exp":     now.Add(ResetTokenTTL).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Verify returns the user id and password fingerprint carried by token.
func (t *ResetTokens) Verify(tokenStr string) (userID, fingerprint string, err error) {
	tok, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return "", "", ErrInvalidResetToken
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || claims["purpose"] != resetPurpose {
		return "", "", ErrInvalidResetToken
	}
	sub, _ := claims["sub"].(string)
	pwh, _ := claims["pwh"].(string)
	if sub == "" || pwh == "" {
		return "", "", ErrInvalidResetToken
	}
	return sub, pwh, nil
}
