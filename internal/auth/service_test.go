package auth

import (
	"context"
	"encoding/base64"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

type memRepo struct {
	mu    sync.Mutex
	creds map[string]Credential
	codes map[string]AccessCode
}

func newMemRepo() *memRepo {
	return &memRepo{creds: map[string]Credential{}, codes: map[string]AccessCode{}}
}

func (r *memRepo) CreateCredential(_ context.Context, c Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[c.UserID]; ok {
		return ErrDuplicate
	}
	for _, existing := range r.creds {
		if existing.EmailLookup == c.EmailLookup {
			return ErrDuplicate
		}
	}
	r.creds[c.UserID] = c
	return nil
}

func (r *memRepo) CredentialByLookup(_ context.Context, lookup string) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.creds {
		if c.EmailLookup == lookup {
			return c, nil
		}
	}
	return Credential{}, ErrNotFound
}

func (r *memRepo) CredentialByUserID(_ context.Context, userID string) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[userID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (r *memRepo) UpdatePassword(_ context.Context, userID, hash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[userID]
	if !ok {
		return ErrNotFound
	}
	c.PasswordHash, c.UpdatedAt = hash, at
	r.creds[userID] = c
	return nil
}

func (r *memRepo) DeleteCredential(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, userID)
	return nil
}

func (r *memRepo) AccessCode(_ context.Context, code string) (AccessCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.codes[code]
	if !ok {
		return AccessCode{}, ErrNotFound
	}
	return ac, nil
}

func (r *memRepo) ClaimAccessCode(_ context.Context, code, userID string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.codes[code]
	if !ok || ac.Used {
		return false, nil
	}
	r.codes[code] = AccessCode{Code: code, Used: true, UsedBy: userID}
	return true, nil
}

func (r *memRepo) ReleaseAccessCode(_ context.Context, code, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ac, ok := r.codes[code]; ok && ac.UsedBy == userID {
		r.codes[code] = AccessCode{Code: code}
	}
	return nil
}

func (r *memRepo) CreateAccessCode(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codes[code]; ok {
		return ErrDuplicate
	}
	r.codes[code] = AccessCode{Code: code}
	return nil
}

type memSessions struct {
	mu     sync.Mutex
	byTok  map[string]Session
	byUser map[string]string
	n      int
}

func newMemSessions() *memSessions {
	return &memSessions{byTok: map[string]Session{}, byUser: map[string]string{}}
}

func (m *memSessions) Create(ctx context.Context, s Session) (Session, error) {
	_ = m.InvalidateUser(ctx, s.UserID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	s.Token = strings.Repeat("t", m.n)
	m.byTok[s.Token] = s
	m.byUser[s.UserID] = s.Token
	return s, nil
}

func (m *memSessions) Validate(_ context.Context, token string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byTok[token]
	return s, ok, nil
}

func (m *memSessions) Invalidate(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byTok[token]; ok {
		delete(m.byUser, s.UserID)
	}
	delete(m.byTok, token)
	return nil
}

func (m *memSessions) InvalidateUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.byUser[userID]; ok {
		delete(m.byTok, tok)
	}
	delete(m.byUser, userID)
	return nil
}

type memIdentities struct {
	mu      sync.Mutex
	ensured map[string]string
	chats   map[string]bool
}

func (m *memIdentities) EnsureIdentity(_ context.Context, userID, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured[userID] = email
}

func (m *memIdentities) ChatExists(_ context.Context, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chats[userID]
}

type captureMailer struct {
	email, link string
}

func (c *captureMailer) SendPasswordReset(_ context.Context, email, link string) error {
	c.email, c.link = email, link
	return nil
}

const testSalt = "pepper"

type authHarness struct {
	svc      *Service
	repo     *memRepo
	sessions *memSessions
	ids      *memIdentities
	mailer   *captureMailer
	cipher   *utils.Cipher
}

func newAuthHarness(t *testing.T, required bool) *authHarness {
	t.Helper()
	cipher, err := utils.NewCipher(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)

	h := &authHarness{
		repo:     newMemRepo(),
		sessions: newMemSessions(),
		ids:      &memIdentities{ensured: map[string]string{}, chats: map[string]bool{}},
		mailer:   &captureMailer{},
		cipher:   cipher,
	}
	gate := NewAccessGate(h.repo, required, "VESPER", "DEV-KEY", []string{"Boss@Clara.example"}, []string{"@astr.example"})
	h.svc = NewService(h.repo, h.sessions, cipher, NewResetTokens("secret"), h.mailer, gate, h.ids,
		Config{UserIDSalt: testSalt, ResetURL: "https://clara.example/reset-password"}, zerolog.Nop())
	return h
}

func signUpReq(email string) SignUpRequest {
	return SignUpRequest{Email: email, Name: "Alex", Password: "secret1", ConfirmPassword: "secret1"}
}

func validationMessage(t *testing.T, err error) string {
	t.Helper()
	var verr *utils.ValidationError
	require.ErrorAs(t, err, &verr)
	return verr.Message
}

func TestSignUpCreatesLegacyKeyedAccount(t *testing.T) {
	h := newAuthHarness(t, false)
	ctx := context.Background()

	uid, err := h.svc.SignUp(ctx, signUpReq(" A@B.com "))
	require.NoError(t, err)
	assert.Equal(t, utils.LegacyUserID("a@b.com", testSalt), uid)
	assert.Equal(t, "a@b.com", h.ids.ensured[uid])

	cred, err := h.repo.CredentialByUserID(ctx, uid)
	require.NoError(t, err)
	assert.NotContains(t, cred.EmailEncrypted, "a@b.com")
	plain, err := h.cipher.Decrypt(cred.EmailEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", plain)
	assert.True(t, cred.IsActive)
	assert.NotEqual(t, "secret1", cred.PasswordHash)

	_, err = h.svc.SignUp(ctx, signUpReq("a@b.com"))
	assert.Equal(t, "This email is already registered. Try logging in.", validationMessage(t, err))
}

func TestSignUpValidation(t *testing.T) {
	h := newAuthHarness(t, false)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SignUpRequest
		want string
	}{
		{"missing name", SignUpRequest{Email: "a@b.com", Password: "secret1", ConfirmPassword: "secret1"}, "Please fill in all fields."},
		{"missing password", SignUpRequest{Email: "a@b.com", Name: "A"}, "Please fill in all fields."},
		{"bad email", SignUpRequest{Email: "nope", Name: "A", Password: "secret1", ConfirmPassword: "secret1"}, "Please enter a valid email address."},
		{"mismatch", SignUpRequest{Email: "a@b.com", Name: "A", Password: "secret1", ConfirmPassword: "secret2"}, "Passwords do not match."},
		{"short", SignUpRequest{Email: "a@b.com", Name: "A", Password: "abc", ConfirmPassword: "abc"}, "Password should be at least 6 characters."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.SignUp(ctx, tc.req)
			assert.Equal(t, tc.want, validationMessage(t, err))
		})
	}
	assert.Empty(t, h.repo.creds)
}

func TestSignUpAccessGate(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		h := newAuthHarness(t, true)
		_, err := h.svc.SignUp(ctx, signUpReq("a@b.com"))
		assert.Equal(t, msgInvalidAccessKey, validationMessage(t, err))
	})

	t.Run("beta key is reusable", func(t *testing.T) {
		h := newAuthHarness(t, true)
		for _, email := range []string{"a@b.com", "c@d.com"} {
			req := signUpReq(email)
			req.AccessCode = "vesper"
			_, err := h.svc.SignUp(ctx, req)
			require.NoError(t, err)
		}
	})

	t.Run("developer key", func(t *testing.T) {
		h := newAuthHarness(t, true)
		req := signUpReq("a@b.com")
		req.AccessCode = "DEV-KEY"
		_, err := h.svc.SignUp(ctx, req)
		require.NoError(t, err)
	})

	t.Run("master email and domain", func(t *testing.T) {
		h := newAuthHarness(t, true)
		_, err := h.svc.SignUp(ctx, signUpReq("boss@clara.example"))
		require.NoError(t, err)
		_, err = h.svc.SignUp(ctx, signUpReq("anyone@ASTR.example"))
		require.NoError(t, err)
	})

	t.Run("one-time code is claimed once", func(t *testing.T) {
		h := newAuthHarness(t, true)
		require.NoError(t, h.repo.CreateAccessCode(ctx, "ONCE-1"))

		req := signUpReq("a@b.com")
		req.AccessCode = "ONCE-1"
		uid, err := h.svc.SignUp(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, uid, h.repo.codes["ONCE-1"].UsedBy)

		req = signUpReq("c@d.com")
		req.AccessCode = "ONCE-1"
		_, err = h.svc.SignUp(ctx, req)
		assert.Equal(t, msgAccessKeyUsed, validationMessage(t, err))
	})

	t.Run("code released when the email is taken", func(t *testing.T) {
		h := newAuthHarness(t, true)
		req := signUpReq("boss@clara.example")
		_, err := h.svc.SignUp(ctx, req)
		require.NoError(t, err)

		require.NoError(t, h.repo.CreateAccessCode(ctx, "ONCE-2"))
		req.AccessCode = "ONCE-2"
		h.svc.gate.masterEmails = map[string]struct{}{}
		_, err = h.svc.SignUp(ctx, req)
		assert.Equal(t, msgEmailRegistered, validationMessage(t, err))
		assert.False(t, h.repo.codes["ONCE-2"].Used)
	})
}

func TestSignIn(t *testing.T) {
	h := newAuthHarness(t, false)
	ctx := context.Background()
	uid, err := h.svc.SignUp(ctx, signUpReq("a@b.com"))
	require.NoError(t, err)

	_, err = h.svc.SignIn(ctx, "", "")
	assert.Equal(t, "Please enter both email and password.", validationMessage(t, err))
	_, err = h.svc.SignIn(ctx, "x@y.com", "secret1")
	assert.Equal(t, "No account found with this email.", validationMessage(t, err))
	_, err = h.svc.SignIn(ctx, "a@b.com", "wrong-pass")
	assert.Equal(t, "Incorrect password.", validationMessage(t, err))

	sess, err := h.svc.SignIn(ctx, "A@b.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, uid, sess.UserID)
	assert.Equal(t, uid, sess.ChatID)
	assert.Equal(t, "a@b.com", sess.Email)
	assert.NotEmpty(t, sess.Token)

	got, err := h.svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, uid, got.UserID)

	require.NoError(t, h.svc.SignOut(ctx, sess.Token))
	_, err = h.svc.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	c := h.repo.creds[uid]
	c.IsActive = false
	h.repo.creds[uid] = c
	_, err = h.svc.SignIn(ctx, "a@b.com", "secret1")
	assert.Equal(t, "This account has been disabled.", validationMessage(t, err))
}

func TestSignInAdoptsLegacyChat(t *testing.T) {
	h := newAuthHarness(t, false)
	ctx := context.Background()

	hash, err := utils.HashPassword("secret1")
	require.NoError(t, err)
	require.NoError(t, h.repo.CreateCredential(ctx, Credential{
		UserID:       "provider-123",
		EmailLookup:  emailLookup("old@b.com"),
		PasswordHash: hash,
		IsActive:     true,
	}))
	legacy := utils.LegacyUserID("old@b.com", testSalt)
	h.ids.chats[legacy] = true

	sess, err := h.svc.SignIn(ctx, "old@b.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "provider-123", sess.UserID)
	assert.Equal(t, legacy, sess.ChatID)
	assert.Equal(t, "old@b.com", h.ids.ensured["provider-123"])

	// once the account's own chat exists it wins
	h.ids.chats["provider-123"] = true
	sess, err = h.svc.SignIn(ctx, "old@b.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "provider-123", sess.ChatID)
}

func TestSignInAdoptsChatKeyedUnderPreviousSalt(t *testing.T) {
	h := newAuthHarness(t, false)
	h.svc.cfg.PreviousUserIDSalt = "old-pepper"
	ctx := context.Background()

	_, err := h.svc.SignUp(ctx, signUpReq("rotated@b.com"))
	require.NoError(t, err)
	current := utils.LegacyUserID("rotated@b.com", testSalt)
	previous := utils.LegacyUserID("rotated@b.com", "old-pepper")
	require.NotEqual(t, current, previous)
	h.ids.chats[previous] = true

	sess, err := h.svc.SignIn(ctx, "rotated@b.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, current, sess.UserID)
	assert.Equal(t, previous, sess.ChatID)
}

func resetToken(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	tok := u.Query().Get("token")
	require.NotEmpty(t, tok)
	return tok
}

func TestPasswordResetFlow(t *testing.T) {
	h := newAuthHarness(t, false)
	ctx := context.Background()
	_, err := h.svc.SignUp(ctx, signUpReq("a@b.com"))
	require.NoError(t, err)
	old, err := h.svc.SignIn(ctx, "a@b.com", "secret1")
	require.NoError(t, err)

	ok, msg := h.svc.RequestPasswordReset(ctx, "nobody@b.com")
	assert.False(t, ok)
	assert.Equal(t, "No account found with this email.", msg)

	ok, msg = h.svc.RequestPasswordReset(ctx, "a@b.com")
	require.True(t, ok)
	assert.Equal(t, "Reset email sent. Check your inbox.", msg)
	assert.Equal(t, "a@b.com", h.mailer.email)
	assert.True(t, strings.HasPrefix(h.mailer.link, "https://clara.example/reset-password?token="))
	token := resetToken(t, h.mailer.link)

	err = h.svc.ResetPassword(ctx, token, "newpass1", "newpass2")
	assert.Equal(t, "Passwords do not match.", validationMessage(t, err))
	err = h.svc.ResetPassword(ctx, "garbage", "newpass1", "newpass1")
	assert.Equal(t, msgResetInvalid, validationMessage(t, err))

	require.NoError(t, h.svc.ResetPassword(ctx, token, "newpass1", "newpass1"))
	_, err = h.svc.Authenticate(ctx, old.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// the link is bound to the old password hash
	err = h.svc.ResetPassword(ctx, token, "another1", "another1")
	assert.Equal(t, msgResetInvalid, validationMessage(t, err))

	_, err = h.svc.SignIn(ctx, "a@b.com", "secret1")
	assert.Equal(t, "Incorrect password.", validationMessage(t, err))
	_, err = h.svc.SignIn(ctx, "a@b.com", "newpass1")
	require.NoError(t, err)
}

func TestResetTokenExpires(t *testing.T) {
	tokens := NewResetTokens("secret")
	issued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }

	tok, err := tokens.Sign("u1", "$argon2id$hash")
	require.NoError(t, err)
	uid, fp, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
	assert.Equal(t, hashFingerprint("$argon2id$hash"), fp)

	tokens.now = func() time.Time { return issued.Add(ResetTokenTTL + time.Minute) }
	_, _, err = tokens.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidResetToken)

	other := NewResetTokens("other-secret")
	other.now = func() time.Time { return issued }
	_, _, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestDeleteCredentials(t *testing.T) {
	h := newAuthHarness(t, false)
	ctx := context.Background()
	uid, err := h.svc.SignUp(ctx, signUpReq("a@b.com"))
	require.NoError(t, err)
	sess, err := h.svc.SignIn(ctx, "a@b.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, h.svc.DeleteCredentials(ctx, uid))
	_, err = h.svc.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.SignIn(ctx, "a@b.com", "secret1")
	assert.Equal(t, "No account found with this email.", validationMessage(t, err))

	require.NoError(t, h.svc.DeleteCredentials(ctx, uid))
}

func TestAccessGateCheck(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()
	require.NoError(t, repo.CreateAccessCode(ctx, "CODE"))
	gate := NewAccessGate(repo, true, "VESPER", "DEV", nil, nil)

	st, err := gate.Check(ctx, "")
	require.NoError(t, err)
	assert.False(t, st.Valid)

	st, _ = gate.Check(ctx, "DEV")
	assert.True(t, st.Valid)
	assert.True(t, st.Developer)

	st, _ = gate.Check(ctx, "vesper")
	assert.True(t, st.Valid)
	assert.False(t, st.OneTime)

	st, _ = gate.Check(ctx, "CODE")
	assert.Equal(t, AccessStatus{Valid: true, OneTime: true}, st)

	st, _ = gate.Check(ctx, "unknown")
	assert.False(t, st.Valid)
}
