package handlers

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/AnshRaj112/clara-backend/internal/auth"
	"github.com/AnshRaj112/clara-backend/internal/middleware"
	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/internal/store"
	"github.com/AnshRaj112/clara-backend/pkg/utils"
)

const msgSomethingWrong = "Something went wrong. Please try again."

type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type AccessCheckRequest struct {
	AccessCode string `json:"access_code"`
}

// SessionView is what the frontend keeps after signing in.
type SessionView struct {
	Token     string         `json:"token"`
	UserID    string         `json:"user_id"`
	ChatID    string         `json:"chat_id"`
	Email     string         `json:"email"`
	ExpiresAt string         `json:"expires_at,omitempty"`
	Profile   models.Profile `json:"profile"`
}

func (h *Handler) sessionView(r *http.Request, sess auth.Session) SessionView {
	v := SessionView{
		Token:   sess.Token,
		UserID:  sess.UserID,
		ChatID:  sess.ChatID,
		Email:   sess.Email,
		Profile: h.conv.Profile(r.Context(), sess.ChatID),
	}
	if !sess.ExpiresAt.IsZero() {
		v.ExpiresAt = sess.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return v
}

// userError writes validation failures with their own message and hides
// everything else behind a generic one.
func (h *Handler) userError(w http.ResponseWriter, err error, status int, op string) {
	var verr *utils.ValidationError
	if errors.As(err, &verr) {
		fail(w, status, verr.Message)
		return
	}
	h.log.Error().Err(err).Str("op", op).Msg("request failed")
	fail(w, http.StatusInternalServerError, msgSomethingWrong)
}

// Signup creates the account, signs it in and stores the display name.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req auth.SignUpRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.accounts.SignUp(r.Context(), req); err != nil {
		h.userError(w, err, http.StatusBadRequest, "signup")
		return
	}

	sess, err := h.accounts.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.userError(w, err, http.StatusUnauthorized, "signup_signin")
		return
	}
	name := strings.TrimSpace(req.Name)
	h.conv.SaveProfile(r.Context(), sess.ChatID, store.ProfileUpdate{Name: &name})

	writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Message: "Account created",
		Data:    h.sessionView(r, sess),
	})
}

func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.accounts.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		var verr *utils.ValidationError
		if errors.As(err, &verr) && verr.Field == "" {
			status = http.StatusBadRequest
		}
		h.userError(w, err, status, "signin")
		return
	}
	ok(w, "Login successful", h.sessionView(r, sess))
}

func (h *Handler) Signout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.BearerToken(r); token != "" {
		if err := h.accounts.SignOut(r.Context(), token); err != nil {
			h.log.Warn().Err(err).Msg("sign out failed")
		}
	}
	ok(w, "Signed out", nil)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	sent, msg := h.accounts.RequestPasswordReset(r.Context(), req.Email)
	if !sent {
		fail(w, http.StatusBadRequest, msg)
		return
	}
	ok(w, msg, nil)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.accounts.ResetPassword(r.Context(), req.Token, req.Password, req.ConfirmPassword); err != nil {
		h.userError(w, err, http.StatusBadRequest, "reset_password")
		return
	}
	ok(w, "Your password has been updated. Please sign in.", nil)
}

// CheckAccessCode tells the sign-up form whether a key will be accepted.
func (h *Handler) CheckAccessCode(w http.ResponseWriter, r *http.Request) {
	var req AccessCheckRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.accounts.Gate().Check(r.Context(), req.AccessCode)
	if err != nil {
		h.userError(w, err, http.StatusInternalServerError, "access_check")
		return
	}
	ok(w, "", st)
}

// Me returns the signed-in user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	view := h.sessionView(r, sess)
	view.Token = ""
	ok(w, "", view)
}
