package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/AnshRaj112/clara-backend/internal/auth"
)

type sessionKey struct{}

// Authenticator resolves a session token. *auth.Service satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Session, error)
}

// BearerToken extracts the session token from "Authorization: Bearer <token>",
// falling back to the token query parameter for browser WebSocket clients.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// WithSession stores sess on ctx.
func WithSession(ctx context.Context, sess auth.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

func SessionFrom(ctx context.Context) (auth.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(auth.Session)
	return sess, ok
}

// RequireSession rejects requests without a valid session with 401.
func RequireSession(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				unauthorized(w, "Please sign in to continue.")
				return
			}
			sess, err := a.Authenticate(r.Context(), token)
			if err != nil {
				unauthorized(w, "Your session has expired. Please sign in again.")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"message":"` + message + `"}`))
}

// RequireAdminKey guards operator endpoints with the X-Admin-Key header.
// An empty key locks the route.
func RequireAdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				unauthorized(w, "Admin access required.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
