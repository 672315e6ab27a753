package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	headerXContentTypeOptions     = "X-Content-Type-Options"
	headerXFrameOptions           = "X-Frame-Options"
	headerXXSSProtection          = "X-XSS-Protection"
	headerContentSecurityPolicy   = "Content-Security-Policy"
	headerStrictTransportSecurity = "Strict-Transport-Security"
	headerReferrerPolicy          = "Referrer-Policy"
)

// SecurityHeaders sets security-related response headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerXContentTypeOptions, "nosniff")
		w.Header().Set(headerXFrameOptions, "DENY")
		w.Header().Set(headerXXSSProtection, "1; mode=block")
		w.Header().Set(headerContentSecurityPolicy, "default-src 'self'")
		w.Header().Set(headerStrictTransportSecurity, "max-age=31536000; includeSubDomains")
		w.Header().Set(headerReferrerPolicy, "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// HostCheck returns 403 when r.Host does not match allowedHost (e.g. api.clara.example).
// allowedHost should be the bare hostname without scheme or port.
func HostCheck(allowedHost string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowedHost == "" {
				next.ServeHTTP(w, r)
				return
			}
			reqHost := r.Host
			if host, _, err := net.SplitHostPort(reqHost); err == nil {
				reqHost = host
			}
			if !strings.EqualFold(strings.TrimSpace(reqHost), strings.TrimSpace(allowedHost)) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte("Forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Limiters groups the in-process rate limiters so the scheduler can sweep them.
type Limiters struct {
	// Global: per-IP, 1/s, burst 10.
	Global *Limiter
	// Login: sign-in, sign-up and password reset, one attempt per 5s, burst 2.
	Login *Limiter
	// History: chat history and search reads, 30/min, burst 20.
	History *Limiter
}

func NewLimiters() *Limiters {
	return &Limiters{
		Global:  NewLimiter("global", rate.Limit(1), 10),
		Login:   NewLimiter("login", rate.Every(5*time.Second), 2),
		History: NewLimiter("history", rate.Limit(0.5), 20),
	}
}

func (l *Limiters) All() []*Limiter {
	return []*Limiter{l.Global, l.Login, l.History}
}

var loginPaths = map[string]bool{
	"/api/auth/signin":          true,
	"/api/auth/signup":          true,
	"/api/auth/forgot-password": true,
	"/api/auth/reset-password":  true,
}

// LoginRateLimit applies the stricter login limiter to credential routes only.
func LoginRateLimit(l *Limiter, trustProxy bool) func(http.Handler) http.Handler {
	limited := PerIP(l, trustProxy, "Too many login attempts. Please try again later.")
	return func(next http.Handler) http.Handler {
		inner := limited(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !loginPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			inner.ServeHTTP(w, r)
		})
	}
}

// ProductionSecurity returns middlewares for production: SecurityHeaders → HostCheck → global limit → login limit.
func ProductionSecurity(allowedHost string, l *Limiters, trustProxy bool) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders,
		HostCheck(allowedHost),
		PerIP(l.Global, trustProxy, "Too many requests. Please slow down."),
		LoginRateLimit(l.Login, trustProxy),
	}
}
