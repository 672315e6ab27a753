package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrRateLimited marks quota and rate-limit failures from the model backend.
var ErrRateLimited = errors.New("model backend rate limited")

const rateLimitedMessage = "Clara’s thinking is hitting the limits of the current plan for a moment.\n\n" +
	"Give it a little time and try again. If this keeps happening, it might be a temporary connection issue."

// APIError is a non-2xx response from a model backend.
type APIError struct {
	Provider   string
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Status != "" {
		return fmt.Sprintf("%s api %d %s: %s", e.Provider, e.StatusCode, e.Status, msg)
	}
	return fmt.Sprintf("%s api %d: %s", e.Provider, e.StatusCode, msg)
}

// Is lets errors.Is(err, ErrRateLimited) match quota responses.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited &&
		(e.StatusCode == http.StatusTooManyRequests || strings.EqualFold(e.Status, "RESOURCE_EXHAUSTED"))
}

// IsRateLimited reports whether err signals quota exhaustion.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted")
}

// errorType names the failure class shown to users.
func errorType(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return "APIError"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}
	t := fmt.Sprintf("%T", errors.Cause(err))
	t = strings.TrimPrefix(t, "*")
	if idx := strings.LastIndex(t, "."); idx != -1 {
		t = t[idx+1:]
	}
	return t
}

// UserMessage renders a generation failure for display. It never includes a stack.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsRateLimited(err) {
		return rateLimitedMessage
	}
	return fmt.Sprintf("Clara hit an unexpected error: %s: %s", errorType(err), errors.Cause(err).Error())
}
