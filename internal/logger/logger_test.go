package logger

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout runs f with os.Stdout redirected to a pipe and returns the output.
func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	f()

	_ = w.Close()
	b, _ := io.ReadAll(r)
	_ = r.Close()
	return string(b)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func TestLoggerIncludesServiceAndStack(t *testing.T) {
	out := captureStdout(t, func() {
		l := New("clara-test", "info")
		l.Error().Stack().Err(errors.New("boom")).Msg("turn failed")
	})

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(lastLine(out)), &payload))
	assert.Equal(t, "clara-test", payload["service"])
	assert.Equal(t, "error", payload["level"])
	assert.Contains(t, payload, "stack")
}

func TestLoggerRespectsLevel(t *testing.T) {
	out := captureStdout(t, func() {
		l := New("clara-test", "warn")
		l.Info().Msg("hidden")
		l.Warn().Msg("shown")
	})

	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}
