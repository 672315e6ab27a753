package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AnshRaj112/clara-backend/internal/middleware"
)

func TestCheckHealthRecordsResults(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	down := errors.New("connection refused")
	s.Check("store", func(context.Context) error { return nil })
	s.Check("redis", func(context.Context) error { return down })

	s.CheckHealth(context.Background())
	assert.Equal(t, map[string]string{"store": "ok", "redis": "connection refused"}, s.Status())
	assert.False(t, s.Healthy())
	assert.Equal(t, []string{"redis", "store"}, s.Backends())

	s.Check("redis", func(context.Context) error { return nil })
	s.CheckHealth(context.Background())
	assert.True(t, s.Healthy())
}

func TestStartAndStop(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	l := middleware.NewLimiter("test", rate.Limit(1), 1)
	s.SweepLimiters(l)
	l.Allow("a")

	require.NoError(t, s.Start())
	s.Sweep()
	assert.Equal(t, 1, l.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
