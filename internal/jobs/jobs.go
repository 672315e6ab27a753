// Package jobs runs periodic maintenance: limiter sweeps and backend health checks.
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/middleware"
)

const (
	SweepSchedule  = "@every 5m"
	HealthSchedule = "@every 1m"
	checkTimeout   = 5 * time.Second
)

// HealthCheck checks one backend.
type HealthCheck func(ctx context.Context) error

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}

type Scheduler struct {
	cron     *rcron.Cron
	log      zerolog.Logger
	limiters []*middleware.Limiter
	checks   map[string]HealthCheck

	mu     sync.RWMutex
	status map[string]string
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "jobs").Logger()
	return &Scheduler{
		cron:   rcron.New(rcron.WithChain(rcron.Recover(cronLogger{log}), rcron.SkipIfStillRunning(cronLogger{log}))),
		log:    log,
		checks: make(map[string]HealthCheck),
		status: make(map[string]string),
	}
}

// SweepLimiters registers in-process limiters for periodic cleanup.
func (s *Scheduler) SweepLimiters(limiters ...*middleware.Limiter) {
	s.limiters = append(s.limiters, limiters...)
}

// Check registers a backend health check under name.
func (s *Scheduler) Check(name string, c HealthCheck) {
	s.checks[name] = c
}

// Start schedules the jobs and runs the health checks immediately.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(SweepSchedule, s.Sweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(HealthSchedule, func() { s.CheckHealth(context.Background()) }); err != nil {
		return err
	}
	s.CheckHealth(context.Background())
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) Sweep() {
	for _, l := range s.limiters {
		if n := l.Sweep(middleware.LimiterTTL); n > 0 {
			s.log.Debug().Str("limiter", l.Name()).Int("dropped", n).Int("live", l.Len()).Msg("limiter sweep")
		}
	}
}

// CheckHealth runs every check and records "ok" or the error text.
func (s *Scheduler) CheckHealth(ctx context.Context) {
	for name, check := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()

		state := "ok"
		if err != nil {
			state = err.Error()
			s.log.Warn().Err(err).Str("backend", name).Msg("health check failed")
		}
		s.mu.Lock()
		prev := s.status[name]
		s.status[name] = state
		s.mu.Unlock()
		if err == nil && prev != "" && prev != "ok" {
			s.log.Info().Str("backend", name).Msg("backend recovered")
		}
	}
}

// Status returns the latest check results.
func (s *Scheduler) Status() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// Healthy reports whether every check last passed.
func (s *Scheduler) Healthy() bool {
	for _, v := range s.Status() {
		if v != "ok" {
			return false
		}
	}
	return true
}

// Backends lists the checked backends in name order.
func (s *Scheduler) Backends() []string {
	names := make([]string, 0, len(s.checks))
	for n := range s.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
