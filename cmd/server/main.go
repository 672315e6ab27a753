package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AnshRaj112/clara-backend/internal/config"
	"github.com/AnshRaj112/clara-backend/internal/handlers"
	"github.com/AnshRaj112/clara-backend/internal/jobs"
	"github.com/AnshRaj112/clara-backend/internal/logger"
	"github.com/AnshRaj112/clara-backend/internal/middleware"
	"github.com/AnshRaj112/clara-backend/internal/routes"
)

const (
	serviceName     = "clara-backend"
	shutdownTimeout = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:           "clara",
	Short:         "Clara companion chat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(topicsCmd)
	rootCmd.AddCommand(migrateLegacyCmd)
	rootCmd.AddCommand(deleteAccountCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.New(serviceName, cfg.LogLevel), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	a, err := buildServer(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Error().Stack().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	limiters := middleware.NewLimiters()
	scheduler := jobs.NewScheduler(log)
	scheduler.SweepLimiters(limiters.All()...)
	scheduler.Check("store", a.store.Ping)
	scheduler.Check("redis", func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	scheduler.Check("postgres", a.postgres.PingContext)
	if err := scheduler.Start(); err != nil {
		return err
	}

	h := handlers.New(handlers.Deps{
		Accounts:       a.auth,
		Conversations:  a.store,
		Chat:           a.chat,
		Memories:       a.memories,
		Avatars:        a.avatars,
		Health:         scheduler,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            log,
	})

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	if cfg.IsProduction() {
		for _, mw := range middleware.ProductionSecurity(cfg.AllowedHost, limiters, cfg.TrustProxy) {
			r.Use(mw)
		}
		log.Info().Str("host", cfg.AllowedHost).Msg("production security enabled")
	}
	routes.SetupRoutes(r, h, routes.Options{
		Auth:       a.auth,
		Limiters:   limiters,
		Redis:      a.redis,
		TrustProxy: cfg.TrustProxy,
		AdminKey:   cfg.AdminKey,
		Log:        log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("clara backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
		scheduler.Stop(context.Background())
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	scheduler.Stop(ctx)
	// Background summaries and memory writes finish before stores close.
	a.chat.Wait()
	log.Info().Msg("server stopped")
	return nil
}
