package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxd/sandboxd/internal/api"
	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/cache"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/pool"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/security"
	"github.com/sandboxd/sandboxd/internal/server"
	"github.com/sandboxd/sandboxd/internal/session"
)

var adminAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP sandbox server on stdio",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", os.Getenv("SANDBOXD_ADMIN_ADDR"), "Optional HTTP admin listen address (e.g. 127.0.0.1:8642)")
	RootCmd.AddCommand(serveCmd)
}

func runServer() {
	cfg := config.Load()
	if !verbose {
		zerolog.SetGlobalLevel(cfg.LogLevel)
	}
	if adminAddr != "" {
		cfg.AdminAddr = adminAddr
	}
	if apiKey != "" {
		cfg.AdminAPIKey = apiKey
	}

	log.Info().
		Str("env", cfg.Env).
		Str("security_level", cfg.SecurityLevel).
		Msg("Sandboxd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	eng, err := engine.NewDockerEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer eng.Close()

	// Engine health check
	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, 5*time.Second)
	if err := eng.Ping(ctxTimeout); err != nil {
		log.Fatal().Err(err).Msg("Engine health check failed")
	}
	cancelTimeout()

	aud := audit.New(cfg.LogDir(), audit.DefaultRingSize)
	defer aud.Close()

	p := pool.New(eng, aud, pool.Config{
		MinIdlePerLanguage: cfg.PoolMinIdle,
		MaxActive:          cfg.PoolMaxActive,
		WarmLanguages:      cfg.WarmLanguages,
		ProbeInterval:      cfg.ProbeInterval,
		SecurityLevel:      security.Level(cfg.SecurityLevel),
	})
	p.Start(ctx)

	c := cache.New(eng, cache.Config{
		KeepPerLanguage: cfg.CacheKeepPerLang,
		MaxSizeGB:       cfg.CacheMaxSizeGB,
	})

	sessions := session.New(eng, aud, session.Config{
		JanitorInterval: cfg.JanitorInterval,
		SecurityLevel:   security.Level(cfg.SecurityLevel),
	})

	limiter := ratelimit.New(ratelimit.Config{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	})

	srv := server.New(cfg, eng, aud, p, c, sessions, limiter)

	// Optional admin surface
	var admin *echo.Echo
	if cfg.AdminAddr != "" {
		admin = echo.New()
		admin.HideBanner = true
		admin.HidePort = true
		h := api.NewHandler(eng, aud, p, c, sessions, cfg.AdminAPIKey)
		h.RegisterRoutes(admin)
		go func() {
			log.Info().Str("addr", cfg.AdminAddr).Msg("Admin API listening")
			if err := admin.Start(cfg.AdminAddr); err != nil {
				log.Warn().Err(err).Msg("Admin API stopped")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msg("MCP server listening on stdio")
		serveErr <- srv.ServeStdio(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("MCP server stopped")
		}
	}

	// Teardown: stop timers, drain the pool and sessions, close sinks.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	limiter.Stop()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin API forced to shutdown")
		}
	}
	sessions.Shutdown(shutdownCtx)
	p.Drain(shutdownCtx)
	log.Info().Msg("Sandboxd stopped")
}
