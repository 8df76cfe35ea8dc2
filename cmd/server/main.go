package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/adapter/paper"
	"github.com/ksred/klear-executor/internal/adapter/sandbox"
	"github.com/ksred/klear-executor/internal/api"
	"github.com/ksred/klear-executor/internal/config"
	"github.com/ksred/klear-executor/internal/database"
	"github.com/ksred/klear-executor/internal/engine"
	"github.com/ksred/klear-executor/internal/ledger"
	"github.com/ksred/klear-executor/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Prices and commissions go over the wire as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

func newRegistry() *adapter.Registry {
	registry := adapter.NewRegistry()
	registry.Register(sandbox.Name, sandbox.New, sandbox.Fields())
	registry.Register(paper.Name, paper.New, paper.Fields())
	return registry
}

// main loads the configuration, opens the ledger and serves the control API.
// The executor starts on its own when the configuration is complete;
// otherwise it waits for an operator to fill it in and call /start.
func main() {
	cfg, err := config.Load(os.Getenv("EXECUTOR_DATA_DIR"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if os.Getenv("DEBUG") != "true" {
		api.SetLogLevel(cfg.LogLevel)
	}

	db, err := database.NewDatabase(cfg.DataDir)
	if err != nil {
		zlog.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("Failed to initialize database")
	}
	defer database.Close(db)

	registry := newRegistry()
	l := ledger.New(db)
	e := engine.New(cfg, l, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.IsValid() {
		if err := e.Start(ctx); err != nil {
			zlog.Error().Err(err).Msg("Failed to start executor")
		}
	} else {
		zlog.Warn().Err(cfg.Validate()).Msg("Configuration incomplete, executor not started")
	}

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	limiter := middleware.NewRateLimiter(middleware.DefaultLimits)
	limiterStop := make(chan struct{})
	defer close(limiterStop)
	go limiter.Run(limiterStop)

	router := api.NewHandlers(ctx, e, l, registry).Router(limiter)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", port).Str("data_dir", cfg.DataDir).Msg("Control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		zlog.Info().Msg("Shutting down server...")
	case err := <-e.Errors():
		zlog.Error().Err(err).Msg("Executor stopped on a fatal error, shutting down")
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := e.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		zlog.Error().Err(err).Msg("Failed to stop executor")
	}

	zlog.Info().Msg("Server exiting")
	if exitCode != 0 {
		database.Close(db)
		os.Exit(exitCode)
	}
}
