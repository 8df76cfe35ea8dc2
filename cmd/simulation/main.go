package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultPort     = "9090"
	defaultAPIKey   = "sim-key"
	defaultInterval = 30
	defaultBatch    = 5
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	decimal.MarshalJSONWithoutQuotes = true
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil {
		return v
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(name), 64); err == nil {
		return v
	}
	return def
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// main runs a stand-in strategy service for the executor to poll. Point the
// executor's api_url at it and use the same api key.
func main() {
	gin.SetMode(gin.ReleaseMode)

	port := envString("SIM_PORT", defaultPort)
	apiKey := envString("SIM_API_KEY", defaultAPIKey)
	interval := time.Duration(envInt("SIM_ORDER_INTERVAL", defaultInterval)) * time.Second
	batch := envInt("SIM_BATCH", defaultBatch)
	failRate := envFloat("SIM_FAIL_RATE", 0)

	svc := newStrategyService(apiKey, failRate, time.Now().UnixNano())
	stats := newStatsRecorder()

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(svc, stats),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()
	log.Info().
		Str("addr", "http://localhost:"+port).
		Dur("order_interval", interval).
		Int("batch", batch).
		Float64("fail_rate", failRate).
		Msg("Strategy simulation running")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		svc.generate(batch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				svc.generate(batch)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	log.Info().Msg("Shutting down simulation...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	stats.print()
	fmt.Printf("\nFills recorded: %d, orders still pending: %d\n", svc.fillCount(), svc.pendingCount())
}
