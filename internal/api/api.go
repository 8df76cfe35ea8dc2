package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/config"
	"github.com/ksred/klear-executor/internal/engine"
	"github.com/ksred/klear-executor/internal/ledger"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/ksred/klear-executor/pkg/middleware"
	"github.com/ksred/klear-executor/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultListLimit = 100

// Handlers serves the operator surface of the executor. Every ledger write
// goes through the engine; handlers only read the ledger directly.
type Handlers struct {
	// ctx bounds the engine loop started from the API, not any one request
	ctx      context.Context
	engine   *engine.Engine
	ledger   *ledger.Ledger
	registry *adapter.Registry
	logger   zerolog.Logger
}

func NewHandlers(ctx context.Context, e *engine.Engine, l *ledger.Ledger, registry *adapter.Registry) *Handlers {
	return &Handlers{
		ctx:      ctx,
		engine:   e,
		ledger:   l,
		registry: registry,
		logger:   log.With().Str("component", "api").Logger(),
	}
}

// Router builds the gin engine with middleware and every route
func (h *Handlers) Router(limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	if limiter != nil {
		router.Use(limiter.Handler())
	}
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes mounts the API under /api/v1
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.StatusHandler())
		v1.POST("/start", h.StartHandler())
		v1.POST("/stop", h.StopHandler())
		v1.POST("/tick", h.TickHandler())

		v1.GET("/config", h.GetConfigHandler())
		v1.POST("/config", h.UpdateConfigHandler())
		v1.GET("/adapters", h.AdaptersHandler())

		txs := v1.Group("/transactions")
		{
			txs.GET("", h.ListTransactionsHandler())
			txs.GET("/:order_id", h.GetTransactionHandler())
			txs.POST("/:order_id/retry", h.RetryHandler())
			txs.POST("/:order_id/acknowledge", h.AcknowledgeHandler())
		}

		v1.DELETE("/workers/:symbol/logs", h.ClearWorkerLogsHandler())
	}
}

// StatusHandler returns the engine health snapshot
func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := h.engine.Status(c.Request.Context())
		respond(c, st, err)
	}
}

// StartHandler starts the polling loop
func (h *Handlers) StartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.engine.Start(h.ctx); err != nil {
			respond(c, nil, err)
			return
		}
		h.logger.Info().Msg("executor started from api")
		st, err := h.engine.Status(c.Request.Context())
		respond(c, st, err)
	}
}

// StopHandler stops the loop after the current tick
func (h *Handlers) StopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.engine.Stop(); err != nil {
			respond(c, nil, err)
			return
		}
		h.logger.Info().Msg("executor stopped from api")
		st, err := h.engine.Status(c.Request.Context())
		respond(c, st, err)
	}
}

// TickHandler runs one tick now. A client disconnecting does not abandon
// the tick halfway.
func (h *Handlers) TickHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.engine.Tick(context.WithoutCancel(c.Request.Context()))
		respond(c, res, err)
	}
}

type configView struct {
	*config.Config
	Valid bool   `json:"valid"`
	Error string `json:"validation_error,omitempty"`
}

func newConfigView(cfg *config.Config) configView {
	v := configView{Config: cfg.Masked(), Valid: true}
	if err := cfg.Validate(); err != nil {
		v.Valid = false
		v.Error = err.Error()
	}
	return v
}

// GetConfigHandler returns the config with the API key masked
func (h *Handlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, newConfigView(h.engine.Config()))
	}
}

// UpdateConfigHandler merges a partial update, saves it and hands it to the
// engine, which applies it at the next tick boundary. A stopped executor
// accepts an incomplete config so it can be filled in over several calls.
func (h *Handlers) UpdateConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var u config.Update
		if err := c.ShouldBindJSON(&u); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		cfg := h.engine.Config().Apply(u)
		if cfg.Adapter != "" && !h.registry.Has(cfg.Adapter) {
			respond(c, nil, fmt.Errorf("%w: %s", adapter.ErrUnknownAdapter, cfg.Adapter))
			return
		}
		if h.engine.Running() {
			if err := cfg.Validate(); err != nil {
				respond(c, nil, err)
				return
			}
		}

		if err := cfg.Save(); err != nil {
			h.logger.Error().Err(err).Msg("failed to save config")
			response.InternalError(c, "Failed to save configuration")
			return
		}
		h.engine.Reconfigure(cfg)
		SetLogLevel(cfg.LogLevel)

		h.logger.Info().Str("adapter", cfg.Adapter).Bool("valid", cfg.IsValid()).Msg("configuration updated")
		response.Success(c, newConfigView(cfg))
	}
}

type adapterInfo struct {
	Name   string                `json:"name"`
	Fields []adapter.ConfigField `json:"fields"`
}

// AdaptersHandler lists registered adapters with their settings
func (h *Handlers) AdaptersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		names := h.registry.List()
		out := make([]adapterInfo, 0, len(names))
		for _, name := range names {
			fields, _ := h.registry.Fields(name)
			if fields == nil {
				fields = []adapter.ConfigField{}
			}
			out = append(out, adapterInfo{Name: name, Fields: fields})
		}
		response.Success(c, out)
	}
}

// ListTransactionsHandler lists ledger rows, newest first.
// Query: state=FAILED,SUBMIT_FAILED and limit=N.
func (h *Handlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ledger.Filter{Limit: defaultListLimit}

		if raw := c.Query("state"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				s := types.State(strings.ToUpper(strings.TrimSpace(part)))
				if !s.Valid() {
					response.BadRequest(c, fmt.Sprintf("unknown state %q", part))
					return
				}
				filter.States = append(filter.States, s)
			}
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		txs, err := h.ledger.List(c.Request.Context(), filter)
		if txs == nil {
			txs = []types.Transaction{}
		}
		respond(c, txs, err)
	}
}

// GetTransactionHandler returns one ledger row
func (h *Handlers) GetTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tx, err := h.ledger.Get(c.Request.Context(), c.Param("order_id"))
		respond(c, tx, err)
	}
}

// RetryHandler releases a failed submit or report for the next tick
func (h *Handlers) RetryHandler() gin.HandlerFunc {
	return h.operatorAction("retry", h.engine.Retry)
}

// AcknowledgeHandler records operator review of a failure
func (h *Handlers) AcknowledgeHandler() gin.HandlerFunc {
	return h.operatorAction("acknowledge", h.engine.Acknowledge)
}

func (h *Handlers) operatorAction(name string, action func(context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		ctx := context.WithoutCancel(c.Request.Context())
		if err := action(ctx, orderID); err != nil {
			if !errors.Is(err, ledger.ErrNotFound) {
				h.logger.Warn().Err(err).Str("order_id", orderID).Str("action", name).Msg("operator action rejected")
			}
			respond(c, nil, err)
			return
		}
		tx, err := h.ledger.Get(ctx, orderID)
		respond(c, tx, err)
	}
}

// ClearWorkerLogsHandler drops the strategy log lines kept for a symbol
func (h *Handlers) ClearWorkerLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		h.engine.ClearWorkerLogs(symbol)
		response.Success(c, gin.H{"symbol": symbol, "cleared": true})
	}
}

// SetLogLevel applies a configured level to the global logger; unknown
// values leave it unchanged
func SetLogLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn().Str("log_level", level).Msg("ignoring unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
