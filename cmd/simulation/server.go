package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-executor/internal/remote"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}

// simOrder is an order as the strategy service publishes it
type simOrder struct {
	OrderID string              `json:"order_id"`
	Symbol  string              `json:"symbol"`
	Action  types.Side          `json:"action"`
	Volume  int64               `json:"volume"`
	Price   decimal.NullDecimal `json:"price"`
}

// strategyService stands in for the remote strategy service. Orders stay
// pending until a fill is reported for them, so an executor that loses
// track of one sees it again on the next fetch.
type strategyService struct {
	mu       sync.Mutex
	apiKey   string
	failRate float64
	rng      *rand.Rand
	eod      map[string]decimal.Decimal
	pending  []simOrder
	fills    map[string]remote.FillReport
	quotes   map[string]remote.QuotePayload
	logs     map[string][]string
	logger   zerolog.Logger
}

func newStrategyService(apiKey string, failRate float64, seed int64) *strategyService {
	s := &strategyService{
		apiKey:   apiKey,
		failRate: failRate,
		rng:      rand.New(rand.NewSource(seed)),
		eod:      make(map[string]decimal.Decimal),
		fills:    make(map[string]remote.FillReport),
		quotes:   make(map[string]remote.QuotePayload),
		logs:     make(map[string][]string),
		logger:   log.With().Str("component", "strategy_sim").Logger(),
	}
	for _, symbol := range symbols {
		s.eod[symbol] = decimal.NewFromFloat(50 + s.rng.Float64()*450).Round(2)
	}
	return s
}

// generate publishes n random orders; roughly a third are market orders
func (s *strategyService) generate(n int) []simOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]simOrder, 0, n)
	for i := 0; i < n; i++ {
		symbol := symbols[s.rng.Intn(len(symbols))]
		side := types.SideBuy
		if s.rng.Intn(2) == 1 {
			side = types.SideSell
		}
		o := simOrder{
			OrderID: uuid.New().String(),
			Symbol:  symbol,
			Action:  side,
			Volume:  int64(1 + s.rng.Intn(100)),
		}
		if s.rng.Intn(3) > 0 {
			o.Price = decimal.NewNullDecimal(s.eod[symbol])
		}
		s.pending = append(s.pending, o)
		s.logs[symbol] = append(s.logs[symbol], fmt.Sprintf("signal %s %d %s", side, o.Volume, symbol))
		created = append(created, o)
	}
	s.logger.Info().Int("orders", n).Int("pending", len(s.pending)).Msg("published orders")
	return created
}

func (s *strategyService) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *strategyService) fillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

func detail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}

func (s *strategyService) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token != s.apiKey {
			detail(c, http.StatusUnauthorized, "invalid api key")
			return
		}
		c.Next()
	}
}

func (s *strategyService) ordersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()

		prices := make(map[string]decimal.NullDecimal, len(s.eod))
		for symbol, price := range s.eod {
			prices[symbol] = decimal.NewNullDecimal(price)
		}
		orders := append([]simOrder{}, s.pending...)
		logs := s.logs
		s.logs = make(map[string][]string)

		c.JSON(http.StatusOK, gin.H{
			"orders": orders,
			"prices": prices,
			"logs":   logs,
		})
	}
}

func (s *strategyService) fillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(remote.IdempotencyHeader)
		if key == "" {
			detail(c, http.StatusBadRequest, "Idempotency-Key header is required")
			return
		}

		var report remote.FillReport
		if err := c.ShouldBindJSON(&report); err != nil {
			detail(c, http.StatusBadRequest, err.Error())
			return
		}
		if report.OrderID != key {
			detail(c, http.StatusBadRequest, "Idempotency-Key does not match order_id")
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.failRate > 0 && s.rng.Float64() < s.failRate {
			detail(c, http.StatusServiceUnavailable, "simulated outage")
			return
		}
		if _, seen := s.fills[key]; seen {
			c.JSON(http.StatusOK, gin.H{"order_id": key, "duplicate": true})
			return
		}

		s.fills[key] = report
		for i, o := range s.pending {
			if o.OrderID == key {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		s.logs[report.Symbol] = append(s.logs[report.Symbol],
			fmt.Sprintf("filled %s %d %s @ %s", report.Action, report.Volume, report.Symbol, report.Price))
		s.logger.Info().
			Str("order_id", key).
			Str("symbol", report.Symbol).
			Int64("volume", report.Volume).
			Str("price", report.Price.String()).
			Msg("fill recorded")
		c.JSON(http.StatusOK, gin.H{"order_id": key, "duplicate": false})
	}
}

func (s *strategyService) pricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Prices map[string]remote.QuotePayload `json:"prices"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			detail(c, http.StatusBadRequest, err.Error())
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for symbol, q := range body.Prices {
			s.quotes[symbol] = q
		}
		c.JSON(http.StatusOK, gin.H{"received": len(body.Prices)})
	}
}

func newRouter(s *strategyService, stats *statsRecorder) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), stats.middleware())

	executor := router.Group("/api/llmapi/executor")
	executor.Use(s.authenticate())
	{
		executor.GET("/orders", s.ordersHandler())
		executor.POST("/fills", s.fillsHandler())
		executor.POST("/prices", s.pricesHandler())
	}
	return router
}
