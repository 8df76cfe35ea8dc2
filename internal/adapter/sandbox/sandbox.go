package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const Name = "sandbox"

var (
	walkStep  = 0.005
	minSpread = decimal.RequireFromString("0.01")
	spreadPct = decimal.RequireFromString("0.0001")
)

// Sandbox simulates a broker. With default settings every order fills
// immediately at the requested price with zero commission, and quotes are a
// random walk from the EOD close. The knobs add latency, fees, slippage,
// partial fills and rejections for exercising the engine.
type Sandbox struct {
	MinLatency      time.Duration
	MaxLatency      time.Duration
	SuccessRate     float64 // 0-1, probability the broker accepts the order
	ErrorRate       float64 // 0-1, probability the call fails with an unknown outcome
	LiquidityFactor float64 // 0-1, share of the order filled when liquidity is short
	FeeRate         decimal.Decimal
	Slippage        float64 // max fractional price deviation either way

	mu         sync.Mutex
	rng        *rand.Rand
	lastPrices map[string]decimal.Decimal
	fills      map[string]adapter.FillResult
	connected  bool
	logger     zerolog.Logger
}

// Fields are the sandbox settings shown to operators
func Fields() []adapter.ConfigField {
	return []adapter.ConfigField{
		{Name: "min_latency_ms", Label: "Min latency (ms)", Type: "number", Default: 0},
		{Name: "max_latency_ms", Label: "Max latency (ms)", Type: "number", Default: 0},
		{Name: "success_rate", Label: "Success rate", Type: "number", Default: 1.0,
			Help: "Probability an order is accepted"},
		{Name: "error_rate", Label: "Connection error rate", Type: "number", Default: 0.0,
			Help: "Probability a call fails without a result"},
		{Name: "liquidity_factor", Label: "Liquidity factor", Type: "number", Default: 1.0},
		{Name: "fee_rate", Label: "Fee rate", Type: "number", Default: 0.0,
			Help: "Commission as a fraction of notional"},
		{Name: "slippage", Label: "Slippage", Type: "number", Default: 0.0},
		{Name: "seed", Label: "Random seed", Type: "number"},
	}
}

// New is the registry factory
func New(opts adapter.Options) (adapter.Adapter, error) {
	s := opts.Settings
	seed := time.Now().UnixNano()
	if s.Has("seed") {
		seed = s.Int("seed", seed)
	}

	sb := &Sandbox{
		MinLatency:      s.Duration("min_latency_ms", 0),
		MaxLatency:      s.Duration("max_latency_ms", 0),
		SuccessRate:     s.Float("success_rate", 1),
		ErrorRate:       s.Float("error_rate", 0),
		LiquidityFactor: s.Float("liquidity_factor", 1),
		FeeRate:         s.Decimal("fee_rate", decimal.Zero),
		Slippage:        s.Float("slippage", 0),
		rng:             rand.New(rand.NewSource(seed)),
		lastPrices:      make(map[string]decimal.Decimal),
		fills:           make(map[string]adapter.FillResult),
		logger:          log.With().Str("component", "sandbox_adapter").Logger(),
	}

	if sb.MaxLatency < sb.MinLatency {
		return nil, fmt.Errorf("sandbox: max_latency_ms below min_latency_ms")
	}
	for name, v := range map[string]float64{
		"success_rate":     sb.SuccessRate,
		"error_rate":       sb.ErrorRate,
		"liquidity_factor": sb.LiquidityFactor,
	} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("sandbox: %s must be between 0 and 1", name)
		}
	}
	return sb, nil
}

func (s *Sandbox) Name() string { return Name }

func (s *Sandbox) ConfigFields() []adapter.ConfigField { return Fields() }

func (s *Sandbox) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect forgets the simulated prices. The fill journal is kept so that
// lookups after a reconnect still find earlier fills.
func (s *Sandbox) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.lastPrices = make(map[string]decimal.Decimal)
	return nil
}

func (s *Sandbox) ExecuteBuy(ctx context.Context, req adapter.OrderRequest) (adapter.FillResult, error) {
	return s.execute(ctx, types.SideBuy, req)
}

func (s *Sandbox) ExecuteSell(ctx context.Context, req adapter.OrderRequest) (adapter.FillResult, error) {
	return s.execute(ctx, types.SideSell, req)
}

func (s *Sandbox) execute(ctx context.Context, side types.Side, req adapter.OrderRequest) (adapter.FillResult, error) {
	logger := s.logger.With().
		Str("order_id", req.OrderID).
		Str("symbol", req.Symbol).
		Int64("shares", req.Shares).
		Str("side", string(side)).
		Logger()

	if !s.isConnected() {
		return adapter.FillResult{}, adapter.ErrNotConnected
	}

	if prior, ok := s.lookup(req.OrderID); ok {
		logger.Info().Msg("order already filled, returning journaled fill")
		return prior, nil
	}

	if err := s.sleep(ctx); err != nil {
		return adapter.FillResult{}, err
	}

	if s.chance() < s.ErrorRate {
		logger.Warn().Msg("simulated connection error")
		return adapter.FillResult{}, fmt.Errorf("%w: sandbox connection reset", adapter.ErrTransient)
	}

	if s.chance() > s.SuccessRate {
		logger.Warn().Float64("success_rate", s.SuccessRate).Msg("order rejected by simulated broker")
		return adapter.Rejected("order rejected by sandbox broker", false), nil
	}

	price, ok := s.referencePrice(req)
	if !ok {
		return adapter.Rejected(fmt.Sprintf("no price available for %s", req.Symbol), false), nil
	}
	if s.Slippage > 0 {
		variance := 1 + (s.chance()*2-1)*s.Slippage
		price = price.Mul(decimal.NewFromFloat(variance)).Round(2)
	}

	shares := req.Shares
	if s.chance() > s.LiquidityFactor {
		shares = decimal.NewFromInt(req.Shares).Mul(decimal.NewFromFloat(s.LiquidityFactor)).IntPart()
		logger.Debug().Int64("executed_shares", shares).Msg("quantity adjusted due to liquidity")
		if shares == 0 {
			return adapter.Rejected("insufficient liquidity", false), nil
		}
	}

	commission := price.Mul(decimal.NewFromInt(shares)).Mul(s.FeeRate).Round(2)
	result := adapter.FillResult{
		Success:    true,
		FillPrice:  price,
		FillShares: shares,
		Commission: commission,
	}

	s.mu.Lock()
	s.fills[req.OrderID] = result
	s.mu.Unlock()

	logger.Info().
		Str("fill_id", uuid.New().String()).
		Str("fill_price", price.String()).
		Int64("fill_shares", shares).
		Str("commission", commission.String()).
		Msg("order filled")

	return result, nil
}

// LookupFill reports a fill recorded for orderID, if any
func (s *Sandbox) LookupFill(ctx context.Context, orderID string) (*adapter.FillResult, error) {
	if res, ok := s.lookup(orderID); ok {
		return &res, nil
	}
	return nil, nil
}

// GetQuote walks the last simulated price by up to half a percent. The walk
// starts from the EOD close, and there is no quote until one is known.
func (s *Sandbox) GetQuote(ctx context.Context, symbol string, eod decimal.NullDecimal) (*types.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.lastPrices[symbol]
	if !ok {
		if !eod.Valid || !eod.Decimal.IsPositive() {
			return nil, nil
		}
		base = eod.Decimal
	}

	step := s.rng.Float64()*2*walkStep - walkStep
	price := base.Mul(decimal.NewFromFloat(1 + step)).Round(2)
	spread := price.Mul(spreadPct).Round(2)
	if spread.IsZero() {
		spread = minSpread
	}
	s.lastPrices[symbol] = price

	return &types.Quote{
		Close: decimal.NewNullDecimal(price),
		Bid:   decimal.NewNullDecimal(price.Sub(spread)),
		Ask:   decimal.NewNullDecimal(price.Add(spread)),
	}, nil
}

func (s *Sandbox) referencePrice(req adapter.OrderRequest) (decimal.Decimal, bool) {
	if req.Price.Valid {
		return req.Price.Decimal, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.lastPrices[req.Symbol]
	return p, ok
}

func (s *Sandbox) lookup(orderID string) (adapter.FillResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.fills[orderID]
	return res, ok
}

func (s *Sandbox) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Sandbox) chance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Sandbox) sleep(ctx context.Context) error {
	if s.MaxLatency <= 0 {
		return nil
	}
	s.mu.Lock()
	latency := s.MinLatency
	if spread := s.MaxLatency - s.MinLatency; spread > 0 {
		latency += time.Duration(s.rng.Int63n(int64(spread) + 1))
	}
	s.mu.Unlock()

	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", adapter.ErrTransient, ctx.Err())
	}
}
