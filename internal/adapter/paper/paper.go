package paper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/database"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	Name = "paper"
	File = "paper.db"
)

var defaultCash = decimal.NewFromInt(100000)

// Paper keeps a simulated brokerage account in sqlite: cash, positions and a
// journal of fills. Unlike the sandbox it refuses orders the account cannot
// cover, and its state survives restarts.
type Paper struct {
	path          string
	initialCash   decimal.Decimal
	perShare      decimal.Decimal
	minCommission decimal.Decimal

	mu         sync.RWMutex
	db         *gorm.DB
	lastPrices map[string]decimal.Decimal
	logger     zerolog.Logger
}

func Fields() []adapter.ConfigField {
	return []adapter.ConfigField{
		{Name: "initial_cash", Label: "Initial cash", Type: "number", Default: 100000,
			Help: "Only used when the account is first created"},
		{Name: "commission_per_share", Label: "Commission per share", Type: "number", Default: 0.0},
		{Name: "min_commission", Label: "Minimum commission", Type: "number", Default: 0.0},
	}
}

// New is the registry factory. The account lives in paper.db under the data directory.
func New(opts adapter.Options) (adapter.Adapter, error) {
	s := opts.Settings
	p := &Paper{
		path:          filepath.Join(opts.DataDir, File),
		initialCash:   s.Decimal("initial_cash", defaultCash),
		perShare:      s.Decimal("commission_per_share", decimal.Zero),
		minCommission: s.Decimal("min_commission", decimal.Zero),
		lastPrices:    make(map[string]decimal.Decimal),
		logger:        log.With().Str("component", "paper_adapter").Logger(),
	}
	if !p.initialCash.IsPositive() {
		return nil, fmt.Errorf("paper: initial_cash must be positive")
	}
	if p.perShare.IsNegative() || p.minCommission.IsNegative() {
		return nil, fmt.Errorf("paper: commission settings must not be negative")
	}
	return p, nil
}

func (p *Paper) Name() string { return Name }

func (p *Paper) ConfigFields() []adapter.ConfigField { return Fields() }

// Connect opens the account database, creating and funding it on first use
func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	db, err := database.Open(p.path)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&Account{}, &Position{}, &Fill{}); err != nil {
		database.Close(db)
		return fmt.Errorf("paper: migrate: %w", err)
	}

	var count int64
	if err := db.WithContext(ctx).Model(&Account{}).Count(&count).Error; err != nil {
		database.Close(db)
		return err
	}
	if count == 0 {
		if err := db.WithContext(ctx).Create(&Account{Cash: p.initialCash}).Error; err != nil {
			database.Close(db)
			return fmt.Errorf("paper: create account: %w", err)
		}
		p.logger.Info().Str("cash", p.initialCash.String()).Msg("paper account created")
	}

	p.db = db
	return nil
}

func (p *Paper) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := database.Close(p.db)
	p.db = nil
	p.lastPrices = make(map[string]decimal.Decimal)
	return err
}

func (p *Paper) ExecuteBuy(ctx context.Context, req adapter.OrderRequest) (adapter.FillResult, error) {
	return p.execute(ctx, types.SideBuy, req)
}

func (p *Paper) ExecuteSell(ctx context.Context, req adapter.OrderRequest) (adapter.FillResult, error) {
	return p.execute(ctx, types.SideSell, req)
}

func (p *Paper) execute(ctx context.Context, side types.Side, req adapter.OrderRequest) (adapter.FillResult, error) {
	db, err := p.conn()
	if err != nil {
		return adapter.FillResult{}, err
	}

	logger := p.logger.With().
		Str("order_id", req.OrderID).
		Str("symbol", req.Symbol).
		Int64("shares", req.Shares).
		Str("side", string(side)).
		Logger()

	price, ok := p.referencePrice(req)
	if !ok {
		return adapter.Rejected(fmt.Sprintf("no price available for %s", req.Symbol), false), nil
	}
	commission := p.commission(req.Shares)
	notional := price.Mul(decimal.NewFromInt(req.Shares))

	var result adapter.FillResult
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior Fill
		err := tx.Where("order_id = ?", req.OrderID).First(&prior).Error
		if err == nil {
			logger.Info().Msg("order already filled, returning journaled fill")
			result = fillResult(prior)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var account Account
		if err := tx.First(&account).Error; err != nil {
			return err
		}
		var pos Position
		if err := tx.Where(Position{Symbol: req.Symbol}).FirstOrInit(&pos).Error; err != nil {
			return err
		}

		switch side {
		case types.SideBuy:
			cost := notional.Add(commission)
			if account.Cash.LessThan(cost) {
				logger.Warn().Str("cash", account.Cash.String()).Str("cost", cost.String()).Msg("insufficient funds")
				result = adapter.Rejected(fmt.Sprintf("insufficient funds: need %s, have %s", cost.StringFixed(2), account.Cash.StringFixed(2)), true)
				return nil
			}
			held := decimal.NewFromInt(pos.Shares)
			total := pos.Shares + req.Shares
			pos.AvgCost = pos.AvgCost.Mul(held).Add(notional).Div(decimal.NewFromInt(total)).Round(4)
			pos.Shares = total
			account.Cash = account.Cash.Sub(cost)
		case types.SideSell:
			if pos.Shares < req.Shares {
				logger.Warn().Int64("held", pos.Shares).Msg("insufficient shares")
				result = adapter.Rejected(fmt.Sprintf("insufficient shares: need %d, have %d", req.Shares, pos.Shares), true)
				return nil
			}
			pos.Shares -= req.Shares
			if pos.Shares == 0 {
				pos.AvgCost = decimal.Zero
			}
			account.Cash = account.Cash.Add(notional).Sub(commission)
		}

		if err := tx.Save(&account).Error; err != nil {
			return err
		}
		if err := tx.Save(&pos).Error; err != nil {
			return err
		}
		fill := Fill{
			OrderID:    req.OrderID,
			Symbol:     req.Symbol,
			Side:       string(side),
			Price:      price,
			Shares:     req.Shares,
			Commission: commission,
		}
		if err := tx.Create(&fill).Error; err != nil {
			return err
		}
		result = fillResult(fill)
		return nil
	})
	if err != nil {
		return adapter.FillResult{}, fmt.Errorf("%w: paper account: %v", adapter.ErrTransient, err)
	}

	if result.Success {
		logger.Info().
			Str("fill_price", result.FillPrice.String()).
			Str("commission", result.Commission.String()).
			Msg("paper order filled")
	}
	return result, nil
}

// LookupFill returns the journaled fill for orderID, or nil if it never executed
func (p *Paper) LookupFill(ctx context.Context, orderID string) (*adapter.FillResult, error) {
	db, err := p.conn()
	if err != nil {
		return nil, err
	}
	var fill Fill
	err = db.WithContext(ctx).Where("order_id = ?", orderID).First(&fill).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: paper lookup: %v", adapter.ErrTransient, err)
	}
	res := fillResult(fill)
	return &res, nil
}

// GetQuote echoes the EOD close with a one cent spread
func (p *Paper) GetQuote(ctx context.Context, symbol string, eod decimal.NullDecimal) (*types.Quote, error) {
	if !eod.Valid || !eod.Decimal.IsPositive() {
		return nil, nil
	}
	price := eod.Decimal.Round(2)

	p.mu.Lock()
	p.lastPrices[symbol] = price
	p.mu.Unlock()

	return &types.Quote{
		Close: decimal.NewNullDecimal(price),
		Bid:   decimal.NewNullDecimal(price.Sub(decimal.New(1, -2))),
		Ask:   decimal.NewNullDecimal(price.Add(decimal.New(1, -2))),
	}, nil
}

// Account returns cash and every open position
func (p *Paper) Account(ctx context.Context) (*adapter.Account, error) {
	db, err := p.conn()
	if err != nil {
		return nil, err
	}
	var account Account
	if err := db.WithContext(ctx).First(&account).Error; err != nil {
		return nil, err
	}
	var positions []Position
	if err := db.WithContext(ctx).Where("shares <> 0").Find(&positions).Error; err != nil {
		return nil, err
	}

	out := &adapter.Account{Cash: account.Cash, Positions: make(map[string]int64, len(positions))}
	for _, pos := range positions {
		out.Positions[pos.Symbol] = pos.Shares
	}
	return out, nil
}

func (p *Paper) conn() (*gorm.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, adapter.ErrNotConnected
	}
	return p.db, nil
}

func (p *Paper) referencePrice(req adapter.OrderRequest) (decimal.Decimal, bool) {
	if req.Price.Valid && req.Price.Decimal.IsPositive() {
		return req.Price.Decimal, true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.lastPrices[req.Symbol]
	return price, ok
}

func (p *Paper) commission(shares int64) decimal.Decimal {
	c := p.perShare.Mul(decimal.NewFromInt(shares))
	if c.LessThan(p.minCommission) {
		c = p.minCommission
	}
	return c.Round(2)
}

func fillResult(f Fill) adapter.FillResult {
	return adapter.FillResult{
		Success:    true,
		FillPrice:  f.Price,
		FillShares: f.Shares,
		Commission: f.Commission,
	}
}
