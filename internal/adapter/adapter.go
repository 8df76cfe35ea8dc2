package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-executor/internal/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks a call the broker did not act on, so sending the
	// order again cannot execute it twice
	ErrTransient = errors.New("transient adapter failure")
	// ErrPermanent marks a request the broker refused outright and will
	// refuse again
	ErrPermanent      = errors.New("permanent adapter failure")
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrNotConnected   = fmt.Errorf("%w: adapter not connected", ErrTransient)
)

// OrderRequest is what the engine hands to ExecuteBuy/ExecuteSell.
// Price is the price the strategy used to size the order and may be absent.
type OrderRequest struct {
	OrderID string
	Symbol  string
	Shares  int64
	Price   decimal.NullDecimal
}

// FillResult is the broker's answer to an order. Expected rejections
// (insufficient funds, unknown symbol) come back as Success=false with Error
// set, never as a Go error. Permanent tells the engine not to retry.
type FillResult struct {
	Success    bool            `json:"success"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	FillShares int64           `json:"fill_shares"`
	Commission decimal.Decimal `json:"commission"`
	Error      string          `json:"error,omitempty"`
	Permanent  bool            `json:"permanent,omitempty"`
}

// Fill converts a successful result into the ledger's fill record
func (r FillResult) Fill() types.Fill {
	return types.Fill{
		Price:      r.FillPrice,
		Shares:     r.FillShares,
		Commission: r.Commission,
	}
}

// Rejected builds a failed result
func Rejected(msg string, permanent bool) FillResult {
	return FillResult{Success: false, Error: msg, Permanent: permanent}
}

// ConfigField describes one adapter setting for the operator surface
type ConfigField struct {
	Name     string      `json:"name"`
	Label    string      `json:"label"`
	Type     string      `json:"type"` // text, password, number, checkbox, select
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
	Options  []Option    `json:"options,omitempty"`
	Help     string      `json:"help,omitempty"`
}

// Option is one choice of a select field
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Adapter is the capability contract every broker backend implements.
// A Go error from ExecuteBuy/ExecuteSell means the outcome is unknown: the
// order may or may not have reached the broker. Errors wrapping ErrTransient
// or ErrPermanent are the exception; both say the broker did not execute.
type Adapter interface {
	Name() string
	ConfigFields() []ConfigField
	Connect(ctx context.Context) error
	Disconnect() error
	ExecuteBuy(ctx context.Context, req OrderRequest) (FillResult, error)
	ExecuteSell(ctx context.Context, req OrderRequest) (FillResult, error)
	// GetQuote returns nil, nil when no quote is available
	GetQuote(ctx context.Context, symbol string, eod decimal.NullDecimal) (*types.Quote, error)
}

// Reconciler is implemented by adapters that can look up whether an order id
// was filled. It resolves submissions whose outcome is unknown. A nil result
// with a nil error means the broker has no record of the order.
type Reconciler interface {
	LookupFill(ctx context.Context, orderID string) (*FillResult, error)
}

// Account summarises the account orders execute against
type Account struct {
	Cash      decimal.Decimal  `json:"cash"`
	Positions map[string]int64 `json:"positions"`
}

// AccountReporter is implemented by adapters that keep an account
type AccountReporter interface {
	Account(ctx context.Context) (*Account, error)
}

// Execute checks the request and dispatches on side
func Execute(ctx context.Context, a Adapter, side types.Side, req OrderRequest) (FillResult, error) {
	if req.OrderID == "" || req.Symbol == "" || req.Shares <= 0 {
		return FillResult{}, fmt.Errorf("%w: malformed request for order %q", ErrPermanent, req.OrderID)
	}
	switch side {
	case types.SideBuy:
		return a.ExecuteBuy(ctx, req)
	case types.SideSell:
		return a.ExecuteSell(ctx, req)
	}
	return FillResult{}, fmt.Errorf("%w: unknown side %q for order %s", ErrPermanent, side, req.OrderID)
}
