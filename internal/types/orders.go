package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
)

// Side is the direction of an order as sent by the strategy service
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts buy/sell in any case
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
}

// Order is an execution intent received from the remote strategy service.
// OrderID is assigned remotely and is the idempotency key for the whole pipeline.
type Order struct {
	OrderID    string              `json:"order_id"`
	Symbol     string              `json:"symbol"`
	Side       Side                `json:"action"`
	Shares     int64               `json:"volume"`
	LimitPrice decimal.NullDecimal `json:"price"`
	ReceivedAt time.Time           `json:"received_at"`
}

// Validate checks the fields the engine relies on before an order may enter the ledger
func (o *Order) Validate() error {
	if strings.TrimSpace(o.OrderID) == "" {
		return fmt.Errorf("%w: missing order_id", ErrInvalidOrder)
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("%w: order %s has no symbol", ErrInvalidOrder, o.OrderID)
	}
	side, err := ParseSide(string(o.Side))
	if err != nil {
		return fmt.Errorf("order %s: %w", o.OrderID, err)
	}
	o.Side = side
	if o.Shares <= 0 {
		return fmt.Errorf("%w: order %s has non-positive shares %d", ErrInvalidOrder, o.OrderID, o.Shares)
	}
	if o.LimitPrice.Valid && !o.LimitPrice.Decimal.IsPositive() {
		return fmt.Errorf("%w: order %s has non-positive price %s", ErrInvalidOrder, o.OrderID, o.LimitPrice.Decimal)
	}
	return nil
}

// Fill is a broker confirmation that shares changed hands
type Fill struct {
	Price      decimal.Decimal `json:"fill_price"`
	Shares     int64           `json:"fill_shares"`
	Commission decimal.Decimal `json:"commission"`
}

// Quote is a point-in-time market snapshot. Every field is optional; brokers
// return whatever they have.
type Quote struct {
	Open   decimal.NullDecimal `json:"open"`
	High   decimal.NullDecimal `json:"high"`
	Low    decimal.NullDecimal `json:"low"`
	Close  decimal.NullDecimal `json:"close"`
	Volume *int64              `json:"volume"`
	Bid    decimal.NullDecimal `json:"bid"`
	Ask    decimal.NullDecimal `json:"ask"`
}
