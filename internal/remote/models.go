package remote

import (
	"github.com/ksred/klear-executor/internal/types"
	"github.com/shopspring/decimal"
)

// Batch is one response from the orders endpoint
type Batch struct {
	Orders []types.Order
	// Invalid holds orders that could not be decoded or failed validation
	Invalid []error
	// Prices maps every tracked symbol to its last EOD close, if known
	Prices map[string]decimal.NullDecimal
	// Logs are new strategy log lines per symbol
	Logs map[string][]string
}

// FillReport is what the remote service records for an executed order
type FillReport struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Action     types.Side      `json:"action"`
	Volume     int64           `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Time       int64           `json:"time"`
}

// OHLCV is the bar part of a pushed quote
type OHLCV struct {
	Open   decimal.NullDecimal `json:"o"`
	High   decimal.NullDecimal `json:"h"`
	Low    decimal.NullDecimal `json:"l"`
	Close  decimal.NullDecimal `json:"c"`
	Volume *int64              `json:"v"`
}

// QuotePayload is the wire form of one intraday quote
type QuotePayload struct {
	OHLCV OHLCV               `json:"ohlcv"`
	Bid   decimal.NullDecimal `json:"bid"`
	Ask   decimal.NullDecimal `json:"ask"`
	Time  int64               `json:"time"`
}

// NewQuotePayload maps an adapter quote onto the wire format
func NewQuotePayload(q types.Quote, at int64) QuotePayload {
	return QuotePayload{
		OHLCV: OHLCV{
			Open:   q.Open,
			High:   q.High,
			Low:    q.Low,
			Close:  q.Close,
			Volume: q.Volume,
		},
		Bid:  q.Bid,
		Ask:  q.Ask,
		Time: at,
	}
}
