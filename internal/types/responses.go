package types

import "time"

// TickResult summarises one pass of the reconciliation loop
type TickResult struct {
	TickID         string        `json:"tick_id"`
	Tick           int64         `json:"tick"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	Recovered      int           `json:"recovered"`
	OrdersReceived int           `json:"orders_received"`
	OrdersIngested int           `json:"orders_ingested"`
	OrdersFilled   int           `json:"orders_filled"`
	FillsReported  int           `json:"fills_reported"`
	Failed         int           `json:"failed"`
	QuotesSent     int           `json:"quotes_sent"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"-"`
	DurationMS     int64         `json:"duration_ms"`
}
