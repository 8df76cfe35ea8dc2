package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// State is the position of a transaction in the execution/reporting lifecycle
type State string

const (
	StateReceived     State = "RECEIVED"
	StateSubmitting   State = "SUBMITTING"
	StateSubmitFailed State = "SUBMIT_FAILED"
	StateFilled       State = "FILLED"
	StateReporting    State = "REPORTING"
	StateReportFailed State = "REPORT_FAILED"
	StateReported     State = "REPORTED"
	StateFailed       State = "FAILED"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StateReceived,
	StateSubmitting,
	StateSubmitFailed,
	StateFilled,
	StateReporting,
	StateReportFailed,
	StateReported,
	StateFailed,
}

// PendingStates are the non-terminal states the engine still has work for
var PendingStates = []State{
	StateReceived,
	StateSubmitting,
	StateSubmitFailed,
	StateFilled,
	StateReporting,
	StateReportFailed,
}

// Self-transitions on the failed states carry field-only updates (ambiguity
// resolution, operator release). FAILED -> FAILED is the operator acknowledgement.
var transitions = map[State][]State{
	StateReceived:     {StateSubmitting},
	StateSubmitting:   {StateFilled, StateSubmitFailed, StateFailed},
	StateSubmitFailed: {StateSubmitting, StateSubmitFailed, StateFilled, StateFailed},
	StateFilled:       {StateReporting},
	StateReporting:    {StateReported, StateReportFailed, StateFailed},
	StateReportFailed: {StateReporting, StateReportFailed, StateFailed},
	StateFailed:       {StateFailed},
}

// IsTerminal reports whether the engine will never act on the state again
func (s State) IsTerminal() bool {
	return s == StateReported || s == StateFailed
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StateReported
}

// CanTransition reports whether to is a legal successor of from
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transaction is the ledger row for one order_id
type Transaction struct {
	gorm.Model    `json:"-"`
	OrderID       string              `gorm:"uniqueIndex;not null" json:"order_id"`
	Symbol        string              `gorm:"not null" json:"symbol"`
	Side          Side                `gorm:"not null" json:"side"`
	Shares        int64               `json:"shares"`
	LimitPrice    decimal.NullDecimal `gorm:"type:text" json:"limit_price"`
	ReceivedAt    time.Time           `gorm:"index" json:"received_at"`
	State         State               `gorm:"index;not null" json:"state"`
	AttemptCount  int                 `json:"attempt_count"`
	LastAttemptAt *time.Time          `json:"last_attempt_at"`
	LastError     *string             `json:"last_error"`
	Ambiguous     bool                `json:"ambiguous"`
	FailedFrom    State               `json:"failed_from,omitempty"`
	Acknowledged  bool                `json:"acknowledged"`
	FillPrice     decimal.NullDecimal `gorm:"type:text" json:"fill_price"`
	FillShares    int64               `json:"fill_shares"`
	Commission    decimal.NullDecimal `gorm:"type:text" json:"commission"`
	FilledAt      *time.Time          `json:"filled_at"`
	ReportedAt    *time.Time          `json:"reported_at"`
}

// NewTransaction builds the RECEIVED row for an order
func NewTransaction(order Order) *Transaction {
	return &Transaction{
		OrderID:    order.OrderID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Shares:     order.Shares,
		LimitPrice: order.LimitPrice,
		ReceivedAt: order.ReceivedAt,
		State:      StateReceived,
	}
}

// Order returns the execution intent stored in the row
func (t *Transaction) Order() Order {
	return Order{
		OrderID:    t.OrderID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		Shares:     t.Shares,
		LimitPrice: t.LimitPrice,
		ReceivedAt: t.ReceivedAt,
	}
}

// Fill returns the recorded fill, if the row got that far
func (t *Transaction) Fill() (Fill, bool) {
	if !t.FillPrice.Valid {
		return Fill{}, false
	}
	return Fill{
		Price:      t.FillPrice.Decimal,
		Shares:     t.FillShares,
		Commission: t.Commission.Decimal,
	}, true
}

// ErrorMessage returns LastError or an empty string
func (t *Transaction) ErrorMessage() string {
	if t.LastError == nil {
		return ""
	}
	return *t.LastError
}
