package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrder_Validate(t *testing.T) {
	price := decimal.NewNullDecimal(decimal.NewFromInt(100))

	tests := []struct {
		name    string
		order   Order
		wantErr bool
	}{
		{"valid buy", Order{OrderID: "A1", Symbol: "SYM", Side: "BUY", Shares: 10, LimitPrice: price}, false},
		{"valid sell without price", Order{OrderID: "A2", Symbol: "SYM", Side: "sell", Shares: 1}, false},
		{"missing id", Order{Symbol: "SYM", Side: SideBuy, Shares: 10}, true},
		{"missing symbol", Order{OrderID: "A3", Side: SideBuy, Shares: 10}, true},
		{"bad side", Order{OrderID: "A4", Symbol: "SYM", Side: "hold", Shares: 10}, true},
		{"zero shares", Order{OrderID: "A5", Symbol: "SYM", Side: SideBuy}, true},
		{"negative price", Order{OrderID: "A6", Symbol: "SYM", Side: SideBuy, Shares: 1,
			LimitPrice: decimal.NewNullDecimal(decimal.NewFromInt(-1))}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.order.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("Expected ErrInvalidOrder, got %v", err)
			}
			if err == nil && tt.order.Side != SideBuy && tt.order.Side != SideSell {
				t.Errorf("Expected side to be normalised, got %q", tt.order.Side)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateSubmitting, true},
		{StateSubmitting, StateFilled, true},
		{StateSubmitting, StateSubmitFailed, true},
		{StateSubmitFailed, StateSubmitting, true},
		{StateFilled, StateReporting, true},
		{StateReporting, StateReported, true},
		{StateReportFailed, StateReporting, true},
		{StateFailed, StateFailed, true},
		{StateReceived, StateFilled, false},
		{StateFilled, StateSubmitting, false},
		{StateReported, StateReporting, false},
		{StateReported, StateReported, false},
		{StateFailed, StateSubmitting, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("Expected %s to be valid", s)
		}
		terminal := s == StateReported || s == StateFailed
		if s.IsTerminal() != terminal {
			t.Errorf("IsTerminal(%s) = %v", s, s.IsTerminal())
		}
	}
	if len(PendingStates)+2 != len(AllStates) {
		t.Errorf("Expected every non-terminal state to be pending")
	}
	if State("BOGUS").Valid() {
		t.Error("Expected unknown state to be invalid")
	}
}

func TestTransaction_RoundTrip(t *testing.T) {
	order := Order{OrderID: "A1", Symbol: "SYM", Side: SideBuy, Shares: 10,
		LimitPrice: decimal.NewNullDecimal(decimal.NewFromInt(100))}
	tx := NewTransaction(order)

	if tx.State != StateReceived {
		t.Errorf("Expected RECEIVED, got %s", tx.State)
	}
	if got := tx.Order(); got.OrderID != "A1" || got.Shares != 10 || !got.LimitPrice.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Unexpected order from transaction: %+v", got)
	}
	if _, ok := tx.Fill(); ok {
		t.Error("Expected no fill on a fresh transaction")
	}
	if tx.ErrorMessage() != "" {
		t.Error("Expected empty error message")
	}
}
