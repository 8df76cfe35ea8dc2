package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-executor/internal/types"
	"github.com/shopspring/decimal"
)

type nopAdapter struct{ name string }

func (n *nopAdapter) Name() string { return n.name }
func (n *nopAdapter) ConfigFields() []ConfigField { return nil }
func (n *nopAdapter) Connect(ctx context.Context) error { return nil }
func (n *nopAdapter) Disconnect() error { return nil }
func (n *nopAdapter) ExecuteBuy(ctx context.Context, req OrderRequest) (FillResult, error) {
	return FillResult{Success: true, FillShares: req.Shares}, nil
}
func (n *nopAdapter) ExecuteSell(ctx context.Context, req OrderRequest) (FillResult, error) {
	return Rejected("sell", false), nil
}
func (n *nopAdapter) GetQuote(ctx context.Context, symbol string, eod decimal.NullDecimal) (*types.Quote, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", func(opts Options) (Adapter, error) { return &nopAdapter{name: "zeta"}, nil }, nil)
	r.Register("alpha", func(opts Options) (Adapter, error) { return &nopAdapter{name: "alpha"}, nil }, []ConfigField{
		{Name: "host", Label: "Host", Type: "text", Required: true},
	})

	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Expected sorted names, got %v", names)
	}

	if _, err := r.New("missing", Options{}); !errors.Is(err, ErrUnknownAdapter) {
		t.Errorf("Expected ErrUnknownAdapter, got %v", err)
	}
	if _, err := r.New("alpha", Options{}); err == nil {
		t.Error("Expected missing required setting to fail")
	}
	a, err := r.New("alpha", Options{Settings: Settings{"host": "localhost"}})
	if err != nil || a.Name() != "alpha" {
		t.Errorf("Expected alpha adapter, got %v %v", a, err)
	}

	fields, ok := r.Fields("alpha")
	if !ok || len(fields) != 1 || fields[0].Name != "host" {
		t.Errorf("Unexpected fields: %v", fields)
	}
	if _, ok := r.Fields("missing"); ok {
		t.Error("Expected no fields for unknown adapter")
	}
}

func TestExecuteDispatchesOnSide(t *testing.T) {
	a := &nopAdapter{}
	ctx := context.Background()
	req := OrderRequest{OrderID: "1", Symbol: "SYM", Shares: 3}

	if res, _ := Execute(ctx, a, types.SideBuy, req); !res.Success || res.FillShares != 3 {
		t.Errorf("Expected buy path, got %+v", res)
	}
	if res, _ := Execute(ctx, a, types.SideSell, req); res.Success || res.Error != "sell" {
		t.Errorf("Expected sell path, got %+v", res)
	}

	if _, err := Execute(ctx, a, types.Side("HOLD"), req); !errors.Is(err, ErrPermanent) {
		t.Errorf("Expected ErrPermanent for unknown side, got %v", err)
	}
	if _, err := Execute(ctx, a, types.SideBuy, OrderRequest{OrderID: "2", Symbol: "SYM"}); !errors.Is(err, ErrPermanent) {
		t.Errorf("Expected ErrPermanent for zero shares, got %v", err)
	}
	if !errors.Is(ErrNotConnected, ErrTransient) {
		t.Error("Expected ErrNotConnected to be transient")
	}
}

func TestSettings(t *testing.T) {
	s := Settings{
		"int":    5,
		"float":  2.5,
		"str":    "7",
		"bool":   true,
		"strb":   "false",
		"dec":    "0.001",
		"empty":  "",
		"millis": 250,
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"int", s.Int("int", 0), int64(5)},
		{"float from int", s.Float("int", 0), 5.0},
		{"float", s.Float("float", 0), 2.5},
		{"int from string", s.Int("str", 0), int64(7)},
		{"int default", s.Int("nope", 9), int64(9)},
		{"bool", s.Bool("bool", false), true},
		{"bool from string", s.Bool("strb", true), false},
		{"string", s.String("str", ""), "7"},
		{"string default", s.String("nope", "d"), "d"},
		{"has empty", s.Has("empty"), false},
		{"duration", s.Duration("millis", 0), 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if !s.Decimal("dec", decimal.Zero).Equal(decimal.RequireFromString("0.001")) {
		t.Error("Expected decimal from string")
	}
	if !s.Decimal("float", decimal.Zero).Equal(decimal.RequireFromString("2.5")) {
		t.Error("Expected decimal from float")
	}
	if !s.Decimal("nope", decimal.NewFromInt(3)).Equal(decimal.NewFromInt(3)) {
		t.Error("Expected decimal default")
	}
}
