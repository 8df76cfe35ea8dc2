package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/klear-executor/internal/types"
	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:          srv.URL,
		APIKey:           "test-key",
		Timeout:          time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
}

func TestClient_FetchPendingOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != OrdersPath || r.Method != http.MethodGet {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer key, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"orders": [
				{"order_id": "A1", "action": "buy", "symbol": "SYM", "volume": 10, "price": 100},
				{"order_id": "B1", "action": "SELL", "symbol": "SYM", "volume": 5, "price": 101.5},
				{"order_id": "", "action": "buy", "symbol": "SYM", "volume": 1, "price": 1},
				{"order_id": "C1", "action": "hold", "symbol": "SYM", "volume": 1, "price": 1},
				{"order_id": "D1", "action": "buy", "symbol": "SYM", "volume": "ten", "price": 1}
			],
			"prices": {"SYM": 99.5, "NEW": null},
			"logs": {"SYM": ["bought 10"]}
		}`))
	})

	batch, err := c.FetchPendingOrders(context.Background())
	if err != nil {
		t.Fatalf("FetchPendingOrders failed: %v", err)
	}
	if len(batch.Orders) != 2 {
		t.Fatalf("Expected 2 valid orders, got %d", len(batch.Orders))
	}
	if len(batch.Invalid) != 3 {
		t.Errorf("Expected 3 invalid orders, got %d: %v", len(batch.Invalid), batch.Invalid)
	}
	for _, err := range batch.Invalid {
		if !errors.Is(err, types.ErrInvalidOrder) {
			t.Errorf("Expected ErrInvalidOrder, got %v", err)
		}
	}

	a1 := batch.Orders[0]
	if a1.OrderID != "A1" || a1.Side != types.SideBuy || a1.Shares != 10 || !a1.LimitPrice.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Unexpected order: %+v", a1)
	}
	if batch.Orders[1].Side != types.SideSell {
		t.Errorf("Expected side to be normalised, got %q", batch.Orders[1].Side)
	}
	if p := batch.Prices["SYM"]; !p.Valid || !p.Decimal.Equal(decimal.RequireFromString("99.5")) {
		t.Errorf("Unexpected EOD price: %+v", p)
	}
	if p, ok := batch.Prices["NEW"]; !ok || p.Valid {
		t.Errorf("Expected tracked symbol without a price, got %+v %v", p, ok)
	}
	if len(batch.Logs["SYM"]) != 1 {
		t.Errorf("Expected strategy logs, got %v", batch.Logs)
	}
}

func TestClient_ReportFill(t *testing.T) {
	var got FillReport
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != FillsPath || r.Method != http.MethodPost {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if key := r.Header.Get(IdempotencyHeader); key != "A1" {
			t.Errorf("Expected idempotency key A1, got %q", key)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.ReportFill(context.Background(), FillReport{
		OrderID:    "A1",
		Symbol:     "SYM",
		Action:     types.SideBuy,
		Volume:     10,
		Price:      decimal.RequireFromString("100.25"),
		Commission: decimal.NewFromInt(1),
		Time:       1700000000,
	})
	if err != nil {
		t.Fatalf("ReportFill failed: %v", err)
	}
	if got.OrderID != "A1" || got.Volume != 10 || !got.Price.Equal(decimal.RequireFromString("100.25")) {
		t.Errorf("Unexpected report body: %+v", got)
	}
}

func TestClient_ErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"detail string", http.StatusBadRequest, `{"detail": "bad key"}`, "400: bad key"},
		{"error string", http.StatusConflict, `{"error": "dup"}`, "409: dup"},
		{"nested detail", http.StatusUnprocessableEntity, `{"detail": {"error": "volume"}}`, "422: volume"},
		{"plain text", http.StatusBadGateway, `upstream down`, "502: upstream down"},
		{"empty", http.StatusInternalServerError, ``, "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			err := c.ReportFill(context.Background(), FillReport{OrderID: "x"})
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("Expected StatusError, got %v", err)
			}
			if se.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", se.Error(), tt.want)
			}
			if !errors.Is(err, ErrRemote) {
				t.Error("Expected StatusError to match ErrRemote")
			}
		})
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx := context.Background()

	c.FetchPendingOrders(ctx)
	c.FetchPendingOrders(ctx)
	_, err := c.FetchPendingOrders(ctx)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 calls before the breaker opened, got %d", n)
	}
	if c.CircuitState() != "OPEN" {
		t.Errorf("Expected OPEN circuit, got %s", c.CircuitState())
	}
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	for i := 0; i < 5; i++ {
		c.ReportFill(context.Background(), FillReport{OrderID: "x"})
	}
	if c.CircuitState() != BreakerClosed.String() {
		t.Errorf("Expected breaker to stay closed, got %s", c.CircuitState())
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.FetchPendingOrders(context.Background())
	if !errors.Is(err, ErrRemote) {
		t.Errorf("Expected ErrRemote on timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Expected call to be bounded by the timeout")
	}
}

func TestClient_PushQuotes(t *testing.T) {
	var body struct {
		Prices map[string]QuotePayload `json:"prices"`
	}
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != PricesPath {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
	})

	if err := c.PushQuotes(context.Background(), nil); err != nil {
		t.Fatalf("Expected empty push to be a no-op, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("Expected no request for an empty push")
	}

	q := types.Quote{
		Close: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Bid:   decimal.NewNullDecimal(decimal.RequireFromString("99.99")),
		Ask:   decimal.NewNullDecimal(decimal.RequireFromString("100.01")),
	}
	err := c.PushQuotes(context.Background(), map[string]QuotePayload{"SYM": NewQuotePayload(q, 1700000000)})
	if err != nil {
		t.Fatalf("PushQuotes failed: %v", err)
	}

	got := body.Prices["SYM"]
	if !got.OHLCV.Close.Decimal.Equal(decimal.NewFromInt(100)) || got.OHLCV.Open.Valid || got.Time != 1700000000 {
		t.Errorf("Unexpected pushed quote: %+v", got)
	}
	if !got.Bid.Valid || !got.Ask.Valid {
		t.Errorf("Expected bid and ask, got %+v", got)
	}
}
