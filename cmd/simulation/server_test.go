package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-executor/internal/remote"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/shopspring/decimal"
)

func newTestService(t *testing.T, apiKey string) (*strategyService, *statsRecorder, *remote.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := newStrategyService("sim-key", 0, 1)
	stats := newStatsRecorder()
	srv := httptest.NewServer(newRouter(svc, stats))
	t.Cleanup(srv.Close)

	client := remote.New(remote.Options{
		BaseURL: srv.URL,
		APIKey:  apiKey,
		Timeout: 5 * time.Second,
	})
	return svc, stats, client
}

func TestSimulation_OrdersStayPendingUntilFilled(t *testing.T) {
	svc, stats, client := newTestService(t, "sim-key")
	ctx := context.Background()
	created := svc.generate(3)

	batch, err := client.FetchPendingOrders(ctx)
	if err != nil {
		t.Fatalf("FetchPendingOrders failed: %v", err)
	}
	if len(batch.Orders) != 3 || len(batch.Invalid) != 0 {
		t.Fatalf("Expected 3 valid orders, got %d valid and %d invalid", len(batch.Orders), len(batch.Invalid))
	}
	if len(batch.Prices) != len(symbols) {
		t.Errorf("Expected EOD prices for every symbol, got %d", len(batch.Prices))
	}
	if len(batch.Logs) == 0 {
		t.Error("Expected strategy logs for the new signals")
	}

	o := batch.Orders[0]
	if o.OrderID != created[0].OrderID {
		t.Errorf("Expected orders in publish order, got %s", o.OrderID)
	}
	report := remote.FillReport{
		OrderID: o.OrderID,
		Symbol:  o.Symbol,
		Action:  o.Side,
		Volume:  o.Shares,
		Price:   decimal.NewFromInt(100),
		Time:    time.Now().Unix(),
	}
	if err := client.ReportFill(ctx, report); err != nil {
		t.Fatalf("ReportFill failed: %v", err)
	}
	if err := client.ReportFill(ctx, report); err != nil {
		t.Fatalf("Repeated ReportFill should be accepted, got %v", err)
	}
	if svc.fillCount() != 1 {
		t.Errorf("Expected 1 recorded fill, got %d", svc.fillCount())
	}

	batch, err = client.FetchPendingOrders(ctx)
	if err != nil {
		t.Fatalf("FetchPendingOrders failed: %v", err)
	}
	if len(batch.Orders) != 2 {
		t.Errorf("Expected filled order removed, got %d pending", len(batch.Orders))
	}
	for _, pending := range batch.Orders {
		if pending.OrderID == o.OrderID {
			t.Error("Filled order still pending")
		}
		if pending.Side != types.SideBuy && pending.Side != types.SideSell {
			t.Errorf("Unexpected side %q", pending.Side)
		}
	}

	if len(stats.routes) == 0 {
		t.Error("Expected route statistics recorded")
	}
}

func TestSimulation_RejectsWrongKey(t *testing.T) {
	_, _, client := newTestService(t, "wrong")

	_, err := client.FetchPendingOrders(context.Background())
	var se *remote.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %v", err)
	}
	if se.Detail != "invalid api key" {
		t.Errorf("Expected detail from body, got %q", se.Detail)
	}
}

func TestSimulation_AcceptsQuotes(t *testing.T) {
	svc, _, client := newTestService(t, "sim-key")

	err := client.PushQuotes(context.Background(), map[string]remote.QuotePayload{
		"AAPL": remote.NewQuotePayload(types.Quote{Close: decimal.NewNullDecimal(decimal.NewFromInt(190))}, time.Now().Unix()),
	})
	if err != nil {
		t.Fatalf("PushQuotes failed: %v", err)
	}
	if q, ok := svc.quotes["AAPL"]; !ok || !q.OHLCV.Close.Decimal.Equal(decimal.NewFromInt(190)) {
		t.Errorf("Expected quote stored, got %+v", svc.quotes)
	}
}

func TestRouteStats_Calculate(t *testing.T) {
	rs := &routeStats{name: "GET /x"}
	for i := 1; i <= 100; i++ {
		rs.add(time.Duration(i)*time.Millisecond, i%10 == 0)
	}

	min, max, mean, median, p95, p99 := rs.calculate()
	if min != time.Millisecond || max != 100*time.Millisecond {
		t.Errorf("Unexpected range %s..%s", min, max)
	}
	if mean != 50500*time.Microsecond {
		t.Errorf("Expected mean 50.5ms, got %s", mean)
	}
	if median != 51*time.Millisecond || p95 != 95*time.Millisecond || p99 != 99*time.Millisecond {
		t.Errorf("Unexpected percentiles median=%s p95=%s p99=%s", median, p95, p99)
	}
	if rs.failures != 10 || rs.totalCalls != 100 {
		t.Errorf("Expected 10 failures in 100 calls, got %d in %d", rs.failures, rs.totalCalls)
	}
}
