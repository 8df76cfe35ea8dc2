package engine

import (
	"context"
	"time"

	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/shopspring/decimal"
)

// circuitReporter is implemented by remotes with a circuit breaker
type circuitReporter interface {
	CircuitState() string
}

// WorkerInfo is what the strategy service told us about one tracked symbol
type WorkerInfo struct {
	Price decimal.NullDecimal `json:"price"`
	Logs  []string            `json:"logs"`
}

// Status is the health snapshot served to operators
type Status struct {
	Running                bool                  `json:"running"`
	TickCount              int64                 `json:"tick_count"`
	LastTickTime           *time.Time            `json:"last_tick_time"`
	LastTick               *types.TickResult     `json:"last_tick,omitempty"`
	LastError              *string               `json:"last_error"`
	ErrorCount             int64                 `json:"error_count"`
	Fatal                  *string               `json:"fatal,omitempty"`
	Counts                 map[types.State]int64 `json:"counts"`
	PendingTransactions    int64                 `json:"pending_transactions"`
	Ambiguous              int64                 `json:"ambiguous"`
	UnacknowledgedFailures int64                 `json:"unacknowledged_failures"`
	InFlight               int                   `json:"in_flight"`
	ConfigValid            bool                  `json:"config_valid"`
	Adapter                string                `json:"adapter"`
	PollInterval           int                   `json:"poll_interval"`
	Workers                map[string]WorkerInfo `json:"workers"`
	RemoteCircuit          string                `json:"remote_circuit,omitempty"`
	Account                *adapter.Account      `json:"account,omitempty"`
}

// Status reads ledger counts and the loop's bookkeeping
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.ledger.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	ambiguous, unacked, err := e.ledger.CountAttention(ctx)
	if err != nil {
		return nil, err
	}

	var pending int64
	for _, s := range types.PendingStates {
		pending += counts[s]
	}

	st := e.snapshot(counts)
	st.PendingTransactions = pending
	st.Ambiguous = ambiguous
	st.UnacknowledgedFailures = unacked

	e.mu.RLock()
	a, r := e.adapter, e.remote
	e.mu.RUnlock()
	if cr, ok := r.(circuitReporter); ok {
		st.RemoteCircuit = cr.CircuitState()
	}
	if ar, ok := a.(adapter.AccountReporter); ok && st.Running {
		acct, err := ar.Account(ctx)
		if err != nil {
			e.logger.Debug().Err(err).Msg("account unavailable for status")
		} else {
			st.Account = acct
		}
	}
	return st, nil
}

// snapshot copies the loop's bookkeeping under the read lock
func (e *Engine) snapshot(counts map[types.State]int64) *Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cfg := e.cfg
	if e.next != nil {
		cfg = e.next
	}

	st := &Status{
		Running:      e.running,
		TickCount:    e.tickCount,
		LastTick:     e.lastResult,
		ErrorCount:   e.errorCount,
		Counts:       counts,
		InFlight:     e.leases.count(),
		ConfigValid:  cfg.IsValid(),
		Adapter:      cfg.Adapter,
		PollInterval: cfg.PollInterval,
		Workers:      make(map[string]WorkerInfo, len(e.symbols)),
	}
	if e.lastTick != nil {
		t := *e.lastTick
		st.LastTickTime = &t
	}
	if e.lastError != "" {
		msg := e.lastError
		st.LastError = &msg
	}
	if e.fatal != nil {
		msg := e.fatal.Error()
		st.Fatal = &msg
	}
	for _, symbol := range e.symbols {
		info := WorkerInfo{Logs: []string{}}
		if w, ok := e.workers[symbol]; ok {
			info.Price = w.price
			info.Logs = append(info.Logs, w.logs...)
		}
		st.Workers[symbol] = info
	}
	return st
}
