package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/config"
	"github.com/ksred/klear-executor/internal/ledger"
	"github.com/ksred/klear-executor/internal/remote"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const maxWorkerLogs = 200

var (
	ErrAlreadyRunning = errors.New("executor already running")
	ErrNotRunning     = errors.New("executor not running")
	ErrInvalidConfig  = errors.New("invalid configuration")
	// ErrAmbiguousOutcome marks a broker call whose result is unknown
	ErrAmbiguousOutcome = errors.New("ambiguous outcome")
	// ErrPersistence is fatal: the engine stops rather than run ahead of the ledger
	ErrPersistence = ledger.ErrPersistence
)

// Remote is the strategy service as the engine sees it
type Remote interface {
	FetchPendingOrders(ctx context.Context) (*remote.Batch, error)
	ReportFill(ctx context.Context, report remote.FillReport) error
	PushQuotes(ctx context.Context, quotes map[string]remote.QuotePayload) error
}

// RemoteFactory builds a remote client for a configuration
type RemoteFactory func(cfg *config.Config) Remote

// Option customises an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRemote replaces the HTTP client factory
func WithRemote(f RemoteFactory) Option {
	return func(e *Engine) { e.newRemote = f }
}

// DefaultRemote builds the HTTP client from cfg
func DefaultRemote(cfg *config.Config) Remote {
	return remote.New(remote.Options{
		BaseURL:          cfg.APIURL,
		APIKey:           cfg.APIKey,
		Timeout:          cfg.CallTimeoutDuration(),
		RateLimit:        cfg.RateLimit,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.BreakerCooldown) * time.Second,
	})
}

type workerState struct {
	price decimal.NullDecimal
	logs  []string
}

// Engine drives orders from the strategy service through the broker adapter
// and back. It is the only writer of the ledger.
type Engine struct {
	ledger    *ledger.Ledger
	registry  *adapter.Registry
	newRemote RemoteFactory
	now       func() time.Time
	leases    *leases
	logger    zerolog.Logger

	// tickMu serialises ticks, lifecycle changes and operator actions
	tickMu sync.Mutex

	mu         sync.RWMutex
	cfg        *config.Config
	next       *config.Config
	adapter    adapter.Adapter
	remote     Remote
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	errCh      chan error
	fatal      error
	tickCount  int64
	lastTick   *time.Time
	lastResult *types.TickResult
	lastError  string
	errorCount int64
	symbols    []string
	workers    map[string]*workerState
}

func New(cfg *config.Config, l *ledger.Ledger, registry *adapter.Registry, opts ...Option) *Engine {
	e := &Engine{
		ledger:    l,
		registry:  registry,
		newRemote: DefaultRemote,
		now:       time.Now,
		leases:    newLeases(),
		logger:    log.With().Str("component", "engine").Logger(),
		cfg:       cfg.Clone(),
		errCh:     make(chan error, 1),
		workers:   make(map[string]*workerState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Errors delivers the fatal error that stopped the loop, if any
func (e *Engine) Errors() <-chan error {
	return e.errCh
}

// Start connects the adapter and runs ticks every poll interval until Stop
// or ctx is cancelled. The first tick runs immediately and recovers any
// calls a previous process was interrupted in.
func (e *Engine) Start(ctx context.Context) error {
	loopCtx, done, err := e.open(ctx)
	if err != nil {
		return err
	}
	go e.run(loopCtx, done)
	return nil
}

// open validates the config, connects the adapter and marks the engine running
func (e *Engine) open(ctx context.Context) (context.Context, chan struct{}, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, nil, ErrAlreadyRunning
	}
	if e.fatal != nil {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("engine stopped after fatal error: %w", e.fatal)
	}
	if e.next != nil {
		e.cfg, e.next = e.next, nil
	}
	cfg := e.cfg
	e.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	a, err := e.connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.adapter = a
	e.remote = e.newRemote(cfg)
	e.running = true
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	e.logger.Info().
		Str("adapter", cfg.Adapter).
		Int("poll_interval", cfg.PollInterval).
		Msg("executor started")
	return loopCtx, done, nil
}

// Stop cancels the loop, waits for the current tick and disconnects the adapter
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.shutdown()
	e.logger.Info().Msg("executor stopped")
	return nil
}

// shutdown releases the adapter; callers hold tickMu
func (e *Engine) shutdown() {
	e.mu.Lock()
	a := e.adapter
	timeout := e.cfg.CallTimeoutDuration()
	e.adapter = nil
	e.running = false
	e.mu.Unlock()

	if !e.leases.wait(timeout) {
		e.logger.Warn().Int("in_flight", e.leases.count()).Msg("calls still in flight at shutdown")
	}
	if a != nil {
		if err := a.Disconnect(); err != nil {
			e.logger.Warn().Err(err).Msg("adapter disconnect failed")
		}
	}
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := e.config().PollDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.tick(ctx); err != nil && errors.Is(err, ErrPersistence) {
			e.fail(err)
			return
		}

		if d := e.config().PollDuration(); d != interval {
			interval = d
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fail stops the engine after a persistence failure and surfaces the error
func (e *Engine) fail(err error) {
	e.logger.Error().Err(err).Msg("ledger persistence failed, stopping executor")

	e.mu.Lock()
	e.fatal = err
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.shutdown()

	select {
	case e.errCh <- err:
	default:
	}
}

// Tick runs one tick now. The loop must be running.
func (e *Engine) Tick(ctx context.Context) (*types.TickResult, error) {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}

	res, err := e.tick(ctx)
	if err != nil && errors.Is(err, ErrPersistence) {
		e.fail(err)
	}
	return res, err
}

// Reconfigure stages cfg. A running engine switches to it at the next tick
// boundary; a stopped one immediately.
func (e *Engine) Reconfigure(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.next = cfg.Clone()
		return
	}
	e.cfg = cfg.Clone()
}

// Config returns the configuration in effect, or the staged one if any
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.next != nil {
		return e.next.Clone()
	}
	return e.cfg.Clone()
}

func (e *Engine) config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// applyStaged switches to a staged config. Callers hold tickMu. When the
// adapter selection changed, the old adapter is disconnected and the new one
// connected; if that fails the old config stays in force.
func (e *Engine) applyStaged(ctx context.Context) {
	e.mu.Lock()
	next := e.next
	e.next = nil
	prev := e.cfg
	old := e.adapter
	e.mu.Unlock()
	if next == nil {
		return
	}

	if err := next.Validate(); err != nil {
		e.recordError(fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		return
	}

	a := old
	if adapterChanged(prev, next) {
		if !e.leases.wait(prev.CallTimeoutDuration()) {
			e.logger.Warn().Msg("switching adapter with calls still in flight")
		}
		fresh, err := e.connect(ctx, next)
		if err != nil {
			e.recordError(err)
			return
		}
		if old != nil {
			old.Disconnect()
		}
		a = fresh
	}

	e.mu.Lock()
	e.cfg = next
	e.adapter = a
	e.remote = e.newRemote(next)
	e.mu.Unlock()
	e.logger.Info().Str("adapter", next.Adapter).Msg("configuration applied")
}

func adapterChanged(a, b *config.Config) bool {
	if a.Adapter != b.Adapter || a.DataDir != b.DataDir || len(a.AdapterConfig) != len(b.AdapterConfig) {
		return true
	}
	for k, v := range a.AdapterConfig {
		if fmt.Sprint(b.AdapterConfig[k]) != fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func (e *Engine) connect(ctx context.Context, cfg *config.Config) (adapter.Adapter, error) {
	a, err := e.registry.New(cfg.Adapter, adapter.Options{
		DataDir:  cfg.DataDir,
		Settings: cfg.AdapterConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeoutDuration())
	defer cancel()
	if err := a.Connect(cctx); err != nil {
		return nil, fmt.Errorf("failed to connect %s adapter: %w", cfg.Adapter, err)
	}
	return a, nil
}

// Retry makes a failed submit or report eligible on the next tick. For a
// submit whose outcome is unknown this is the operator's confirmation that
// the broker did not execute it.
func (e *Engine) Retry(ctx context.Context, orderID string) error {
	tx, unlock, err := e.beginOperatorAction(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	fields := ledger.Fields{"last_attempt_at": nil}
	switch tx.State {
	case types.StateSubmitFailed:
		if PolicyFromConfig(e.config()).SubmitExhausted(tx.AttemptCount) {
			return fmt.Errorf("%w: %s has used all %d submit attempts; acknowledge it instead", ledger.ErrIllegalTransition, orderID, tx.AttemptCount)
		}
		fields["ambiguous"] = false
	case types.StateReportFailed:
	default:
		return fmt.Errorf("%w: %s is %s and cannot be retried", ledger.ErrIllegalTransition, orderID, tx.State)
	}

	ok, err := e.ledger.Transition(ctx, orderID, []types.State{tx.State}, tx.State, fields)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s changed state, try again", ledger.ErrIllegalTransition, orderID)
	}
	e.logger.Info().Str("order_id", orderID).Str("state", string(tx.State)).Msg("operator released transaction for retry")
	return nil
}

// Acknowledge records operator review of a failed transaction. A parked
// submit with an unknown outcome can be acknowledged too, which abandons it.
func (e *Engine) Acknowledge(ctx context.Context, orderID string) error {
	tx, unlock, err := e.beginOperatorAction(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	if tx.State == types.StateSubmitFailed && tx.Ambiguous {
		ok, err := e.ledger.Transition(ctx, orderID, []types.State{types.StateSubmitFailed}, types.StateFailed, ledger.Fields{
			"acknowledged": true,
			"failed_from":  types.StateSubmitFailed,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s changed state, try again", ledger.ErrIllegalTransition, orderID)
		}
	} else if err := e.ledger.Acknowledge(ctx, orderID); err != nil {
		return err
	}

	e.logger.Info().Str("order_id", orderID).Msg("operator acknowledged failed transaction")
	return nil
}

// beginOperatorAction waits for the running tick to finish and loads the
// row. A row whose broker or remote call is still in flight, including one
// abandoned by a timeout, cannot be changed until that call returns.
func (e *Engine) beginOperatorAction(ctx context.Context, orderID string) (*types.Transaction, func(), error) {
	e.tickMu.Lock()
	tx, err := e.ledger.Get(ctx, orderID)
	if err == nil && e.leases.held(orderID) {
		err = fmt.Errorf("%w: %s has a call in flight, try again", ledger.ErrIllegalTransition, orderID)
	}
	if err != nil {
		e.tickMu.Unlock()
		return nil, nil, err
	}
	return tx, e.tickMu.Unlock, nil
}

// ClearWorkerLogs drops the strategy log lines kept for symbol
func (e *Engine) ClearWorkerLogs(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[symbol]; ok {
		w.logs = nil
	}
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = err.Error()
	e.errorCount++
}

// observe keeps the tracked symbols, their EOD prices and strategy logs
func (e *Engine) observe(batch *remote.Batch, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbols := make([]string, 0, len(batch.Prices))
	for symbol, price := range batch.Prices {
		symbols = append(symbols, symbol)
		w := e.worker(symbol)
		w.price = price
	}
	sort.Strings(symbols)
	e.symbols = symbols

	stamp := now.Format("060102 15:04:05")
	for symbol, lines := range batch.Logs {
		w := e.worker(symbol)
		for _, line := range lines {
			w.logs = append(w.logs, stamp+" "+line)
		}
		if len(w.logs) > maxWorkerLogs {
			w.logs = append([]string(nil), w.logs[len(w.logs)-maxWorkerLogs:]...)
		}
	}
}

// worker returns the state for symbol; callers hold mu
func (e *Engine) worker(symbol string) *workerState {
	w, ok := e.workers[symbol]
	if !ok {
		w = &workerState{}
		e.workers[symbol] = w
	}
	return w
}
