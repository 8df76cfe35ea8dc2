package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/config"
	"github.com/ksred/klear-executor/internal/ledger"
	"github.com/ksred/klear-executor/internal/remote"
	"github.com/ksred/klear-executor/internal/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// tickEnv is everything a tick reads, fixed at the tick boundary
type tickEnv struct {
	cfg     *config.Config
	adapter adapter.Adapter
	remote  Remote
	policy  RetryPolicy
	timeout time.Duration
	now     time.Time
	logger  zerolog.Logger
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeFilled
	outcomeSubmitFailed
	outcomeReported
	outcomeReportFailed
	outcomeFailed
	outcomeResolved
	outcomeParked
	outcomeInFlight
)

// tick runs recover, ingest, quote, advance and persist in that order
func (e *Engine) tick(ctx context.Context) (*types.TickResult, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.applyStaged(ctx)

	e.mu.Lock()
	if e.fatal != nil {
		e.mu.Unlock()
		return nil, e.fatal
	}
	if !e.running {
		e.mu.Unlock()
		return nil, ErrNotRunning
	}
	e.tickCount++
	start := e.now()
	e.lastTick = &start
	env := &tickEnv{
		cfg:     e.cfg,
		adapter: e.adapter,
		remote:  e.remote,
		policy:  PolicyFromConfig(e.cfg),
		timeout: e.cfg.CallTimeoutDuration(),
		now:     start,
	}
	result := &types.TickResult{
		TickID:    uuid.New().String(),
		Tick:      e.tickCount,
		StartedAt: start,
	}
	e.mu.Unlock()

	env.logger = e.logger.With().Str("tick_id", result.TickID).Int64("tick", result.Tick).Logger()
	// Ledger writes must land even when the tick is being cancelled
	dbctx := context.WithoutCancel(ctx)

	err := e.runTick(ctx, dbctx, env, result)

	result.Duration = e.now().Sub(start)
	result.DurationMS = result.Duration.Milliseconds()
	result.Success = err == nil && result.Error == ""
	if err != nil {
		result.Error = err.Error()
	}

	e.mu.Lock()
	e.lastResult = result
	if result.Error != "" {
		e.lastError = result.Error
		e.errorCount++
	}
	e.mu.Unlock()

	logEvent := env.logger.Info()
	if !result.Success {
		logEvent = env.logger.Warn()
	}
	logEvent.
		Int("orders_received", result.OrdersReceived).
		Int("orders_filled", result.OrdersFilled).
		Int("fills_reported", result.FillsReported).
		Int("failed", result.Failed).
		Int64("duration_ms", result.DurationMS).
		Str("error", result.Error).
		Msg("tick complete")

	return result, err
}

func (e *Engine) runTick(ctx, dbctx context.Context, env *tickEnv, result *types.TickResult) error {
	recovered, err := e.ledger.RecoverInterrupted(dbctx, e.leases.held)
	if err != nil {
		return err
	}
	for _, tx := range recovered {
		env.logger.Warn().
			Str("order_id", tx.OrderID).
			Str("state", string(tx.State)).
			Msg("recovered interrupted call, outcome unknown")
	}
	result.Recovered = len(recovered)

	if err := e.ingest(ctx, dbctx, env, result); err != nil {
		return err
	}

	if ctx.Err() == nil {
		result.QuotesSent = e.pushQuotes(ctx, env)
	}

	if err := e.advance(ctx, dbctx, env, result); err != nil {
		return err
	}

	if days := env.cfg.RetentionDays; days > 0 {
		pruned, err := e.ledger.Prune(dbctx, env.now.Add(-env.cfg.Retention()))
		if err != nil {
			return err
		}
		if pruned > 0 {
			env.logger.Info().Int64("pruned", pruned).Msg("pruned reported transactions")
		}
	}

	return e.ledger.Persist(dbctx)
}

// ingest records new orders. A failed fetch only skips ingestion.
func (e *Engine) ingest(ctx, dbctx context.Context, env *tickEnv, result *types.TickResult) error {
	batch, err := env.remote.FetchPendingOrders(ctx)
	if err != nil {
		env.logger.Error().Err(err).Msg("failed to fetch orders")
		result.Error = fmt.Sprintf("fetch orders: %v", err)
		return nil
	}

	e.observe(batch, env.now)
	result.OrdersReceived = len(batch.Orders) + len(batch.Invalid)

	for _, invalid := range batch.Invalid {
		env.logger.Warn().Err(invalid).Msg("skipping invalid order")
	}

	for _, order := range batch.Orders {
		order.ReceivedAt = env.now
		inserted, err := e.ledger.UpsertReceived(dbctx, order)
		if err != nil {
			return err
		}
		if inserted {
			result.OrdersIngested++
			env.logger.Info().
				Str("order_id", order.OrderID).
				Str("symbol", order.Symbol).
				Str("side", string(order.Side)).
				Int64("shares", order.Shares).
				Msg("order received")
		} else {
			env.logger.Debug().Str("order_id", order.OrderID).Msg("order already in ledger")
		}
	}
	return nil
}

// pushQuotes asks the adapter for a quote per tracked symbol and sends the
// ones it has. Symbols without a quote fall back to the remote EOD cache.
func (e *Engine) pushQuotes(ctx context.Context, env *tickEnv) int {
	e.mu.RLock()
	symbols := append([]string(nil), e.symbols...)
	eod := make(map[string]decimal.NullDecimal, len(symbols))
	for _, s := range symbols {
		if w, ok := e.workers[s]; ok {
			eod[s] = w.price
		}
	}
	e.mu.RUnlock()
	if len(symbols) == 0 {
		return 0
	}

	var (
		mu     sync.Mutex
		g      errgroup.Group
		quotes = make(map[string]remote.QuotePayload)
	)
	g.SetLimit(env.cfg.Workers)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, env.timeout)
			defer cancel()
			q, err := env.adapter.GetQuote(cctx, symbol, eod[symbol])
			if err != nil {
				env.logger.Warn().Err(err).Str("symbol", symbol).Msg("quote failed")
				return nil
			}
			if q == nil {
				return nil
			}
			mu.Lock()
			quotes[symbol] = remote.NewQuotePayload(*q, env.now.Unix())
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(quotes) == 0 {
		return 0
	}
	if err := env.remote.PushQuotes(ctx, quotes); err != nil {
		env.logger.Warn().Err(err).Int("quotes", len(quotes)).Msg("failed to push quotes")
		return 0
	}
	return len(quotes)
}

// advance takes one action per pending transaction, oldest first, running
// distinct order ids in parallel
func (e *Engine) advance(ctx, dbctx context.Context, env *tickEnv, result *types.TickResult) error {
	pending, err := e.ledger.ListPending(dbctx)
	if err != nil {
		return err
	}

	var (
		g        errgroup.Group
		outcomes = make([]outcome, len(pending))
		errs     = make([]error, len(pending))
	)
	// Go blocks at the limit, so transactions start oldest first. Errors are
	// kept per transaction; the group itself never fails.
	g.SetLimit(env.cfg.Workers)
	for i, tx := range pending {
		if ctx.Err() != nil {
			break
		}
		i, tx := i, tx
		g.Go(func() error {
			outcomes[i], errs[i] = e.process(ctx, dbctx, env, tx)
			return nil
		})
	}
	g.Wait()

	for i, o := range outcomes {
		if errs[i] != nil {
			if errors.Is(errs[i], ErrPersistence) {
				return errs[i]
			}
			env.logger.Error().Err(errs[i]).Str("order_id", pending[i].OrderID).Msg("failed to advance transaction")
			continue
		}
		switch o {
		case outcomeFilled:
			result.OrdersFilled++
		case outcomeReported:
			result.FillsReported++
		case outcomeFailed:
			result.Failed++
		}
	}
	return nil
}

// process takes the one eligible action for tx
func (e *Engine) process(ctx, dbctx context.Context, env *tickEnv, tx types.Transaction) (outcome, error) {
	switch tx.State {
	case types.StateReceived:
		return e.submit(ctx, dbctx, env, tx)

	case types.StateSubmitFailed:
		if !env.policy.Due(tx.LastAttemptAt, tx.AttemptCount, env.now) {
			return outcomeNone, nil
		}
		if rec, ok := env.adapter.(adapter.Reconciler); ok && tx.Ambiguous {
			return e.reconcile(ctx, dbctx, env, tx, rec)
		}
		// A row recovered from a call cut short on its last attempt lands
		// here with the ceiling already reached
		if env.policy.SubmitExhausted(tx.AttemptCount) {
			env.logger.Error().
				Str("order_id", tx.OrderID).
				Int("attempts", tx.AttemptCount).
				Bool("ambiguous", tx.Ambiguous).
				Msg("submit attempts exhausted")
			msg := fmt.Sprintf("not resubmitted after %d attempts: %s", tx.AttemptCount, tx.ErrorMessage())
			return e.failTx(dbctx, tx.OrderID, types.StateSubmitFailed, msg, tx.Ambiguous)
		}
		if !tx.Ambiguous {
			return e.submit(ctx, dbctx, env, tx)
		}
		if env.cfg.ResubmitAmbiguous {
			env.logger.Warn().Str("order_id", tx.OrderID).Msg("resubmitting order with unknown outcome")
			return e.submit(ctx, dbctx, env, tx)
		}
		env.logger.Warn().
			Str("order_id", tx.OrderID).
			Str("symbol", tx.Symbol).
			Str("last_error", tx.ErrorMessage()).
			Msg("order outcome unknown and adapter cannot look it up; check the broker, then retry or acknowledge")
		return outcomeParked, nil

	case types.StateFilled:
		return e.report(ctx, dbctx, env, tx)

	case types.StateReportFailed:
		if !env.policy.Due(tx.LastAttemptAt, tx.AttemptCount, env.now) {
			return outcomeNone, nil
		}
		return e.report(ctx, dbctx, env, tx)

	case types.StateSubmitting, types.StateReporting:
		// A call from an earlier tick still holds the lease
		return outcomeInFlight, nil
	}
	return outcomeNone, nil
}

func (e *Engine) submit(ctx, dbctx context.Context, env *tickEnv, tx types.Transaction) (outcome, error) {
	if !e.leases.acquire(tx.OrderID) {
		return outcomeInFlight, nil
	}

	attempt := tx.AttemptCount + 1
	now := env.now
	ok, err := e.ledger.Transition(dbctx, tx.OrderID, []types.State{tx.State}, types.StateSubmitting, ledger.Fields{
		"attempt_count":   attempt,
		"last_attempt_at": now,
	})
	if err != nil || !ok {
		e.leases.release(tx.OrderID)
		return outcomeNone, err
	}

	logger := env.logger.With().
		Str("order_id", tx.OrderID).
		Str("symbol", tx.Symbol).
		Str("side", string(tx.Side)).
		Int64("shares", tx.Shares).
		Int("attempt", attempt).
		Logger()
	logger.Info().Msg("submitting order")

	req := adapter.OrderRequest{
		OrderID: tx.OrderID,
		Symbol:  tx.Symbol,
		Shares:  tx.Shares,
		Price:   tx.LimitPrice,
	}
	res := call(ctx, e.leases, tx.OrderID, env.timeout, func(cctx context.Context) (adapter.FillResult, error) {
		return adapter.Execute(cctx, env.adapter, tx.Side, req)
	})

	switch {
	case res.timedOut:
		logger.Warn().Dur("timeout", env.timeout).Msg("submit timed out, outcome unknown")
		return outcomeInFlight, nil

	case errors.Is(res.err, adapter.ErrPermanent):
		logger.Error().Err(res.err).Msg("order refused by broker")
		return e.failTx(dbctx, tx.OrderID, types.StateSubmitting, res.err.Error(), false)

	case errors.Is(res.err, adapter.ErrTransient):
		if env.policy.SubmitExhausted(attempt) {
			logger.Error().Err(res.err).Msg("order not executed and attempts exhausted")
			return e.failTx(dbctx, tx.OrderID, types.StateSubmitting, res.err.Error(), false)
		}
		logger.Warn().Err(res.err).Dur("retry_in", env.policy.Backoff(attempt)).Msg("order not executed, will retry")
		return e.settle(dbctx, tx.OrderID, types.StateSubmitting, types.StateSubmitFailed, ledger.Fields{
			"ambiguous":  false,
			"last_error": res.err.Error(),
		}, outcomeSubmitFailed)

	case res.err != nil:
		msg := fmt.Sprintf("%v: %v", ErrAmbiguousOutcome, res.err)
		_, canLookUp := env.adapter.(adapter.Reconciler)
		if env.policy.SubmitExhausted(attempt) && !canLookUp {
			logger.Error().Err(res.err).Msg("submit failed with unknown outcome at attempt ceiling")
			return e.failTx(dbctx, tx.OrderID, types.StateSubmitting, msg, true)
		}
		logger.Warn().Err(res.err).Msg("submit failed, outcome unknown")
		return e.settle(dbctx, tx.OrderID, types.StateSubmitting, types.StateSubmitFailed, ledger.Fields{
			"ambiguous":  true,
			"last_error": msg,
		}, outcomeSubmitFailed)

	case !res.val.Success:
		msg := res.val.Error
		if msg == "" {
			msg = "order rejected"
		}
		if res.val.Permanent || env.policy.SubmitExhausted(attempt) {
			logger.Error().Str("error", msg).Bool("permanent", res.val.Permanent).Msg("order permanently failed")
			return e.failTx(dbctx, tx.OrderID, types.StateSubmitting, msg, false)
		}
		logger.Warn().Str("error", msg).Dur("retry_in", env.policy.Backoff(attempt)).Msg("order rejected, will retry")
		return e.settle(dbctx, tx.OrderID, types.StateSubmitting, types.StateSubmitFailed, ledger.Fields{
			"ambiguous":  false,
			"last_error": msg,
		}, outcomeSubmitFailed)
	}

	if err := validFill(res.val, tx.Shares); err != nil {
		logger.Error().Err(err).Msg("adapter returned an unusable fill")
		return e.settle(dbctx, tx.OrderID, types.StateSubmitting, types.StateSubmitFailed, ledger.Fields{
			"ambiguous":  true,
			"last_error": fmt.Sprintf("%v: %v", ErrAmbiguousOutcome, err),
		}, outcomeSubmitFailed)
	}

	logger.Info().
		Str("fill_price", res.val.FillPrice.String()).
		Int64("fill_shares", res.val.FillShares).
		Str("commission", res.val.Commission.String()).
		Msg("order filled")
	return e.settle(dbctx, tx.OrderID, types.StateSubmitting, types.StateFilled, filledFields(res.val, env.now), outcomeFilled)
}

// reconcile asks the broker whether an order with an unknown outcome was
// filled. This lookup is the transaction's one call for the tick.
func (e *Engine) reconcile(ctx, dbctx context.Context, env *tickEnv, tx types.Transaction, rec adapter.Reconciler) (outcome, error) {
	if !e.leases.acquire(tx.OrderID) {
		return outcomeInFlight, nil
	}
	logger := env.logger.With().Str("order_id", tx.OrderID).Logger()

	res := call(ctx, e.leases, tx.OrderID, env.timeout, func(cctx context.Context) (*adapter.FillResult, error) {
		return rec.LookupFill(cctx, tx.OrderID)
	})

	switch {
	case res.timedOut || res.err != nil:
		logger.Warn().Err(res.err).Msg("fill lookup failed")
		return e.settle(dbctx, tx.OrderID, types.StateSubmitFailed, types.StateSubmitFailed, ledger.Fields{
			"last_attempt_at": env.now,
			"last_error":      fmt.Sprintf("%v: lookup failed: %v", ErrAmbiguousOutcome, res.err),
		}, outcomeSubmitFailed)

	case res.val != nil && res.val.Success:
		if err := validFill(*res.val, tx.Shares); err != nil {
			// The broker says it executed; resubmitting would execute twice
			logger.Warn().Err(err).Msg("broker reports a fill the ledger cannot record; check the broker, then retry or acknowledge")
			return e.settle(dbctx, tx.OrderID, types.StateSubmitFailed, types.StateSubmitFailed, ledger.Fields{
				"last_attempt_at": env.now,
				"last_error":      fmt.Sprintf("%v: broker reported unusable fill: %v", ErrAmbiguousOutcome, err),
			}, outcomeParked)
		}
		logger.Info().Str("fill_price", res.val.FillPrice.String()).Msg("lookup found fill for order with unknown outcome")
		return e.settle(dbctx, tx.OrderID, types.StateSubmitFailed, types.StateFilled, filledFields(*res.val, env.now), outcomeFilled)
	}

	// The broker never saw it
	if env.policy.SubmitExhausted(tx.AttemptCount) {
		logger.Error().Msg("order not found at broker and attempts exhausted")
		return e.failTx(dbctx, tx.OrderID, types.StateSubmitFailed, fmt.Sprintf("not executed after %d attempts: %s", tx.AttemptCount, tx.ErrorMessage()), false)
	}
	logger.Info().Msg("lookup found no fill, order will be resubmitted")
	return e.settle(dbctx, tx.OrderID, types.StateSubmitFailed, types.StateSubmitFailed, ledger.Fields{
		"ambiguous": false,
	}, outcomeResolved)
}

func (e *Engine) report(ctx, dbctx context.Context, env *tickEnv, tx types.Transaction) (outcome, error) {
	fill, ok := tx.Fill()
	if !ok {
		return outcomeNone, fmt.Errorf("transaction %s is %s without a fill", tx.OrderID, tx.State)
	}
	if !e.leases.acquire(tx.OrderID) {
		return outcomeInFlight, nil
	}

	attempt := tx.AttemptCount + 1
	ok, err := e.ledger.Transition(dbctx, tx.OrderID, []types.State{tx.State}, types.StateReporting, ledger.Fields{
		"attempt_count":   attempt,
		"last_attempt_at": env.now,
	})
	if err != nil || !ok {
		e.leases.release(tx.OrderID)
		return outcomeNone, err
	}

	logger := env.logger.With().Str("order_id", tx.OrderID).Int("attempt", attempt).Logger()

	filledAt := env.now
	if tx.FilledAt != nil {
		filledAt = *tx.FilledAt
	}
	report := remote.FillReport{
		OrderID:    tx.OrderID,
		Symbol:     tx.Symbol,
		Action:     tx.Side,
		Volume:     fill.Shares,
		Price:      fill.Price,
		Commission: fill.Commission,
		Time:       filledAt.Unix(),
	}
	res := call(ctx, e.leases, tx.OrderID, env.timeout, func(cctx context.Context) (struct{}, error) {
		return struct{}{}, env.remote.ReportFill(cctx, report)
	})

	switch {
	case res.timedOut:
		logger.Warn().Msg("fill report timed out")
		return outcomeInFlight, nil

	case res.err != nil:
		msg := fmt.Sprintf("report fill: %v", res.err)
		if env.policy.ReportExhausted(attempt) {
			logger.Error().Err(res.err).Msg("fill report attempts exhausted")
			return e.failTx(dbctx, tx.OrderID, types.StateReporting, msg, false)
		}
		logger.Warn().Err(res.err).Dur("retry_in", env.policy.Backoff(attempt)).Msg("fill report failed, will retry")
		return e.settle(dbctx, tx.OrderID, types.StateReporting, types.StateReportFailed, ledger.Fields{
			"last_error": msg,
		}, outcomeReportFailed)
	}

	logger.Info().Msg("fill reported")
	return e.settle(dbctx, tx.OrderID, types.StateReporting, types.StateReported, ledger.Fields{
		"reported_at": env.now,
		"last_error":  nil,
		"ambiguous":   false,
	}, outcomeReported)
}

// settle applies the post-call transition. Losing the compare-and-set here
// means something else moved the row, which the ledger forbids.
func (e *Engine) settle(dbctx context.Context, orderID string, from, to types.State, fields ledger.Fields, o outcome) (outcome, error) {
	ok, err := e.ledger.Transition(dbctx, orderID, []types.State{from}, to, fields)
	if err != nil {
		return outcomeNone, err
	}
	if !ok {
		return outcomeNone, fmt.Errorf("%w: %s left %s during a call", ledger.ErrIllegalTransition, orderID, from)
	}
	return o, nil
}

func (e *Engine) failTx(dbctx context.Context, orderID string, from types.State, msg string, ambiguous bool) (outcome, error) {
	return e.settle(dbctx, orderID, from, types.StateFailed, ledger.Fields{
		"failed_from": from,
		"last_error":  msg,
		"ambiguous":   ambiguous,
	}, outcomeFailed)
}

func filledFields(res adapter.FillResult, now time.Time) ledger.Fields {
	return ledger.Fields{
		"fill_price":      decimal.NewNullDecimal(res.FillPrice),
		"fill_shares":     res.FillShares,
		"commission":      decimal.NewNullDecimal(res.Commission),
		"filled_at":       now,
		"attempt_count":   0,
		"last_attempt_at": nil,
		"last_error":      nil,
		"ambiguous":       false,
	}
}

func validFill(res adapter.FillResult, ordered int64) error {
	if !res.FillPrice.IsPositive() {
		return fmt.Errorf("fill price %s is not positive", res.FillPrice)
	}
	if res.FillShares <= 0 || res.FillShares > ordered {
		return fmt.Errorf("fill shares %d outside 1..%d", res.FillShares, ordered)
	}
	if res.Commission.IsNegative() {
		return fmt.Errorf("commission %s is negative", res.Commission)
	}
	return nil
}
