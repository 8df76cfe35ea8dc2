package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-executor/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrPersistence       = errors.New("ledger persistence failure")
)

// Fields are column updates applied together with a state transition
type Fields map[string]interface{}

// Filter narrows List results. Zero values mean no filter.
type Filter struct {
	States []types.State
	Limit  int
}

// Ledger is the durable record of every order from receipt through reporting.
// The reconciliation engine is its only writer.
type Ledger struct {
	db *gorm.DB
}

// New wraps an already migrated database
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// UpsertReceived records a newly observed order as RECEIVED. Redelivery of an
// order_id already in the ledger, pruned rows included, is a no-op and
// returns false.
func (l *Ledger) UpsertReceived(ctx context.Context, order types.Order) (bool, error) {
	if order.ReceivedAt.IsZero() {
		order.ReceivedAt = time.Now().UTC()
	}
	tx := types.NewTransaction(order)

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(tx)
	if result.Error != nil {
		return false, fmt.Errorf("%w: insert %s: %v", ErrPersistence, order.OrderID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListPending returns every non-terminal transaction, oldest first
func (l *Ledger) ListPending(ctx context.Context) ([]types.Transaction, error) {
	return l.ListByStates(ctx, types.PendingStates...)
}

// ListByStates returns transactions in any of the given states, oldest first
func (l *Ledger) ListByStates(ctx context.Context, states ...types.State) ([]types.Transaction, error) {
	var txs []types.Transaction
	err := l.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("received_at ASC").
		Order("id ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrPersistence, err)
	}
	return txs, nil
}

// List returns transactions matching filter, newest first
func (l *Ledger) List(ctx context.Context, filter Filter) ([]types.Transaction, error) {
	q := l.db.WithContext(ctx).Order("received_at DESC").Order("id DESC")
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", filter.States)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var txs []types.Transaction
	if err := q.Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrPersistence, err)
	}
	return txs, nil
}

// Get returns the transaction for orderID
func (l *Ledger) Get(ctx context.Context, orderID string) (*types.Transaction, error) {
	var tx types.Transaction
	if err := l.db.WithContext(ctx).Where("order_id = ?", orderID).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrPersistence, orderID, err)
	}
	return &tx, nil
}

// Transition atomically moves orderID to `to` if its current state is one of
// from, applying fields in the same statement. It returns false when the row
// is missing or in another state. This is the only way rows change.
func (l *Ledger) Transition(ctx context.Context, orderID string, from []types.State, to types.State, fields Fields) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("%w: no source state for %s", ErrIllegalTransition, orderID)
	}
	for _, f := range from {
		if !types.CanTransition(f, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, f, to)
		}
	}

	updates := map[string]interface{}{
		"state":      to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range fields {
		if k == "state" || k == "order_id" {
			continue
		}
		updates[k] = v
	}

	result := l.db.WithContext(ctx).
		Model(&types.Transaction{}).
		Where("order_id = ? AND state IN ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("%w: transition %s -> %s: %v", ErrPersistence, orderID, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecoverInterrupted reclassifies rows left in a marker state by an
// interrupted call: SUBMITTING -> SUBMIT_FAILED, REPORTING -> REPORT_FAILED.
// The outcome of the interrupted call is unknown, so the rows are flagged
// ambiguous. Order ids for which skip returns true are left alone.
func (l *Ledger) RecoverInterrupted(ctx context.Context, skip func(orderID string) bool) ([]types.Transaction, error) {
	stale, err := l.ListByStates(ctx, types.StateSubmitting, types.StateReporting)
	if err != nil {
		return nil, err
	}

	var recovered []types.Transaction
	for _, tx := range stale {
		if skip != nil && skip(tx.OrderID) {
			continue
		}

		to := types.StateSubmitFailed
		if tx.State == types.StateReporting {
			to = types.StateReportFailed
		}
		msg := fmt.Sprintf("interrupted while %s; outcome unknown", tx.State)
		ok, err := l.Transition(ctx, tx.OrderID, []types.State{tx.State}, to, Fields{
			"ambiguous":  true,
			"last_error": msg,
		})
		if err != nil {
			return recovered, err
		}
		if ok {
			tx.State = to
			tx.Ambiguous = true
			tx.LastError = &msg
			recovered = append(recovered, tx)
		}
	}
	return recovered, nil
}

// Acknowledge marks a FAILED transaction as reviewed by an operator
func (l *Ledger) Acknowledge(ctx context.Context, orderID string) error {
	ok, err := l.Transition(ctx, orderID, []types.State{types.StateFailed}, types.StateFailed, Fields{
		"acknowledged": true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return l.notInState(ctx, orderID, types.StateFailed)
	}
	return nil
}

// CountByState returns the number of rows per state; every state is present
func (l *Ledger) CountByState(ctx context.Context) (map[types.State]int64, error) {
	var rows []struct {
		State types.State
		Count int64
	}
	err := l.db.WithContext(ctx).
		Model(&types.Transaction{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrPersistence, err)
	}

	counts := make(map[types.State]int64, len(types.AllStates))
	for _, s := range types.AllStates {
		counts[s] = 0
	}
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// CountAttention returns ambiguous pending rows and unacknowledged failures
func (l *Ledger) CountAttention(ctx context.Context) (ambiguous, failed int64, err error) {
	db := l.db.WithContext(ctx).Model(&types.Transaction{})
	if err := db.Where("ambiguous = ? AND state IN ?", true, types.PendingStates).Count(&ambiguous).Error; err != nil {
		return 0, 0, fmt.Errorf("%w: count: %v", ErrPersistence, err)
	}
	db = l.db.WithContext(ctx).Model(&types.Transaction{})
	if err := db.Where("state = ? AND acknowledged = ?", types.StateFailed, false).Count(&failed).Error; err != nil {
		return 0, 0, fmt.Errorf("%w: count: %v", ErrPersistence, err)
	}
	return ambiguous, failed, nil
}

// Prune soft-deletes REPORTED rows reported before cutoff. The row stays
// behind deleted_at and keeps its order_id, so a redelivered order is still
// recognised by UpsertReceived.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("state = ? AND reported_at < ?", types.StateReported, cutoff).
		Delete(&types.Transaction{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: prune: %v", ErrPersistence, result.Error)
	}
	return result.RowsAffected, nil
}

// Persist flushes the write-ahead log into the main database file. Every
// committed statement is already durable; this bounds recovery work and
// surfaces storage failures before the next tick reads the ledger back.
func (l *Ledger) Persist(ctx context.Context) error {
	if err := l.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error; err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrPersistence, err)
	}
	return nil
}

func (l *Ledger) notInState(ctx context.Context, orderID string, want types.State) error {
	tx, err := l.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, not %s", ErrIllegalTransition, orderID, tx.State, want)
}
