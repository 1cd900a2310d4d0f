// Package state owns the single persisted position record. Every mutation goes through
// Manager, which persists before returning.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/db"
	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/metrics"
	"github.com/amirphl/guarded-trader/internal/position"
	"github.com/amirphl/guarded-trader/internal/reconcile"
	"github.com/amirphl/guarded-trader/internal/retry"
)

// Store is the persistence the manager needs.
type Store interface {
	LoadState(ctx context.Context) (*position.State, error)
	SaveState(ctx context.Context, s position.State) error
	AppendTrade(ctx context.Context, t position.TradeRecord) error
	LogEvent(ctx context.Context, e journal.Event) error
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// Reconciler gates the resume operations.
type Reconciler interface {
	Check(ctx context.Context, purpose string, expected []position.Holding, gate retry.Gate) (reconcile.Result, error)
	Inspect(ctx context.Context, purpose string, st position.State, gate retry.Gate) (reconcile.Inspection, error)
}

// ErrStillPending is returned by AbandonPending when the broker shows the order filled.
var ErrStillPending = errors.New("broker shows the pending order executed; confirm it instead")

// Manager is the only writer of the position record.
type Manager struct {
	mu         sync.Mutex
	store      Store
	reconciler Reconciler
	mode       string
	log        *logrus.Entry
	now        func() time.Time
	newID      func() string
}

func New(store Store, reconciler Reconciler, mode string, log *logrus.Entry) *Manager {
	return &Manager{
		store:      store,
		reconciler: reconciler,
		mode:       mode,
		log:        log.WithField("component", "state"),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
}

// Get returns the persisted state, or nil when nothing was ever saved.
func (m *Manager) Get(ctx context.Context) (*position.State, error) {
	return m.store.LoadState(ctx)
}

// current loads the state or the initial IDLE state.
func (m *Manager) current(ctx context.Context) (position.State, error) {
	st, err := m.store.LoadState(ctx)
	if err != nil {
		return position.State{}, err
	}
	if st == nil {
		return position.Initial(m.now()), nil
	}
	return *st, nil
}

// apply persists next and its transition event together.
func (m *Manager) apply(ctx context.Context, prev, next position.State, op string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	data["from"] = string(prev.ExpectedAction)
	data["to"] = string(next.ExpectedAction)

	err := m.store.Atomic(ctx, func(ctx context.Context) error {
		if err := m.store.SaveState(ctx, next); err != nil {
			return err
		}
		return m.store.LogEvent(ctx, journal.Event{
			Time:        m.now().UTC(),
			Type:        journal.TypeTransition,
			Description: op,
			Data:        data,
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.observe(next)
	m.log.WithFields(logrus.Fields{"op": op, "from": prev.ExpectedAction, "to": next.ExpectedAction, "symbol": next.Symbol}).Info("state transition persisted")
	return nil
}

func (m *Manager) observe(s position.State) {
	all := make([]string, len(position.Actions))
	for i, a := range position.Actions {
		all[i] = string(a)
	}
	metrics.SetAction(string(s.ExpectedAction), all)
}

// SetPendingBuy persists PENDING_BUY with a fresh client order id. Only after it returns
// without error may the buy be submitted.
func (m *Manager) SetPendingBuy(ctx context.Context, symbol string, shares, price decimal.Decimal, signalID string) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	intent := position.Intent{
		Side:          position.Buy,
		Symbol:        symbol,
		Shares:        shares,
		Price:         price,
		ClientOrderID: m.newID(),
		SignalID:      signalID,
		CreatedAt:     m.now().UTC(),
	}
	next, err := prev.WithPendingBuy(intent, m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, "set_pending_buy", map[string]any{"intent": next.Intent}); err != nil {
		return prev, err
	}
	return next, nil
}

// ConfirmBuy records the actual fill. Repeating it for the same order id is a no-op.
// A buy intent carried into HALTED or KILLED is confirmed without leaving that state.
func (m *Manager) ConfirmBuy(ctx context.Context, fill position.Fill) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	if fill.OrderID == "" {
		return prev, errors.New("confirm_buy: order id required")
	}
	if prev.BuyOrderID == fill.OrderID && (prev.Intent == nil || prev.Intent.Side != position.Buy) {
		m.log.WithField("order_id", fill.OrderID).Info("confirm_buy already applied")
		return prev, nil
	}
	next, err := prev.WithBuyConfirmed(fill, m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, "confirm_buy", map[string]any{"fill": fill}); err != nil {
		return prev, err
	}
	return next, nil
}

// SetPendingSell persists PENDING_SELL for the whole holding.
func (m *Manager) SetPendingSell(ctx context.Context, price decimal.Decimal) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	next, err := prev.WithPendingSell(position.Intent{Price: price, ClientOrderID: m.newID(), CreatedAt: m.now().UTC()}, m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, "set_pending_sell", map[string]any{"intent": next.Intent}); err != nil {
		return prev, err
	}
	return next, nil
}

// SetKillCloseIntent persists a close intent while KILLED.
func (m *Manager) SetKillCloseIntent(ctx context.Context, price decimal.Decimal) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	next, err := prev.WithKillCloseIntent(position.Intent{Price: price, ClientOrderID: m.newID(), CreatedAt: m.now().UTC()}, m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, "set_kill_close_intent", map[string]any{"intent": next.Intent}); err != nil {
		return prev, err
	}
	return next, nil
}

// ConfirmSell clears the holding and appends exactly one trade record in the same
// transaction. Repeating it for the same order id is a no-op that returns ok=false.
func (m *Manager) ConfirmSell(ctx context.Context, fill position.Fill) (trade position.TradeRecord, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return trade, false, err
	}
	if fill.OrderID == "" {
		return trade, false, errors.New("confirm_sell: order id required")
	}
	if prev.LastSellOrderID == fill.OrderID && prev.Intent == nil {
		m.log.WithField("order_id", fill.OrderID).Info("confirm_sell already applied")
		return trade, false, nil
	}

	next, trade, err := prev.WithSellConfirmed(fill, m.mode, m.now())
	if err != nil {
		return trade, false, err
	}

	err = m.store.Atomic(ctx, func(ctx context.Context) error {
		if err := m.store.AppendTrade(ctx, trade); err != nil {
			return err
		}
		if err := m.store.SaveState(ctx, next); err != nil {
			return err
		}
		return m.store.LogEvent(ctx, journal.Event{
			Time:        m.now().UTC(),
			Type:        journal.TypeTransition,
			Description: "confirm_sell",
			Data: map[string]any{
				"from":         string(prev.ExpectedAction),
				"to":           string(next.ExpectedAction),
				"fill":         fill,
				"realized_pnl": trade.RealizedPnL.String(),
			},
		})
	})
	if errors.Is(err, db.ErrDuplicateTrade) {
		m.log.WithField("order_id", fill.OrderID).Warn("trade already recorded for order")
		return position.TradeRecord{}, false, nil
	}
	if err != nil {
		return position.TradeRecord{}, false, fmt.Errorf("confirm_sell: %w", err)
	}
	m.observe(next)
	m.log.WithFields(logrus.Fields{
		"order_id": fill.OrderID, "symbol": trade.Symbol, "pnl": trade.RealizedPnL.String(), "to": next.ExpectedAction,
	}).Info("sell confirmed")
	return trade, true, nil
}

// SetHalted blocks all jobs until AcknowledgeAndResume succeeds.
func (m *Manager) SetHalted(ctx context.Context, reason string) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	next, err := prev.WithHalted(reason, m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, "set_halted", map[string]any{"reason": reason, "intent": prev.Intent}); err != nil {
		return prev, err
	}
	return next, nil
}

// SetKilled records the operator stop.
func (m *Manager) SetKilled(ctx context.Context, reason string) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	if prev.ExpectedAction == position.Killed {
		return prev, nil
	}
	next, err := prev.WithKilled(reason, m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, "set_killed", map[string]any{"reason": reason, "intent": prev.Intent}); err != nil {
		return prev, err
	}
	return next, nil
}

// AcknowledgeAndResume re-runs reconciliation and leaves HALTED only on a match.
// On a mismatch the state stays HALTED with the new reason and the mismatch is returned.
func (m *Manager) AcknowledgeAndResume(ctx context.Context) (position.State, error) {
	return m.resume(ctx, position.Halted, "acknowledge", journal.PurposeResume)
}

// ResumeFromKill clears KILLED under the same reconciliation gate.
func (m *Manager) ResumeFromKill(ctx context.Context) (position.State, error) {
	return m.resume(ctx, position.Killed, "resume_kill", journal.PurposeResumeKill)
}

func (m *Manager) resume(ctx context.Context, from position.Action, op, purpose string) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	if prev.ExpectedAction != from {
		return prev, &position.TransitionError{From: prev.ExpectedAction, Op: op}
	}
	if prev.Intent != nil {
		return prev, fmt.Errorf("%s: intent %s pending; confirm or abandon it first", op, prev.Intent.ClientOrderID)
	}

	_, rerr := m.reconciler.Check(ctx, purpose, prev.Expected(), nil)
	if rerr != nil {
		next := prev
		next.Reason = fmt.Sprintf("%s rejected: %v", op, rerr)
		next.UpdatedAt = m.now().UTC()
		if err := m.apply(ctx, prev, next, op+"_rejected", map[string]any{"error": rerr.Error()}); err != nil {
			return prev, err
		}
		return next, rerr
	}

	next, err := prev.WithResumed(op, m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, op, nil); err != nil {
		return prev, err
	}
	return next, nil
}

// AbandonPending drops a pending intent after the broker confirms the order did not execute.
func (m *Manager) AbandonPending(ctx context.Context) (position.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.current(ctx)
	if err != nil {
		return position.State{}, err
	}
	if prev.Intent == nil {
		return prev, &position.TransitionError{From: prev.ExpectedAction, Op: "abandon"}
	}

	in, err := m.reconciler.Inspect(ctx, journal.PurposeAbandon, prev, nil)
	if err != nil {
		return prev, err
	}
	if !in.Untouched {
		return prev, ErrStillPending
	}

	next, err := prev.WithAbandoned(m.now())
	if err != nil {
		return prev, err
	}
	if err := m.apply(ctx, prev, next, "abandon_pending", map[string]any{"intent": prev.Intent}); err != nil {
		return prev, err
	}
	return next, nil
}
