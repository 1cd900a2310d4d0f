package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/broker"
	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/notifier"
	"github.com/amirphl/guarded-trader/internal/position"
)

// Operator actions go through the same queue as the jobs, so they never interleave with a
// running job.

// AcknowledgeAndResume leaves HALTED when a fresh reconciliation matches.
func (o *Orchestrator) AcknowledgeAndResume(ctx context.Context) (position.State, error) {
	return enqueue(ctx, o, "acknowledge", func(ctx context.Context) (position.State, error) {
		st, err := o.state.AcknowledgeAndResume(ctx)
		if err != nil {
			o.rejected(ctx, "Acknowledge rejected", err)
			return st, err
		}
		o.notify.Notify(ctx, notifier.Warning, "Trading resumed", "operator acknowledged, reconciliation matched",
			map[string]any{"state": st.ExpectedAction})
		return st, nil
	})
}

// ActivateKillSwitch flips the in-memory flag at once, so any retry loop stops at its next
// gate check, then persists KILLED and tries to close an open position a single time.
func (o *Orchestrator) ActivateKillSwitch(ctx context.Context, reason string) (position.State, error) {
	if reason == "" {
		reason = "operator kill switch"
	}
	o.setKilled(true)
	o.log.WithField("reason", reason).Warn("kill switch activated")
	return enqueue(ctx, o, "kill", func(ctx context.Context) (position.State, error) {
		return o.kill(ctx, reason)
	})
}

func (o *Orchestrator) kill(ctx context.Context, reason string) (position.State, error) {
	st, err := o.state.SetKilled(ctx, reason)
	if err != nil {
		o.notify.Notify(ctx, notifier.Critical, "Kill switch activated",
			fmt.Sprintf("%s. Persisting KILLED failed: %v. Trading is stopped in memory only.", reason, err), nil)
		return st, err
	}
	o.notify.Notify(ctx, notifier.Critical, "Kill switch activated", reason,
		map[string]any{"symbol": st.Symbol, "shares": st.Shares.String()})

	if st.Intent != nil {
		// an order was in flight; it may have filled, so it is kept for the operator
		o.reportIntent(ctx, st, "kill_pending_intent", "Kill switch: intent pending",
			". Once it is resolved the kill switch closes any position left open.")
		return st, nil
	}
	if st.Flat() {
		return st, nil
	}
	return o.closeOnKill(ctx, st), nil
}

// closeOnKill makes one attempt to flatten the position. A failure leaves the state KILLED
// for the operator and is not retried.
func (o *Orchestrator) closeOnKill(ctx context.Context, st position.State) position.State {
	log := o.log.WithFields(logrus.Fields{"symbol": st.Symbol, "shares": st.Shares.String()})
	payload := map[string]any{"symbol": st.Symbol, "shares": st.Shares.String()}
	fail := func(step string, err error) position.State {
		log.WithError(err).WithField("step", step).Warn("kill switch close failed, position left open")
		o.notify.Notify(ctx, notifier.Error, "Kill switch close failed",
			fmt.Sprintf("%s: %v. State stays KILLED; close the position manually.", step, err), payload)
		if cur, cerr := o.current(ctx); cerr == nil {
			return cur
		}
		return st
	}

	if _, err := o.recon.Check(ctx, journal.PurposeKill, st.Expected(), nil); err != nil {
		return fail("reconcile", err)
	}
	pending, err := o.state.SetKillCloseIntent(ctx, o.markPrice(ctx, st))
	if err != nil {
		return fail("persist close intent", err)
	}

	in := pending.Intent
	req := broker.OrderRequest{
		ClientOrderID: in.ClientOrderID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Shares:        in.Shares,
		RefPrice:      in.Price,
	}
	var fill position.Fill
	err = o.retry.Once(ctx, "kill_close", func(ctx context.Context) error {
		f, err := o.broker.Submit(ctx, req)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	o.observeOrder(in.Side, err)
	if err != nil {
		return fail("submit", err)
	}
	o.journalOrder(ctx, in, fill)

	trade, _, err := o.state.ConfirmSell(ctx, fill)
	if err != nil {
		return fail("confirm", err)
	}
	o.notify.Notify(ctx, notifier.Warning, "Kill switch closed position",
		fmt.Sprintf("sold %s %s at %s, P&L %s", trade.Shares, trade.Symbol, trade.ExitPrice, trade.RealizedPnL.StringFixed(2)), payload)

	cur, err := o.current(ctx)
	if err != nil {
		return st
	}
	return cur
}

// ResumeFromKill clears KILLED when a fresh reconciliation matches.
func (o *Orchestrator) ResumeFromKill(ctx context.Context) (position.State, error) {
	return enqueue(ctx, o, "resume_kill", func(ctx context.Context) (position.State, error) {
		cur, err := o.current(ctx)
		if err != nil {
			return cur, err
		}
		if cur.ExpectedAction != position.Killed {
			if !o.killed.Load() {
				return cur, &position.TransitionError{From: cur.ExpectedAction, Op: "resume_kill"}
			}
			// KILLED was never persisted
			o.setKilled(false)
			o.notify.Notify(ctx, notifier.Warning, "Kill switch cleared", "in-memory kill flag cleared", nil)
			return cur, nil
		}

		st, err := o.state.ResumeFromKill(ctx)
		if err != nil {
			o.rejected(ctx, "Resume from kill rejected", err)
			return st, err
		}
		o.setKilled(false)
		o.notify.Notify(ctx, notifier.Warning, "Kill switch cleared", "reconciliation matched",
			map[string]any{"state": st.ExpectedAction})
		return st, nil
	})
}

func (o *Orchestrator) rejected(ctx context.Context, title string, err error) {
	if failure.Classify(err) == failure.KindPositionMismatch {
		o.notify.Notify(ctx, notifier.Critical, title, err.Error(), nil)
		return
	}
	o.log.WithError(err).Warn(title)
}

// ConfirmBuy applies a buy fill reported by the operator. A buy that was in flight when the
// kill switch fired is closed right after it is confirmed.
func (o *Orchestrator) ConfirmBuy(ctx context.Context, fill position.Fill) (position.State, error) {
	return enqueue(ctx, o, "confirm_buy", func(ctx context.Context) (position.State, error) {
		prev, err := o.current(ctx)
		if err != nil {
			return prev, err
		}
		st, err := o.state.ConfirmBuy(ctx, fill)
		if err != nil {
			return st, err
		}
		if prev.Intent == nil || prev.Intent.Side != position.Buy {
			// already applied
			return st, nil
		}
		o.notify.Notify(ctx, notifier.Info, fmt.Sprintf("Buy confirmed for %s", st.Symbol),
			fmt.Sprintf("%s shares at %s", st.Shares, st.EntryPrice), map[string]any{"order_id": fill.OrderID})
		if st.ExpectedAction == position.Killed && st.Intent == nil && !st.Flat() {
			return o.closeOnKill(ctx, st), nil
		}
		return st, nil
	})
}

// SellConfirmation is the outcome of an operator sell confirmation.
type SellConfirmation struct {
	State    position.State       `json:"state"`
	Trade    position.TradeRecord `json:"trade"`
	Recorded bool                 `json:"recorded"`
}

// ConfirmSell applies a sell fill reported by the operator.
func (o *Orchestrator) ConfirmSell(ctx context.Context, fill position.Fill) (SellConfirmation, error) {
	return enqueue(ctx, o, "confirm_sell", func(ctx context.Context) (SellConfirmation, error) {
		trade, recorded, err := o.state.ConfirmSell(ctx, fill)
		if err != nil {
			return SellConfirmation{}, err
		}
		st, err := o.current(ctx)
		if err != nil {
			return SellConfirmation{}, err
		}
		if recorded {
			o.notify.Notify(ctx, notifier.Info, fmt.Sprintf("Sell confirmed for %s", trade.Symbol),
				fmt.Sprintf("%s shares at %s, P&L %s", trade.Shares, trade.ExitPrice, trade.RealizedPnL.StringFixed(2)),
				map[string]any{"order_id": fill.OrderID})
		}
		return SellConfirmation{State: st, Trade: trade, Recorded: recorded}, nil
	})
}

// AbandonPending drops a pending intent the broker shows as never executed.
func (o *Orchestrator) AbandonPending(ctx context.Context) (position.State, error) {
	return enqueue(ctx, o, "abandon_pending", func(ctx context.Context) (position.State, error) {
		st, err := o.state.AbandonPending(ctx)
		if err != nil {
			return st, err
		}
		o.notify.Notify(ctx, notifier.Warning, "Pending intent abandoned", "broker confirmed the order never executed",
			map[string]any{"state": st.ExpectedAction})
		return st, nil
	})
}

// RunNow queues a job immediately and waits for its status.
func (o *Orchestrator) RunNow(ctx context.Context, name string) (string, error) {
	if _, ok := o.jobs[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return enqueue(ctx, o, name, func(ctx context.Context) (string, error) {
		return o.runJob(ctx, name)
	})
}
