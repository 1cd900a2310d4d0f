package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/broker"
	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/metrics"
	"github.com/amirphl/guarded-trader/internal/notifier"
	"github.com/amirphl/guarded-trader/internal/position"
	"github.com/amirphl/guarded-trader/internal/signal"
)

// handleFailure turns a failed job into exactly one halt artifact and one critical alert.
// A position mismatch additionally halts trading.
func (o *Orchestrator) handleFailure(ctx context.Context, job string, err error) string {
	log := o.log.WithField("job", job).WithError(err)
	if errors.Is(err, ErrKillSwitchActive) || errors.Is(err, ErrBlocked) {
		log.Warn("job aborted by kill switch or halt")
		return journal.JobAborted
	}

	kind := failure.Classify(err)
	data := map[string]any{"job": job, "error": err.Error(), "kind": kind.String()}
	title := fmt.Sprintf("%s failed", job)
	message := err.Error()

	if kind == failure.KindPositionMismatch {
		title = "Position mismatch: trading halted"
		if _, herr := o.state.SetHalted(ctx, fmt.Sprintf("%s: %v", job, err)); herr != nil {
			log.WithField("halt_error", herr).Error("failed to persist HALTED")
			data["halt_error"] = herr.Error()
		}
		message += ". Jobs stay idle until an operator acknowledges after reconciliation matches."
	} else if st, serr := o.current(ctx); serr == nil && st.Intent != nil {
		data["intent"] = st.Intent
		message += fmt.Sprintf(". Intent %s is still pending: confirm or abandon it.", st.Intent.ClientOrderID)
	}

	if jerr := o.store.LogEvent(ctx, journal.Event{
		Time:        o.now().UTC(),
		Type:        journal.TypeHalt,
		Description: job,
		Data:        data,
	}); jerr != nil {
		log.WithField("journal_error", jerr).Error("failed to journal halt")
	}
	log.WithField("kind", kind.String()).Error("job halted")
	o.notify.Notify(ctx, notifier.Critical, title, message, data)
	return journal.JobHalted
}

// ready loads the state and reports a skip status when no job may act on it.
func (o *Orchestrator) ready(ctx context.Context, job string) (position.State, string, error) {
	log := o.log.WithField("job", job)
	if o.killed.Load() {
		log.Warn("kill switch active, skipping")
		return position.State{}, journal.JobSkipped, nil
	}
	st, err := o.current(ctx)
	if err != nil {
		return st, "", err
	}
	if st.ExpectedAction.Blocked() {
		log.WithFields(logrus.Fields{"state": st.ExpectedAction, "reason": st.Reason}).Warn("trading blocked, skipping")
		return st, journal.JobSkipped, nil
	}
	if st.Intent != nil || st.ExpectedAction.Pending() {
		log.WithField("state", st.ExpectedAction).Warn("intent pending operator confirmation, skipping")
		return st, journal.JobSkipped, nil
	}
	return st, "", nil
}

func (o *Orchestrator) openSignal(ctx context.Context) (string, error) {
	return o.followSignal(ctx, JobOpenSignal, true)
}

// momentumCheck re-reads the signal intraday. It opens from IDLE and closes on an explicit
// sell, but never rotates a holding or announces a cash day.
func (o *Orchestrator) momentumCheck(ctx context.Context) (string, error) {
	return o.followSignal(ctx, JobMomentumCheck, false)
}

func (o *Orchestrator) followSignal(ctx context.Context, job string, primary bool) (string, error) {
	st, skip, err := o.ready(ctx, job)
	if err != nil || skip != "" {
		return skip, err
	}
	sig, err := o.signals.Current(ctx)
	if err != nil {
		return "", failure.Fatal(fmt.Errorf("read signal: %w", err))
	}
	log := o.log.WithFields(logrus.Fields{"job": job, "signal": sig.ID, "action": sig.Action, "instrument": sig.Instrument})
	log.Info("signal read")

	switch sig.Action {
	case signal.Cash:
		if primary {
			o.notify.Notify(ctx, notifier.Info, "No trade signal today", sig.Reason, map[string]any{"state": st.ExpectedAction})
		}
		return journal.JobNoop, nil

	case signal.Sell:
		if st.ExpectedAction != position.Held || st.Symbol != sig.Instrument {
			log.Info("sell signal for a position we do not hold")
			return journal.JobNoop, nil
		}
		return o.closePosition(ctx, st, sig.Price, "sell signal "+sig.ID)

	case signal.Buy:
		if st.ExpectedAction == position.Held {
			if st.Symbol == sig.Instrument || !primary {
				log.WithField("holding", st.Symbol).Info("already holding, nothing to open")
				return journal.JobNoop, nil
			}
			status, err := o.closePosition(ctx, st, decimal.Zero, "rotating into "+sig.Instrument)
			if err != nil || status != journal.JobOK {
				return status, err
			}
			if st, err = o.current(ctx); err != nil {
				return "", err
			}
			if st.ExpectedAction != position.Idle {
				log.WithField("state", st.ExpectedAction).Warn("close left a remainder, not opening")
				return journal.JobOK, nil
			}
		}
		return o.openPosition(ctx, st, sig)
	}
	return journal.JobNoop, nil
}

// openPosition runs reconcile, persist intent, submit, confirm, notify in that order.
func (o *Orchestrator) openPosition(ctx context.Context, st position.State, sig signal.Signal) (string, error) {
	log := o.log.WithFields(logrus.Fields{"signal": sig.ID, "instrument": sig.Instrument})

	traded, err := o.store.HasTradeForSignal(ctx, sig.ID, signal.DayStart(o.now(), o.opts.Location))
	if err != nil {
		return "", err
	}
	if traded {
		log.Info("signal already traded today")
		return journal.JobNoop, nil
	}

	if _, err := o.recon.Check(ctx, journal.PurposeOpen, st.Expected(), o.gate); err != nil {
		return "", err
	}

	var cash decimal.Decimal
	err = o.retry.Do(ctx, "broker_cash", o.gate, func(ctx context.Context) error {
		c, err := o.broker.Cash(ctx)
		if err != nil {
			return err
		}
		cash = c
		return nil
	})
	if err != nil {
		return "", err
	}
	shares := position.SizeShares(cash, sig.Price, o.opts.MaxPositionPct, o.opts.MaxPositionUSD)
	if !shares.IsPositive() {
		log.WithFields(logrus.Fields{"cash": cash.String(), "price": sig.Price.String()}).Warn("position size is zero")
		o.notify.Notify(ctx, notifier.Warning, "Position size is zero",
			fmt.Sprintf("cash %s cannot buy %s at %s", cash, sig.Instrument, sig.Price), nil)
		return journal.JobNoop, nil
	}

	pending, err := o.state.SetPendingBuy(ctx, sig.Instrument, shares, sig.Price, sig.ID)
	if err != nil {
		return "", err
	}
	fill, err := o.submit(ctx, pending.Intent)
	if err != nil {
		return "", err
	}
	held, err := o.state.ConfirmBuy(ctx, fill)
	if err != nil {
		return "", err
	}

	if fill.Shares.IsPositive() && fill.Shares.LessThan(shares) {
		o.notify.Notify(ctx, notifier.Warning, "Partial fill",
			fmt.Sprintf("bought %s of %s %s", fill.Shares, shares, held.Symbol), map[string]any{"order_id": fill.OrderID})
	}
	o.notify.Notify(ctx, notifier.Info, fmt.Sprintf("Bought %s", held.Symbol),
		fmt.Sprintf("%s shares at %s (%s)", held.Shares, held.EntryPrice, sig.Reason),
		map[string]any{"order_id": fill.OrderID, "signal": sig.ID, "mode": o.opts.Mode})
	return journal.JobOK, nil
}

// closePosition sells the whole holding in the same order as openPosition.
func (o *Orchestrator) closePosition(ctx context.Context, st position.State, price decimal.Decimal, reason string) (string, error) {
	if _, err := o.recon.Check(ctx, journal.PurposeClose, st.Expected(), o.gate); err != nil {
		return "", err
	}
	if !price.IsPositive() {
		price = o.markPrice(ctx, st)
	}

	pending, err := o.state.SetPendingSell(ctx, price)
	if err != nil {
		return "", err
	}
	fill, err := o.submit(ctx, pending.Intent)
	if err != nil {
		return "", err
	}
	trade, recorded, err := o.state.ConfirmSell(ctx, fill)
	if err != nil {
		return "", err
	}

	after, err := o.current(ctx)
	if err != nil {
		return "", err
	}
	if after.ExpectedAction == position.Held {
		o.notify.Notify(ctx, notifier.Warning, "Partial fill",
			fmt.Sprintf("sold %s of %s %s, %s remain", fill.Shares, st.Shares, st.Symbol, after.Shares), map[string]any{"order_id": fill.OrderID})
	}
	if recorded {
		o.notify.Notify(ctx, notifier.Info, fmt.Sprintf("Sold %s", trade.Symbol),
			fmt.Sprintf("%s shares at %s, P&L %s (%s)", trade.Shares, trade.ExitPrice, trade.RealizedPnL.StringFixed(2), reason),
			map[string]any{"order_id": fill.OrderID, "mode": trade.Mode})
	}
	return journal.JobOK, nil
}

// markPrice is the best reference price we have for the held symbol.
func (o *Orchestrator) markPrice(ctx context.Context, st position.State) decimal.Decimal {
	sig, err := o.signals.Current(ctx)
	if err == nil && sig.Instrument == st.Symbol && sig.Price.IsPositive() {
		return sig.Price
	}
	return st.EntryPrice
}

// submit sends the persisted intent to the broker under the retry policy. The client
// order id makes a retried submit safe.
func (o *Orchestrator) submit(ctx context.Context, in *position.Intent) (position.Fill, error) {
	if in == nil {
		return position.Fill{}, failure.Fatal(errors.New("submit without a persisted intent"))
	}
	req := broker.OrderRequest{
		ClientOrderID: in.ClientOrderID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Shares:        in.Shares,
		RefPrice:      in.Price,
	}
	var fill position.Fill
	err := o.retry.Do(ctx, "submit_"+string(in.Side), o.gate, func(ctx context.Context) error {
		f, err := o.broker.Submit(ctx, req)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	o.observeOrder(in.Side, err)
	if err != nil {
		return position.Fill{}, err
	}
	o.journalOrder(ctx, in, fill)
	return fill, nil
}

func (o *Orchestrator) observeOrder(side position.Side, err error) {
	outcome := "filled"
	if err != nil {
		outcome = "failed"
	}
	metrics.Orders.WithLabelValues(string(side), outcome).Inc()
}

func (o *Orchestrator) journalOrder(ctx context.Context, in *position.Intent, fill position.Fill) {
	if err := o.store.LogEvent(ctx, journal.Event{
		Time:        o.now().UTC(),
		Type:        journal.TypeOrder,
		Description: "order_filled",
		Data:        map[string]any{"client_order_id": in.ClientOrderID, "fill": fill, "broker": o.broker.Name()},
	}); err != nil {
		o.log.WithError(err).Warn("failed to journal order")
	}
}

func (o *Orchestrator) closeAll(ctx context.Context) (string, error) {
	st, skip, err := o.ready(ctx, JobCloseAll)
	if err != nil || skip != "" {
		return skip, err
	}
	if st.ExpectedAction != position.Held {
		return journal.JobNoop, nil
	}
	return o.closePosition(ctx, st, decimal.Zero, "end of session")
}

func (o *Orchestrator) sessionRefresh(ctx context.Context) (string, error) {
	r, ok := o.broker.(broker.SessionRefresher)
	if !ok {
		return journal.JobNoop, nil
	}
	if err := o.retry.Do(ctx, "session_refresh", nil, r.RefreshSession); err != nil {
		return "", err
	}
	o.log.WithField("broker", o.broker.Name()).Info("broker session refreshed")
	return journal.JobOK, nil
}

func (o *Orchestrator) heartbeat(ctx context.Context) (string, error) {
	s, err := o.Status(ctx)
	if err != nil {
		return "", err
	}
	data := map[string]any{
		"state":       string(s.State.ExpectedAction),
		"symbol":      s.State.Symbol,
		"shares":      s.State.Shares.String(),
		"kill_switch": s.KillSwitch,
		"queue_depth": s.QueueDepth,
	}
	if err := o.store.LogEvent(ctx, journal.Event{Time: s.Time, Type: journal.TypeHeartbeat, Description: "heartbeat", Data: data}); err != nil {
		return "", err
	}
	o.log.WithFields(logrus.Fields(data)).Debug("heartbeat")
	return journal.JobOK, nil
}

// inspectPending reports an intent left behind by a previous run. It changes nothing:
// the operator confirms or abandons.
func (o *Orchestrator) inspectPending(ctx context.Context, st position.State) {
	o.reportIntent(ctx, st, "startup_pending_intent", "Pending intent found at startup", "")
}

// reportIntent inspects the broker for a pending intent, journals the outcome and sends one
// critical alert with advice for the operator.
func (o *Orchestrator) reportIntent(ctx context.Context, st position.State, event, title, extra string) {
	log := o.log.WithFields(logrus.Fields{"state": st.ExpectedAction, "client_order_id": st.Intent.ClientOrderID})
	payload := map[string]any{"state": st.ExpectedAction, "intent": st.Intent}

	var advice string
	in, err := o.recon.Inspect(ctx, journal.PurposeInspect, st, nil)
	switch {
	case err != nil:
		advice = fmt.Sprintf("could not inspect the broker: %v", err)
	case in.Filled:
		advice = "the broker shows the order filled: confirm it with the broker order id"
	case in.Untouched:
		advice = "the broker shows the order not filled: abandon it"
	default:
		advice = "the broker matches neither outcome: " + in.Result.String()
	}
	advice += extra
	payload["advice"] = advice

	log.WithField("advice", advice).Warn(title)
	if jerr := o.store.LogEvent(ctx, journal.Event{
		Time:        o.now().UTC(),
		Type:        journal.TypeHalt,
		Description: event,
		Data:        payload,
	}); jerr != nil {
		log.WithError(jerr).Error("failed to journal pending intent")
	}
	o.notify.Notify(ctx, notifier.Critical, title,
		fmt.Sprintf("%s %s %s: %s", st.Intent.Side, st.Intent.Shares, st.Intent.Symbol, advice), payload)
}
