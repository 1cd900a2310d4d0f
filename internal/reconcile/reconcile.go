// Package reconcile compares the holdings we expect with the broker's and keeps an
// append-only record of every comparison.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/metrics"
	"github.com/amirphl/guarded-trader/internal/position"
	"github.com/amirphl/guarded-trader/internal/retry"
)

// RecordStore persists reconciliation records.
type RecordStore interface {
	AppendReconciliation(ctx context.Context, r journal.Reconciliation) error
}

// PositionSource reports the broker's current holdings.
type PositionSource interface {
	Positions(ctx context.Context) ([]position.Holding, error)
}

// Result of comparing two holding sets.
type Result struct {
	Expected   []position.Holding `json:"expected"`
	Broker     []position.Holding `json:"broker"`
	Missing    []position.Holding `json:"missing"`
	Unexpected []position.Holding `json:"unexpected"`
	Match      bool               `json:"match"`
}

func (r Result) String() string {
	return fmt.Sprintf("expected %s broker %s missing %s unexpected %s",
		fmtHoldings(r.Expected), fmtHoldings(r.Broker), fmtHoldings(r.Missing), fmtHoldings(r.Unexpected))
}

func fmtHoldings(h []position.Holding) string {
	parts := make([]string, len(h))
	for i := range h {
		parts[i] = h[i].String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MismatchError is returned when expected and broker holdings differ.
type MismatchError struct {
	Purpose string
	Result  Result
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("position mismatch (%s): %s", e.Purpose, e.Result)
}

// PositionMismatch marks the error for failure.Classify.
func (e *MismatchError) PositionMismatch() bool { return true }

// Compare checks set equality of (symbol, shares) pairs in both directions.
// A quantity difference shows up as one missing and one unexpected pair.
func Compare(expected, broker []position.Holding) Result {
	exp := position.NormalizeHoldings(expected)
	act := position.NormalizeHoldings(broker)

	r := Result{Expected: exp, Broker: act}
	r.Missing = difference(exp, act)
	r.Unexpected = difference(act, exp)
	r.Match = len(r.Missing) == 0 && len(r.Unexpected) == 0
	return r
}

// difference returns the pairs of a that are not in b.
func difference(a, b []position.Holding) []position.Holding {
	var out []position.Holding
	for _, x := range a {
		found := false
		for _, y := range b {
			if x.Symbol == y.Symbol && x.Shares.Equal(y.Shares) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}

// outcome labels the record action for a purpose.
func outcome(purpose string, match bool) string {
	switch purpose {
	case journal.PurposeResume:
		if match {
			return journal.ActionResume
		}
		return journal.ActionRemainHalted
	case journal.PurposeResumeKill:
		if match {
			return journal.ActionResume
		}
		return journal.ActionRemainKilled
	case journal.PurposeKill:
		if match {
			return journal.ActionProceed
		}
		return journal.ActionRemainKilled
	case journal.PurposeInspect, journal.PurposeAbandon:
		if match {
			return journal.ActionAwaitOperator
		}
		return journal.ActionHalt
	}
	if match {
		return journal.ActionProceed
	}
	return journal.ActionHalt
}

// Engine runs reconciliations. It never corrects anything.
type Engine struct {
	store  RecordStore
	broker PositionSource
	retry  *retry.Policy
	log    *logrus.Entry
	now    func() time.Time
}

func New(store RecordStore, broker PositionSource, policy *retry.Policy, log *logrus.Entry) *Engine {
	return &Engine{
		store:  store,
		broker: broker,
		retry:  policy,
		log:    log.WithField("component", "reconcile"),
		now:    time.Now,
	}
}

// Reconcile compares expected with broker, appends a record either way, and returns a
// *MismatchError when they differ.
func (e *Engine) Reconcile(ctx context.Context, purpose string, expected, broker []position.Holding) (Result, error) {
	r := Compare(expected, broker)
	return r, e.record(ctx, purpose, r, "")
}

func (e *Engine) record(ctx context.Context, purpose string, r Result, detail string) error {
	rec := journal.Reconciliation{
		Time:     e.now().UTC(),
		Purpose:  purpose,
		Expected: r.Expected,
		Broker:   r.Broker,
		Match:    r.Match,
		Action:   outcome(purpose, r.Match),
		Detail:   detail,
	}
	if !r.Match && detail == "" {
		rec.Detail = r.String()
	}
	if err := e.store.AppendReconciliation(ctx, rec); err != nil {
		return fmt.Errorf("failed to record reconciliation: %w", err)
	}

	log := e.log.WithFields(logrus.Fields{"purpose": purpose, "action": rec.Action})
	if r.Match {
		metrics.Reconciliations.WithLabelValues(purpose, "match").Inc()
		log.Info("reconciliation matched")
		return nil
	}
	metrics.Reconciliations.WithLabelValues(purpose, "mismatch").Inc()
	log.WithField("detail", rec.Detail).Error("reconciliation mismatch")
	return &MismatchError{Purpose: purpose, Result: r}
}

// Snapshot fetches fresh broker holdings under the retry policy.
func (e *Engine) Snapshot(ctx context.Context, gate retry.Gate) ([]position.Holding, error) {
	var holdings []position.Holding
	err := e.retry.Do(ctx, "broker_positions", gate, func(ctx context.Context) error {
		h, err := e.broker.Positions(ctx)
		if err != nil {
			return err
		}
		holdings = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return holdings, nil
}

// Check fetches a fresh broker snapshot and reconciles it against expected.
func (e *Engine) Check(ctx context.Context, purpose string, expected []position.Holding, gate retry.Gate) (Result, error) {
	broker, err := e.Snapshot(ctx, gate)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile %s: %w", purpose, err)
	}
	return e.Reconcile(ctx, purpose, expected, broker)
}

// Inspection describes what the broker shows for a pending intent.
type Inspection struct {
	Result Result
	// Filled is true when the broker shows the intent fully executed.
	Filled bool
	// Untouched is true when the broker still shows the pre-intent holdings.
	Untouched bool
}

// Inspect reconciles a pending state against both possible outcomes of its intent.
// A match on either is recorded as awaiting the operator; neither is a mismatch.
func (e *Engine) Inspect(ctx context.Context, purpose string, st position.State, gate retry.Gate) (Inspection, error) {
	broker, err := e.Snapshot(ctx, gate)
	if err != nil {
		return Inspection{}, fmt.Errorf("inspect pending intent: %w", err)
	}

	after := Compare(st.ExpectedAfterIntent(), broker)
	before := Compare(st.Expected(), broker)
	in := Inspection{Filled: after.Match, Untouched: before.Match}

	switch {
	case in.Filled:
		in.Result = after
		return in, e.record(ctx, purpose, after, "broker shows the pending order filled")
	case in.Untouched:
		in.Result = before
		return in, e.record(ctx, purpose, before, "broker shows the pending order not filled")
	}
	in.Result = after
	return in, e.record(ctx, purpose, after, "")
}
