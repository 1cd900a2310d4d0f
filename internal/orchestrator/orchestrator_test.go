package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/guarded-trader/internal/broker"
	"github.com/amirphl/guarded-trader/internal/db"
	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/notifier"
	"github.com/amirphl/guarded-trader/internal/position"
	"github.com/amirphl/guarded-trader/internal/reconcile"
	"github.com/amirphl/guarded-trader/internal/retry"
	"github.com/amirphl/guarded-trader/internal/signal"
	"github.com/amirphl/guarded-trader/internal/state"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flakyBroker wraps the paper broker with injectable failures.
type flakyBroker struct {
	broker.Broker

	mu             sync.Mutex
	blockPositions bool
	submitErr      error
	positionsCalls int
	submitCalls    int
	// onSubmit runs on the job goroutine after each Submit attempt is counted.
	onSubmit func(n int)
}

func (f *flakyBroker) Positions(ctx context.Context) ([]position.Holding, error) {
	f.mu.Lock()
	f.positionsCalls++
	block := f.blockPositions
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.Broker.Positions(ctx)
}

func (f *flakyBroker) Submit(ctx context.Context, req broker.OrderRequest) (position.Fill, error) {
	f.mu.Lock()
	f.submitCalls++
	n, err, hook := f.submitCalls, f.submitErr, f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return position.Fill{}, err
	}
	return f.Broker.Submit(ctx, req)
}

func (f *flakyBroker) calls() (positions, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positionsCalls, f.submitCalls
}

type alert struct {
	sev   notifier.Severity
	title string
}

type recorder struct {
	mu  sync.Mutex
	got []alert
}

func (r *recorder) Notify(_ context.Context, sev notifier.Severity, title, _ string, _ map[string]any) []notifier.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, alert{sev, title})
	return nil
}

func (r *recorder) bySeverity(sev notifier.Severity) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.got {
		if a.sev == sev {
			out = append(out, a.title)
		}
	}
	return out
}

type harness struct {
	o      *Orchestrator
	mgr    *state.Manager
	store  *db.MemoryStorage
	paper  *broker.Paper
	broker *flakyBroker
	sig    *signal.Static
	alerts *recorder
}

func buySignal(id, sym, price string) signal.Signal {
	return signal.Signal{ID: id, Action: signal.Buy, Instrument: sym, Price: d(price), GeneratedAt: time.Now()}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	log := logrus.NewEntry(logger)

	store := db.NewMemory()
	paper, err := broker.NewPaper("", d("10000"), log)
	require.NoError(t, err)
	fb := &flakyBroker{Broker: paper}
	policy := retry.New(retry.Config{
		InitialDelay:   time.Millisecond,
		Multiplier:     2,
		MaxAttempts:    3,
		MaxElapsed:     5 * time.Second,
		AttemptTimeout: 50 * time.Millisecond,
	}, log)
	engine := reconcile.New(store, fb, policy, log)
	mgr := state.New(store, engine, "paper", log)
	sig := signal.NewStatic(buySignal("sig-1", "TQQQ", "50"))
	rec := &recorder{}

	o := New(mgr, engine, policy, fb, sig, rec, store, Options{Mode: "paper", Location: time.UTC}, log)
	return &harness{o: o, mgr: mgr, store: store, paper: paper, broker: fb, sig: sig, alerts: rec}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Start(context.Background()))
	t.Cleanup(h.o.Stop)
}

func (h *harness) state(t *testing.T) position.State {
	t.Helper()
	st, err := h.o.current(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) holdings(t *testing.T) []position.Holding {
	t.Helper()
	hs, err := h.paper.Positions(context.Background())
	require.NoError(t, err)
	return hs
}

func TestOpenSignalBuysWhenBrokerIsFlat(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	status, err := h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	assert.Equal(t, journal.JobOK, status)

	st := h.state(t)
	assert.Equal(t, position.Held, st.ExpectedAction)
	assert.Equal(t, "TQQQ", st.Symbol)
	assert.True(t, d("200").Equal(st.Shares), st.Shares.String())
	assert.Equal(t, "sig-1", st.SignalID)
	assert.Nil(t, st.Intent)

	require.Len(t, h.holdings(t), 1)
	assert.Contains(t, h.alerts.bySeverity(notifier.Info), "Bought TQQQ")
	assert.Empty(t, h.alerts.bySeverity(notifier.Critical))

	recs, err := h.store.ListReconciliations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, journal.PurposeOpen, recs[0].Purpose)
	assert.True(t, recs[0].Match)

	runs, err := h.store.ListJobRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, JobOpenSignal, runs[0].Name)
	assert.Equal(t, journal.JobOK, runs[0].LastStatus)
}

func TestMismatchHaltsUntilAcknowledged(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.paper.Set("TQQQ", d("100")))
	h.start(t)
	ctx := context.Background()

	status, err := h.o.RunNow(ctx, JobOpenSignal)
	require.Error(t, err)
	assert.Equal(t, failure.KindPositionMismatch, failure.Classify(err))
	assert.Equal(t, journal.JobHalted, status)
	assert.Equal(t, position.Halted, h.state(t).ExpectedAction)
	assert.Equal(t, []string{"Position mismatch: trading halted"}, h.alerts.bySeverity(notifier.Critical))

	// no order was placed
	_, submits := h.broker.calls()
	assert.Zero(t, submits)

	status, err = h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	assert.Equal(t, journal.JobSkipped, status)
	assert.Len(t, h.alerts.bySeverity(notifier.Critical), 1, "no second alert while halted")

	_, err = h.o.AcknowledgeAndResume(ctx)
	require.Error(t, err)
	assert.Equal(t, position.Halted, h.state(t).ExpectedAction)

	require.NoError(t, h.paper.Set("TQQQ", decimal.Zero))
	st, err := h.o.AcknowledgeAndResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.Idle, st.ExpectedAction)

	events, err := h.store.GetEvents(ctx, journal.TypeHalt, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStartupInspectsPendingBuyAndOperatorConfirms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// a previous run persisted the intent, the order filled, then the process died
	pending, err := h.mgr.SetPendingBuy(ctx, "TQQQ", d("50"), d("42.15"), "sig-1")
	require.NoError(t, err)
	require.NoError(t, h.paper.Set("TQQQ", d("50")))

	h.start(t)
	assert.Equal(t, []string{"Pending intent found at startup"}, h.alerts.bySeverity(notifier.Critical))
	recs, err := h.store.ListReconciliations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, journal.PurposeInspect, recs[0].Purpose)
	assert.Equal(t, journal.ActionAwaitOperator, recs[0].Action)

	status, err := h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	assert.Equal(t, journal.JobSkipped, status)
	assert.Equal(t, position.PendingBuy, h.state(t).ExpectedAction)

	fill := position.Fill{OrderID: "ord-1", Symbol: "TQQQ", Side: position.Buy, Price: d("42.15"), Shares: d("50")}
	st, err := h.o.ConfirmBuy(ctx, fill)
	require.NoError(t, err)
	assert.Equal(t, position.Held, st.ExpectedAction)
	assert.True(t, d("50").Equal(st.Shares))
	assert.Equal(t, pending.Intent.SignalID, st.SignalID)

	// repeating the confirmation changes nothing
	again, err := h.o.ConfirmBuy(ctx, fill)
	require.NoError(t, err)
	assert.Equal(t, st.UpdatedAt, again.UpdatedAt)
}

func TestBrokerTimeoutsEscalateToFatal(t *testing.T) {
	h := newHarness(t)
	h.broker.blockPositions = true
	h.start(t)

	status, err := h.o.RunNow(context.Background(), JobOpenSignal)
	require.Error(t, err)
	assert.Equal(t, failure.KindFatal, failure.Classify(err))
	assert.Equal(t, journal.JobHalted, status)

	positions, submits := h.broker.calls()
	assert.Equal(t, 3, positions)
	assert.Zero(t, submits)
	assert.Equal(t, []string{"open_signal failed"}, h.alerts.bySeverity(notifier.Critical))
	assert.Equal(t, position.Idle, h.state(t).ExpectedAction)
}

func TestKillSwitchClosesHolding(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	_, err := h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)

	st, err := h.o.ActivateKillSwitch(ctx, "operator stop")
	require.NoError(t, err)
	assert.Equal(t, position.Killed, st.ExpectedAction)
	assert.True(t, st.Flat())
	assert.Nil(t, st.Intent)
	assert.True(t, h.o.KillSwitchActive())
	assert.Empty(t, h.holdings(t))

	trades, err := h.o.Trades(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "paper", trades[0].Mode)

	assert.Contains(t, h.alerts.bySeverity(notifier.Critical), "Kill switch activated")

	status, err := h.o.RunNow(ctx, JobCloseAll)
	require.NoError(t, err)
	assert.Equal(t, journal.JobSkipped, status)

	st, err = h.o.ResumeFromKill(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.Idle, st.ExpectedAction)
	assert.False(t, h.o.KillSwitchActive())
}

func TestKillSwitchCloseFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	_, err := h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	_, submitsBefore := h.broker.calls()

	h.broker.mu.Lock()
	h.broker.submitErr = failure.Recoverable(errors.New("connection reset"))
	h.broker.mu.Unlock()

	st, err := h.o.ActivateKillSwitch(ctx, "operator stop")
	require.NoError(t, err)
	assert.Equal(t, position.Killed, st.ExpectedAction)
	assert.True(t, d("200").Equal(st.Shares))
	require.NotNil(t, st.Intent, "close intent stays for the operator")
	assert.Equal(t, []string{"Kill switch close failed"}, h.alerts.bySeverity(notifier.Error))

	_, submitsAfter := h.broker.calls()
	assert.Equal(t, 1, submitsAfter-submitsBefore)

	_, err = h.o.ResumeFromKill(ctx)
	assert.Error(t, err, "intent must be resolved first")

	h.broker.mu.Lock()
	h.broker.submitErr = nil
	h.broker.mu.Unlock()

	st, err = h.o.AbandonPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.Killed, st.ExpectedAction)
	assert.Nil(t, st.Intent)

	st, err = h.o.ResumeFromKill(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.Held, st.ExpectedAction)
}

func TestKillDuringSubmitRetryAbortsJob(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	killed := make(chan position.State, 1)
	h.broker.mu.Lock()
	h.broker.submitErr = failure.Recoverable(errors.New("connection reset"))
	h.broker.onSubmit = func(n int) {
		if n != 1 {
			return
		}
		go func() {
			st, _ := h.o.ActivateKillSwitch(ctx, "operator stop")
			killed <- st
		}()
		assert.Eventually(t, h.o.KillSwitchActive, time.Second, time.Millisecond)
	}
	h.broker.mu.Unlock()

	status, err := h.o.RunNow(ctx, JobOpenSignal)
	assert.ErrorIs(t, err, ErrKillSwitchActive)
	assert.Equal(t, journal.JobAborted, status)
	_, submits := h.broker.calls()
	assert.Equal(t, 1, submits, "no attempt after the kill")
	assert.NotContains(t, h.alerts.bySeverity(notifier.Critical), JobOpenSignal+" failed")

	var st position.State
	select {
	case st = <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill task did not run")
	}
	assert.Equal(t, position.Killed, st.ExpectedAction)
	require.NotNil(t, st.Intent, "the buy may have reached the broker")
	assert.Contains(t, h.alerts.bySeverity(notifier.Critical), "Kill switch: intent pending")

	h.broker.mu.Lock()
	h.broker.submitErr = nil
	h.broker.onSubmit = nil
	h.broker.mu.Unlock()

	st, err = h.o.AbandonPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.Killed, st.ExpectedAction)
	st, err = h.o.ResumeFromKill(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.Idle, st.ExpectedAction)
}

func TestStorageFailureInsideRetryHalts(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	h.broker.mu.Lock()
	h.broker.submitErr = failure.Recoverable(errors.New("connection reset"))
	h.broker.onSubmit = func(int) {
		// same goroutine as the gate that reads it
		h.store.FailLoadState = errors.New("disk unavailable")
	}
	h.broker.mu.Unlock()

	status, err := h.o.RunNow(ctx, JobOpenSignal)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKillSwitchActive)
	assert.Equal(t, journal.JobHalted, status, "a broken store is not an operator stop")
	assert.Contains(t, h.alerts.bySeverity(notifier.Critical), JobOpenSignal+" failed")
	_, submits := h.broker.calls()
	assert.Equal(t, 1, submits)


	h.store.FailLoadState = nil
	st := h.state(t)
	assert.Equal(t, position.PendingBuy, st.ExpectedAction, "intent kept for the operator")
}

func TestKillWithFilledPendingBuyClosesAfterConfirm(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	// the buy executed but the process stopped before confirming it
	pending, err := h.mgr.SetPendingBuy(ctx, "TQQQ", d("50"), d("50"), "sig-1")
	require.NoError(t, err)
	require.NoError(t, h.paper.Set("TQQQ", d("50")))

	st, err := h.o.ActivateKillSwitch(ctx, "operator stop")
	require.NoError(t, err)
	assert.Equal(t, position.Killed, st.ExpectedAction)
	require.NotNil(t, st.Intent)
	assert.True(t, st.Flat())
	assert.Contains(t, h.alerts.bySeverity(notifier.Critical), "Kill switch: intent pending")
	assert.Len(t, h.holdings(t), 1, "nothing is sold before the fill is confirmed")

	st, err = h.o.ConfirmBuy(ctx, position.Fill{OrderID: "b-" + pending.Intent.ClientOrderID, Price: d("50"), Shares: d("50")})
	require.NoError(t, err)
	assert.Equal(t, position.Killed, st.ExpectedAction)
	assert.True(t, st.Flat())
	assert.Nil(t, st.Intent)
	assert.Empty(t, h.holdings(t))

	trades, err := h.o.Trades(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	st, err = h.o.ResumeFromKill(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.Idle, st.ExpectedAction)
}

func TestSignalAlreadyTradedToday(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	_, err := h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)

	h.sig.Set(signal.Signal{ID: "sig-1", Action: signal.Sell, Instrument: "TQQQ", Price: d("55"), GeneratedAt: time.Now()}, nil)
	status, err := h.o.RunNow(ctx, JobMomentumCheck)
	require.NoError(t, err)
	assert.Equal(t, journal.JobOK, status)
	assert.Equal(t, position.Idle, h.state(t).ExpectedAction)

	trades, err := h.o.Trades(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, d("1000").Equal(trades[0].RealizedPnL), trades[0].RealizedPnL.String())

	h.sig.Set(buySignal("sig-1", "TQQQ", "55"), nil)
	status, err = h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	assert.Equal(t, journal.JobNoop, status)
	assert.Equal(t, position.Idle, h.state(t).ExpectedAction)
}

func TestCashAndUnaffordableSignals(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	h.sig.Set(signal.Signal{Action: signal.Cash, Reason: "no trigger"}, nil)
	status, err := h.o.RunNow(ctx, JobMomentumCheck)
	require.NoError(t, err)
	assert.Equal(t, journal.JobNoop, status)
	assert.Empty(t, h.alerts.bySeverity(notifier.Info))

	_, err = h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	assert.Equal(t, []string{"No trade signal today"}, h.alerts.bySeverity(notifier.Info))

	h.sig.Set(buySignal("sig-2", "BTCUSDT", "60000"), nil)
	status, err = h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	assert.Equal(t, journal.JobNoop, status)
	assert.Equal(t, []string{"Position size is zero"}, h.alerts.bySeverity(notifier.Warning))
	assert.Equal(t, position.Idle, h.state(t).ExpectedAction)
}

func TestCloseAllAndHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	status, err := h.o.RunNow(ctx, JobCloseAll)
	require.NoError(t, err)
	assert.Equal(t, journal.JobNoop, status)

	_, err = h.o.RunNow(ctx, JobOpenSignal)
	require.NoError(t, err)
	status, err = h.o.RunNow(ctx, JobCloseAll)
	require.NoError(t, err)
	assert.Equal(t, journal.JobOK, status)
	assert.Empty(t, h.holdings(t))

	status, err = h.o.RunNow(ctx, JobHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, journal.JobOK, status)
	beats, err := h.store.GetEvents(ctx, journal.TypeHeartbeat, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, "IDLE", beats[0].Data["state"])

	// paper has no session to refresh
	status, err = h.o.RunNow(ctx, JobSessionRefresh)
	require.NoError(t, err)
	assert.Equal(t, journal.JobNoop, status)

	_, err = h.o.RunNow(ctx, "rebalance")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestSignalReadFailureHalts(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.sig.Set(signal.Signal{}, errors.New("signal file missing"))

	status, err := h.o.RunNow(context.Background(), JobOpenSignal)
	require.Error(t, err)
	assert.Equal(t, journal.JobHalted, status)
	assert.Equal(t, []string{"open_signal failed"}, h.alerts.bySeverity(notifier.Critical))
}

func TestTriggerDropsWhenQueueFull(t *testing.T) {
	h := newHarness(t)
	h.o.queue = make(chan task, 1)

	h.o.trigger(JobHeartbeat)()
	h.o.trigger(JobHeartbeat)()

	runs, err := h.store.ListJobRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.JobSkipped, runs[0].LastStatus)
	assert.Len(t, h.o.queue, 1)
}

func TestStartValidatesSpecs(t *testing.T) {
	h := newHarness(t)
	h.o.opts.Specs = map[string]string{"rebalance": "* * * * *"}
	assert.ErrorIs(t, h.o.Start(context.Background()), ErrUnknownJob)

	h = newHarness(t)
	h.o.opts.Specs = map[string]string{JobHeartbeat: "often"}
	assert.Error(t, h.o.Start(context.Background()))

	h = newHarness(t)
	h.o.opts.Specs = map[string]string{JobHeartbeat: "*/5 9-16 * * MON-FRI"}
	h.start(t)
	s, err := h.o.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "paper", s.Mode)
	assert.Equal(t, position.Idle, s.State.ExpectedAction)
}

func TestStopRejectsNewWork(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Start(context.Background()))
	h.o.Stop()

	_, err := h.o.RunNow(context.Background(), JobHeartbeat)
	assert.ErrorIs(t, err, ErrStopped)
}
