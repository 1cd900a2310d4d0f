// Package orchestrator runs the scheduled jobs and operator actions. The scheduler only
// enqueues work; a single consumer executes it against the state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/broker"
	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/metrics"
	"github.com/amirphl/guarded-trader/internal/notifier"
	"github.com/amirphl/guarded-trader/internal/position"
	"github.com/amirphl/guarded-trader/internal/reconcile"
	"github.com/amirphl/guarded-trader/internal/retry"
	"github.com/amirphl/guarded-trader/internal/signal"
	"github.com/amirphl/guarded-trader/internal/state"
)

// Job names.
const (
	JobOpenSignal     = "open_signal"
	JobMomentumCheck  = "momentum_check"
	JobCloseAll       = "close_all"
	JobSessionRefresh = "session_refresh"
	JobHeartbeat      = "heartbeat"
)

var (
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrBlocked          = errors.New("trading blocked")
	ErrUnknownJob       = errors.New("unknown job")
	ErrStopped          = errors.New("orchestrator stopped")
	ErrQueueFull        = errors.New("job queue full")
)

// Store is the persistence the orchestrator reads and journals to.
type Store interface {
	journal.Journaler
	HasTradeForSignal(ctx context.Context, signalID string, since time.Time) (bool, error)
	ListTrades(ctx context.Context, since time.Time) ([]position.TradeRecord, error)
	SaveJobRun(ctx context.Context, j journal.JobRun) error
	ListJobRuns(ctx context.Context) ([]journal.JobRun, error)
}

// Notifier delivers alerts. *notifier.Router implements it.
type Notifier interface {
	Notify(ctx context.Context, sev notifier.Severity, title, message string, payload map[string]any) []notifier.Delivery
}

type Options struct {
	Mode      string
	Location  *time.Location
	Specs     map[string]string // job name -> cron spec, empty disables
	QueueSize int
	// MaxPositionPct of available cash, capped by MaxPositionUSD when positive.
	MaxPositionPct decimal.Decimal
	MaxPositionUSD decimal.Decimal
}

type result struct {
	v   any
	err error
}

type task struct {
	name  string
	fn    func(ctx context.Context) (any, error)
	reply chan result
}

type Orchestrator struct {
	state   *state.Manager
	recon   *reconcile.Engine
	retry   *retry.Policy
	broker  broker.Broker
	signals signal.Source
	notify  Notifier
	store   Store
	opts    Options
	log     *logrus.Entry
	now     func() time.Time

	killed atomic.Bool
	queue  chan task
	jobs   map[string]func(ctx context.Context) (string, error)

	cron    *cron.Cron
	entries map[string]cron.EntryID

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(
	st *state.Manager,
	recon *reconcile.Engine,
	policy *retry.Policy,
	b broker.Broker,
	signals signal.Source,
	notify Notifier,
	store Store,
	opts Options,
	log *logrus.Entry,
) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 16
	}
	if !opts.MaxPositionPct.IsPositive() {
		opts.MaxPositionPct = decimal.NewFromInt(100)
	}
	o := &Orchestrator{
		state:   st,
		recon:   recon,
		retry:   policy,
		broker:  b,
		signals: signals,
		notify:  notify,
		store:   store,
		opts:    opts,
		log:     log.WithField("component", "orchestrator"),
		now:     time.Now,
		queue:   make(chan task, opts.QueueSize),
		cron:    cron.New(cron.WithLocation(opts.Location)),
		entries: make(map[string]cron.EntryID),
		done:    make(chan struct{}),
	}
	o.jobs = map[string]func(ctx context.Context) (string, error){
		JobOpenSignal:     o.openSignal,
		JobMomentumCheck:  o.momentumCheck,
		JobCloseAll:       o.closeAll,
		JobSessionRefresh: o.sessionRefresh,
		JobHeartbeat:      o.heartbeat,
	}
	return o
}

// Start inspects any intent left pending by a previous run, schedules the jobs and starts
// the consumer. Work runs under ctx until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("orchestrator already started")
	}

	st, err := o.current(ctx)
	if err != nil {
		return fmt.Errorf("failed to load position state: %w", err)
	}
	if st.ExpectedAction == position.Killed {
		o.setKilled(true)
	}
	if st.Intent != nil {
		o.inspectPending(ctx, st)
	}

	for name, spec := range o.opts.Specs {
		if spec == "" {
			continue
		}
		if _, ok := o.jobs[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownJob, name)
		}
		id, err := o.cron.AddFunc(spec, o.trigger(name))
		if err != nil {
			return fmt.Errorf("job %s: invalid spec %q: %w", name, spec, err)
		}
		o.entries[name] = id
	}

	o.wg.Add(1)
	go o.consume(ctx)
	o.cron.Start()
	o.running = true

	o.log.WithFields(logrus.Fields{"jobs": len(o.entries), "location": o.opts.Location.String(), "state": st.ExpectedAction}).Info("orchestrator started")
	return nil
}

// Stop stops scheduling, lets the running task finish and waits for the consumer.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	<-o.cron.Stop().Done()
	close(o.done)
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
}

func (o *Orchestrator) consume(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case t := <-o.queue:
			v, err := o.execute(ctx, t)
			if t.reply != nil {
				t.reply <- result{v, err}
			}
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, t task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithField("task", t.name).Errorf("recovered from panic: %v", r)
			err = fmt.Errorf("%s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}

// trigger is the cron callback. It never blocks the scheduler.
func (o *Orchestrator) trigger(name string) func() {
	return func() {
		select {
		case o.queue <- task{name: name, fn: func(ctx context.Context) (any, error) { return o.runJob(ctx, name) }}:
		default:
			o.log.WithField("job", name).Warn("job queue full, dropping trigger")
			metrics.JobRuns.WithLabelValues(name, journal.JobSkipped).Inc()
			o.recordRun(context.Background(), name, journal.JobSkipped, ErrQueueFull)
		}
	}
}

// enqueue submits fn to the consumer and waits for its result. ctx bounds only the wait;
// fn runs under the consumer's context so an impatient caller cannot cut a write in half.
func enqueue[T any](ctx context.Context, o *Orchestrator, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	t := task{
		name: name,
		fn: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		reply: make(chan result, 1),
	}
	select {
	case o.queue <- t:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-o.done:
		return zero, ErrStopped
	}
	select {
	case r := <-t.reply:
		v, _ := r.v.(T)
		return v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-o.done:
		return zero, ErrStopped
	}
}

// runJob executes one job and records its outcome.
func (o *Orchestrator) runJob(ctx context.Context, name string) (string, error) {
	job, ok := o.jobs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	log := o.log.WithField("job", name)
	log.Info("job started")

	status, err := job(ctx)
	if err != nil {
		status = o.handleFailure(ctx, name, err)
	}

	metrics.JobRuns.WithLabelValues(name, status).Inc()
	o.recordRun(ctx, name, status, err)
	if lerr := o.store.LogEvent(ctx, journal.Event{
		Time:        o.now().UTC(),
		Type:        journal.TypeJob,
		Description: name,
		Data:        map[string]any{"status": status, "error": errString(err)},
	}); lerr != nil {
		log.WithError(lerr).Warn("failed to journal job run")
	}
	log.WithField("status", status).Info("job finished")
	return status, err
}

func (o *Orchestrator) recordRun(ctx context.Context, name, status string, err error) {
	run := journal.JobRun{
		Name:       name,
		Spec:       o.opts.Specs[name],
		LastRun:    o.now().UTC(),
		LastStatus: status,
		LastError:  errString(err),
	}
	if id, ok := o.entries[name]; ok {
		run.NextRun = o.cron.Entry(id).Next
	}
	if serr := o.store.SaveJobRun(ctx, run); serr != nil {
		o.log.WithError(serr).WithField("job", name).Warn("failed to save job run")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// gate stops retry loops as soon as the kill switch flips or the state blocks trading.
func (o *Orchestrator) gate(ctx context.Context) error {
	if o.killed.Load() {
		return ErrKillSwitchActive
	}
	st, err := o.current(ctx)
	if err != nil {
		return failure.Fatal(fmt.Errorf("load state: %w", err))
	}
	if st.ExpectedAction.Blocked() {
		return fmt.Errorf("%w: %s", ErrBlocked, st.ExpectedAction)
	}
	return nil
}

func (o *Orchestrator) current(ctx context.Context) (position.State, error) {
	st, err := o.state.Get(ctx)
	if err != nil {
		return position.State{}, err
	}
	if st == nil {
		return position.Initial(o.now()), nil
	}
	return *st, nil
}

func (o *Orchestrator) setKilled(on bool) {
	o.killed.Store(on)
	if on {
		metrics.KillSwitch.Set(1)
	} else {
		metrics.KillSwitch.Set(0)
	}
}

// KillSwitchActive reports the in-memory kill flag.
func (o *Orchestrator) KillSwitchActive() bool {
	return o.killed.Load()
}

// Status is a read-only snapshot for the operator surface. It is never reconciliation input.
type Status struct {
	Time       time.Time        `json:"time"`
	Mode       string           `json:"mode"`
	State      position.State   `json:"state"`
	KillSwitch bool             `json:"kill_switch"`
	QueueDepth int              `json:"queue_depth"`
	Jobs       []journal.JobRun `json:"jobs"`
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st, err := o.current(ctx)
	if err != nil {
		return Status{}, err
	}
	jobs, err := o.store.ListJobRuns(ctx)
	if err != nil {
		return Status{}, err
	}
	for i := range jobs {
		if id, ok := o.entries[jobs[i].Name]; ok {
			jobs[i].NextRun = o.cron.Entry(id).Next
		}
	}
	return Status{
		Time:       o.now().UTC(),
		Mode:       o.opts.Mode,
		State:      st,
		KillSwitch: o.killed.Load(),
		QueueDepth: len(o.queue),
		Jobs:       jobs,
	}, nil
}

// Trades returns the trades recorded since since.
func (o *Orchestrator) Trades(ctx context.Context, since time.Time) ([]position.TradeRecord, error) {
	return o.store.ListTrades(ctx, since)
}

// Jobs returns the known job names with their specs.
func (o *Orchestrator) Jobs() map[string]string {
	out := make(map[string]string, len(o.jobs))
	for name := range o.jobs {
		out[name] = o.opts.Specs[name]
	}
	return out
}
