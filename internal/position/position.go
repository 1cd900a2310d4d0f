// Package position
package position

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the persisted expectation of what the bot is doing with its single position.
type Action string

const (
	Idle        Action = "IDLE"
	PendingBuy  Action = "PENDING_BUY"
	Held        Action = "HOLDING"
	PendingSell Action = "PENDING_SELL"
	Halted      Action = "HALTED"
	Killed      Action = "KILLED"
)

// Actions lists every action in state-machine order.
var Actions = []Action{Idle, PendingBuy, Held, PendingSell, Halted, Killed}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Blocked reports whether a forbids any job from acting.
func (a Action) Blocked() bool {
	return a == Halted || a == Killed
}

// Pending reports whether an external order is in flight.
func (a Action) Pending() bool {
	return a == PendingBuy || a == PendingSell
}

// ParseAction parses a persisted action string.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown position action %q", s)
	}
	return a, nil
}

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Holding is one (symbol, shares) pair as seen by us or by the broker.
type Holding struct {
	Symbol string          `json:"symbol"`
	Shares decimal.Decimal `json:"shares"`
}

func (h Holding) String() string {
	return h.Symbol + ":" + h.Shares.String()
}

// NormalizeHoldings upper-cases symbols, sums duplicate rows, drops zero rows and sorts by symbol.
func NormalizeHoldings(in []Holding) []Holding {
	sums := make(map[string]decimal.Decimal, len(in))
	for _, h := range in {
		sym := strings.ToUpper(strings.TrimSpace(h.Symbol))
		if sym == "" {
			continue
		}
		sums[sym] = sums[sym].Add(h.Shares)
	}
	out := make([]Holding, 0, len(sums))
	for sym, shares := range sums {
		if shares.IsZero() {
			continue
		}
		out = append(out, Holding{Symbol: sym, Shares: shares})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Intent is the persisted description of an external action about to be attempted.
type Intent struct {
	Side          Side            `json:"side"`
	Symbol        string          `json:"symbol"`
	Shares        decimal.Decimal `json:"shares"`
	Price         decimal.Decimal `json:"price"`
	ClientOrderID string          `json:"client_order_id"`
	SignalID      string          `json:"signal_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Fill is the broker's confirmation of an executed order.
type Fill struct {
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Shares  decimal.Decimal `json:"shares"`
	Time    time.Time       `json:"time"`
}

// State is the single persisted position record.
type State struct {
	Symbol          string          `json:"symbol"`
	Shares          decimal.Decimal `json:"shares"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	EntryTime       time.Time       `json:"entry_time"`
	ExpectedAction  Action          `json:"expected_action"`
	SignalID        string          `json:"signal_id"`
	BuyOrderID      string          `json:"buy_order_id"`
	LastSellOrderID string          `json:"last_sell_order_id"`
	Intent          *Intent         `json:"intent,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Initial is the state used before anything was persisted.
func Initial(now time.Time) State {
	return State{ExpectedAction: Idle, UpdatedAt: now.UTC()}
}

// Flat reports whether no confirmed holding is retained.
func (s State) Flat() bool {
	return s.Symbol == "" || s.Shares.IsZero()
}

// Expected returns the holdings we believe the broker carries for the confirmed position.
func (s State) Expected() []Holding {
	if s.Flat() {
		return nil
	}
	return []Holding{{Symbol: s.Symbol, Shares: s.Shares}}
}

// ExpectedAfterIntent returns the holdings the broker would carry if the pending intent filled in full.
func (s State) ExpectedAfterIntent() []Holding {
	if s.Intent == nil {
		return s.Expected()
	}
	switch s.Intent.Side {
	case Buy:
		return NormalizeHoldings(append(s.Expected(), Holding{Symbol: s.Intent.Symbol, Shares: s.Intent.Shares}))
	case Sell:
		return NormalizeHoldings(append(s.Expected(), Holding{Symbol: s.Intent.Symbol, Shares: s.Intent.Shares.Neg()}))
	}
	return s.Expected()
}

// TransitionError is returned when a transition is not allowed from the current action.
type TransitionError struct {
	From Action
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s from %s", e.Op, e.From)
}

// transitions maps each operation to the actions it may start from.
var transitions = map[string][]Action{
	"pending_buy":  {Idle},
	"confirm_buy":  {PendingBuy, Halted, Killed},
	"pending_sell": {Held},
	"confirm_sell": {PendingSell, Halted, Killed},
	"halt":         Actions,
	"acknowledge":  {Halted},
	"kill":         Actions,
	"resume_kill":  {Killed},
	"kill_close":   {Killed},
	"abandon":      {PendingBuy, PendingSell, Halted, Killed},
}

func (s State) check(op string) error {
	for _, from := range transitions[op] {
		if s.ExpectedAction == from {
			return nil
		}
	}
	return &TransitionError{From: s.ExpectedAction, Op: op}
}

// WithPendingBuy returns the PENDING_BUY state carrying intent.
func (s State) WithPendingBuy(intent Intent, now time.Time) (State, error) {
	if err := s.check("pending_buy"); err != nil {
		return s, err
	}
	if intent.Side != Buy || intent.Symbol == "" || !intent.Shares.IsPositive() || intent.ClientOrderID == "" {
		return s, fmt.Errorf("invalid buy intent %+v", intent)
	}
	intent.Symbol = strings.ToUpper(intent.Symbol)
	next := s
	next.ExpectedAction = PendingBuy
	next.Intent = &intent
	next.Reason = ""
	next.UpdatedAt = now.UTC()
	return next, nil
}

// WithBuyConfirmed returns the HOLDING state for fill. A buy intent carried into HALTED or
// KILLED is confirmed in place and the state stays blocked.
func (s State) WithBuyConfirmed(fill Fill, now time.Time) (State, error) {
	if err := s.check("confirm_buy"); err != nil {
		return s, err
	}
	if s.Intent == nil || s.Intent.Side != Buy {
		return s, fmt.Errorf("confirm_buy without a persisted buy intent")
	}
	shares := fill.Shares
	if !shares.IsPositive() {
		shares = s.Intent.Shares
	}
	if !fill.Price.IsPositive() {
		return s, fmt.Errorf("confirm_buy %s: fill price must be positive", fill.OrderID)
	}
	entryTime := fill.Time
	if entryTime.IsZero() {
		entryTime = now
	}
	next := s
	next.Symbol = s.Intent.Symbol
	next.Shares = shares
	next.EntryPrice = fill.Price
	next.EntryTime = entryTime.UTC()
	next.SignalID = s.Intent.SignalID
	next.BuyOrderID = fill.OrderID
	if s.ExpectedAction == PendingBuy {
		next.ExpectedAction = Held
	}
	next.Intent = nil
	next.UpdatedAt = now.UTC()
	return next, nil
}

// WithPendingSell returns the PENDING_SELL state carrying intent for the whole holding.
func (s State) WithPendingSell(intent Intent, now time.Time) (State, error) {
	if err := s.check("pending_sell"); err != nil {
		return s, err
	}
	return s.withSellIntent(PendingSell, intent, now)
}

// WithKillCloseIntent records a close intent while KILLED.
func (s State) WithKillCloseIntent(intent Intent, now time.Time) (State, error) {
	if err := s.check("kill_close"); err != nil {
		return s, err
	}
	if s.Intent != nil {
		return s, fmt.Errorf("kill close: intent %s already pending", s.Intent.ClientOrderID)
	}
	return s.withSellIntent(Killed, intent, now)
}

func (s State) withSellIntent(action Action, intent Intent, now time.Time) (State, error) {
	if s.Flat() {
		return s, fmt.Errorf("no holding to sell")
	}
	if intent.ClientOrderID == "" {
		return s, fmt.Errorf("sell intent without client order id")
	}
	intent.Side = Sell
	intent.Symbol = s.Symbol
	intent.Shares = s.Shares
	intent.SignalID = s.SignalID
	next := s
	next.ExpectedAction = action
	next.Intent = &intent
	next.UpdatedAt = now.UTC()
	return next, nil
}

// WithSellConfirmed clears the holding and returns the trade record for the round trip.
// From HALTED or KILLED the state stays where it is.
func (s State) WithSellConfirmed(fill Fill, mode string, now time.Time) (State, TradeRecord, error) {
	if err := s.check("confirm_sell"); err != nil {
		return s, TradeRecord{}, err
	}
	if s.Intent == nil || s.Intent.Side != Sell {
		return s, TradeRecord{}, fmt.Errorf("confirm_sell without a persisted sell intent")
	}
	if !fill.Price.IsPositive() {
		return s, TradeRecord{}, fmt.Errorf("confirm_sell %s: fill price must be positive", fill.OrderID)
	}
	shares := fill.Shares
	if !shares.IsPositive() {
		shares = s.Intent.Shares
	}
	exitTime := fill.Time
	if exitTime.IsZero() {
		exitTime = now
	}
	trade := TradeRecord{
		Mode:          mode,
		SignalID:      s.SignalID,
		Symbol:        s.Symbol,
		Action:        Sell,
		Shares:        shares,
		EntryPrice:    s.EntryPrice,
		ExitPrice:     fill.Price,
		RealizedPnL:   fill.Price.Sub(s.EntryPrice).Mul(shares),
		BrokerOrderID: fill.OrderID,
		EntryTime:     s.EntryTime,
		ExitTime:      exitTime.UTC(),
		CreatedAt:     now.UTC(),
	}

	next := s
	remaining := s.Shares.Sub(shares)
	if remaining.IsPositive() {
		// partial exit keeps the remainder as the confirmed holding
		next.Shares = remaining
	} else {
		next.Symbol = ""
		next.Shares = decimal.Zero
		next.EntryPrice = decimal.Zero
		next.EntryTime = time.Time{}
		next.SignalID = ""
		next.BuyOrderID = ""
	}
	next.LastSellOrderID = fill.OrderID
	next.Intent = nil
	if s.ExpectedAction == PendingSell {
		if remaining.IsPositive() {
			next.ExpectedAction = Held
		} else {
			next.ExpectedAction = Idle
		}
	}
	next.UpdatedAt = now.UTC()
	return next, trade, nil
}

// WithHalted returns the HALTED state. The last confirmed holding stays the reconciliation
// baseline and a pending intent is kept until the operator confirms or abandons it.
func (s State) WithHalted(reason string, now time.Time) (State, error) {
	if err := s.check("halt"); err != nil {
		return s, err
	}
	next := s
	next.ExpectedAction = Halted
	next.Reason = reason
	next.UpdatedAt = now.UTC()
	return next, nil
}

// WithKilled returns the KILLED state. Like a halt it keeps the holding and any pending intent.
func (s State) WithKilled(reason string, now time.Time) (State, error) {
	if err := s.check("kill"); err != nil {
		return s, err
	}
	next := s
	next.ExpectedAction = Killed
	next.Reason = reason
	next.UpdatedAt = now.UTC()
	return next, nil
}

// WithResumed leaves HALTED (op "acknowledge") or KILLED (op "resume_kill") for IDLE or HOLDING
// depending on the retained holding. Callers must have reconciled first.
func (s State) WithResumed(op string, now time.Time) (State, error) {
	if op != "acknowledge" && op != "resume_kill" {
		return s, fmt.Errorf("unknown resume operation %q", op)
	}
	if err := s.check(op); err != nil {
		return s, err
	}
	if s.Intent != nil {
		return s, fmt.Errorf("%s: intent %s still pending", op, s.Intent.ClientOrderID)
	}
	next := s
	if s.Flat() {
		next.ExpectedAction = Idle
	} else {
		next.ExpectedAction = Held
	}
	next.Reason = ""
	next.UpdatedAt = now.UTC()
	return next, nil
}

// WithAbandoned drops the pending intent. A pending buy goes back to IDLE, a pending sell
// back to HOLDING, and HALTED or KILLED stay as they are.
func (s State) WithAbandoned(now time.Time) (State, error) {
	if err := s.check("abandon"); err != nil {
		return s, err
	}
	if s.Intent == nil {
		return s, fmt.Errorf("abandon: no pending intent")
	}
	next := s
	switch s.ExpectedAction {
	case PendingBuy:
		next.ExpectedAction = Idle
	case PendingSell:
		next.ExpectedAction = Held
	}
	next.Intent = nil
	next.UpdatedAt = now.UTC()
	return next, nil
}

// TradeRecord is the immutable record of a closed round trip.
type TradeRecord struct {
	ID            int64           `json:"id"`
	Mode          string          `json:"mode"`
	SignalID      string          `json:"signal_id"`
	Symbol        string          `json:"symbol"`
	Action        Side            `json:"action"`
	Shares        decimal.Decimal `json:"shares"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	BrokerOrderID string          `json:"broker_order_id"`
	EntryTime     time.Time       `json:"entry_time"`
	ExitTime      time.Time       `json:"exit_time"`
	CreatedAt     time.Time       `json:"created_at"`
}
