package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/position"
)

// paperBook is the persisted paper account.
type paperBook struct {
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]decimal.Decimal `json:"positions"`
	Fills     map[string]position.Fill   `json:"fills"` // by client order id
}

// Paper simulates a broker that fills market orders immediately at the reference price.
// Orders are deduplicated by client order id so a retried submit never fills twice.
type Paper struct {
	mu   sync.Mutex
	path string
	book paperBook
	log  *logrus.Entry
	now  func() time.Time

	// Fault, when set, is returned by the next call instead of doing anything.
	Fault error
}

// NewPaper loads the book from path, or starts one with startingCash. An empty path keeps
// the book in memory only.
func NewPaper(path string, startingCash decimal.Decimal, log *logrus.Entry) (*Paper, error) {
	p := &Paper{
		path: path,
		book: paperBook{
			Cash:      startingCash,
			Positions: make(map[string]decimal.Decimal),
			Fills:     make(map[string]position.Fill),
		},
		log: log.WithField("component", "paper_broker"),
		now: time.Now,
	}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, p.save()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read paper book: %w", err)
	}
	if err := json.Unmarshal(data, &p.book); err != nil {
		return nil, fmt.Errorf("failed to parse paper book %s: %w", path, err)
	}
	if p.book.Positions == nil {
		p.book.Positions = make(map[string]decimal.Decimal)
	}
	if p.book.Fills == nil {
		p.book.Fills = make(map[string]position.Fill)
	}
	return p, nil
}

func (p *Paper) Name() string { return "paper" }

// save writes the book atomically.
func (p *Paper) save() error {
	if p.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(p.book, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write paper book: %w", err)
	}
	return os.Rename(tmp, p.path)
}

func (p *Paper) fault() error {
	if p.Fault == nil {
		return nil
	}
	err := p.Fault
	p.Fault = nil
	return err
}

func (p *Paper) Positions(ctx context.Context) ([]position.Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.fault(); err != nil {
		return nil, err
	}
	out := make([]position.Holding, 0, len(p.book.Positions))
	for sym, shares := range p.book.Positions {
		out = append(out, position.Holding{Symbol: sym, Shares: shares})
	}
	return position.NormalizeHoldings(out), nil
}

func (p *Paper) Cash(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	if err := p.fault(); err != nil {
		return decimal.Zero, err
	}
	return p.book.Cash, nil
}

func (p *Paper) Submit(ctx context.Context, req OrderRequest) (position.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return position.Fill{}, err
	}
	if err := p.fault(); err != nil {
		return position.Fill{}, err
	}
	if req.ClientOrderID == "" {
		return position.Fill{}, failure.Fatal(errors.New("paper broker: client order id required"))
	}
	if fill, ok := p.book.Fills[req.ClientOrderID]; ok {
		p.log.WithField("client_order_id", req.ClientOrderID).Info("duplicate submit, returning original fill")
		return fill, nil
	}
	if !req.Shares.IsPositive() || !req.RefPrice.IsPositive() {
		return position.Fill{}, failure.Fatal(fmt.Errorf("%w: shares %s at %s", ErrRejected, req.Shares, req.RefPrice))
	}

	sym := strings.ToUpper(req.Symbol)
	notional := req.Shares.Mul(req.RefPrice)
	held := p.book.Positions[sym]
	switch req.Side {
	case position.Buy:
		if notional.GreaterThan(p.book.Cash) {
			return position.Fill{}, failure.Fatal(fmt.Errorf("%w: insufficient cash %s for %s", ErrRejected, p.book.Cash, notional))
		}
		p.book.Cash = p.book.Cash.Sub(notional)
		p.book.Positions[sym] = held.Add(req.Shares)
	case position.Sell:
		if req.Shares.GreaterThan(held) {
			return position.Fill{}, failure.Fatal(fmt.Errorf("%w: selling %s %s but holding %s", ErrRejected, req.Shares, sym, held))
		}
		p.book.Cash = p.book.Cash.Add(notional)
		if remaining := held.Sub(req.Shares); remaining.IsZero() {
			delete(p.book.Positions, sym)
		} else {
			p.book.Positions[sym] = remaining
		}
	default:
		return position.Fill{}, failure.Fatal(fmt.Errorf("%w: unknown side %q", ErrRejected, req.Side))
	}

	fill := position.Fill{
		OrderID: "paper_" + uuid.NewString(),
		Symbol:  sym,
		Side:    req.Side,
		Price:   req.RefPrice,
		Shares:  req.Shares,
		Time:    p.now().UTC(),
	}
	p.book.Fills[req.ClientOrderID] = fill
	if err := p.save(); err != nil {
		return position.Fill{}, failure.Fatal(err)
	}

	p.log.WithFields(logrus.Fields{
		"order_id": fill.OrderID, "symbol": sym, "side": req.Side, "shares": req.Shares.String(), "price": req.RefPrice.String(),
	}).Info("paper order filled")
	return fill, nil
}

// Set overrides the paper holding for sym. Used to simulate manual broker activity.
func (p *Paper) Set(sym string, shares decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym = strings.ToUpper(sym)
	if shares.IsZero() {
		delete(p.book.Positions, sym)
	} else {
		p.book.Positions[sym] = shares
	}
	return p.save()
}

var _ Broker = (*Paper)(nil)
