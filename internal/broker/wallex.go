package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wallexchange/wallex-go"

	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/position"
)

// apiKeyEnv is where wallex-go v0.1.1 reads the key from. Its New only stores a key when
// ClientOptions.APIKey is empty, so a configured key goes through the environment.
const apiKeyEnv = "WALLEX_API_KEY"

// WallexBroker trades spot pairs against one quote asset on Wallex.
type WallexBroker struct {
	client *wallex.Client
	quote  string
	log    *logrus.Entry

	pollInterval time.Duration

	mu sync.Mutex
	// order lookup ids by our client order id; an entry means a placement was attempted
	placed map[string]string
}

func NewWallexBroker(apiKey, quote string, log *logrus.Entry) (*WallexBroker, error) {
	return newWallexBroker(apiKey, quote, nil, log)
}

func newWallexBroker(apiKey, quote string, hc *http.Client, log *logrus.Entry) (*WallexBroker, error) {
	if apiKey != "" {
		if err := os.Setenv(apiKeyEnv, apiKey); err != nil {
			return nil, fmt.Errorf("export %s: %w", apiKeyEnv, err)
		}
	}
	if os.Getenv(apiKeyEnv) == "" {
		return nil, fmt.Errorf("wallex api key is not configured (set wallex_api_key or %s)", apiKeyEnv)
	}
	return &WallexBroker{
		client:       wallex.New(wallex.ClientOptions{HTTPClient: hc}),
		quote:        strings.ToUpper(quote),
		log:          log.WithField("component", "wallex"),
		pollInterval: time.Second,
		placed:       make(map[string]string),
	}, nil
}

func (w *WallexBroker) Name() string {
	return "wallex"
}

// call runs a blocking SDK call and gives up when ctx ends.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, classify(r.err)
	}
}

// classify marks SDK errors the failure package cannot recognize on its own.
// The SDK folds every status other than 400, 401, 403 and 404 into ErrUnknown without the
// code, so a 429 or a 5xx cannot be told apart and is reported as fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, wallex.ErrUnauthorized), errors.Is(err, wallex.ErrForbidden), errors.Is(err, wallex.ErrMissingAPIKey):
		return failure.Fatal(fmt.Errorf("wallex credentials rejected: %w", err))
	case errors.Is(err, wallex.ErrUnknown):
		return failure.Fatal(fmt.Errorf("wallex non-OK response, status not exposed: %w", err))
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failure.Recoverable(err)
	}
	// wallex.Error has no Unwrap; transport failures sit in its Cause
	var we *wallex.Error
	if errors.As(err, &we) && we.Cause != nil {
		var ue *url.Error
		if errors.As(we.Cause, &ue) {
			return failure.Recoverable(err)
		}
	}
	return err
}

func number(n *wallex.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(*n))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (w *WallexBroker) balances(ctx context.Context) (map[string]*wallex.Balance, error) {
	return call(ctx, func() (map[string]*wallex.Balance, error) {
		return w.client.Balances()
	})
}

// Positions reports every non-fiat asset balance as a holding of asset+quote.
func (w *WallexBroker) Positions(ctx context.Context) ([]position.Holding, error) {
	balances, err := w.balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallex balances: %w", err)
	}
	var out []position.Holding
	for asset, b := range balances {
		if b == nil || b.Fiat || strings.EqualFold(asset, w.quote) {
			continue
		}
		total := number(&b.Value).Add(number(&b.Locked))
		if total.IsZero() {
			continue
		}
		out = append(out, position.Holding{Symbol: strings.ToUpper(asset) + w.quote, Shares: total})
	}
	return position.NormalizeHoldings(out), nil
}

// Cash is the available quote balance.
func (w *WallexBroker) Cash(ctx context.Context) (decimal.Decimal, error) {
	balances, err := w.balances(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallex balances: %w", err)
	}
	for asset, b := range balances {
		if b != nil && strings.EqualFold(asset, w.quote) {
			return number(&b.Value), nil
		}
	}
	return decimal.Zero, nil
}

// orderReport is the part of a Wallex order response we act on.
type orderReport struct {
	ID     string
	Status string
	Qty    decimal.Decimal
	Price  decimal.Decimal
	At     time.Time
}

func report(o *wallex.Order) (orderReport, error) {
	if o == nil {
		return orderReport{}, errors.New("wallex: empty order in response")
	}
	return orderReport{
		ID:     o.ClientOrderID,
		Status: strings.ToUpper(o.Status),
		Qty:    number(o.ExecutedQty),
		Price:  number(o.ExecutedPrice),
		At:     o.CreatedAt.UTC(),
	}, nil
}

func (w *WallexBroker) order(ctx context.Context, id string) (orderReport, error) {
	return call(ctx, func() (orderReport, error) {
		o, err := w.client.Order(id)
		if err != nil {
			return orderReport{}, err
		}
		return report(o)
	})
}

// Submit places a market order tagged with the client order id and waits for its execution
// report. A repeated submit for the same id first asks the exchange whether an earlier attempt
// landed, since a timed-out placement may still have been accepted.
func (w *WallexBroker) Submit(ctx context.Context, req OrderRequest) (position.Fill, error) {
	log := w.log.WithField("client_order_id", req.ClientOrderID)

	w.mu.Lock()
	orderID, attempted := w.placed[req.ClientOrderID]
	if !attempted {
		orderID = req.ClientOrderID
		w.placed[req.ClientOrderID] = orderID
	}
	w.mu.Unlock()

	if attempted {
		rep, err := w.order(ctx, orderID)
		switch {
		case err == nil:
			log.WithFields(logrus.Fields{"order_id": rep.ID, "status": rep.Status}).Info("order already on the exchange, polling")
			if fill, ok := fillFrom(rep, req); ok {
				return fill, nil
			}
			return w.awaitFill(ctx, orderID, req)
		case !errors.Is(err, wallex.ErrNotFound):
			return position.Fill{}, fmt.Errorf("wallex order %s: %w", orderID, err)
		}
		log.Info("earlier attempt never reached the exchange, placing again")
	}

	params := &wallex.OrderParams{
		Symbol:   strings.ToUpper(req.Symbol),
		Type:     wallex.OrderTypeMarket,
		Side:     strings.ToUpper(string(req.Side)),
		Price:    wallex.Number(req.RefPrice.String()),
		Quantity: wallex.Number(req.Shares.String()),
		ClientID: req.ClientOrderID,
	}
	rep, err := call(ctx, func() (orderReport, error) {
		o, err := w.client.PlaceOrder(params)
		if err != nil {
			return orderReport{}, err
		}
		return report(o)
	})
	if err != nil {
		return position.Fill{}, fmt.Errorf("wallex place order: %w", err)
	}
	if rep.ID != "" {
		orderID = rep.ID
		w.mu.Lock()
		w.placed[req.ClientOrderID] = orderID
		w.mu.Unlock()
	}
	log.WithFields(logrus.Fields{"order_id": orderID, "status": rep.Status}).Info("order placed")

	if fill, ok := fillFrom(rep, req); ok {
		return fill, nil
	}
	return w.awaitFill(ctx, orderID, req)
}

func fillFrom(rep orderReport, req OrderRequest) (position.Fill, bool) {
	if rep.Status != "FILLED" || !rep.Qty.IsPositive() || !rep.Price.IsPositive() {
		return position.Fill{}, false
	}
	return position.Fill{
		OrderID: rep.ID,
		Symbol:  strings.ToUpper(req.Symbol),
		Side:    req.Side,
		Price:   rep.Price,
		Shares:  rep.Qty,
		Time:    rep.At,
	}, true
}

func (w *WallexBroker) awaitFill(ctx context.Context, orderID string, req OrderRequest) (position.Fill, error) {
	for {
		rep, err := w.order(ctx, orderID)
		if err != nil {
			return position.Fill{}, fmt.Errorf("wallex order %s: %w", orderID, err)
		}
		if fill, ok := fillFrom(rep, req); ok {
			return fill, nil
		}
		switch rep.Status {
		case "CANCELED", "EXPIRED", "REJECTED":
			return position.Fill{}, failure.Fatal(fmt.Errorf("%w: wallex order %s %s", ErrRejected, orderID, rep.Status))
		}

		select {
		case <-ctx.Done():
			return position.Fill{}, ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// RefreshSession verifies the API key still authenticates. Wallex keys do not expire,
// so there is nothing to renew.
func (w *WallexBroker) RefreshSession(ctx context.Context) error {
	if _, err := w.balances(ctx); err != nil {
		return fmt.Errorf("wallex credential check: %w", err)
	}
	return nil
}

var (
	_ Broker           = (*WallexBroker)(nil)
	_ SessionRefresher = (*WallexBroker)(nil)
)
