package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wallexchange/wallex-go"

	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/position"
)

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPaperBuySellRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := NewPaper("", d("10000"), testLog())
	require.NoError(t, err)

	buy, err := p.Submit(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "tqqq", Side: position.Buy, Shares: d("50"), RefPrice: d("60")})
	require.NoError(t, err)
	assert.Equal(t, "TQQQ", buy.Symbol)
	assert.True(t, d("50").Equal(buy.Shares))

	holdings, err := p.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	cash, err := p.Cash(ctx)
	require.NoError(t, err)
	assert.True(t, d("7000").Equal(cash), cash.String())

	_, err = p.Submit(ctx, OrderRequest{ClientOrderID: "c2", Symbol: "TQQQ", Side: position.Sell, Shares: d("50"), RefPrice: d("62")})
	require.NoError(t, err)
	holdings, err = p.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)
	cash, _ = p.Cash(ctx)
	assert.True(t, d("10100").Equal(cash), cash.String())
}

func TestPaperDeduplicatesByClientOrderID(t *testing.T) {
	ctx := context.Background()
	p, err := NewPaper("", d("10000"), testLog())
	require.NoError(t, err)

	req := OrderRequest{ClientOrderID: "same", Symbol: "TQQQ", Side: position.Buy, Shares: d("10"), RefPrice: d("50")}
	first, err := p.Submit(ctx, req)
	require.NoError(t, err)
	second, err := p.Submit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	holdings, _ := p.Positions(ctx)
	require.Len(t, holdings, 1)
	assert.True(t, d("10").Equal(holdings[0].Shares))
}

func TestPaperRejectsAreFatal(t *testing.T) {
	ctx := context.Background()
	p, err := NewPaper("", d("100"), testLog())
	require.NoError(t, err)

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"insufficient cash", OrderRequest{ClientOrderID: "a", Symbol: "TQQQ", Side: position.Buy, Shares: d("10"), RefPrice: d("50")}},
		{"sell more than held", OrderRequest{ClientOrderID: "b", Symbol: "TQQQ", Side: position.Sell, Shares: d("1"), RefPrice: d("50")}},
		{"zero shares", OrderRequest{ClientOrderID: "c", Symbol: "TQQQ", Side: position.Buy, Shares: d("0"), RefPrice: d("50")}},
		{"missing client id", OrderRequest{Symbol: "TQQQ", Side: position.Buy, Shares: d("1"), RefPrice: d("50")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Submit(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, failure.KindFatal, failure.Classify(err))
		})
	}
}

func TestPaperFaultIsOneShot(t *testing.T) {
	ctx := context.Background()
	p, err := NewPaper("", d("100"), testLog())
	require.NoError(t, err)

	p.Fault = failure.Recoverable(errors.New("connection reset"))
	_, err = p.Positions(ctx)
	require.Error(t, err)
	assert.Equal(t, failure.KindRecoverable, failure.Classify(err))

	_, err = p.Positions(ctx)
	assert.NoError(t, err)
}

func TestPaperBookPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "paper", "book.json")

	p, err := NewPaper(path, d("5000"), testLog())
	require.NoError(t, err)
	_, err = p.Submit(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "TQQQ", Side: position.Buy, Shares: d("20"), RefPrice: d("50")})
	require.NoError(t, err)
	require.NoError(t, p.Set("SQQQ", d("3")))

	reloaded, err := NewPaper(path, d("999999"), testLog())
	require.NoError(t, err)
	cash, err := reloaded.Cash(ctx)
	require.NoError(t, err)
	assert.True(t, d("4000").Equal(cash), cash.String())

	holdings, err := reloaded.Positions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SQQQ:3", "TQQQ:20"}, []string{holdings[0].String(), holdings[1].String()})

	// a retried submit after restart returns the original fill
	fill, err := reloaded.Submit(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "TQQQ", Side: position.Buy, Shares: d("20"), RefPrice: d("50")})
	require.NoError(t, err)
	assert.True(t, d("20").Equal(fill.Shares))
	holdings, _ = reloaded.Positions(ctx)
	assert.True(t, d("20").Equal(holdings[1].Shares))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestWallexClassify(t *testing.T) {
	transport := &wallex.Error{Message: "request failed", Cause: &url.Error{Op: "Post", URL: "https://api.wallex.ir", Err: errors.New("connection reset by peer")}}
	tests := []struct {
		name string
		err  error
		want failure.Kind
	}{
		{"timeout", timeoutErr{}, failure.KindRecoverable},
		{"transport", transport, failure.KindRecoverable},
		{"unauthorized", wallex.ErrUnauthorized, failure.KindFatal},
		{"forbidden", wallex.ErrForbidden, failure.KindFatal},
		{"missing key", wallex.ErrMissingAPIKey, failure.KindFatal},
		// 429 and 5xx arrive as ErrUnknown with no status code
		{"rate limit or outage", wallex.ErrUnknown, failure.KindFatal},
		{"bad request", wallex.ErrBadRequest, failure.KindFatal},
		{"decode", &wallex.Error{Message: "request failed", Cause: errors.New("unexpected EOF")}, failure.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failure.Classify(classify(tt.err)))
		})
	}
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(wallex.ErrNotFound), wallex.ErrNotFound)
	assert.Contains(t, classify(wallex.ErrUnauthorized).Error(), "credentials rejected")
}

// fakeWallex serves the Wallex endpoints the broker uses. Orders are recorded when the
// request arrives, before postDelay, so a slow response still leaves the order placed.
type fakeWallex struct {
	mu        sync.Mutex
	orders    map[string]map[string]any
	posts     []wallex.OrderParams
	keys      []string
	postDelay time.Duration
}

func newFakeWallex() *fakeWallex {
	return &fakeWallex{orders: make(map[string]map[string]any)}
}

func respond(code int, result any) *http.Response {
	body, _ := json.Marshal(map[string]any{"result": result})
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func (f *fakeWallex) RoundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.keys = append(f.keys, r.Header.Get("x-api-key"))
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/account/orders":
		var p wallex.OrderParams
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return nil, err
		}
		order := map[string]any{
			"symbol":        p.Symbol,
			"side":          p.Side,
			"status":        "FILLED",
			"executedQty":   string(p.Quantity),
			"executedPrice": "100",
			"clientOrderId": p.ClientID,
			"created_at":    time.Date(2026, 3, 2, 14, 35, 0, 0, time.UTC),
		}
		f.mu.Lock()
		f.posts = append(f.posts, p)
		f.orders[p.ClientID] = order
		delay := f.postDelay
		f.mu.Unlock()
		time.Sleep(delay)
		return respond(http.StatusOK, order), nil

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/account/orders/"):
		f.mu.Lock()
		order, ok := f.orders[strings.TrimPrefix(r.URL.Path, "/v1/account/orders/")]
		f.mu.Unlock()
		if !ok {
			return respond(http.StatusNotFound, nil), nil
		}
		return respond(http.StatusOK, order), nil

	case r.Method == http.MethodGet && r.URL.Path == "/v1/account/balances":
		return respond(http.StatusOK, map[string]any{"balances": map[string]any{
			"USDT": map[string]any{"asset": "USDT", "value": "1500.5", "locked": "0"},
			"BTC":  map[string]any{"asset": "BTC", "value": "0.1", "locked": "0.05"},
		}}), nil
	}
	return respond(http.StatusNotFound, nil), nil
}

func (f *fakeWallex) placed() []wallex.OrderParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wallex.OrderParams(nil), f.posts...)
}

func newTestWallex(t *testing.T, fake *fakeWallex, key string) *WallexBroker {
	t.Helper()
	w, err := newWallexBroker(key, "usdt", &http.Client{Transport: fake}, testLog())
	require.NoError(t, err)
	w.pollInterval = time.Millisecond
	return w
}

func TestWallexRetriedSubmitFindsSlowOrder(t *testing.T) {
	t.Setenv(apiKeyEnv, "key")
	fake := newFakeWallex()
	fake.postDelay = 200 * time.Millisecond
	w := newTestWallex(t, fake, "")
	req := OrderRequest{ClientOrderID: "c-42", Symbol: "btcusdt", Side: position.Buy, Shares: d("0.1"), RefPrice: d("100")}

	// the exchange accepts the order but the response misses the attempt deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Submit(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, failure.KindRecoverable, failure.Classify(err))

	require.Eventually(t, func() bool { return len(fake.placed()) == 1 }, time.Second, time.Millisecond)

	fill, err := w.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "c-42", fill.OrderID)
	assert.True(t, d("0.1").Equal(fill.Shares))
	assert.True(t, d("100").Equal(fill.Price))

	posts := fake.placed()
	require.Len(t, posts, 1, "the retry must not place a second order")
	assert.Equal(t, "c-42", posts[0].ClientID)
	assert.Equal(t, wallex.OrderTypeMarket, posts[0].Type)
	assert.Equal(t, "BTCUSDT", posts[0].Symbol)
}

func TestWallexRetriedSubmitPlacesWhenNothingLanded(t *testing.T) {
	t.Setenv(apiKeyEnv, "key")
	fake := newFakeWallex()
	w := newTestWallex(t, fake, "")
	req := OrderRequest{ClientOrderID: "c-7", Symbol: "btcusdt", Side: position.Sell, Shares: d("0.1"), RefPrice: d("100")}

	// an earlier attempt that failed before reaching the exchange
	w.placed[req.ClientOrderID] = req.ClientOrderID

	fill, err := w.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, position.Sell, fill.Side)
	require.Len(t, fake.placed(), 1)
	assert.Equal(t, "c-7", fake.placed()[0].ClientID)
}

func TestWallexConfiguredKeyIsSent(t *testing.T) {
	t.Setenv(apiKeyEnv, "")
	fake := newFakeWallex()
	w := newTestWallex(t, fake, "configured-key")

	cash, err := w.Cash(context.Background())
	require.NoError(t, err)
	assert.True(t, d("1500.5").Equal(cash))

	holdings, err := w.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "BTCUSDT", holdings[0].Symbol)
	assert.True(t, d("0.15").Equal(holdings[0].Shares))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.keys)
	for _, k := range fake.keys {
		assert.Equal(t, "configured-key", k)
	}
}

func TestWallexRequiresKey(t *testing.T) {
	t.Setenv(apiKeyEnv, "")
	_, err := NewWallexBroker("", "usdt", testLog())
	assert.Error(t, err)
}

func TestWallexFillFrom(t *testing.T) {
	req := OrderRequest{ClientOrderID: "c", Symbol: "btcusdt", Side: position.Buy, Shares: d("0.1"), RefPrice: d("60000")}

	_, ok := fillFrom(orderReport{ID: "x", Status: "NEW"}, req)
	assert.False(t, ok)

	fill, ok := fillFrom(orderReport{ID: "x", Status: "FILLED", Qty: d("0.1"), Price: d("60010")}, req)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", fill.Symbol)
	assert.True(t, d("60010").Equal(fill.Price))
}

func TestCallHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	_, err := call(ctx, func() (int, error) {
		<-block
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
