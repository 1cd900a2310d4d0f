// Package broker
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/amirphl/guarded-trader/internal/position"
)

// OrderRequest is a market order for one symbol.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          position.Side
	Shares        decimal.Decimal
	// RefPrice is the price the decision was made at. Paper fills use it.
	RefPrice decimal.Decimal
}

// Broker is the only external system that can change real holdings.
type Broker interface {
	Name() string
	Positions(ctx context.Context) ([]position.Holding, error)
	Cash(ctx context.Context) (decimal.Decimal, error)
	Submit(ctx context.Context, req OrderRequest) (position.Fill, error)
}

// SessionRefresher is implemented by brokers whose credentials expire.
type SessionRefresher interface {
	RefreshSession(ctx context.Context) error
}

// ErrRejected is returned when the broker refused an order outright.
var ErrRejected = errors.New("order rejected by broker")
