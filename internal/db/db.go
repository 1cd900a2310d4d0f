// Package db
package db

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/position"
)

var (
	// ErrDuplicateTrade is returned when a trade with the same broker order id already exists.
	ErrDuplicateTrade = errors.New("trade already recorded for broker order")
)

// Storage is the interface for all persistent storage.
type Storage interface {
	journal.Journaler

	// LoadState returns nil, nil when no state was ever saved.
	LoadState(ctx context.Context) (*position.State, error)
	SaveState(ctx context.Context, s position.State) error

	AppendReconciliation(ctx context.Context, r journal.Reconciliation) error
	ListReconciliations(ctx context.Context, limit int) ([]journal.Reconciliation, error)

	AppendTrade(ctx context.Context, t position.TradeRecord) error
	ListTrades(ctx context.Context, since time.Time) ([]position.TradeRecord, error)
	HasTradeForSignal(ctx context.Context, signalID string, since time.Time) (bool, error)

	SaveJobRun(ctx context.Context, j journal.JobRun) error
	ListJobRuns(ctx context.Context) ([]journal.JobRun, error)

	// Atomic runs fn so that every write made through ctx commits together or not at all.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error
}
