// Package signal is the upstream recommendation the jobs act on. Computing it is someone
// else's job; this package only reads it.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
	Cash Action = "cash"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Buy, Sell, Cash:
		return a, nil
	}
	return "", fmt.Errorf("unknown signal action %q", s)
}

type Signal struct {
	ID          string          `json:"id"`
	Action      Action          `json:"action"`
	Instrument  string          `json:"instrument"`
	Price       decimal.Decimal `json:"price"`
	Reason      string          `json:"reason"`
	Strategy    string          `json:"strategy"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Validate rejects signals the jobs cannot act on.
func (s Signal) Validate() error {
	if _, err := ParseAction(string(s.Action)); err != nil {
		return err
	}
	if s.Action == Cash {
		return nil
	}
	if s.ID == "" {
		return errors.New("signal id required")
	}
	if s.Instrument == "" {
		return errors.New("signal instrument required")
	}
	if s.Action == Buy && !s.Price.IsPositive() {
		return fmt.Errorf("signal %s: price must be positive, got %s", s.ID, s.Price)
	}
	return nil
}

// Source returns the current recommendation.
type Source interface {
	Current(ctx context.Context) (Signal, error)
}

// FileSource reads the latest signal from a JSON file written by the signal process.
// A signal generated before the start of the current session day is reported as cash.
type FileSource struct {
	path string
	loc  *time.Location
	now  func() time.Time
}

func NewFileSource(path string, loc *time.Location) *FileSource {
	if loc == nil {
		loc = time.UTC
	}
	return &FileSource{path: path, loc: loc, now: time.Now}
}

func (f *FileSource) Current(ctx context.Context) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Signal{}, fmt.Errorf("failed to read signal file: %w", err)
	}
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("failed to parse signal file %s: %w", f.path, err)
	}
	s.Action = Action(strings.ToLower(string(s.Action)))
	s.Instrument = strings.ToUpper(s.Instrument)
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	if s.GeneratedAt.Before(DayStart(f.now(), f.loc)) {
		return Signal{
			ID:          s.ID,
			Action:      Cash,
			Reason:      fmt.Sprintf("stale signal from %s", s.GeneratedAt.In(f.loc).Format(time.DateTime)),
			GeneratedAt: s.GeneratedAt,
		}, nil
	}
	return s, nil
}

// DayStart is midnight of t's calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Static serves a fixed signal. Used in tests and for manual runs.
type Static struct {
	mu  sync.Mutex
	sig Signal
	err error
}

func NewStatic(s Signal) *Static { return &Static{sig: s} }

func (s *Static) Set(sig Signal, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig, s.err = sig, err
}

func (s *Static) Current(ctx context.Context) (Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Signal{}, s.err
	}
	return s.sig, nil
}
