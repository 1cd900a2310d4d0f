// Package retry runs broker calls under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/guarded-trader/internal/failure"
	"github.com/amirphl/guarded-trader/internal/metrics"
)

// Gate is consulted before every attempt. A non-nil error aborts the call.
type Gate func(ctx context.Context) error

// Config bounds a Policy.
type Config struct {
	InitialDelay   time.Duration `yaml:"initial_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxAttempts    int           `yaml:"max_attempts"`
	MaxElapsed     time.Duration `yaml:"max_elapsed"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultConfig is 1s, 2s, 4s... bounded by three attempts and five minutes.
func DefaultConfig() Config {
	return Config{
		InitialDelay:   time.Second,
		Multiplier:     2,
		MaxAttempts:    3,
		MaxElapsed:     5 * time.Minute,
		AttemptTimeout: 15 * time.Second,
	}
}

// Validate rejects unbounded policies.
func (c Config) Validate() error {
	switch {
	case c.InitialDelay <= 0:
		return errors.New("retry: initial_delay must be positive")
	case c.Multiplier < 1:
		return errors.New("retry: multiplier must be >= 1")
	case c.MaxAttempts < 1:
		return errors.New("retry: max_attempts must be >= 1")
	case c.MaxElapsed <= 0:
		return errors.New("retry: max_elapsed must be positive")
	case c.AttemptTimeout <= 0:
		return errors.New("retry: attempt_timeout must be positive")
	}
	return nil
}

// ErrAborted is returned when the gate stops a retry loop.
var ErrAborted = errors.New("retry aborted")

// Policy retries recoverable failures.
type Policy struct {
	cfg Config
	log *logrus.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a policy using the wall clock.
func New(cfg Config, log *logrus.Entry) *Policy {
	return &Policy{
		cfg:   cfg,
		log:   log.WithField("component", "retry"),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Config returns the policy bounds.
func (p *Policy) Config() Config { return p.cfg }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails with a non-recoverable error, or the attempt or
// wall-clock bound is reached. Each attempt gets its own AttemptTimeout. Exhausted
// recoverable errors come back escalated to fatal.
func (p *Policy) Do(ctx context.Context, op string, gate Gate, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    p.cfg.InitialDelay,
		Max:    p.cfg.MaxElapsed,
		Factor: p.cfg.Multiplier,
		Jitter: false,
	}
	start := p.now()
	log := p.log.WithField("op", op)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if gate != nil {
			if err := gate(ctx); err != nil {
				log.WithError(err).WithField("attempt", attempt).Warn("retry loop stopped by gate")
				return fmt.Errorf("%s: %w: %w", op, ErrAborted, err)
			}
		}

		lastErr = p.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}

		kind := failure.Classify(lastErr)
		if kind != failure.KindRecoverable {
			log.WithError(lastErr).WithFields(logrus.Fields{"attempt": attempt, "kind": kind.String()}).Error("non-recoverable failure")
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		wait := b.Duration()
		if p.now().Sub(start)+wait > p.cfg.MaxElapsed {
			log.WithError(lastErr).WithFields(logrus.Fields{"attempt": attempt, "elapsed": p.now().Sub(start)}).Warn("retry ceiling reached")
			metrics.RetryAttempts.WithLabelValues(op, "ceiling").Inc()
			return fmt.Errorf("%s: %w", op, failure.Escalate(lastErr, attempt))
		}

		log.WithError(lastErr).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": p.cfg.MaxAttempts,
			"wait":         wait.String(),
		}).Warn("recoverable failure, retrying")
		metrics.RetryAttempts.WithLabelValues(op, "retry").Inc()

		if err := p.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	log.WithError(lastErr).WithField("attempts", p.cfg.MaxAttempts).Error("retries exhausted")
	metrics.RetryAttempts.WithLabelValues(op, "exhausted").Inc()
	return fmt.Errorf("%s: %w", op, failure.Escalate(lastErr, p.cfg.MaxAttempts))
}

func (p *Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	err := fn(actx)
	if err == nil {
		return nil
	}
	// a call that ignored its context still counts as a timeout
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return failure.Recoverable(fmt.Errorf("attempt timed out after %s: %w", p.cfg.AttemptTimeout, err))
	}
	return err
}

// Once runs fn a single time under the attempt timeout without retrying.
func (p *Policy) Once(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := p.attempt(ctx, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
