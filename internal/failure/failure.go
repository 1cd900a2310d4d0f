// Package failure classifies errors from brokers and storage into the kinds the
// orchestrator acts on.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind of failure.
type Kind int

const (
	// KindFatal stops the current job and raises a critical alert.
	KindFatal Kind = iota
	// KindRecoverable is retried with backoff.
	KindRecoverable
	// KindPositionMismatch is fatal and additionally halts trading.
	KindPositionMismatch
)

func (k Kind) String() string {
	switch k {
	case KindRecoverable:
		return "recoverable"
	case KindPositionMismatch:
		return "position_mismatch"
	default:
		return "fatal"
	}
}

// Fatal reports whether k stops the job.
func (k Kind) Fatal() bool {
	return k != KindRecoverable
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Recoverable marks err as transient.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindRecoverable, err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindFatal, err: err}
}

// Escalate turns an exhausted recoverable error into a fatal one.
func Escalate(err error, attempts int) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindFatal, err: fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)}
}

// StatusError is a broker HTTP response that carried a failure status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("broker responded %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("broker responded %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// mismatcher is implemented by reconciliation errors.
type mismatcher interface {
	PositionMismatch() bool
}

// Classify returns the kind of err. Unknown errors are fatal.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var m mismatcher
	if errors.As(err, &m) && m.PositionMismatch() {
		return KindPositionMismatch
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout, se.Code >= 500:
			return KindRecoverable
		default:
			return KindFatal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindRecoverable
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRecoverable
	}

	return KindFatal
}
