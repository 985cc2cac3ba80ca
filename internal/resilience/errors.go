// Package resilience wraps broker calls with error classification, retry
// with exponential backoff, per-venue rate limiting and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"autotrader/pkg/broker"
)

// Class partitions broker failures by how the engine must react.
type Class int

const (
	// Transient failures (network errors, 5xx, timeouts) are retried with
	// backoff and count toward the circuit breaker.
	Transient Class = iota
	// RateLimit failures (429, venue throttling codes) are retried with a
	// longer backoff and count toward the circuit breaker.
	RateLimit
	// InvalidInstrument means the symbol does not exist on the venue. The
	// operation is skipped, never retried, and never counts toward the
	// breaker: the venue is healthy, the request is not.
	InvalidInstrument
	// Fatal failures (auth, permission, malformed request) are not retried;
	// the owning account degrades.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "TRANSIENT"
	case RateLimit:
		return "RATE_LIMIT"
	case InvalidInstrument:
		return "INVALID_INSTRUMENT"
	case Fatal:
		return "FATAL"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ClassifiedError pairs an underlying broker error with its class.
type ClassifiedError struct {
	Class Class
	Op    string
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// ClassOf extracts the class from an error produced by this package.
// Unclassified errors are treated as Transient.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Transient
}

// Binance throttling codes that arrive with non-429 status.
const (
	codeTooManyRequests = -1003
	codeInvalidSymbol   = -1121
)

// Classify assigns a failure class to a raw broker error.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, broker.ErrSymbolNotFound) {
		return InvalidInstrument
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode == 418 || apiErr.Code == codeTooManyRequests:
			return RateLimit
		case apiErr.Code == codeInvalidSymbol:
			return InvalidInstrument
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return Fatal
		case apiErr.StatusCode >= 500:
			return Transient
		case apiErr.StatusCode >= 400:
			// Remaining 4xx are malformed or forbidden requests; retrying
			// the same request cannot succeed.
			return Fatal
		}
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Transient
}

// classify wraps err with its class and the operation name.
func classify(op string, err error) *ClassifiedError {
	return &ClassifiedError{Class: Classify(err), Op: op, Err: err}
}
