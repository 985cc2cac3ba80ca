package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"autotrader/pkg/logger"
)

// Executor runs broker calls for one account through rate limiting, retry
// with backoff and the circuit breaker. One executor exists per worker, so
// all state here is touched from a single goroutine except the breaker,
// which the control surface also reads.
type Executor struct {
	accountID string
	breaker   *Breaker
	limiter   *rate.Limiter
	backoff   Backoff

	maxAttempts int

	// OnFatal is invoked once per fatal failure so the worker can degrade
	// its account. May be nil.
	OnFatal func(err error)
	// OnCircuitOpen is invoked when a failure opens the breaker. May be nil.
	OnCircuitOpen func(snapshot BreakerState)
}

// ExecutorConfig tunes an Executor.
type ExecutorConfig struct {
	MaxAttempts    int
	RequestsPerSec float64
	Backoff        Backoff
	Breaker        BreakerConfig
}

// DefaultExecutorConfig matches engine defaults: up to 10 attempts per
// operation, 5 requests/sec toward the venue.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:    10,
		RequestsPerSec: 5,
		Backoff:        DefaultBackoff(),
		Breaker:        DefaultBreakerConfig(),
	}
}

// NewExecutor builds an executor for one account/venue pair.
func NewExecutor(accountID, brokerName string, cfg ExecutorConfig) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Executor{
		accountID:   accountID,
		breaker:     NewBreaker(accountID, brokerName, cfg.Breaker),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)+1),
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Breaker exposes the underlying breaker for persistence and status.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Do runs op with the full resilience policy. The returned error, when
// non-nil, is always a *ClassifiedError or ErrCircuitOpen.
func (e *Executor) Do(ctx context.Context, opName string, op func(ctx context.Context) error) error {
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if !e.breaker.Allow() {
			return fmt.Errorf("%s: %w", opName, ErrCircuitOpen)
		}
		if err := e.limiter.Wait(ctx); err != nil {
			e.breaker.ReleaseProbe()
			return classify(opName, err)
		}

		err := op(ctx)
		if err == nil {
			e.breaker.RecordSuccess()
			return nil
		}

		cerr := classify(opName, err)
		switch cerr.Class {
		case InvalidInstrument:
			// Healthy venue, bad request: skip, no retry, no breaker count.
			// A half-open probe slot is handed back so the breaker cannot
			// wedge waiting on a verdict this outcome does not carry.
			e.breaker.ReleaseProbe()
			return cerr
		case Fatal:
			e.breaker.RecordFailure(Fatal)
			if e.OnFatal != nil {
				e.OnFatal(cerr)
			}
			return cerr
		case Transient, RateLimit:
			if opened := e.breaker.RecordFailure(cerr.Class); opened && e.OnCircuitOpen != nil {
				e.OnCircuitOpen(StateOpen)
			}
			if e.breaker.State() == StateOpen {
				return cerr
			}
			logger.WithField("account", e.accountID).
				Warnf("%s failed (%s), attempt %d/%d: %v", opName, cerr.Class, attempt+1, e.maxAttempts, err)
			delay := attempt
			if cerr.Class == RateLimit {
				// Rate limits back off harder than plain transients.
				delay = attempt + 2
			}
			if serr := e.backoff.Sleep(ctx, delay); serr != nil {
				return classify(opName, serr)
			}
		}
	}
	return &ClassifiedError{
		Class: Transient,
		Op:    opName,
		Err:   fmt.Errorf("gave up after %d attempts", e.maxAttempts),
	}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](e *Executor, ctx context.Context, opName string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, opName, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// setClock overrides breaker timing for tests.
func (e *Executor) setClock(now func() time.Time) { e.breaker.setNow(now) }
