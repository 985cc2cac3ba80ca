package resilience

import (
	"errors"
	"sync"
	"time"

	"autotrader/pkg/db"
	"autotrader/pkg/logger"
)

// ErrCircuitOpen is returned when the breaker short-circuits a call.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker is a per-(account, venue) circuit breaker. Consecutive countable
// failures open it; after a cooldown one probe is allowed through, and a
// failed probe reopens it with a doubled cooldown.
type Breaker struct {
	mu sync.Mutex

	accountID string
	broker    string

	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration

	state       BreakerState
	failures    int
	lastClass   Class
	cooldown    time.Duration
	openedAt    time.Time
	nextRetryAt time.Time
	probing     bool

	now func() time.Time
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	Threshold    int
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

// DefaultBreakerConfig matches engine defaults: trip after 5 consecutive
// countable failures, start at a 30s cooldown, cap at 30 minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, BaseCooldown: 30 * time.Second, MaxCooldown: 30 * time.Minute}
}

// NewBreaker creates a closed breaker for one account/venue pair.
func NewBreaker(accountID, brokerName string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 30 * time.Minute
	}
	return &Breaker{
		accountID:    accountID,
		broker:       brokerName,
		threshold:    cfg.Threshold,
		baseCooldown: cfg.BaseCooldown,
		maxCooldown:  cfg.MaxCooldown,
		cooldown:     cfg.BaseCooldown,
		now:          time.Now,
	}
}

// Restore loads persisted breaker state, typically at startup.
func (b *Breaker) Restore(s db.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch s.State {
	case "OPEN":
		b.state = StateOpen
	case "HALF_OPEN":
		// A persisted half-open means we crashed mid-probe; reopen and let
		// the cooldown expire again.
		b.state = StateOpen
	default:
		b.state = StateClosed
	}
	b.failures = s.ConsecutiveFailures
	if s.Cooldown > 0 {
		b.cooldown = s.Cooldown
	}
	b.openedAt = s.OpenedAt
	b.nextRetryAt = s.NextRetryAt
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cooldown has elapsed, then admits a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.nextRetryAt) {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		logger.WithField("account", b.accountID).Infof("circuit: %s half-open, probing", b.broker)
		return true
	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker after a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		logger.WithField("account", b.accountID).Infof("circuit: %s closed after successful probe", b.broker)
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.cooldown = b.baseCooldown
}

// RecordFailure registers a countable failure. It returns true when this
// failure opened (or reopened) the circuit.
func (b *Breaker) RecordFailure(class Class) bool {
	// Invalid instruments never count: the venue answered correctly.
	if class == InvalidInstrument {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastClass = class
	switch b.state {
	case StateHalfOpen:
		// Failed probe: reopen with a doubled cooldown.
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.open()
		return true
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
			return true
		}
	case StateOpen:
		// Already open; nothing to count.
	}
	return false
}

// ReleaseProbe returns the half-open probe slot without judging venue
// health. Used when the probe's outcome says nothing about the venue,
// such as an invalid-instrument response or a cancelled context; the
// breaker goes back to open with the retry time unchanged, so the next
// call re-probes immediately.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	b.probing = false
	b.state = StateOpen
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.probing = false
	b.openedAt = b.now()
	b.nextRetryAt = b.openedAt.Add(b.cooldown)
	logger.WithField("account", b.accountID).
		Warnf("circuit: %s opened after %d failures, cooldown %s", b.broker, b.failures, b.cooldown)
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a persistable view of the breaker.
func (b *Breaker) Snapshot() db.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return db.CircuitState{
		AccountID:           b.accountID,
		Broker:              b.broker,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		LastFailureClass:    b.lastClass.String(),
		Cooldown:            b.cooldown,
		OpenedAt:            b.openedAt,
		NextRetryAt:         b.nextRetryAt,
	}
}

// setNow overrides the clock for tests.
func (b *Breaker) setNow(now func() time.Time) { b.now = now }
