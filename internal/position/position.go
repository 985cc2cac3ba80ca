// Package position holds the tracked-position domain model and its
// durable store. A Position mutates only after a confirmed fill; order
// decisions live in the intent journal until then.
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autotrader/pkg/broker"
)

// Status is a position's lifecycle state.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyClosed Status = "PARTIALLY_CLOSED"
	StatusClosed          Status = "CLOSED"
	// StatusZombie marks a position whose valuation is impossible (symbol
	// delisted or price permanently unavailable). Zombies are retried on a
	// long window and never silently dropped.
	StatusZombie Status = "ZOMBIE"
)

// LadderRung is one take-profit step: at Threshold gain, sell Fraction of
// the ORIGINAL quantity. Each rung fires at most once.
type LadderRung struct {
	Threshold float64 `json:"threshold"` // gain fraction, e.g. 0.03 for +3%
	Fraction  float64 `json:"fraction"`  // fraction of original qty to sell
	Consumed  bool    `json:"consumed"`
}

// Position is one tracked holding on one account.
type Position struct {
	ID        string
	AccountID string
	Symbol    string
	Side      broker.Side

	OriginalQty  float64
	RemainingQty float64
	EntryPrice   float64
	EntryTime    time.Time

	StopPrice float64
	Ladder    []LadderRung

	Status        Status
	LastPrice     float64
	LastCheckedAt time.Time

	ZombieAt     time.Time
	ZombieReason string

	FailureNote  string
	LastIntentID string
	CloseNote    string
}

var (
	ErrQtyExceedsRemaining = errors.New("position: fill exceeds remaining quantity")
	ErrNotOpen             = errors.New("position: not open")
)

// New creates an open position from a confirmed entry fill.
func New(accountID, symbol string, side broker.Side, qty, entryPrice float64, ladder []LadderRung, stopPrice float64) (*Position, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("position: quantity must be positive, got %v", qty)
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("position: entry price must be positive, got %v", entryPrice)
	}
	if err := ValidateLadder(ladder); err != nil {
		return nil, err
	}
	return &Position{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Symbol:       symbol,
		Side:         side,
		OriginalQty:  qty,
		RemainingQty: qty,
		EntryPrice:   entryPrice,
		EntryTime:    time.Now(),
		StopPrice:    stopPrice,
		Ladder:       append([]LadderRung(nil), ladder...),
		Status:       StatusOpen,
	}, nil
}

// ValidateLadder checks that rungs are ascending by threshold and that
// fractions sum to at most 1.0 of the original quantity.
func ValidateLadder(ladder []LadderRung) error {
	sum := 0.0
	prev := 0.0
	for i, r := range ladder {
		if r.Threshold <= 0 || r.Fraction <= 0 {
			return fmt.Errorf("position: ladder rung %d must have positive threshold and fraction", i)
		}
		if r.Threshold <= prev {
			return fmt.Errorf("position: ladder thresholds must be strictly ascending (rung %d)", i)
		}
		prev = r.Threshold
		sum += r.Fraction
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("position: ladder fractions sum to %.4f, must not exceed 1.0", sum)
	}
	return nil
}

// Active reports whether the position still holds quantity to manage.
func (p *Position) Active() bool {
	return p.Status == StatusOpen || p.Status == StatusPartiallyClosed
}

// GainFraction returns the signed gain at price relative to entry, from the
// position's perspective (shorts profit when price falls).
func (p *Position) GainFraction(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	g := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == broker.SideSell {
		return -g
	}
	return g
}

// NextRung returns the index of the highest unconsumed rung whose threshold
// the gain has reached, or -1. Rungs skipped by a gap-up still fire in
// order, one per tick.
func (p *Position) NextRung(gain float64) int {
	for i, r := range p.Ladder {
		if !r.Consumed && gain >= r.Threshold {
			return i
		}
	}
	return -1
}

// ConsumeRung marks a rung as fired. Called only after the rung's exit
// order confirmed.
func (p *Position) ConsumeRung(i int) {
	if i >= 0 && i < len(p.Ladder) {
		p.Ladder[i].Consumed = true
	}
}

// ConsumedFraction reports the total original-quantity fraction already
// taken by fired rungs.
func (p *Position) ConsumedFraction() float64 {
	sum := 0.0
	for _, r := range p.Ladder {
		if r.Consumed {
			sum += r.Fraction
		}
	}
	return sum
}

// ApplyExitFill reduces remaining quantity after a confirmed exit fill.
// Quantity is monotonically non-increasing and never negative; depleting
// it closes the position with note.
func (p *Position) ApplyExitFill(qty float64, note string) error {
	if !p.Active() {
		return ErrNotOpen
	}
	if qty <= 0 {
		return fmt.Errorf("position: exit fill must be positive, got %v", qty)
	}
	// Venue dust rounding can overshoot by a hair; clamp, never go negative.
	if qty > p.RemainingQty {
		if qty > p.RemainingQty*1.001 {
			return ErrQtyExceedsRemaining
		}
		qty = p.RemainingQty
	}

	p.RemainingQty -= qty
	if p.RemainingQty <= p.OriginalQty*1e-9 {
		p.RemainingQty = 0
		p.Status = StatusClosed
		p.CloseNote = note
	} else {
		p.Status = StatusPartiallyClosed
	}
	return nil
}

// MarkZombie transitions the position to ZOMBIE with a reason. Quantity is
// preserved; a later revival resumes management.
func (p *Position) MarkZombie(reason string, at time.Time) {
	p.Status = StatusZombie
	p.ZombieAt = at
	p.ZombieReason = reason
}

// ZombieRetryDue reports whether a zombie is due for a valuation retry.
func (p *Position) ZombieRetryDue(now time.Time, window time.Duration) bool {
	return p.Status == StatusZombie && now.Sub(p.ZombieAt) >= window
}

// Revive returns a zombie to active management after valuation succeeds.
func (p *Position) Revive() {
	if p.Status != StatusZombie {
		return
	}
	if p.RemainingQty < p.OriginalQty {
		p.Status = StatusPartiallyClosed
	} else {
		p.Status = StatusOpen
	}
	p.ZombieAt = time.Time{}
	p.ZombieReason = ""
}

// MarkPrice records a fresh valuation.
func (p *Position) MarkPrice(price float64, at time.Time) {
	p.LastPrice = price
	p.LastCheckedAt = at
}

// HoldDuration returns how long the position has been held.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// MarshalLadder encodes the ladder for persistence.
func MarshalLadder(ladder []LadderRung) (string, error) {
	if len(ladder) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ladder)
	if err != nil {
		return "", fmt.Errorf("encode ladder: %w", err)
	}
	return string(b), nil
}

// UnmarshalLadder decodes a persisted ladder.
func UnmarshalLadder(s string) ([]LadderRung, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var ladder []LadderRung
	if err := json.Unmarshal([]byte(s), &ladder); err != nil {
		return nil, fmt.Errorf("decode ladder: %w", err)
	}
	return ladder, nil
}
