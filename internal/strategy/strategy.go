// Package strategy defines the pluggable signal adapter consumed by the
// account workers, plus the default momentum implementation.
package strategy

import (
	"autotrader/internal/position"
	"autotrader/pkg/broker"
)

// Signal is a recommendation to open a position. Strength orders competing
// signals; higher is stronger. StopPrice and Ladder become the opened
// position's exit plan.
type Signal struct {
	Symbol    string
	Side      broker.Side
	Strength  float64
	StopPrice float64
	Ladder    []position.LadderRung
	Reason    string
}

// Adapter produces entry and exit decisions for one account's symbols.
// Implementations are called from a single worker goroutine and need no
// internal locking.
type Adapter interface {
	Name() string

	// Observe feeds the latest price for a symbol; called once per symbol
	// per tick before any evaluation.
	Observe(symbol string, price float64)

	// EvaluateEntry reports whether a new position in symbol is warranted.
	EvaluateEntry(symbol string, price float64) (Signal, bool)

	// EvaluateExit reports whether an active position should be closed
	// ahead of its stop or hold limits, with the reason.
	EvaluateExit(pos *position.Position, price float64) (string, bool)

	// Score ranks an active position for rotation; the weakest score is
	// closed first when capital must be freed.
	Score(pos *position.Position, price float64) float64
}
