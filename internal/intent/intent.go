// Package intent records order decisions before they reach the venue. An
// intent is written durably first, the order is placed second, and the
// resolution is recorded third; after a crash the journal names every order
// that may or may not have reached the venue.
package intent

import (
	"time"

	"github.com/google/uuid"

	"autotrader/pkg/broker"
	"autotrader/pkg/db"
)

// Kind is the decision that produced an intent.
type Kind string

const (
	KindEntry     Kind = "ENTRY"
	KindLadder    Kind = "LADDER"
	KindStop      Kind = "STOP"
	KindEmergency Kind = "EMERGENCY"
	KindEarlyExit Kind = "EARLY_EXIT"
	KindLiquidate Kind = "LIQUIDATE"
	KindRotate    Kind = "ROTATE"
)

// Resolution states.
const (
	StatusPending  = "PENDING"
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
	StatusFailed   = "FAILED"
)

// Intent is one decided order. Decision fields are immutable once written.
type Intent struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	PositionID string      `json:"position_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Side       broker.Side `json:"side"`
	Qty        float64     `json:"qty"`
	Kind       Kind        `json:"kind"`
	Reason     string      `json:"reason"`
	CreatedAt  time.Time   `json:"created_at"`
}

// New creates a pending intent with a fresh id.
func New(accountID, positionID, symbol string, side broker.Side, qty float64, kind Kind, reason string) Intent {
	return Intent{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		PositionID: positionID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		Kind:       kind,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
}

func (in Intent) toRow() db.OrderIntent {
	return db.OrderIntent{
		ID:         in.ID,
		AccountID:  in.AccountID,
		PositionID: in.PositionID,
		Symbol:     in.Symbol,
		Side:       string(in.Side),
		Qty:        in.Qty,
		Kind:       string(in.Kind),
		Reason:     in.Reason,
		Status:     StatusPending,
		CreatedAt:  in.CreatedAt,
	}
}

func fromRow(row db.OrderIntent) Intent {
	return Intent{
		ID:         row.ID,
		AccountID:  row.AccountID,
		PositionID: row.PositionID,
		Symbol:     row.Symbol,
		Side:       broker.Side(row.Side),
		Qty:        row.Qty,
		Kind:       Kind(row.Kind),
		Reason:     row.Reason,
		CreatedAt:  row.CreatedAt,
	}
}
