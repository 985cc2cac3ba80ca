package events

import "time"

// EventType identifies a class of engine event.
type EventType string

const (
	OrderSubmitted EventType = "order.submitted"
	OrderFilled    EventType = "order.filled"
	OrderRejected  EventType = "order.rejected"

	PositionOpened EventType = "position.opened"
	PositionClosed EventType = "position.closed"
	PositionZombie EventType = "position.zombie"

	WorkerDegraded EventType = "worker.degraded"
	CircuitOpened  EventType = "circuit.opened"
)

// Event is a single engine occurrence published on the bus. Payload is a
// small type-specific struct; subscribers type-switch on it.
type Event struct {
	Type      EventType   `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// OrderPayload accompanies order.* events.
type OrderPayload struct {
	IntentID  string  `json:"intent_id"`
	Side      string  `json:"side"`
	Qty       float64 `json:"qty"`
	FilledQty float64 `json:"filled_qty,omitempty"`
	AvgPrice  float64 `json:"avg_price,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// PositionPayload accompanies position.* events.
type PositionPayload struct {
	PositionID string  `json:"position_id"`
	Qty        float64 `json:"qty,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// DegradedPayload accompanies worker.degraded events.
type DegradedPayload struct {
	Reason string `json:"reason"`
}

// CircuitPayload accompanies circuit.opened events.
type CircuitPayload struct {
	Broker   string        `json:"broker"`
	Failures int           `json:"failures"`
	Cooldown time.Duration `json:"cooldown"`
}
