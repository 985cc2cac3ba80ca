// Package broker defines the uniform capability interface every exchange
// adapter implements. Engine code never branches on exchange identity; it
// talks to this interface only.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrSymbolNotFound is returned by GetPrice when the instrument does not
// exist on the venue (delisted pair, typo in config). Callers treat it as
// "skip this symbol", not as an adapter failure.
var ErrSymbolNotFound = errors.New("broker: symbol not found")

// Broker is the capability surface of one exchange for one account.
// Implementations are stateless beyond their HTTP/session plumbing and must
// be safe for use by a single worker goroutine.
type Broker interface {
	// Name identifies the venue, e.g. "binance-spot" or "paper".
	Name() string

	// GetBalance returns free quote balance and current holdings.
	GetBalance(ctx context.Context) (Balance, error)

	// GetPrice returns the last traded price for a symbol.
	// Returns ErrSymbolNotFound for unknown instruments.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// PlaceOrder submits an order and returns the exchange ack.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// CancelOrder cancels an open order by exchange order id.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// ListOpenOrders returns currently resting orders.
	ListOpenOrders(ctx context.Context) ([]OpenOrder, error)
}

// APIError carries the venue's HTTP status and error payload so the
// resilience layer can classify failures without knowing the venue.
type APIError struct {
	StatusCode int
	Code       int // venue-specific error code, 0 if absent
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker api error: status=%d code=%d %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker api error: status=%d %s", e.StatusCode, e.Message)
}
