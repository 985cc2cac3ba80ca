// Package paper implements an in-memory broker used for dry-run mode and as
// the test double for engine packages. Fills are immediate at the posted
// price; failure hooks let tests inject classified error conditions.
package paper

import (
	"context"
	"fmt"
	"sync"

	"autotrader/pkg/broker"
)

// Broker is a deterministic in-memory venue.
type Broker struct {
	mu       sync.Mutex
	name     string
	free     float64
	holdings map[string]float64
	prices   map[string]float64

	// Failure hooks; when set and returning non-nil, the call fails with
	// the returned error instead of executing.
	FailGetBalance func() error
	FailGetPrice   func(symbol string) error
	FailPlaceOrder func(req broker.OrderRequest) error

	// PartialFillFraction, when in (0,1), fills only that fraction of each
	// order; used to exercise unconfirmed-fill handling.
	PartialFillFraction float64
}

// New creates a paper broker with the given starting quote balance.
func New(initialFree float64) *Broker {
	return &Broker{
		name:     "paper",
		free:     initialFree,
		holdings: make(map[string]float64),
		prices:   make(map[string]float64),
	}
}

func (b *Broker) Name() string { return b.name }

// SetPrice posts the current price for a symbol.
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetHolding seeds a holding directly, bypassing order flow. Used to model
// positions that exist on the venue but not in local state.
func (b *Broker) SetHolding(symbol string, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty == 0 {
		delete(b.holdings, symbol)
		return
	}
	b.holdings[symbol] = qty
}

func (b *Broker) GetBalance(ctx context.Context) (broker.Balance, error) {
	if b.FailGetBalance != nil {
		if err := b.FailGetBalance(); err != nil {
			return broker.Balance{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := broker.Balance{Free: b.free}
	for sym, qty := range b.holdings {
		bal.Holdings = append(bal.Holdings, broker.Holding{Symbol: sym, Qty: qty})
	}
	return bal, nil
}

func (b *Broker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if b.FailGetPrice != nil {
		if err := b.FailGetPrice(symbol); err != nil {
			return 0, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[symbol]
	if !ok {
		return 0, broker.ErrSymbolNotFound
	}
	return price, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if b.FailPlaceOrder != nil {
		if err := b.FailPlaceOrder(req); err != nil {
			return broker.OrderResult{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[req.Symbol]
	if !ok {
		return broker.OrderResult{}, broker.ErrSymbolNotFound
	}

	qty := req.Qty
	if qty == 0 && req.Notional > 0 {
		qty = req.Notional / price
	}
	if qty <= 0 {
		return broker.OrderResult{Status: broker.StatusRejected}, &broker.APIError{
			StatusCode: 400, Message: "paper: zero quantity",
		}
	}

	fillQty := qty
	status := broker.StatusFilled
	if b.PartialFillFraction > 0 && b.PartialFillFraction < 1 {
		fillQty = qty * b.PartialFillFraction
		status = broker.StatusPartial
	}

	switch req.Side {
	case broker.SideBuy:
		cost := fillQty * price
		if cost > b.free {
			return broker.OrderResult{Status: broker.StatusRejected}, &broker.APIError{
				StatusCode: 400, Message: "paper: insufficient balance",
			}
		}
		b.free -= cost
		b.holdings[req.Symbol] += fillQty
	case broker.SideSell:
		held := b.holdings[req.Symbol]
		if fillQty > held {
			fillQty = held
		}
		if fillQty <= 0 {
			return broker.OrderResult{Status: broker.StatusRejected}, &broker.APIError{
				StatusCode: 400, Message: "paper: nothing to sell",
			}
		}
		b.holdings[req.Symbol] = held - fillQty
		if b.holdings[req.Symbol] == 0 {
			delete(b.holdings, req.Symbol)
		}
		b.free += fillQty * price
	default:
		return broker.OrderResult{}, fmt.Errorf("paper: unknown side %q", req.Side)
	}

	return broker.OrderResult{
		ExchangeOrderID: fmt.Sprintf("paper-%s-%d", req.Symbol, orderSeq.next()),
		Status:          status,
		FilledQty:       fillQty,
		AvgPrice:        price,
	}, nil
}

func (b *Broker) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	// Paper orders fill immediately; nothing rests.
	return nil
}

func (b *Broker) ListOpenOrders(ctx context.Context) ([]broker.OpenOrder, error) {
	return nil, nil
}

// Free returns the current free balance (test helper).
func (b *Broker) Free() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free
}

// Holding returns the current holding for a symbol (test helper).
func (b *Broker) Holding(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holdings[symbol]
}

type seq struct {
	mu sync.Mutex
	n  int64
}

func (s *seq) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}

var orderSeq seq
