package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"autotrader/internal/events"
	"autotrader/internal/position"
	"autotrader/internal/resilience"
	"autotrader/pkg/broker"
	"autotrader/pkg/logger"
)

// reconcile aligns local tracking with the venue. The venue is the source
// of truth: unknown holdings are adopted, local positions absent on the
// venue are closed with a note. Every mismatch is logged as a warning.
func (w *Worker) reconcile(ctx context.Context, bal broker.Balance) error {
	held := make(map[string]float64, len(bal.Holdings))
	for _, h := range bal.Holdings {
		if h.Qty > 0 {
			held[h.Symbol] = h.Qty
		}
	}

	// Adopt venue holdings we do not track.
	for symbol, qty := range held {
		if _, ok := w.store.FindActiveBySymbol(w.account.ID, symbol); ok {
			continue
		}
		if err := w.adopt(ctx, symbol, qty); err != nil {
			return err
		}
	}

	// Close local positions the venue no longer holds.
	for _, p := range w.store.Active(w.account.ID) {
		if _, ok := held[p.Symbol]; ok {
			continue
		}
		logger.WithField("account", w.account.ID).
			Warnf("reconcile: %s tracked locally but absent on %s, closing", p.Symbol, w.venue.Name())
		qty := p.RemainingQty
		p.RemainingQty = 0
		p.Status = position.StatusClosed
		p.CloseNote = fmt.Sprintf("reconciliation: venue reports no holding (was %.8f)", qty)
		if err := w.store.Save(ctx, p); err != nil {
			return err
		}
		w.publish(events.Event{
			Type:      events.PositionClosed,
			AccountID: w.account.ID,
			Symbol:    p.Symbol,
			Payload:   events.PositionPayload{PositionID: p.ID, Qty: qty, Note: p.CloseNote},
		})
	}
	return nil
}

// adopt creates a tracked position for a venue holding with no local
// record, valued at the current price, or directly as a zombie when the
// symbol cannot be priced.
func (w *Worker) adopt(ctx context.Context, symbol string, qty float64) error {
	logger.WithField("account", w.account.ID).
		Warnf("reconcile: adopting untracked %s holding of %.8f", symbol, qty)

	price, err := resilience.DoValue(w.exec, ctx, "get_price", func(ctx context.Context) (float64, error) {
		return w.venue.GetPrice(ctx, symbol)
	})

	p := &position.Position{
		ID:           uuid.NewString(),
		AccountID:    w.account.ID,
		Symbol:       symbol,
		Side:         broker.SideBuy,
		OriginalQty:  qty,
		RemainingQty: qty,
		EntryTime:    w.now(),
		Status:       position.StatusOpen,
	}
	if err != nil {
		// Unpriceable: track it as a zombie rather than ignore real money.
		p.MarkZombie(fmt.Sprintf("adopted from venue, unpriceable: %v", err), w.now())
		if serr := w.store.Save(ctx, p); serr != nil {
			return serr
		}
		w.publish(events.Event{
			Type:      events.PositionZombie,
			AccountID: w.account.ID,
			Symbol:    symbol,
			Payload:   events.PositionPayload{PositionID: p.ID, Qty: qty, Note: p.ZombieReason},
		})
		return nil
	}

	p.EntryPrice = price
	p.MarkPrice(price, w.now())
	w.prices.Set(symbol, price)
	if serr := w.store.Save(ctx, p); serr != nil {
		return serr
	}
	w.publish(events.Event{
		Type:      events.PositionOpened,
		AccountID: w.account.ID,
		Symbol:    symbol,
		Payload:   events.PositionPayload{PositionID: p.ID, Qty: qty, Price: price, Note: "adopted during reconciliation"},
	})
	return nil
}
