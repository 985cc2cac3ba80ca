package worker

import (
	"context"
	"errors"
	"fmt"

	"autotrader/internal/events"
	"autotrader/internal/intent"
	"autotrader/internal/position"
	"autotrader/internal/resilience"
	"autotrader/internal/strategy"
	"autotrader/pkg/broker"
	"autotrader/pkg/logger"
)

// maybeEnter scans the account's symbols for the strongest entry signal
// and opens a position when capital allows, rotating out the weakest
// holding when it does not.
func (w *Worker) maybeEnter(ctx context.Context) error {
	active := w.store.Active(w.account.ID)
	if len(active) >= w.cfg.MaxOpenPositions {
		return nil
	}

	best, found := w.scan(ctx)
	if !found {
		return nil
	}

	free, total := w.capital(ctx)
	if total < w.cfg.MinFunding {
		return nil
	}

	notional := w.account.MaxPositionNotional
	if notional <= 0 {
		notional = 100
	}
	reserve := w.account.FreeReservePct * total

	if free-notional < reserve {
		rotated, err := w.rotateForEntry(ctx, best)
		if err != nil {
			return err
		}
		if !rotated {
			logger.WithField("account", w.account.ID).
				Debugf("worker: signal %s skipped, insufficient free capital and nothing weaker to rotate", best.Symbol)
			return nil
		}
		free, total = w.capital(ctx)
		reserve = w.account.FreeReservePct * total
		if free-notional < reserve {
			logger.WithField("account", w.account.ID).
				Warnf("worker: rotation freed %.2f but reserve still unmet, skipping entry", free)
			return nil
		}
	}

	return w.openPosition(ctx, best, notional)
}

// scan feeds every configured symbol's price to the strategy and returns
// the strongest entry signal. Invalid instruments are skipped without
// aborting the scan or touching the breaker.
func (w *Worker) scan(ctx context.Context) (strategy.Signal, bool) {
	var best strategy.Signal
	found := false

	for _, symbol := range w.account.Symbols {
		if w.stopping.Load() {
			break
		}
		if _, open := w.store.FindActiveBySymbol(w.account.ID, symbol); open {
			continue
		}

		price, err := resilience.DoValue(w.exec, ctx, "get_price", func(ctx context.Context) (float64, error) {
			return w.venue.GetPrice(ctx, symbol)
		})
		if err != nil {
			if resilience.ClassOf(err) == resilience.InvalidInstrument {
				logger.WithField("account", w.account.ID).
					Debugf("worker: %s not tradable on %s, skipping", symbol, w.venue.Name())
				continue
			}
			if errors.Is(err, resilience.ErrCircuitOpen) {
				break
			}
			logger.WithField("account", w.account.ID).
				Warnf("worker: scan %s: %v", symbol, err)
			continue
		}

		w.prices.Set(symbol, price)
		w.strat.Observe(symbol, price)
		if sig, ok := w.strat.EvaluateEntry(symbol, price); ok {
			if !found || sig.Strength > best.Strength {
				best = sig
				found = true
			}
		}
	}
	return best, found
}

// rotateForEntry closes the weakest-scoring open position to fund a
// stronger signal. Returns false when no position scores below the
// incoming signal.
func (w *Worker) rotateForEntry(ctx context.Context, sig strategy.Signal) (bool, error) {
	var weakest *position.Position
	weakestScore := 0.0

	for _, p := range w.store.Active(w.account.ID) {
		price := p.LastPrice
		if cached, ok := w.prices.Get(p.Symbol); ok {
			price = cached
		}
		score := w.strat.Score(p, price)
		if weakest == nil || score < weakestScore {
			weakest = p
			weakestScore = score
		}
	}
	if weakest == nil {
		return false, nil
	}
	if weakestScore >= sig.Strength {
		// Everything currently held outranks the new signal; hold the book.
		return false, nil
	}

	why := fmt.Sprintf("rotated out (score %.4f) for %s (strength %.4f)", weakestScore, sig.Symbol, sig.Strength)
	logger.WithField("account", w.account.ID).
		Infof("worker: rotating %s: %s", weakest.Symbol, why)
	if err := w.life.CloseForRotation(ctx, weakest, why); err != nil {
		return false, err
	}
	return weakest.Status == position.StatusClosed, nil
}

// openPosition records the entry intent, buys by notional, and creates the
// tracked position from the confirmed fill.
func (w *Worker) openPosition(ctx context.Context, sig strategy.Signal, notional float64) error {
	in := intent.New(w.account.ID, "", sig.Symbol, sig.Side, 0, intent.KindEntry, sig.Reason)
	if err := w.journal.Begin(ctx, in); err != nil {
		return err
	}
	w.publish(events.Event{
		Type:      events.OrderSubmitted,
		AccountID: w.account.ID,
		Symbol:    sig.Symbol,
		Payload:   events.OrderPayload{IntentID: in.ID, Side: string(sig.Side), Reason: sig.Reason},
	})

	result, err := resilience.DoValue(w.exec, ctx, "place_order", func(ctx context.Context) (broker.OrderResult, error) {
		return w.venue.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:   sig.Symbol,
			Side:     sig.Side,
			Type:     broker.OrderTypeMarket,
			Notional: notional,
			ClientID: in.ID,
		})
	})
	if err != nil {
		if rerr := w.journal.Resolve(ctx, in.ID, intent.StatusFailed, 0, 0, err.Error()); rerr != nil {
			logger.Warnf("worker %s: resolve entry intent: %v", w.account.ID, rerr)
		}
		w.publish(events.Event{
			Type:      events.OrderRejected,
			AccountID: w.account.ID,
			Symbol:    sig.Symbol,
			Payload:   events.OrderPayload{IntentID: in.ID, Side: string(sig.Side), Error: err.Error()},
		})
		return fmt.Errorf("entry order for %s: %w", sig.Symbol, err)
	}
	if result.Status != broker.StatusFilled || result.FilledQty <= 0 {
		note := fmt.Sprintf("entry not confirmed: status %s, filled %.8f", result.Status, result.FilledQty)
		if rerr := w.journal.Resolve(ctx, in.ID, intent.StatusRejected, result.FilledQty, result.AvgPrice, note); rerr != nil {
			logger.Warnf("worker %s: resolve entry intent: %v", w.account.ID, rerr)
		}
		// An unconfirmed partial entry becomes a venue holding; the next
		// reconcile adopts whatever actually landed.
		logger.WithField("account", w.account.ID).Warnf("worker: %s", note)
		return nil
	}

	stop := sig.StopPrice
	if stop <= 0 && result.AvgPrice > 0 {
		stop = result.AvgPrice * 0.99
	}
	p, err := position.New(w.account.ID, sig.Symbol, sig.Side, result.FilledQty, result.AvgPrice, sig.Ladder, stop)
	if err != nil {
		return fmt.Errorf("track entry fill: %w", err)
	}
	p.LastIntentID = in.ID
	p.MarkPrice(result.AvgPrice, w.now())
	if err := w.store.Save(ctx, p); err != nil {
		return err
	}
	if err := w.journal.Resolve(ctx, in.ID, intent.StatusFilled, result.FilledQty, result.AvgPrice, ""); err != nil {
		return err
	}

	logger.WithField("account", w.account.ID).
		Infof("worker: opened %s %.8f at %.4f (%s)", sig.Symbol, result.FilledQty, result.AvgPrice, sig.Reason)
	w.publish(events.Event{
		Type:      events.PositionOpened,
		AccountID: w.account.ID,
		Symbol:    sig.Symbol,
		Payload:   events.PositionPayload{PositionID: p.ID, Qty: result.FilledQty, Price: result.AvgPrice, Note: sig.Reason},
	})
	return nil
}
