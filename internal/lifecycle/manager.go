// Package lifecycle decides hold, partial-exit, full-exit or emergency-exit
// for each tracked position once per tick, and applies confirmed fills to
// the store.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/intent"
	"autotrader/internal/position"
	"autotrader/internal/resilience"
	"autotrader/internal/strategy"
	"autotrader/pkg/broker"
	"autotrader/pkg/cache"
	"autotrader/pkg/logger"
)

// Config carries the exit thresholds. Loss thresholds are positive
// magnitudes: EmergencyMaxLoss 0.05 means exit at −5%.
type Config struct {
	EmergencyMaxLoss float64
	EmergencyMaxHold time.Duration
	StopLossPct      float64
	MaxHold          time.Duration
	ZombieRetryAfter time.Duration
	// PriceMaxAge bounds how stale a cached price may be when the venue's
	// price endpoint fails.
	PriceMaxAge time.Duration
}

// DefaultConfig returns the engine's standard exit posture.
func DefaultConfig() Config {
	return Config{
		EmergencyMaxLoss: 0.05,
		EmergencyMaxHold: 12 * time.Hour,
		StopLossPct:      0.01,
		MaxHold:          8 * time.Hour,
		ZombieRetryAfter: 24 * time.Hour,
		PriceMaxAge:      10 * time.Minute,
	}
}

// Manager runs the per-position state machine for one account. It is owned
// by that account's worker and is not safe for concurrent use.
type Manager struct {
	cfg     Config
	store   *position.Store
	journal *intent.Journal
	exec    *resilience.Executor
	venue   broker.Broker
	prices  *cache.PriceCache
	strat   strategy.Adapter
	bus     *events.Bus

	now func() time.Time
}

// NewManager wires a lifecycle manager for one account.
func NewManager(cfg Config, store *position.Store, journal *intent.Journal, exec *resilience.Executor, venue broker.Broker, prices *cache.PriceCache, strat strategy.Adapter, bus *events.Bus) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		journal: journal,
		exec:    exec,
		venue:   venue,
		prices:  prices,
		strat:   strat,
		bus:     bus,
		now:     time.Now,
	}
}

// decision is one tick's verdict for a position.
type decision struct {
	kind   intent.Kind
	qty    float64
	rung   int // ladder rung index, -1 otherwise
	reason string
}

// Process runs one tick of the state machine for an active position.
// Failures are absorbed: the position carries a failure note and is
// retried next tick.
func (m *Manager) Process(ctx context.Context, pos *position.Position) error {
	if !pos.Active() {
		return nil
	}

	price, ok, err := m.currentPrice(ctx, pos)
	if err != nil {
		return err
	}
	if !ok {
		return nil // became a zombie
	}

	pos.MarkPrice(price, m.now())
	if m.strat != nil {
		m.strat.Observe(pos.Symbol, price)
	}

	dec, ok := m.decide(pos, price)
	if !ok {
		return m.store.Save(ctx, pos)
	}
	return m.executeExit(ctx, pos, dec)
}

// ProcessZombie retries valuation for a zombie once its window elapsed.
func (m *Manager) ProcessZombie(ctx context.Context, pos *position.Position) error {
	if !pos.ZombieRetryDue(m.now(), m.cfg.ZombieRetryAfter) {
		return nil
	}

	price, err := resilience.DoValue(m.exec, ctx, "get_price", func(ctx context.Context) (float64, error) {
		return m.venue.GetPrice(ctx, pos.Symbol)
	})
	if err != nil {
		logger.WithField("account", pos.AccountID).
			Debugf("lifecycle: zombie %s still unpriceable: %v", pos.Symbol, err)
		return nil
	}

	pos.Revive()
	pos.MarkPrice(price, m.now())
	m.prices.Set(pos.Symbol, price)
	logger.WithField("account", pos.AccountID).
		Infof("lifecycle: revived zombie %s at %.4f", pos.Symbol, price)
	return m.store.Save(ctx, pos)
}

// Liquidate issues an immediate full exit, bypassing the ladder. Used by
// the operator's emergency-liquidate control.
func (m *Manager) Liquidate(ctx context.Context, pos *position.Position) error {
	if !pos.Active() {
		return nil
	}
	return m.executeExit(ctx, pos, decision{
		kind:   intent.KindLiquidate,
		qty:    pos.RemainingQty,
		rung:   -1,
		reason: "operator emergency liquidation",
	})
}

// CloseForRotation fully exits a position to free capital for a stronger
// signal.
func (m *Manager) CloseForRotation(ctx context.Context, pos *position.Position, why string) error {
	return m.executeExit(ctx, pos, decision{
		kind:   intent.KindRotate,
		qty:    pos.RemainingQty,
		rung:   -1,
		reason: why,
	})
}

// currentPrice fetches the symbol's price through the resilience layer,
// falling back to a fresh cached tick. Returns ok=false when the position
// transitioned to ZOMBIE.
func (m *Manager) currentPrice(ctx context.Context, pos *position.Position) (float64, bool, error) {
	price, err := resilience.DoValue(m.exec, ctx, "get_price", func(ctx context.Context) (float64, error) {
		return m.venue.GetPrice(ctx, pos.Symbol)
	})
	if err == nil {
		m.prices.Set(pos.Symbol, price)
		return price, true, nil
	}

	if cached, ok := m.prices.GetFresh(pos.Symbol, m.cfg.PriceMaxAge); ok {
		logger.WithField("account", pos.AccountID).
			Warnf("lifecycle: %s price fetch failed, using cached tick: %v", pos.Symbol, err)
		return cached, true, nil
	}

	reason := fmt.Sprintf("valuation unavailable: %v", err)
	pos.MarkZombie(reason, m.now())
	if serr := m.store.Save(ctx, pos); serr != nil {
		return 0, false, serr
	}
	logger.WithField("account", pos.AccountID).
		Warnf("lifecycle: %s marked zombie: %s", pos.Symbol, reason)
	m.publish(events.Event{
		Type:      events.PositionZombie,
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Payload:   events.PositionPayload{PositionID: pos.ID, Qty: pos.RemainingQty, Note: reason},
	})
	return 0, false, nil
}

// decide applies the strict priority order: emergency exits beat the
// ordinary stop and hold limits, which beat ladder rungs, which beat
// strategy early-exit signals.
func (m *Manager) decide(pos *position.Position, price float64) (decision, bool) {
	gain := pos.GainFraction(price)
	held := pos.HoldDuration(m.now())

	if gain <= -m.cfg.EmergencyMaxLoss {
		return decision{intent.KindEmergency, pos.RemainingQty, -1,
			fmt.Sprintf("emergency loss %.2f%% beyond -%.2f%%", gain*100, m.cfg.EmergencyMaxLoss*100)}, true
	}
	if held >= m.cfg.EmergencyMaxHold {
		return decision{intent.KindEmergency, pos.RemainingQty, -1,
			fmt.Sprintf("emergency hold %s beyond %s", held.Truncate(time.Minute), m.cfg.EmergencyMaxHold)}, true
	}

	if m.stopBreached(pos, price, gain) {
		return decision{intent.KindStop, pos.RemainingQty, -1,
			fmt.Sprintf("stop loss at %.4f (gain %.2f%%)", price, gain*100)}, true
	}
	if held >= m.cfg.MaxHold {
		return decision{intent.KindStop, pos.RemainingQty, -1,
			fmt.Sprintf("max hold %s reached", m.cfg.MaxHold)}, true
	}

	// One rung per tick; a gap past several thresholds drains them over
	// consecutive ticks, lowest first.
	if i := pos.NextRung(gain); i >= 0 {
		qty := pos.OriginalQty * pos.Ladder[i].Fraction
		if qty > pos.RemainingQty {
			qty = pos.RemainingQty
		}
		return decision{intent.KindLadder, qty, i,
			fmt.Sprintf("ladder rung %d at +%.2f%%", i+1, pos.Ladder[i].Threshold*100)}, true
	}

	if m.strat != nil {
		if why, exit := m.strat.EvaluateExit(pos, price); exit {
			return decision{intent.KindEarlyExit, pos.RemainingQty, -1, why}, true
		}
	}
	return decision{}, false
}

func (m *Manager) stopBreached(pos *position.Position, price, gain float64) bool {
	if pos.StopPrice > 0 {
		if pos.Side == broker.SideBuy {
			return price < pos.StopPrice
		}
		return price > pos.StopPrice
	}
	return gain <= -m.cfg.StopLossPct
}

// executeExit records the intent, places the market order and applies the
// outcome. Only a confirmed full fill mutates the position.
func (m *Manager) executeExit(ctx context.Context, pos *position.Position, dec decision) error {
	if dec.qty <= 0 {
		return nil
	}

	in := intent.New(pos.AccountID, pos.ID, pos.Symbol, pos.Side.Opposite(), dec.qty, dec.kind, dec.reason)
	if err := m.journal.Begin(ctx, in); err != nil {
		return err
	}
	pos.LastIntentID = in.ID
	m.publish(events.Event{
		Type:      events.OrderSubmitted,
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Payload:   events.OrderPayload{IntentID: in.ID, Side: string(in.Side), Qty: in.Qty, Reason: in.Reason},
	})

	result, err := resilience.DoValue(m.exec, ctx, "place_order", func(ctx context.Context) (broker.OrderResult, error) {
		return m.venue.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:   pos.Symbol,
			Side:     in.Side,
			Type:     broker.OrderTypeMarket,
			Qty:      in.Qty,
			ClientID: in.ID,
		})
	})
	if err != nil {
		return m.recordExitFailure(ctx, pos, in, intent.StatusFailed, err.Error())
	}
	if !confirmedFill(result, in.Qty) {
		note := fmt.Sprintf("order %s: status %s, filled %.8f of %.8f",
			result.ExchangeOrderID, result.Status, result.FilledQty, in.Qty)
		return m.recordExitFailure(ctx, pos, in, intent.StatusRejected, note)
	}

	if err := pos.ApplyExitFill(result.FilledQty, dec.reason); err != nil {
		// The venue confirmed more than we track; surface loudly, keep the
		// venue's number out of our books until reconcile resolves it.
		logger.WithField("account", pos.AccountID).
			Errorf("lifecycle: confirmed fill inconsistent with tracked qty: %v", err)
		return m.recordExitFailure(ctx, pos, in, intent.StatusFailed, err.Error())
	}
	if dec.rung >= 0 {
		pos.ConsumeRung(dec.rung)
	}
	pos.FailureNote = ""
	if err := m.journal.Resolve(ctx, in.ID, intent.StatusFilled, result.FilledQty, result.AvgPrice, ""); err != nil {
		return err
	}
	if err := m.store.Save(ctx, pos); err != nil {
		return err
	}

	logger.WithField("account", pos.AccountID).
		Infof("lifecycle: %s %s %.8f %s at %.4f (%s)", dec.kind, in.Side, result.FilledQty, pos.Symbol, result.AvgPrice, dec.reason)
	m.publish(events.Event{
		Type:      events.OrderFilled,
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Payload: events.OrderPayload{
			IntentID: in.ID, Side: string(in.Side),
			Qty: in.Qty, FilledQty: result.FilledQty, AvgPrice: result.AvgPrice, Reason: in.Reason,
		},
	})
	if pos.Status == position.StatusClosed {
		m.publish(events.Event{
			Type:      events.PositionClosed,
			AccountID: pos.AccountID,
			Symbol:    pos.Symbol,
			Payload:   events.PositionPayload{PositionID: pos.ID, Price: result.AvgPrice, Note: dec.reason},
		})
	}
	return nil
}

// recordExitFailure resolves the intent as failed and attaches a note to
// the otherwise-unchanged position so the next tick retries.
func (m *Manager) recordExitFailure(ctx context.Context, pos *position.Position, in intent.Intent, status, note string) error {
	if err := m.journal.Resolve(ctx, in.ID, status, 0, 0, note); err != nil {
		logger.Warnf("lifecycle: resolve intent %s: %v", in.ID, err)
	}
	pos.FailureNote = note
	logger.WithField("account", pos.AccountID).
		Warnf("lifecycle: exit for %s not confirmed, will retry next tick: %s", pos.Symbol, note)
	m.publish(events.Event{
		Type:      events.OrderRejected,
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Payload:   events.OrderPayload{IntentID: in.ID, Side: string(in.Side), Qty: in.Qty, Error: note},
	})
	return m.store.Save(ctx, pos)
}

// confirmedFill reports whether the venue confirmed the full requested
// quantity. Anything less leaves the tracked position untouched.
func confirmedFill(result broker.OrderResult, wantQty float64) bool {
	if result.Status != broker.StatusFilled {
		return false
	}
	return result.FilledQty >= wantQty*(1-1e-6)
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// SetClock overrides time for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
