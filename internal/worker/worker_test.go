package worker

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autotrader/internal/intent"
	"autotrader/internal/lifecycle"
	"autotrader/internal/position"
	"autotrader/internal/resilience"
	"autotrader/internal/strategy"
	"autotrader/pkg/broker"
	"autotrader/pkg/broker/paper"
	"autotrader/pkg/cache"
	"autotrader/pkg/config"
	"autotrader/pkg/db"
)

// stubStrategy returns canned signals and scores.
type stubStrategy struct {
	signals map[string]strategy.Signal
	scores  map[string]float64
}

func (s *stubStrategy) Name() string                  { return "stub" }
func (s *stubStrategy) Observe(string, float64)       {}
func (s *stubStrategy) EvaluateEntry(sym string, _ float64) (strategy.Signal, bool) {
	sig, ok := s.signals[sym]
	return sig, ok
}
func (s *stubStrategy) EvaluateExit(*position.Position, float64) (string, bool) { return "", false }
func (s *stubStrategy) Score(p *position.Position, _ float64) float64 {
	return s.scores[p.Symbol]
}

type wfix struct {
	worker *Worker
	venue  *paper.Broker
	store  *position.Store
	db     *db.Database
	ctx    context.Context
}

func newWorkerFixture(t *testing.T, accountID string, free float64, symbols []string, strat strategy.Adapter) *wfix {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	journal, err := intent.OpenJournal(t.TempDir(), accountID, database)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	venue := paper.New(free)
	store := position.NewStore(database)
	prices := cache.NewPriceCache()
	exec := resilience.NewExecutor(accountID, venue.Name(), resilience.ExecutorConfig{
		MaxAttempts:    2,
		RequestsPerSec: 10000,
		Backoff:        resilience.Backoff{Base: time.Microsecond, Max: time.Millisecond},
		Breaker:        resilience.BreakerConfig{Threshold: 5, BaseCooldown: time.Hour},
	})

	lcfg := lifecycle.DefaultConfig()
	life := lifecycle.NewManager(lcfg, store, journal, exec, venue, prices, strat, nil)

	account := config.Account{
		ID:                  accountID,
		Role:                "user",
		Broker:              "paper",
		Symbols:             symbols,
		Enabled:             true,
		MaxPositionNotional: 20,
		FreeReservePct:      0.15,
	}
	w := New(account, Config{TickInterval: time.Second, MinFunding: 10, MaxOpenPositions: MaxOpenPositions}, Deps{
		Venue:    venue,
		Executor: exec,
		Store:    store,
		Journal:  journal,
		Life:     life,
		Strategy: strat,
		Prices:   prices,
		Database: database,
	})
	return &wfix{worker: w, venue: venue, store: store, db: database, ctx: context.Background()}
}

func (f *wfix) seedPosition(t *testing.T, symbol string, qty, entry float64) *position.Position {
	t.Helper()
	p, err := position.New(f.worker.account.ID, symbol, broker.SideBuy, qty, entry, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Save(f.ctx, p); err != nil {
		t.Fatal(err)
	}
	f.venue.SetHolding(symbol, qty)
	return p
}

func TestScanSkipsInvalidInstrument(t *testing.T) {
	// 15 symbols scanned, one unknown to the venue: the scan completes the
	// other 14 and the breaker counts nothing.
	symbols := make([]string, 15)
	for i := range symbols {
		symbols[i] = string(rune('A'+i)) + "USDT"
	}
	strat := &stubStrategy{signals: map[string]strategy.Signal{}}
	f := newWorkerFixture(t, "acct-b", 1000, symbols, strat)

	scanned := 0
	f.venue.FailGetPrice = func(string) error { scanned++; return nil }
	for i, sym := range symbols {
		if i == 7 {
			continue // no price posted: the venue reports symbol-not-found
		}
		f.venue.SetPrice(sym, 100)
	}

	if _, found := f.worker.scan(f.ctx); found {
		t.Fatal("stub emitted no signals, scan should find none")
	}
	if scanned != 15 {
		t.Fatalf("scanned %d symbols, want all 15", scanned)
	}
	snap := f.worker.exec.Breaker().Snapshot()
	if snap.ConsecutiveFailures != 0 || snap.State != "CLOSED" {
		t.Fatalf("invalid instrument leaked into breaker: %+v", snap)
	}
}

func TestRotationFundsStrongerSignal(t *testing.T) {
	// Free $5, total $100, reserve 15%: a $20 signal forces the weakest
	// position out, and the post-entry free balance respects the reserve.
	strat := &stubStrategy{
		signals: map[string]strategy.Signal{
			"NEWUSDT": {Symbol: "NEWUSDT", Side: broker.SideBuy, Strength: 0.5, Reason: "stub signal"},
		},
		scores: map[string]float64{"WEAKUSDT": -0.05},
	}
	f := newWorkerFixture(t, "acct-c", 5, []string{"WEAKUSDT", "NEWUSDT"}, strat)

	weak := f.seedPosition(t, "WEAKUSDT", 1, 100)
	f.venue.SetPrice("WEAKUSDT", 95)
	f.venue.SetPrice("NEWUSDT", 10)
	f.worker.prices.Set("WEAKUSDT", 95)

	if err := f.worker.maybeEnter(f.ctx); err != nil {
		t.Fatalf("maybeEnter: %v", err)
	}

	if weak.Status != position.StatusClosed {
		t.Fatalf("weakest position not rotated out: %s", weak.Status)
	}
	opened, ok := f.store.FindActiveBySymbol("acct-c", "NEWUSDT")
	if !ok {
		t.Fatal("new position not opened")
	}
	if math.Abs(opened.RemainingQty-2) > 1e-9 {
		t.Fatalf("entry qty = %v, want 2 ($20 at $10)", opened.RemainingQty)
	}

	// Free went 5 → 100 (rotation proceeds) → 80 after the $20 entry,
	// above the $15 reserve on $100 total.
	if got := f.venue.Free(); math.Abs(got-80) > 1e-6 {
		t.Fatalf("free after rotation+entry = %v, want 80", got)
	}
	if got := f.worker.account.FreeReservePct * 100; f.venue.Free() < got {
		t.Fatalf("free %.2f below reserve %.2f", f.venue.Free(), got)
	}
}

func TestRotationRefusesWhenBookIsStronger(t *testing.T) {
	strat := &stubStrategy{
		signals: map[string]strategy.Signal{
			"NEWUSDT": {Symbol: "NEWUSDT", Side: broker.SideBuy, Strength: 0.01},
		},
		scores: map[string]float64{"STRONGUSDT": 0.40},
	}
	f := newWorkerFixture(t, "acct-c2", 5, []string{"STRONGUSDT", "NEWUSDT"}, strat)

	strong := f.seedPosition(t, "STRONGUSDT", 1, 90)
	f.venue.SetPrice("STRONGUSDT", 95)
	f.venue.SetPrice("NEWUSDT", 10)
	f.worker.prices.Set("STRONGUSDT", 95)

	if err := f.worker.maybeEnter(f.ctx); err != nil {
		t.Fatalf("maybeEnter: %v", err)
	}
	if strong.Status != position.StatusOpen {
		t.Fatalf("strong position rotated out for a weaker signal: %s", strong.Status)
	}
	if _, ok := f.store.FindActiveBySymbol("acct-c2", "NEWUSDT"); ok {
		t.Fatal("entry opened without capital")
	}
}

func TestReconcileAdoptsAndCloses(t *testing.T) {
	f := newWorkerFixture(t, "acct-r", 100, nil, &stubStrategy{})

	// Tracked locally, gone on the venue.
	stale := f.seedPosition(t, "GONEUSDT", 2, 50)
	f.venue.SetHolding("GONEUSDT", 0)

	// Held on the venue, unknown locally.
	f.venue.SetHolding("FOUNDUSDT", 3)
	f.venue.SetPrice("FOUNDUSDT", 40)

	bal, err := f.venue.GetBalance(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.worker.reconcile(f.ctx, bal); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if stale.Status != position.StatusClosed {
		t.Fatalf("stale position = %s, want CLOSED", stale.Status)
	}
	if stale.CloseNote == "" {
		t.Fatal("reconciliation close must carry a note")
	}

	adopted, ok := f.store.FindActiveBySymbol("acct-r", "FOUNDUSDT")
	if !ok {
		t.Fatal("venue holding not adopted")
	}
	if adopted.RemainingQty != 3 || adopted.EntryPrice != 40 {
		t.Fatalf("adopted = qty %v at %v, want 3 at 40", adopted.RemainingQty, adopted.EntryPrice)
	}
}

func TestReconcileAdoptsUnpriceableAsZombie(t *testing.T) {
	f := newWorkerFixture(t, "acct-z", 100, nil, &stubStrategy{})

	// Held on the venue but no price available anywhere.
	f.venue.SetHolding("DELISTEDUSDT", 5)

	bal, err := f.venue.GetBalance(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.worker.reconcile(f.ctx, bal); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	zombies := f.store.Zombies("acct-z")
	if len(zombies) != 1 {
		t.Fatalf("zombies = %d, want 1", len(zombies))
	}
	z := zombies[0]
	if z.Symbol != "DELISTEDUSDT" || z.RemainingQty != 5 {
		t.Fatalf("zombie = %+v", z)
	}
	if z.ZombieReason == "" || z.ZombieAt.IsZero() {
		t.Fatal("adopted zombie must carry marked_at and reason")
	}
}

func TestFaultIsolationAcrossWorkers(t *testing.T) {
	bad := newWorkerFixture(t, "acct-bad", 100, []string{"AUSDT"}, &stubStrategy{})
	good := newWorkerFixture(t, "acct-good", 100, []string{"BUSDT"}, &stubStrategy{})

	bad.venue.FailGetBalance = func() error {
		return &broker.APIError{StatusCode: 401, Message: "Invalid API-key."}
	}
	good.venue.SetPrice("BUSDT", 50)

	bad.worker.safeTick(bad.ctx)
	good.worker.safeTick(good.ctx)

	bs := bad.worker.Snapshot()
	if !bs.Degraded || bs.DegradedReason == "" {
		t.Fatalf("fatal auth error must degrade the account: %+v", bs)
	}
	gs := good.worker.Snapshot()
	if gs.Successes != 1 || gs.LastCycleResult != "ok" {
		t.Fatalf("sibling worker affected: %+v", gs)
	}
	if gs.Degraded {
		t.Fatal("healthy worker marked degraded")
	}
}

func TestTickPanicIsContained(t *testing.T) {
	f := newWorkerFixture(t, "acct-p", 100, nil, &stubStrategy{})
	// A nil strategy makes the scan dereference nil; the tick must absorb it.
	f.worker.strat = nil
	f.worker.account.Symbols = []string{"XUSDT"}
	f.venue.SetPrice("XUSDT", 10)

	f.worker.safeTick(f.ctx)
	s := f.worker.Snapshot()
	if s.Cycles != 1 {
		t.Fatalf("cycles = %d, want 1", s.Cycles)
	}
	if s.LastCycleResult == "" {
		t.Fatal("panic result not recorded")
	}
}

func TestLiquidateWaitsForInFlightTick(t *testing.T) {
	f := newWorkerFixture(t, "acct-w", 0, nil, &stubStrategy{})
	p := f.seedPosition(t, "AUSDT", 2, 10)
	f.venue.SetPrice("AUSDT", 11)

	// Hold the tick open inside its venue call so the overlap is provable.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.venue.FailGetPrice = func(string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	tickDone := make(chan struct{})
	go func() {
		f.worker.safeTick(f.ctx)
		close(tickDone)
	}()
	<-entered

	liqDone := make(chan error, 1)
	go func() {
		f.worker.Pause()
		liqDone <- f.worker.Liquidate(f.ctx)
	}()

	select {
	case <-liqDone:
		t.Fatal("liquidation ran while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-tickDone
	if err := <-liqDone; err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if p.Status != position.StatusClosed {
		t.Fatalf("position = %s, want CLOSED after liquidation", p.Status)
	}
	if f.venue.Holding("AUSDT") != 0 {
		t.Fatal("venue still holds units after liquidation")
	}
}

func TestWorkerLiquidateClosesAll(t *testing.T) {
	f := newWorkerFixture(t, "acct-l", 0, nil, &stubStrategy{})
	a := f.seedPosition(t, "AUSDT", 2, 10)
	b := f.seedPosition(t, "BUSDT", 3, 20)
	f.venue.SetPrice("AUSDT", 11)
	f.venue.SetPrice("BUSDT", 19)
	f.worker.prices.Set("AUSDT", 11)
	f.worker.prices.Set("BUSDT", 19)

	if err := f.worker.Liquidate(f.ctx); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if a.Status != position.StatusClosed || b.Status != position.StatusClosed {
		t.Fatalf("liquidation incomplete: %s / %s", a.Status, b.Status)
	}
	if got := f.venue.Free(); math.Abs(got-(2*11+3*19)) > 1e-6 {
		t.Fatalf("proceeds = %v, want 79", got)
	}
}
