// Package worker runs one trading loop per (account, venue) pair. Each
// tick reconciles against the venue, runs the position lifecycle, then
// considers a new entry. Failures never leave the worker.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/intent"
	"autotrader/internal/lifecycle"
	"autotrader/internal/position"
	"autotrader/internal/resilience"
	"autotrader/internal/strategy"
	"autotrader/pkg/broker"
	"autotrader/pkg/cache"
	"autotrader/pkg/config"
	"autotrader/pkg/db"
	"autotrader/pkg/logger"
)

// MaxOpenPositions caps concurrent open positions per account. One constant
// everywhere: sizing, entry gating and status reporting all read this.
const MaxOpenPositions = 8

// Config tunes a worker's loop.
type Config struct {
	TickInterval     time.Duration
	MinFunding       float64
	MaxOpenPositions int
}

// DefaultWorkerConfig returns the standard cadence.
func DefaultWorkerConfig() Config {
	return Config{
		TickInterval:     150 * time.Second,
		MinFunding:       10,
		MaxOpenPositions: MaxOpenPositions,
	}
}

// Status is an immutable snapshot of one worker's health, published for
// aggregation. Readers never touch worker internals.
type Status struct {
	AccountID       string
	Broker          string
	Connected       bool
	Funded          bool
	Paused          bool
	Degraded        bool
	DegradedReason  string
	OpenPositions   int
	ZombieCount     int
	Cycles          uint64
	Successes       uint64
	LastCycleResult string
	LastCycleAt     time.Time
	CircuitState    string
	FreeBalance     float64
	TotalCapital    float64
}

// Worker owns one account's slice of the engine. All mutation happens on
// the worker's own goroutine; other goroutines only read snapshots or flip
// the pause/stop flags.
type Worker struct {
	account  config.Account
	cfg      Config
	venue    broker.Broker
	exec     *resilience.Executor
	store    *position.Store
	journal  *intent.Journal
	life     *lifecycle.Manager
	strat    strategy.Adapter
	prices   *cache.PriceCache
	bus      *events.Bus
	database *db.Database

	paused   atomic.Bool
	stopping atomic.Bool
	degraded atomic.Bool

	// tickMu serializes ticks with operator liquidation: positions, the
	// lifecycle manager and the journal are single-writer, so only one of
	// the two may run at a time.
	tickMu sync.Mutex

	mu     sync.RWMutex
	status Status

	now func() time.Time
}

// Deps bundles the collaborators a worker needs.
type Deps struct {
	Venue    broker.Broker
	Executor *resilience.Executor
	Store    *position.Store
	Journal  *intent.Journal
	Life     *lifecycle.Manager
	Strategy strategy.Adapter
	Prices   *cache.PriceCache
	Bus      *events.Bus
	Database *db.Database
}

// New creates a worker for one account.
func New(account config.Account, cfg Config, deps Deps) *Worker {
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = MaxOpenPositions
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 150 * time.Second
	}
	w := &Worker{
		account:  account,
		cfg:      cfg,
		venue:    deps.Venue,
		exec:     deps.Executor,
		store:    deps.Store,
		journal:  deps.Journal,
		life:     deps.Life,
		strat:    deps.Strategy,
		prices:   deps.Prices,
		bus:      deps.Bus,
		database: deps.Database,
		now:      time.Now,
	}
	w.status = Status{AccountID: account.ID, Broker: account.Broker}
	w.exec.OnFatal = func(err error) { w.degrade(err.Error()) }
	w.exec.OnCircuitOpen = func(resilience.BreakerState) {
		w.publish(events.Event{
			Type:      events.CircuitOpened,
			AccountID: account.ID,
			Payload: events.CircuitPayload{
				Broker:   account.Broker,
				Failures: w.exec.Breaker().Snapshot().ConsecutiveFailures,
				Cooldown: w.exec.Breaker().Snapshot().Cooldown,
			},
		})
	}
	return w
}

// Run drives the tick loop until ctx is done, Stop is called, or the
// account degrades fatally.
func (w *Worker) Run(ctx context.Context) {
	if err := w.startup(ctx); err != nil {
		w.degrade(fmt.Sprintf("startup failed: %v", err))
		return
	}
	logger.WithField("account", w.account.ID).
		Infof("worker: started on %s, tick %s", w.venue.Name(), w.cfg.TickInterval)

	for {
		if w.stopping.Load() || ctx.Err() != nil || w.degraded.Load() {
			logger.WithField("account", w.account.ID).Infof("worker: stopped")
			return
		}
		if w.paused.Load() {
			w.updateStatus(func(s *Status) { s.Paused = true })
		} else {
			w.updateStatus(func(s *Status) { s.Paused = false })
			w.safeTick(ctx)
		}
		if !w.sleep(ctx, w.cfg.TickInterval) {
			return
		}
	}
}

// startup hydrates persisted state and recovers in-flight intents before
// the first tick. The first reconcile then resolves anything the journal
// could not.
func (w *Worker) startup(ctx context.Context) error {
	if err := w.store.LoadAccount(ctx, w.account.ID); err != nil {
		return err
	}

	if cs, err := w.database.GetCircuitState(ctx, w.account.ID, w.account.Broker); err != nil {
		logger.Warnf("worker %s: load circuit state: %v", w.account.ID, err)
	} else if cs != nil {
		w.exec.Breaker().Restore(*cs)
	}

	unresolved, err := w.journal.Recover()
	if err != nil {
		return err
	}
	for _, in := range unresolved {
		// The order may or may not have reached the venue; reconciliation
		// against live holdings is the authority, so the intent is closed
		// out rather than replayed.
		logger.WithField("account", w.account.ID).
			Warnf("worker: intent %s (%s %s %.8f) unresolved across restart, deferring to reconciliation",
				in.ID, in.Kind, in.Symbol, in.Qty)
		if rerr := w.journal.Resolve(ctx, in.ID, intent.StatusFailed, 0, 0, "unresolved across restart"); rerr != nil {
			logger.Warnf("worker %s: close stale intent: %v", w.account.ID, rerr)
		}
	}
	return nil
}

// safeTick runs one tick, absorbing panics and errors so siblings and the
// orchestrator are never affected.
func (w *Worker) safeTick(ctx context.Context) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("account", w.account.ID).
				Errorf("worker: tick panic: %v\n%s", r, debug.Stack())
			w.updateStatus(func(s *Status) {
				s.Cycles++
				s.LastCycleResult = fmt.Sprintf("panic: %v", r)
				s.LastCycleAt = w.now()
			})
		}
	}()

	err := w.tick(ctx)
	w.updateStatus(func(s *Status) {
		s.Cycles++
		s.LastCycleAt = w.now()
		s.CircuitState = w.exec.Breaker().State().String()
		if err != nil {
			s.LastCycleResult = err.Error()
		} else {
			s.Successes++
			s.LastCycleResult = "ok"
		}
	})
	if err != nil {
		logger.WithField("account", w.account.ID).Warnf("worker: tick failed: %v", err)
	}
}

// tick is one full pass: reconcile, lifecycle, entry, persist.
func (w *Worker) tick(ctx context.Context) error {
	bal, err := resilience.DoValue(w.exec, ctx, "get_balance", func(ctx context.Context) (broker.Balance, error) {
		return w.venue.GetBalance(ctx)
	})
	if err != nil {
		w.updateStatus(func(s *Status) { s.Connected = false })
		return fmt.Errorf("balance: %w", err)
	}
	w.updateStatus(func(s *Status) { s.Connected = true })

	if err := w.reconcile(ctx, bal); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	for _, p := range w.store.Active(w.account.ID) {
		if w.stopping.Load() {
			return nil
		}
		if err := w.life.Process(ctx, p); err != nil {
			logger.WithField("account", w.account.ID).
				Warnf("worker: lifecycle %s: %v", p.Symbol, err)
		}
	}
	for _, p := range w.store.Zombies(w.account.ID) {
		if err := w.life.ProcessZombie(ctx, p); err != nil {
			logger.WithField("account", w.account.ID).
				Warnf("worker: zombie %s: %v", p.Symbol, err)
		}
	}

	if err := w.maybeEnter(ctx); err != nil {
		logger.WithField("account", w.account.ID).Warnf("worker: entry: %v", err)
	}

	w.persistTickState(ctx)
	return nil
}

// persistTickState stores the circuit snapshot and a capital snapshot, and
// refreshes the published status totals.
func (w *Worker) persistTickState(ctx context.Context) {
	if err := w.database.UpsertCircuitState(ctx, w.exec.Breaker().Snapshot()); err != nil {
		logger.Warnf("worker %s: persist circuit state: %v", w.account.ID, err)
	}

	free, total := w.capital(ctx)
	if err := w.database.InsertCapitalSnapshot(ctx, db.CapitalSnapshot{
		AccountID:     w.account.ID,
		Free:          free,
		PositionValue: total - free,
		Total:         total,
	}); err != nil {
		logger.Warnf("worker %s: capital snapshot: %v", w.account.ID, err)
	}

	active := w.store.Active(w.account.ID)
	zombies := w.store.Zombies(w.account.ID)
	w.updateStatus(func(s *Status) {
		s.OpenPositions = len(active)
		s.ZombieCount = len(zombies)
		s.FreeBalance = free
		s.TotalCapital = total
		s.Funded = total >= w.cfg.MinFunding
	})
}

// capital returns (free, free + marked position value). Zombies are valued
// at their last known price so they are never hidden from totals.
func (w *Worker) capital(ctx context.Context) (free, total float64) {
	bal, err := resilience.DoValue(w.exec, ctx, "get_balance", func(ctx context.Context) (broker.Balance, error) {
		return w.venue.GetBalance(ctx)
	})
	if err != nil {
		logger.Warnf("worker %s: capital refresh: %v", w.account.ID, err)
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.status.FreeBalance, w.status.TotalCapital
	}

	total = bal.Free
	for _, p := range w.store.All(w.account.ID) {
		if p.Status == position.StatusClosed {
			continue
		}
		price := p.LastPrice
		if cached, ok := w.prices.Get(p.Symbol); ok {
			price = cached
		}
		total += p.RemainingQty * price
	}
	return bal.Free, total
}

// Pause suspends ticking after the current tick completes.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.updateStatus(func(s *Status) { s.Paused = true })
	logger.WithField("account", w.account.ID).Infof("worker: paused")
}

// Resume re-enables ticking. The next tick reconciles before deciding
// anything.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.updateStatus(func(s *Status) { s.Paused = false })
	logger.WithField("account", w.account.ID).Infof("worker: resumed")
}

// Stop asks the worker to exit after the current tick. Cooperative: never
// interrupts a venue call mid-flight.
func (w *Worker) Stop() {
	w.stopping.Store(true)
}

// Liquidate closes every active position immediately, bypassing the
// ladder. Runs on the caller's goroutine but waits out any in-flight tick
// and holds the tick slot while it works, so it never races the loop.
// The worker should be paused first so no further ticks queue behind it.
func (w *Worker) Liquidate(ctx context.Context) error {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	var firstErr error
	for _, p := range w.store.Active(w.account.ID) {
		if err := w.life.Liquidate(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot returns the current status copy.
func (w *Worker) Snapshot() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// AccountID returns the owning account id.
func (w *Worker) AccountID() string { return w.account.ID }

func (w *Worker) degrade(reason string) {
	if !w.degraded.CompareAndSwap(false, true) {
		return
	}
	w.updateStatus(func(s *Status) {
		s.Degraded = true
		s.DegradedReason = reason
	})
	logger.WithField("account", w.account.ID).Errorf("worker: degraded: %s", reason)
	if err := w.database.SetAccountEnabled(context.Background(), w.account.ID, false, reason); err != nil {
		logger.Warnf("worker %s: persist degraded flag: %v", w.account.ID, err)
	}
	w.publish(events.Event{
		Type:      events.WorkerDegraded,
		AccountID: w.account.ID,
		Payload:   events.DegradedPayload{Reason: reason},
	})
}

func (w *Worker) updateStatus(mutate func(*Status)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mutate(&w.status)
}

func (w *Worker) publish(ev events.Event) {
	if w.bus != nil {
		w.bus.Publish(ev)
	}
}

// sleep waits out the tick interval, returning false when the worker
// should exit instead of ticking again.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-time.After(50 * time.Millisecond):
			if w.stopping.Load() {
				return false
			}
		}
	}
}
