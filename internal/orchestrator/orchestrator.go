// Package orchestrator discovers funded accounts, runs one worker per
// (account, venue) pair, and exposes the operator controls.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/intent"
	"autotrader/internal/lifecycle"
	"autotrader/internal/position"
	"autotrader/internal/resilience"
	"autotrader/internal/strategy"
	"autotrader/internal/worker"
	"autotrader/pkg/broker"
	"autotrader/pkg/cache"
	"autotrader/pkg/config"
	"autotrader/pkg/db"
	"autotrader/pkg/logger"
)

// VenueFactory builds the broker adapter for one account.
type VenueFactory func(config.Account) (broker.Broker, error)

// StrategyFactory builds the signal adapter for one account.
type StrategyFactory func(config.Account) strategy.Adapter

// Orchestrator supervises the per-account workers.
type Orchestrator struct {
	cfg      *config.Config
	accounts []config.Account
	database *db.Database
	bus      *events.Bus
	prices   *cache.PriceCache

	newVenue    VenueFactory
	newStrategy StrategyFactory

	mu       sync.RWMutex
	workers  map[string]*worker.Worker
	unfunded map[string]string // account id -> reason it has no worker
	wg       sync.WaitGroup
}

// New creates an orchestrator over the configured accounts.
func New(cfg *config.Config, accounts []config.Account, database *db.Database, bus *events.Bus, newVenue VenueFactory, newStrategy StrategyFactory) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		accounts:    accounts,
		database:    database,
		bus:         bus,
		prices:      cache.NewPriceCache(),
		newVenue:    newVenue,
		newStrategy: newStrategy,
		workers:     make(map[string]*worker.Worker),
		unfunded:    make(map[string]string),
	}
}

// Start performs funded discovery and launches one worker per funded
// account. Each worker reconciles against its venue before any
// money-moving decision; stale local state is never trusted on restart.
func (o *Orchestrator) Start(ctx context.Context) error {
	started := 0
	for _, account := range o.accounts {
		if !account.Enabled {
			o.setUnfunded(account.ID, "disabled in accounts file")
			continue
		}
		if err := o.launch(ctx, account); err != nil {
			logger.Errorf("orchestrator: account %s not started: %v", account.ID, err)
			o.setUnfunded(account.ID, err.Error())
			continue
		}
		started++
	}
	logger.Infof("orchestrator: %d/%d accounts running", started, len(o.accounts))
	if started == 0 {
		logger.Warnf("orchestrator: no funded accounts; engine is idle")
	}
	return nil
}

// launch builds one account's stack, verifies funding and starts its worker.
func (o *Orchestrator) launch(ctx context.Context, account config.Account) error {
	venue, err := o.newVenue(account)
	if err != nil {
		return fmt.Errorf("venue: %w", err)
	}

	exec := resilience.NewExecutor(account.ID, account.Broker, resilience.ExecutorConfig{
		MaxAttempts:    o.cfg.MaxRetryAttempts,
		RequestsPerSec: o.cfg.RequestsPerSec,
		Backoff:        resilience.DefaultBackoff(),
		Breaker: resilience.BreakerConfig{
			Threshold:    o.cfg.CircuitThreshold,
			BaseCooldown: o.cfg.CircuitCooldown,
		},
	})

	funded, total, err := o.checkFunding(ctx, exec, venue)
	if err != nil {
		return fmt.Errorf("funding check: %w", err)
	}
	if !funded {
		return fmt.Errorf("unfunded: capital %.2f below minimum %.2f", total, o.cfg.MinFunding)
	}

	journal, err := intent.OpenJournal(o.cfg.IntentWALDir, account.ID, o.database)
	if err != nil {
		return fmt.Errorf("intent journal: %w", err)
	}

	store := position.NewStore(o.database)
	strat := o.newStrategy(account)
	life := lifecycle.NewManager(lifecycle.Config{
		EmergencyMaxLoss: o.cfg.EmergencyMaxLoss,
		EmergencyMaxHold: o.cfg.EmergencyMaxHold,
		StopLossPct:      o.cfg.StopLossPct,
		MaxHold:          o.cfg.MaxHold,
		ZombieRetryAfter: o.cfg.ZombieRetryAfter,
		PriceMaxAge:      10 * time.Minute,
	}, store, journal, exec, venue, o.prices, strat, o.bus)

	w := worker.New(account, worker.Config{
		TickInterval: o.cfg.TickInterval,
		MinFunding:   o.cfg.MinFunding,
	}, worker.Deps{
		Venue:    venue,
		Executor: exec,
		Store:    store,
		Journal:  journal,
		Life:     life,
		Strategy: strat,
		Prices:   o.prices,
		Bus:      o.bus,
		Database: o.database,
	})

	if err := o.database.UpsertAccount(ctx, db.Account{
		ID:            account.ID,
		Role:          account.Role,
		Broker:        account.Broker,
		CredentialKey: account.APIKeyEnv,
		Enabled:       true,
	}); err != nil {
		logger.Warnf("orchestrator: register account %s: %v", account.ID, err)
	}

	o.mu.Lock()
	o.workers[account.ID] = w
	delete(o.unfunded, account.ID)
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer journal.Close()
		w.Run(ctx)
	}()
	logger.WithField("account", account.ID).
		Infof("orchestrator: worker launched on %s (capital %.2f)", account.Broker, total)
	return nil
}

// checkFunding values the account as free quote balance plus holdings at
// current prices.
func (o *Orchestrator) checkFunding(ctx context.Context, exec *resilience.Executor, venue broker.Broker) (bool, float64, error) {
	bal, err := resilience.DoValue(exec, ctx, "get_balance", func(ctx context.Context) (broker.Balance, error) {
		return venue.GetBalance(ctx)
	})
	if err != nil {
		return false, 0, err
	}

	total := bal.Free
	for _, h := range bal.Holdings {
		price, perr := resilience.DoValue(exec, ctx, "get_price", func(ctx context.Context) (float64, error) {
			return venue.GetPrice(ctx, h.Symbol)
		})
		if perr != nil {
			// Unpriceable holdings still count as present; the worker will
			// adopt them as zombies. They just add nothing to the total here.
			logger.Warnf("orchestrator: funding check cannot price %s: %v", h.Symbol, perr)
			continue
		}
		total += h.Qty * price
	}
	return total >= o.cfg.MinFunding, total, nil
}

// Stop asks every worker to exit and waits for them.
func (o *Orchestrator) Stop() {
	o.mu.RLock()
	for _, w := range o.workers {
		w.Stop()
	}
	o.mu.RUnlock()
	o.wg.Wait()
	logger.Infof("orchestrator: all workers stopped")
}

// Pause suspends one account's worker.
func (o *Orchestrator) Pause(accountID string) error {
	w, err := o.find(accountID)
	if err != nil {
		return err
	}
	w.Pause()
	return nil
}

// PauseAll suspends every worker.
func (o *Orchestrator) PauseAll() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, w := range o.workers {
		w.Pause()
	}
}

// Resume re-enables one account's worker. The next tick reconciles before
// any new decision.
func (o *Orchestrator) Resume(accountID string) error {
	w, err := o.find(accountID)
	if err != nil {
		return err
	}
	w.Resume()
	return nil
}

// ResumeAll re-enables every worker.
func (o *Orchestrator) ResumeAll() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, w := range o.workers {
		w.Resume()
	}
}

// Liquidate pauses one account and closes all of its positions, bypassing
// the ladder.
func (o *Orchestrator) Liquidate(ctx context.Context, accountID string) error {
	w, err := o.find(accountID)
	if err != nil {
		return err
	}
	w.Pause()
	return w.Liquidate(ctx)
}

// LiquidateAll pauses and liquidates every account. The first error is
// returned after all accounts are attempted.
func (o *Orchestrator) LiquidateAll(ctx context.Context) error {
	o.mu.RLock()
	workers := make([]*worker.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.RUnlock()

	var firstErr error
	for _, w := range workers {
		w.Pause()
		if err := w.Liquidate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AccountStatus is one row of the aggregate report.
type AccountStatus struct {
	worker.Status
	Running bool   `json:"running"`
	Skipped string `json:"skipped_reason,omitempty"`
}

// Status reports every configured account: running workers by snapshot,
// skipped accounts with the reason.
func (o *Orchestrator) Status() []AccountStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]AccountStatus, 0, len(o.accounts))
	for _, account := range o.accounts {
		if w, ok := o.workers[account.ID]; ok {
			out = append(out, AccountStatus{Status: w.Snapshot(), Running: true})
			continue
		}
		st := worker.Status{AccountID: account.ID, Broker: account.Broker}
		out = append(out, AccountStatus{Status: st, Skipped: o.unfunded[account.ID]})
	}
	return out
}

func (o *Orchestrator) find(accountID string) (*worker.Worker, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workers[accountID]
	if !ok {
		return nil, fmt.Errorf("no running worker for account %q", accountID)
	}
	return w, nil
}

func (o *Orchestrator) setUnfunded(accountID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unfunded[accountID] = reason
}
