package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"autotrader/internal/api"
	"autotrader/internal/events"
	"autotrader/internal/monitor"
	"autotrader/internal/orchestrator"
	"autotrader/internal/strategy"
	"autotrader/pkg/broker"
	"autotrader/pkg/broker/binance"
	"autotrader/pkg/broker/paper"
	"autotrader/pkg/config"
	"autotrader/pkg/db"
	"autotrader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("autotrader starting (dry_run=%v)", cfg.DryRun)

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		logger.Errorf("load accounts: %v", err)
		os.Exit(1)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Errorf("open database: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Errorf("migrate database: %v", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	defer bus.Close()
	registry := monitor.NewRegistry(bus)
	defer registry.Close()

	orch := orchestrator.New(cfg, accounts, database, bus,
		venueFactory(cfg), strategyFactory())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		logger.Errorf("orchestrator: %v", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg, orch, registry, bus)
	if err := server.Run(ctx); err != nil {
		logger.Errorf("api server: %v", err)
	}

	logger.Infof("shutting down")
	orch.Stop()
}

// venueFactory selects the broker adapter per account. Dry-run routes
// everything through the paper venue regardless of the declared broker.
func venueFactory(cfg *config.Config) orchestrator.VenueFactory {
	return func(account config.Account) (broker.Broker, error) {
		if cfg.DryRun {
			return paper.New(1000), nil
		}
		switch account.Broker {
		case "binance", "binance-spot":
			key, secret := account.Credentials()
			if key == "" || secret == "" {
				return nil, fmt.Errorf("account %s: credentials not set (%s/%s)",
					account.ID, account.APIKeyEnv, account.APISecretEnv)
			}
			return binance.New(binance.Config{APIKey: key, APISecret: secret}), nil
		case "binance-testnet":
			key, secret := account.Credentials()
			return binance.New(binance.Config{APIKey: key, APISecret: secret, Testnet: true}), nil
		case "paper":
			return paper.New(1000), nil
		default:
			return nil, fmt.Errorf("account %s: unknown broker %q", account.ID, account.Broker)
		}
	}
}

func strategyFactory() orchestrator.StrategyFactory {
	return func(config.Account) strategy.Adapter {
		return strategy.NewMomentum(strategy.MomentumConfig{})
	}
}
