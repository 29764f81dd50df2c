package settled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"devpn/core/eligibility"
	"devpn/core/epoch"
	"devpn/core/rewards"
	"devpn/core/settlement"
	"devpn/core/traffic"
	"devpn/crypto"
	"devpn/integrations/webhooks"
	"devpn/observability/logging"
	"devpn/sdk/aiscore"
	"devpn/sdk/evm"
	"devpn/sdk/wallet"
	"devpn/storage"
)

// PassphraseFunc resolves a keystore passphrase on demand.
type PassphraseFunc func() (string, error)

// App is the wired settlement engine shared by the daemon and settlectl.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Store        *storage.Store
	Epochs       *epoch.Manager
	Evaluator    *eligibility.Evaluator
	Orchestrator *settlement.Orchestrator
	Ingestor     *traffic.Ingestor
	Metrics      *Metrics

	closers []func() error
}

// Build opens the database, loads the payer key and wires every component
// named by cfg. Close releases what Build opened.
func Build(ctx context.Context, cfg Config, logger *slog.Logger, passphrase PassphraseFunc) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger, Metrics: NewMetrics()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	dsn, err := cfg.DatabaseDSN()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	store, err := storage.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping storage: %w", err)
	}

	var (
		scorer     eligibility.Scorer
		prefetcher settlement.Prefetcher
		notifiers  settlement.Notifiers
	)
	if cfg.AI.URL != "" {
		client, err := aiscore.New(cfg.AI.URL,
			aiscore.WithTimeout(cfg.AI.Timeout.Duration),
			aiscore.WithRateLimit(cfg.AI.RatePerSecond, cfg.AI.Burst))
		if err != nil {
			return nil, err
		}
		cached := eligibility.NewCachedScorer(client, cfg.AI.CacheTTL.Duration)
		scorer, prefetcher = cached, cached
		notifiers = append(notifiers, settlement.NewScoringNotifier(client, store, cfg.AI.NotifyTimeout.Duration, logger))
		logger.Info("scoring service configured", logging.MaskURL("ai_url", cfg.AI.URL))
	} else {
		logger.Warn("scoring service not configured; samples stay unscored")
	}

	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret), webhooks.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, dispatcher)
		app.closers = append(app.closers, func() error { dispatcher.Close(); return nil })
	}

	app.Evaluator = eligibility.New(cfg.EligibilityConfig(), store, scorer,
		eligibility.WithRecorder(app.Metrics),
		eligibility.WithLogger(logger))

	app.Epochs, err = epoch.NewManager(cfg.EpochConfig(), store, epoch.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if path := cfg.Payer.Keystore; path != "" && cfg.Payer.Key == "" && cfg.Payer.KeyEnv == "" && cfg.Payer.KeyFile == "" {
		addr, err := crypto.KeystoreAddress(path)
		if err != nil {
			return nil, fmt.Errorf("payer keystore: %w", err)
		}
		logger.Info("unlocking payer keystore", slog.String("payer", addr.Hex()))
	}
	key, err := crypto.LoadKey(cfg.KeySource(passphrase))
	if err != nil {
		return nil, fmt.Errorf("load payer key: %w", err)
	}
	rpc, err := evm.New(cfg.Chain.RPCURL, evm.WithObserver(app.Metrics.ObserveChainCall))
	if err != nil {
		return nil, err
	}
	transactor, err := evm.NewTransactor(rpc, key, cfg.EVMConfig(), evm.WithTransactorLogger(logger))
	if err != nil {
		return nil, err
	}
	logger.Info("payer loaded",
		slog.String("payer", transactor.From().Hex()),
		logging.MaskURL("rpc_url", cfg.Chain.RPCURL))

	var payer settlement.Wallet
	if cfg.Chain.TokenContract != "" {
		erc20, err := wallet.NewERC20(transactor, common.HexToAddress(cfg.Chain.TokenContract), cfg.WalletConfig(), logger)
		if err != nil {
			return nil, err
		}
		payer = erc20
	}

	var strategy settlement.Strategy
	switch cfg.Strategy {
	case settlement.StrategyDirect:
		strategy, err = settlement.NewDirect(store, payer, app.Metrics, logger)
	default:
		strategy, err = settlement.NewCommit(store, transactor, common.HexToAddress(cfg.Chain.SettlementContract), payer, logger)
	}
	if err != nil {
		return nil, err
	}

	opts := []settlement.Option{
		settlement.WithConfig(cfg.SettlementConfig()),
		settlement.WithLogger(logger),
		settlement.WithRecorder(app.Metrics),
	}
	if len(notifiers) > 0 {
		opts = append(opts, settlement.WithNotifier(notifiers))
	}
	if prefetcher != nil {
		opts = append(opts, settlement.WithPrefetcher(prefetcher))
	}
	if payer != nil {
		opts = append(opts, settlement.WithWallet(payer))
	}
	app.Orchestrator, err = settlement.New(store, app.Evaluator, rewards.NewCalculator(cfg.RewardsConfig()), strategy, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.PauseOnStart {
		app.Orchestrator.Pause()
	}
	app.Metrics.SetPause(app.Orchestrator.Paused())

	app.Ingestor = traffic.NewIngestor(store, app.Evaluator, logger)
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
