package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"cardpay/internal/backend"
	"cardpay/internal/config"
	"cardpay/internal/export"
	"cardpay/internal/journal"
	"cardpay/internal/logger"
	"cardpay/internal/metrics"
	"cardpay/internal/payment"
	"cardpay/internal/server"
	"cardpay/internal/wallet"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		bootLog := logger.New(logger.Config{Service: "payagent"})
		bootLog.Fatal().Err(err).Msg("config.load_failed")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "payagent",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("payagent.stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	client, err := backend.New(backend.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Timeout:      cfg.Backend.Timeout.Duration,
		InfoRetries:  cfg.Backend.InfoRetries,
		RetryWait:    cfg.Backend.RetryWait.Duration,
		RetryMaxWait: cfg.Backend.RetryMaxWait.Duration,
		HMACSecret:   cfg.Backend.HMACSecret,
		Breaker: backend.BreakerConfig{
			Enabled:             cfg.Breaker.Enabled,
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout.Duration,
			Interval:            cfg.Breaker.Interval.Duration,
		},
	}, backend.WithLogger(log.With().Str("component", "backend").Logger()))
	if err != nil {
		return err
	}

	bridge, closeWallet, err := openWallet(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeWallet()

	store, err := journal.Open(ctx, journal.Config{
		Driver:    cfg.Journal.Driver,
		Path:      cfg.Journal.Path,
		DSN:       cfg.Journal.DSN,
		Retention: cfg.Journal.Retention.Duration,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	registry := metrics.New(metrics.WithBreakerState(client.BreakerState))
	observers := payment.Observers{registry}

	var downloads server.Downloads
	if cfg.Export.ImagePath != "" {
		gate := export.NewGate(export.FileExporter{Path: cfg.Export.ImagePath}, cfg.Export.TokenTTL.Duration)
		observers = append(observers, gate)
		downloads = gate
	}

	fiatPolicy, err := cfg.FiatPolicy()
	if err != nil {
		return err
	}

	cache := payment.NewInfoCache(client,
		payment.WithFetchTimeout(cfg.Backend.InfoTimeout.Duration),
		payment.WithDefaultConfirmations(cfg.Polling.RequiredConfirmations),
		payment.WithFetchObserver(registry),
		payment.WithCacheLogger(log.With().Str("component", "cache").Logger()),
	)
	workflow := payment.NewWorkflow(bridge, cache, client,
		payment.WithPollPolicy(cfg.PollPolicy()),
		payment.WithJournal(store),
		payment.WithObserver(observers),
		payment.WithLogger(log.With().Str("component", "workflow").Logger()),
	)
	defer workflow.Close()
	fiat := payment.NewFiatWorkflow(client,
		payment.WithFiatPolicy(fiatPolicy),
		payment.WithFiatObserver(observers),
		payment.WithFiatLogger(log.With().Str("component", "fiat").Logger()),
	)

	if cfg.Journal.ResumeOnStart {
		resumeLatest(ctx, store, workflow, log)
	}

	srv := server.NewServer(cfg, server.Deps{
		Workflow:     workflow,
		Fiat:         fiat,
		Cache:        cache,
		Journal:      store,
		Wallet:       bridge,
		Downloads:    downloads,
		Metrics:      registry.Handler(),
		BreakerState: client.BreakerState,
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("payagent.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openWallet(ctx context.Context, cfg *config.Config, log zerolog.Logger) (payment.Wallet, func(), error) {
	if cfg.Wallet.Simulate {
		log.Warn().Str("account", logger.TruncateAddress(cfg.Wallet.SimulatedAccount)).Msg("wallet.simulated")
		return wallet.NewSimulatedBridge(cfg.Wallet.SimulatedAccount, cfg.Wallet.SimulatedChainID), func() {}, nil
	}
	bridge, err := wallet.Dial(ctx, cfg.Wallet.ProviderURL, wallet.WithLogger(log.With().Str("component", "wallet").Logger()))
	if err != nil {
		return nil, nil, err
	}
	if !bridge.IsAvailable() {
		log.Warn().Msg("wallet.provider_not_configured")
	}
	return bridge, bridge.Close, nil
}

// resumeLatest picks up the newest journaled transfer left behind by a previous run.
func resumeLatest(ctx context.Context, store payment.Journal, workflow *payment.Workflow, log zerolog.Logger) {
	pending, err := store.Pending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("journal.read_failed")
		return
	}
	if len(pending) == 0 {
		return
	}
	latest := pending[len(pending)-1]
	if _, err := workflow.Resume(ctx, latest.Handle); err != nil {
		log.Warn().Err(err).Str("tx_hash", logger.TruncateAddress(latest.Handle.Hash)).Msg("journal.resume_failed")
	}
}
