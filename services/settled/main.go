package settled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"devpn/observability/logging"
	telemetry "devpn/observability/otel"
)

// PassphraseFactory builds a passphrase source that reads envVar before
// prompting for the named key.
type PassphraseFactory func(envVar, label string) PassphraseFunc

// Main initialises and runs the settlement daemon.
func Main(passphrases PassphraseFactory) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "settled.yaml", "path to settled configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions("settled", cfg.Environment, cfg.LogOptions())
	defer func() { _ = logCloser.Close() }()
	logger.Debug("log redaction active", slog.Any("allowlist", logging.RedactionAllowlist()))

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.telemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var passphrase PassphraseFunc
	if passphrases != nil {
		passphrase = passphrases(cfg.Payer.PassphraseEnv, "payer keystore")
	}
	app, err := Build(stopCtx, cfg, logger, passphrase)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	var locker Locker = NewLocalLocker()
	if cfg.Redis.URL != "" {
		redisLocker, err := NewRedisLocker(stopCtx, cfg.Redis.URL, cfg.Redis.LockKey, cfg.Redis.LockTTL.Duration)
		if err != nil {
			return err
		}
		defer func() { _ = redisLocker.Close() }()
		locker = redisLocker
		logger.Info("distributed sweep lock enabled", logging.MaskURL("redis_url", cfg.Redis.URL))
	}

	if _, err := app.Epochs.GetOrCreateCurrent(stopCtx); err != nil {
		return fmt.Errorf("initialise current epoch: %w", err)
	}
	scheduler, err := NewScheduler(stopCtx, cfg.SchedulerConfig(), app.Epochs, app.Orchestrator, locker, app.Metrics, logger)
	if err != nil {
		return err
	}

	auth, err := NewAuthenticator(cfg.AuthConfig())
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	server, err := NewServer(ServerConfig{
		Store:    app.Store,
		Epochs:   app.Epochs,
		Settler:  app.Orchestrator,
		Ingestor: app.Ingestor,
		Auth:     auth,
		Pause:    app.Metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	scheduler.Start()
	defer scheduler.Stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settled listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("strategy", app.Orchestrator.Strategy()),
			slog.Bool("paused", app.Orchestrator.Paused()))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// LogOptions converts the log section into logging options.
func (c Config) LogOptions() logging.Options {
	return logging.Options{
		Level: logging.ParseLevel(c.Log.Level),
		File: logging.FileOptions{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

func (c Config) telemetryConfig() telemetry.Config {
	tc := telemetry.FromEnv("settled", c.Environment, os.LookupEnv)
	tc.Attributes = map[string]string{
		"devpn.chain_id": strconv.FormatUint(c.Chain.ChainID, 10),
		"devpn.strategy": c.Strategy,
	}
	return tc
}
