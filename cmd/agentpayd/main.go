package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentpay/audit"
	"agentpay/budget"
	"agentpay/config"
	"agentpay/execution"
	"agentpay/gateway/routes"
	"agentpay/notify"
	"agentpay/observability"
	"agentpay/observability/logging"
	"agentpay/orchestrator"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/rules"
	"agentpay/storage/memory"
	"agentpay/storage/postgres"
	"agentpay/storage/sqlite"
	"agentpay/webhook"
)

// controlStore is the union of every persistence seam; each backend
// implements all of them on one concrete type.
type controlStore interface {
	registry.Store
	budget.Store
	proposal.Store
	webhook.Store
	audit.Store
}

func main() {
	configFile := flag.String("config", "", "Path to an optional TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("agentpayd", cfg.Environment, logging.Options{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("store init failed", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("store ready", "driver", cfg.DatabaseDriver)

	recorder := audit.NewRecorder(store, audit.WithLogger(logger))

	breakers := execution.NewBreakerRegistry(execution.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, nil, observability.Execution())

	pipeline := webhook.NewPipeline(store, store, breakers,
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithScanInterval(cfg.WebhookScanInterval),
		webhook.WithLogger(logger),
		webhook.WithMetrics(observability.Webhook()),
	)

	notifier := notify.NewAuditedNotifier(notify.NewLogNotifier(logger), recorder)
	events := orchestrator.NewLifecycleEvents(store, pipeline, recorder, notifier, logger)

	reg := registry.New(store,
		registry.WithLogger(logger),
		registry.WithHooks(events),
	)
	ledger := budget.NewLedger(store,
		budget.WithLogger(logger),
		budget.WithHooks(events),
		budget.WithMetrics(observability.Ledger()),
	)
	machine := proposal.NewMachine(store,
		proposal.WithLogger(logger),
		proposal.WithEvents(events),
		proposal.WithMetrics(observability.Lifecycle()),
	)
	engine := rules.NewEngine(machine)

	var primary execution.Backend
	if cfg.ExecutionURL != "" {
		primary = execution.NewHTTPBackend(cfg.ExecutionURL, cfg.ExecutionAuthToken, cfg.ExecutionTimeout)
	}
	bridge := execution.NewBridge(primary, execution.NewLocalBackend(), breakers,
		execution.WithEvents(events),
		execution.WithLogger(logger),
		execution.WithMetrics(observability.Execution()),
		execution.WithCallTimeout(cfg.ExecutionTimeout),
	)

	orch := orchestrator.New(store, reg, ledger, engine, machine, bridge, notifier,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(observability.Lifecycle()),
	)

	router := routes.New(routes.Deps{
		Registry:     reg,
		Ledger:       ledger,
		Machine:      machine,
		Orchestrator: orch,
		Pipeline:     pipeline,
		Recorder:     recorder,
		Breakers:     breakers,
		JWTSecret:    cfg.OwnerJWTSecret,
		Push: notify.VAPIDConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pipeline.Run(ctx)
	go budgetSweeper(ctx, ledger, cfg.BudgetSweepInterval, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
	}
	logger.Info("agentpayd stopped")
}

func openStore(cfg config.Config) (controlStore, error) {
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.DatabaseDSN)
	case config.DriverPostgres:
		return postgres.Open(cfg.DatabaseDSN)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
}

// budgetSweeper rolls expired budgets in the background, complementing the
// read-path lazy rollover so idle budgets still reset on schedule.
func budgetSweeper(ctx context.Context, ledger *budget.Ledger, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reset, err := ledger.ResetExpired(ctx)
			if err != nil {
				logger.Warn("budget sweep failed", "error", err)
				continue
			}
			if reset > 0 {
				logger.Debug("budget sweep complete", "reset", reset)
			}
		}
	}
}
