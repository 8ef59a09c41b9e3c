package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentcommerce/config"
	"agentcommerce/core/engine"
	"agentcommerce/crypto"
	"agentcommerce/ledger"
	"agentcommerce/native/common"
	"agentcommerce/native/escrow"
	"agentcommerce/native/memo"
	"agentcommerce/native/nonce"
	"agentcommerce/observability/logging"
	"agentcommerce/observability/otel"
	"agentcommerce/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the service configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Service, cfg.Environment)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	var nonceLedger nonce.Ledger
	if cfg.NonceDBPath != "" {
		durable, err := nonce.NewLevelDBLedger(cfg.NonceDBPath)
		if err != nil {
			logger.Error("open nonce ledger", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer durable.Close()
		nonceLedger = durable
	} else {
		nonceLedger = nonce.NewMemoryLedger(cfg.NonceCapacity)
		logger.Warn("using bounded in-memory nonce ledger; idle principals lose replay floors on eviction")
	}

	keystore := crypto.NewKeystore()
	memoSvc := memo.NewService(nonceLedger, keystore)
	if cfg.MemoQuotaPerMinute > 0 {
		memoSvc.SetQuota(common.Quota{
			MaxRequestsPerWindow: cfg.MemoQuotaPerMinute,
			WindowSeconds:        60,
		})
	}
	ledgerClient := ledger.NewRPCClient(cfg.LedgerURL, cfg.LedgerToken)

	escrowMgr, err := escrow.NewManager(store, ledgerClient, cfg.FeeBps, cfg.TreasuryAddress, cfg.EscrowContract, cfg.Token, logger)
	if err != nil {
		logger.Error("construct escrow manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eng, err := engine.New(store, store, escrowMgr, memoSvc, engine.Timeouts{
		Negotiation:         cfg.NegotiationTimeout(),
		Execution:           cfg.ExecutionTimeout(),
		Evaluation:          cfg.EvaluationTimeout(),
		EscrowDeadlineHours: cfg.EscrowDeadlineHours,
	}, logger)
	if err != nil {
		logger.Error("construct engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TelemetryEnabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: cfg.Service,
			Environment: cfg.Environment,
			Endpoint:    cfg.TelemetryEndpoint,
			Insecure:    cfg.TelemetryInsecure,
			Headers:     otel.ParseHeaders(cfg.TelemetryHeaders),
		})
		if err != nil {
			logger.Error("init telemetry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	go runSweeper(ctx, eng, escrowMgr, cfg.SweepInterval(), logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started", slog.String("addr", cfg.ListenAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// runSweeper periodically expires timed-out jobs and auto-releases escrows
// past their deadline. Expiry is cooperative: nothing preempts an in-flight
// call.
func runSweeper(ctx context.Context, eng *engine.Engine, escrows *escrow.Manager, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := eng.ExpireTimedOutJobs(ctx); err != nil {
				logger.Warn("job expiry sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("jobs expired", slog.Int("count", n))
			}
			if n, err := escrows.ExpirySweep(ctx); err != nil {
				logger.Warn("escrow expiry sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("escrows auto-released", slog.Int("count", n))
			}
		}
	}
}
