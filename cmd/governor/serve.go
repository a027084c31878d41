package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-governance/internal/audit"
	"github.com/xela07ax/spaceai-governance/internal/console/handler"
	"github.com/xela07ax/spaceai-governance/internal/console/server"
	"github.com/xela07ax/spaceai-governance/internal/console/service"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/engine"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"github.com/xela07ax/spaceai-governance/internal/repository/postgres"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance core with console API, gRPC health and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Инфраструктура: Postgres (архив аудита, правила) — опционально
	coreCfg := engine.CoreConfig{
		CheckpointTTL: cfg.Governance.CheckpointTTL,
		SweepInterval: cfg.Governance.SweepInterval,
		WarnRatio:     cfg.Governance.WarnRatio,
		EventBuffer:   cfg.Governance.EventBuffer,
	}
	var (
		archiver    *audit.Archiver
		auditRepo   *postgres.AuditRepo
		rulesFromDB bool
	)
	if cfg.Database.URL != "" {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return err
		}
		pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		auditRepo = postgres.NewAuditRepo(pool)
		// Оборачиваем в Reliability (Rate Limit, Circuit Breaker, Retries)
		storage := audit.NewReliableStorage(auditRepo, audit.ReliabilityConfig{
			CBMaxRequests: cfg.Governance.CBMaxRequests,
			CBInterval:    cfg.Governance.CBInterval,
			CBTimeout:     cfg.Governance.CBTimeout,
			RatePerSecond: cfg.Governance.ArchiveRPS,
			Burst:         cfg.Governance.ArchiveBurst,
		}, metrics.ArchiveBreakerState)
		archiver = audit.NewArchiver(storage, audit.ArchiverConfig{
			BufferSize:    cfg.Governance.AuditBufferSize,
			BatchSize:     cfg.Governance.AuditBatchSize,
			FlushInterval: cfg.Governance.AuditFlushInterval,
		}, metrics.AuditBufferFill, logger)
		archiver.Start()
		// Archiver останавливается после ядра, чтобы дописать последние записи
		defer archiver.Stop()

		coreCfg.RuleStore = postgres.NewRuleRepo(pool)
		coreCfg.AuditSinks = append(coreCfg.AuditSinks, archiver)
		rulesFromDB = true
	}

	// 3. Core (Сборка ядра governance)
	core := engine.NewCore(coreCfg, logger)
	if err := loadRules(ctx, core, cfg.Governance.RulesFile, rulesFromDB, logger); err != nil {
		return err
	}

	metrics.WatchPending(core.Checkpoints.Metrics)
	metricsCh, unsubMetrics := core.Hub.Subscribe()
	defer unsubMetrics()
	go metrics.Run(ctx, metricsCh)

	core.Start(ctx)
	defer core.Stop()

	// 4. Redis: поток событий и kill-switch бюджетов — опционально
	var signals service.LockSignaler
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if cfg.Governance.PublishEvents {
			relayCh, unsubRelay := core.Hub.Subscribe()
			defer unsubRelay()
			go engine.NewAuditRelay(rdb, logger).Run(ctx, relayCh)
		}

		lockSwitch := engine.NewLockSwitch(rdb, core.Ledger, logger)
		if cfg.Governance.ListenLockSignals {
			// Init вызывается внутри Listen при каждом (пере)подключении
			go lockSwitch.Listen(ctx, rdb)
		}
		signals = lockSwitch
	}

	// 5. Аутентификация (RS256)
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	validator := auth.NewBaseValidator(pubKey)

	// 6. Console API
	var archive service.AuditArchive
	if auditRepo != nil {
		archive = auditRepo
	}
	console := server.NewConsoleServer(logger, validator,
		handler.NewCheckpointHandler(core.Checkpoints),
		handler.NewBudgetHandler(service.NewBudgetService(core.Ledger, signals, logger)),
		handler.NewRuleHandler(core.Rules),
		handler.NewAuditHandler(service.NewAuditService(core.Trail, archive), core),
	)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("console listen: %w", err)
		}
	}()

	// 7. gRPC health
	grpcSrv, healthSrv := engine.NewGRPCServer(validator, logger)
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		go func() {
			logger.Info("gRPC server started", zap.Int("port", cfg.GRPC.Port))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	// 8. Экспортируем метрики для Prometheus
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listen: %w", err)
			}
		}()
	}

	// 9. Graceful Shutdown
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("governor stopping...")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", zap.Error(runErr))
	}

	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	grpcSrv.GracefulStop()
	logger.Info("governor exited properly")
	return runErr
}

// loadRules — правила из базы; пустая база засевается из YAML файла.
// Без базы YAML загружается только в память.
func loadRules(ctx context.Context, core *engine.Core, path string, fromDB bool, logger *zap.Logger) error {
	fileRules, err := policy.LoadRulesFile(path)
	if err != nil {
		return err
	}

	if !fromDB {
		if err := core.Rules.Load(fileRules); err != nil {
			return err
		}
		logger.Info("rules loaded from file", zap.String("path", path), zap.Int("count", len(fileRules)))
		return nil
	}

	if err := core.Rules.Refresh(ctx); err != nil {
		return err
	}
	if len(core.Rules.ListRules()) > 0 || len(fileRules) == 0 {
		return nil
	}
	for _, r := range fileRules {
		if _, err := core.Rules.AddRule(ctx, r, domain.SystemActor); err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	logger.Info("rule store seeded from file", zap.String("path", path), zap.Int("count", len(fileRules)))
	return nil
}
