package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/internal/observability"
	"github.com/pitabwire/fhirbridge/internal/openapi"
	"github.com/pitabwire/fhirbridge/internal/repository"
	"github.com/pitabwire/fhirbridge/internal/rule"
	"github.com/pitabwire/fhirbridge/internal/transform"
	"github.com/pitabwire/fhirbridge/internal/transport"
)

func newServeCommand(version, commit string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the transformation server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, version, commit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	return cmd
}

// repositoryBackend is what the server needs from a repository.
type repositoryBackend interface {
	transform.Repository
	transport.Finder
}

func serve(ctx context.Context, cfg *config.Config, version, commit string) error {
	// Telemetry.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "fhirbridge", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	}

	// Tracker API description.
	oaIndex := openapi.NewIndex()
	if err := oaIndex.Load([]openapi.SpecSource{{
		ServiceID: openapi.TrackerService,
		BaseURL:   cfg.OpenAPI.BaseURL,
		SpecPath:  cfg.OpenAPI.TrackerSpec,
	}}); err != nil {
		return fmt.Errorf("openapi index: %w", err)
	}
	metrics.SetOpenAPIOperationsIndexed(openapi.TrackerService, float64(len(oaIndex.AllOperationIDs(openapi.TrackerService))))

	// Providers, script runtimes and rules.
	eng, err := newEngine(cfg.Scripts, logger)
	if err != nil {
		return err
	}
	if err := eng.providers.Verify(oaIndex); err != nil {
		return err
	}

	bg, bgCtx := errgroup.WithContext(ctx)
	onReload := func(s *rule.Snapshot, err error) {
		if err != nil {
			metrics.RecordRuleReload("rejected")
			return
		}
		metrics.RecordRuleReload("ok")
		metrics.SetActiveRules(s.ActiveRules(), s.Version())
	}

	readiness := observability.ReadinessChecks{
		RuleSet: eng.rules.Readiness,
		OpenAPIOperations: func() int {
			return len(oaIndex.AllOperationIDs(openapi.TrackerService))
		},
	}

	switch cfg.Rules.Source {
	case "postgres":
		store, closeStore, err := openRuleStore(ctx, cfg.Rules)
		if err != nil {
			return err
		}
		defer closeStore()
		readiness.RuleStore = store

		set, err := store.Latest(ctx)
		switch {
		case errors.Is(err, rule.ErrNoRuleSet):
			logger.Warn("rule store is empty, waiting for a rule set")
		case err != nil:
			return err
		default:
			snap, err := eng.rules.Replace(set)
			onReload(snap, err)
			if err != nil {
				return fmt.Errorf("rules: %w", err)
			}
		}
		bg.Go(func() error {
			store.Poll(bgCtx, eng.rules, cfg.Rules.PollInterval, logger, onReload)
			return nil
		})
	default:
		watcher := rule.NewWatcher(rule.NewLoader(), eng.rules, cfg.Rules.Directories, cfg.Rules.Debounce, logger)
		watcher.OnReload(onReload)
		if _, err := watcher.Reload(); err != nil {
			return fmt.Errorf("rules: %w", err)
		}
		if cfg.Rules.HotReload {
			bg.Go(func() error { return watcher.Run(bgCtx) })
		}
	}

	// Handoff ledger and repository.
	ledger, closeLedger, err := buildLedger(cfg.Handoff)
	if err != nil {
		return err
	}
	if closeLedger != nil {
		defer closeLedger()
	}

	repo := buildRepository(oaIndex, cfg.Repository, metrics, logger)
	if hc, ok := repo.(observability.HealthChecker); ok {
		readiness.Repository = hc
	}

	opts := []transform.Option{
		transform.WithMetrics(metrics),
		transform.WithLogger(logger),
		transform.WithConfig(transform.Config{LedgerTTL: cfg.Handoff.TTL}),
	}
	if ledger != nil {
		opts = append(opts, transform.WithLedger(ledger))
		if hc, ok := ledger.(observability.HealthChecker); ok {
			readiness.Ledger = hc
		}
	}
	orchestrator := transform.NewOrchestrator(eng.dispatcher, repo, opts...)
	pipeline := transform.NewPipeline(eng.rules, eng.providers, transform.NewRunner(orchestrator, cfg.Transform.MaxParallelRuns))

	// HTTP server.
	router := transport.NewRouter(transport.Dependencies{
		Rules:     eng.rules,
		Providers: eng.providers,
		Pipeline:  pipeline,
		Finder:    repo,
		Readiness: readiness,
		Metrics:   metrics,
		Gatherer:  gatherer,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("rules_source", cfg.Rules.Source),
		zap.String("repository", cfg.Repository.Driver),
		zap.Int64("rule_set_version", eng.rules.Version()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	case <-bgCtx.Done():
		if ctx.Err() != nil {
			logger.Info("shutdown initiated")
			break
		}
		serveErr = bg.Wait()
		logger.Error("background task failed", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := bg.Wait(); err != nil && serveErr == nil && ctx.Err() == nil {
		serveErr = err
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// openRuleStore connects to the rule configuration database named by the
// DSN environment variable and creates its schema.
func openRuleStore(ctx context.Context, cfg config.RulesConfig) (*rule.PgStore, func(), error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("rule store: %s environment variable not set", cfg.DSNEnv)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("rule store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("rule store: ping: %w", err)
	}
	store := rule.NewPgStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("rule store: %w", err)
	}
	return store, pool.Close, nil
}

// buildLedger creates the handoff ledger. It returns a nil ledger when
// handoff deduplication is disabled.
func buildLedger(cfg config.HandoffConfig) (transform.Ledger, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("handoff ledger: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return transform.NewRedisLedger(client), func() { client.Close() }, nil
	default:
		return transform.NewMemoryLedger(), nil, nil
	}
}

func buildRepository(idx *openapi.Index, cfg config.RepositoryConfig, metrics *observability.Metrics, logger *zap.Logger) repositoryBackend {
	if cfg.Driver == "http" {
		return repository.NewHTTP(idx, cfg, metrics, logger)
	}
	logger.Warn("using in-memory repository, transformed resources are not persisted")
	return repository.NewMemory()
}
