package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/auth"
	"github.com/rpattn/claimsflow/internal/config"
	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/enrichment"
	"github.com/rpattn/claimsflow/internal/enrichment/rules"
	"github.com/rpattn/claimsflow/internal/files"
	"github.com/rpattn/claimsflow/internal/httpx"
	"github.com/rpattn/claimsflow/internal/ingestion"
	"github.com/rpattn/claimsflow/internal/jobs"
	"github.com/rpattn/claimsflow/internal/lifecycle"
	"github.com/rpattn/claimsflow/internal/mapping"
	"github.com/rpattn/claimsflow/internal/middleware"
	"github.com/rpattn/claimsflow/internal/repository"
	"github.com/rpattn/claimsflow/internal/storage"
)

// scheduler is satisfied by both the river queue and the in-process dispatcher.
type scheduler interface {
	EnqueueIngestion(ctx context.Context, processingID uuid.UUID) error
	EnqueueEnrichment(ctx context.Context, runID uuid.UUID) error
}

func main() {
	configPath := flag.String("config", ".", "directory holding config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("Server exited")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.File != "" {
		logger.Info("Loaded config file", zap.String("path", cfg.File))
	} else {
		logger.Info("No config file found, using defaults and environment")
	}

	if err := db.RunMigrations(cfg.Database, logger); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer conn.Close()

	blobs, err := storage.OpenBlobStore(ctx, cfg.Storage.BucketURL)
	if err != nil {
		return err
	}
	defer func() { _ = blobs.Close() }()

	fileRepo := repository.NewFileRepository(conn.Pool)
	catalogRepo := repository.NewFieldCatalogRepository(conn.Pool)
	mappingRepo := repository.NewMappingRepository(conn.Pool)
	claimRepo := repository.NewClaimRepository(conn.Pool)
	processingRepo := repository.NewProcessingRunRepository(conn.Pool)
	enrichmentRepo := repository.NewEnrichmentRunRepository(conn.Pool)
	ruleRepo := repository.NewRuleDefinitionRepository(conn.Pool)

	tx := conn.Transactor()
	machine := lifecycle.NewMachine(fileRepo, tx, logger.Named("lifecycle"))

	fileService := files.NewService(fileRepo, blobs, machine, logger.Named("files"))
	mappingService := mapping.NewService(fileRepo, catalogRepo, mappingRepo, machine, tx,
		cfg.Pipeline.SimilarityThreshold, logger.Named("mapping"))
	ingestionService := ingestion.NewService(ingestion.Deps{
		Files:     fileRepo,
		Mappings:  mappingRepo,
		Claims:    claimRepo,
		Runs:      processingRepo,
		Machine:   machine,
		Tx:        tx,
		Blobs:     blobs,
		BatchSize: cfg.Pipeline.IngestBatchSize,
		Logger:    logger.Named("ingestion"),
	})

	registry := enrichment.NewRegistry(ruleRepo, rules.Factories(), logger.Named("rules"))
	if err := registry.LoadDefinitions(ctx); err != nil {
		return errors.Wrap(err, "load enrichment rules")
	}
	runner := enrichment.NewRunner(enrichment.RunnerDeps{
		Files:     fileRepo,
		Claims:    claimRepo,
		Runs:      enrichmentRepo,
		Registry:  registry,
		Machine:   machine,
		Tx:        tx,
		BatchSize: cfg.Pipeline.EnrichBatchSize,
		Logger:    logger.Named("enrichment"),
	})
	enrichmentService := enrichment.NewService(enrichment.Deps{
		Files:    fileRepo,
		Mappings: mappingRepo,
		Claims:   claimRepo,
		Runs:     enrichmentRepo,
		Registry: registry,
		Tx:       tx,
		Logger:   logger.Named("enrichment"),
	})

	reaper := jobs.NewReaper(cfg.Queue.JobTimeout+time.Minute, time.Minute, logger.Named("reaper"),
		ingestionService, runner)

	var sched scheduler
	var stopJobs func(context.Context) error
	switch cfg.Queue.Driver {
	case "local":
		// in-process jobs do not survive a restart
		if _, err := reaper.SweepOnce(ctx, time.Now()); err != nil {
			logger.Error("startup sweep of open runs failed", zap.Error(err))
		}
		dispatcher := jobs.NewLocalDispatcher(ingestionService, runner, cfg.Queue, logger.Named("jobs"))
		sched, stopJobs = dispatcher, dispatcher.Shutdown
	default:
		if err := jobs.MigrateRiver(ctx, conn.Pool, logger); err != nil {
			return err
		}
		queue, err := jobs.NewQueue(conn.Pool, ingestionService, runner, cfg.Queue, logger.Named("jobs"))
		if err != nil {
			return err
		}
		if err := queue.Start(ctx); err != nil {
			return err
		}
		sched, stopJobs = queue, queue.Stop
	}
	ingestionService.SetScheduler(sched)
	enrichmentService.SetScheduler(sched)
	go reaper.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.Pool.Ping(r.Context()); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	files.NewHTTPHandler(fileService, logger.Named("http")).Register(mux)
	mapping.NewHTTPHandler(mappingService, logger.Named("http")).Register(mux)
	ingestion.NewHTTPHandler(ingestionService, logger.Named("http")).Register(mux)
	enrichment.NewHTTPHandler(enrichmentService, logger.Named("http")).Register(mux)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(middleware.Logging(logger.Named("access"))(auth.ActorMiddleware(mux))),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting claims server", zap.String("addr", cfg.Server.Addr), zap.String("queue", cfg.Queue.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := stopJobs(shutdownCtx); err != nil {
		logger.Error("Job workers did not stop cleanly", zap.Error(err))
	}
	return nil
}
