// Package server wires the scraper service together and owns its process
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-chat-scraper/internal/admission"
	"github.com/JakeFAU/realtime-chat-scraper/internal/api"
	"github.com/JakeFAU/realtime-chat-scraper/internal/browser"
	"github.com/JakeFAU/realtime-chat-scraper/internal/clock/system"
	"github.com/JakeFAU/realtime-chat-scraper/internal/config"
	"github.com/JakeFAU/realtime-chat-scraper/internal/dispatcher"
	"github.com/JakeFAU/realtime-chat-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-chat-scraper/internal/logging"
	"github.com/JakeFAU/realtime-chat-scraper/internal/metadata"
	"github.com/JakeFAU/realtime-chat-scraper/internal/pool"
	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-chat-scraper/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/realtime-chat-scraper/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/realtime-chat-scraper/internal/queue/memory"
	"github.com/JakeFAU/realtime-chat-scraper/internal/ratelimit"
	"github.com/JakeFAU/realtime-chat-scraper/internal/registry"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	gcsstorage "github.com/JakeFAU/realtime-chat-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-chat-scraper/internal/storage/local"
	memstorage "github.com/JakeFAU/realtime-chat-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-chat-scraper/internal/storage/postgres"
	"github.com/JakeFAU/realtime-chat-scraper/internal/supervisor"
	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
	"github.com/JakeFAU/realtime-chat-scraper/internal/worker"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

const (
	startRuleKey    = "start_scraper"
	metadataRuleKey = "stream_metadata"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer  *api.Server
	supervisor *supervisor.Supervisor
	dispatch   *dispatcher.Dispatcher
	queue      *queuememory.Queue
	registry   *registry.Registry
	sem        *admission.Semaphore
	hub        *progress.Hub

	browsers      *pool.Pool[*browser.Browser]
	browserWorker *worker.BrowserWorker

	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	archive        scraper.BlobStore
	runStore       *pgstore.RunStore
	tracerShutdown func(context.Context) error
	registerer     prometheus.Registerer
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger, registerer: reg}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("worker_mode", cfg.Worker.Mode),
		zap.Int64("max_concurrent_workers", cfg.Admission.MaxConcurrentWorkers),
		zap.String("version", Version),
	)

	if cfg.Telemetry.TracingEnabled {
		tp, tpErr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, Version)
		if tpErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tpErr)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if cfg.Worker.Mode == config.WorkerModeProcess {
		// Workers from a previous instance would otherwise hold chat sessions
		// no registry entry knows about.
		if killErr := worker.KillOrphans(ctx, cfg.Worker.OrphanPattern, logging.ForComponent(logger, "orphans")); killErr != nil {
			logger.Warn("orphan sweep failed", zap.Error(killErr))
		}
	}

	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	blobStore, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	app.archive = blobStore
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx, blobStore, publisher); err != nil {
		return nil, err
	}
	w, err := app.setupWorker(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupSupervisor(w); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, run history disabled")
		return nil
	}
	runStore, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.runStore = runStore
	if err := runStore.Migrate(ctx); err != nil {
		return fmt.Errorf("run store migrate failed: %w", err)
	}
	a.logger.Info("run store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (scraper.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobStore, nil
	case config.StorageLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobStore, nil
	case config.StorageMemory:
		a.logger.Warn("using in-memory archive backend, chunks are lost on exit")
		return memstorage.NewBlobStore(), nil
	default:
		a.logger.Info("chat archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scraper.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, content events stay in-process")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher, err = gcppublisher.New(client, gcppublisher.Config{
		Topic:   a.cfg.PubSub.TopicName,
		Ordered: a.cfg.PubSub.Ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context, blobStore scraper.BlobStore, publisher scraper.Publisher) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(logging.ForComponent(a.logger, "progress_log")),
		promSink,
	}
	if a.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runStore, logging.ForComponent(a.logger, "progress_store")))
	}
	if publisher != nil {
		pubSink, err := progresssinks.NewPublisherSink(publisher, a.cfg.PubSub.TopicName, logging.ForComponent(a.logger, "progress_publisher"))
		if err != nil {
			return fmt.Errorf("publisher sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
	}
	if blobStore != nil {
		archive, err := progresssinks.NewArchiveSink(blobStore, progresssinks.ArchiveConfig{
			Prefix:   a.cfg.Progress.ArchivePrefix,
			MaxItems: a.cfg.Progress.ArchiveChunk,
		}, logging.ForComponent(a.logger, "progress_archive"))
		if err != nil {
			return fmt.Errorf("archive sink init failed: %w", err)
		}
		sinkList = append(sinkList, archive)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		LifecycleWait:  a.cfg.Progress.LifecycleWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logging.ForComponent(a.logger, "progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupWorker(ctx context.Context) (worker.Worker, error) {
	if a.cfg.Worker.Mode == config.WorkerModeBrowser {
		return a.setupBrowserWorker(ctx)
	}
	proc := a.cfg.Worker.Process
	w, err := worker.NewProcessWorker(worker.ProcessConfig{
		Binary:    proc.Binary,
		Args:      proc.Args,
		StopGrace: proc.StopGrace,
		Markers:   proc.Markers,
	}, logging.ForComponent(a.logger, "worker"))
	if err != nil {
		return nil, fmt.Errorf("process worker init failed: %w", err)
	}
	a.logger.Info("using process worker", zap.String("binary", proc.Binary))
	return w, nil
}

func (a *App) setupBrowserWorker(ctx context.Context) (worker.Worker, error) {
	bcfg := a.cfg.Worker.Browser
	factory := browser.NewFactory(browser.Config{
		Headless:          bcfg.Headless,
		ExecPath:          bcfg.ExecPath,
		UserAgent:         bcfg.UserAgent,
		NavigationTimeout: bcfg.NavigationTimeout,
		NavigateQPS:       bcfg.NavigateQPS,
	}, logging.ForComponent(a.logger, "browser"))
	browsers, err := pool.New[*browser.Browser](factory, pool.Config{
		Name:             "browser",
		MaxTotal:         a.cfg.Pool.MaxTotal,
		MaxIdle:          a.cfg.Pool.MaxIdle,
		MinIdle:          a.cfg.Pool.MinIdle,
		BorrowTimeout:    a.cfg.Pool.BorrowTimeout,
		IdleTimeout:      a.cfg.Pool.IdleTimeout,
		EvictionInterval: a.cfg.Pool.EvictionInterval,
	}, logging.ForComponent(a.logger, "browser_pool"))
	if err != nil {
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}
	a.browsers = browsers
	browsers.Start(ctx)

	a.browserWorker, err = worker.NewBrowserWorker(worker.BrowserConfig{
		WatchURL:      bcfg.WatchURL,
		Anchor:        bcfg.Anchor,
		PollInterval:  bcfg.PollInterval,
		AnchorTimeout: bcfg.AnchorTimeout,
	}, worker.NewBrowserPages(browsers), logging.ForComponent(a.logger, "worker"))
	if err != nil {
		return nil, fmt.Errorf("browser worker init failed: %w", err)
	}
	a.logger.Info("using browser worker", zap.Int("pool_max_total", a.cfg.Pool.MaxTotal))
	return a.browserWorker, nil
}

func (a *App) setupSupervisor(w worker.Worker) error {
	var err error
	clock := system.New()
	a.registry = registry.New(registry.Config{
		Retention:     a.cfg.Registry.Retention,
		SweepInterval: a.cfg.Registry.SweepInterval,
	}, clock, uuid.New(), logging.ForComponent(a.logger, "registry"))

	a.sem, err = admission.New(a.cfg.Admission.MaxConcurrentWorkers)
	if err != nil {
		return fmt.Errorf("admission semaphore init failed: %w", err)
	}
	a.queue = queuememory.NewQueue(a.cfg.Queue.Capacity)
	a.dispatch = dispatcher.New(a.queue, a.sem, func(ctx context.Context, task scraper.Task) {
		a.supervisor.Handle(ctx, task)
	}, logging.ForComponent(a.logger, "dispatcher"), dispatcher.WithAdmit(func(task scraper.Task) bool {
		return a.supervisor.Admit(task)
	}))

	limiter := ratelimit.New()
	deps := supervisor.Deps{
		Registry: a.registry,
		Queue:    a.dispatch,
		Worker:   w,
		Events:   a.hub,
		Clock:    clock,
		Logger:   logging.ForComponent(a.logger, "supervisor"),
	}
	if a.cfg.Metadata.Enabled {
		fetcher, err := metadata.New(metadata.Config{
			WatchURL:  a.cfg.Metadata.WatchURL,
			UserAgent: a.cfg.Metadata.UserAgent,
			Timeout:   a.cfg.Metadata.Timeout,
		})
		if err != nil {
			return fmt.Errorf("metadata fetcher init failed: %w", err)
		}
		deps.Metadata = fetcher
		deps.MetadataGuard = ratelimit.Guard(limiter, ratelimit.Rule{
			Key:              metadataRuleKey,
			PermitsPerSecond: a.cfg.RateLimit.Metadata.PermitsPerSecond,
			Tolerance:        a.cfg.RateLimit.Metadata.Tolerance,
		})
	}
	a.supervisor, err = supervisor.New(supervisor.Config{
		ThroughputInterval: a.cfg.Throughput.Interval,
		MetadataTimeout:    a.cfg.Metadata.Timeout,
	}, deps)
	if err != nil {
		return fmt.Errorf("supervisor init failed: %w", err)
	}

	opts := api.Options{
		Admission: a.supervisor,
		Load:      a.sem,
		Limiter:   limiter,
		StartRule: ratelimit.Rule{
			Key:              startRuleKey,
			PermitsPerSecond: a.cfg.RateLimit.Start.PermitsPerSecond,
			Tolerance:        a.cfg.RateLimit.Start.Tolerance,
		},
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Ready:          a.ready,
		Logger:         logging.ForComponent(a.logger, "api"),
	}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	if a.browsers != nil {
		opts.Pool = a.browsers
	}
	if a.runStore != nil {
		opts.Runs = a.runStore
	}
	a.apiServer, err = api.NewServer(opts)
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.runStore == nil {
		return nil
	}
	if _, err := a.runStore.ListRuns(ctx, "", 1, 0); err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	return nil
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close stops every active scraper and releases infrastructure.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.supervisor != nil {
		if shutdownErr := a.supervisor.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("supervisor shutdown: %w", shutdownErr)
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.dispatch != nil {
		a.dispatch.Wait()
	}
	if a.registry != nil {
		a.registry.Drain()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.browserWorker != nil {
		a.browserWorker.Close()
	}
	if a.browsers != nil {
		if err := a.browsers.Close(ctx); err != nil {
			a.logger.Warn("browser pool close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if stats := a.hub.Stats(); stats.DroppedContent+stats.DroppedLifecycle > 0 {
			a.logger.Warn("progress events were dropped during this run",
				zap.Int64("dropped_content", stats.DroppedContent),
				zap.Int64("dropped_lifecycle", stats.DroppedLifecycle),
			)
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
