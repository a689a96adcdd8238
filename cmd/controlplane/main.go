// Package main is the entry point for the taskplane control plane.
// A single binary serves the HTTP API, the worker push stream, the client
// websocket gateway, and the background reconciliation loops.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/codebase"
	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/httpmw"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/cron"
	"github.com/taskplane/taskplane/internal/db"
	"github.com/taskplane/taskplane/internal/db/dialect"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/events/publisher"
	gatewayws "github.com/taskplane/taskplane/internal/gateway/websocket"
	"github.com/taskplane/taskplane/internal/routing"
	"github.com/taskplane/taskplane/internal/session"
	"github.com/taskplane/taskplane/internal/spawner"
	"github.com/taskplane/taskplane/internal/store"
	taskhandlers "github.com/taskplane/taskplane/internal/task/handlers"
	taskservice "github.com/taskplane/taskplane/internal/task/service"
	"github.com/taskplane/taskplane/internal/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting taskplane control plane...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the store (PostgreSQL when a host is configured, SQLite otherwise)
	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer closeStore()

	// 5. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		memBus := bus.NewMemoryEventBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	// 6. Outbound event publisher
	var pub publisher.Publisher
	if cfg.Events.Enabled {
		pub = publisher.NewHTTPPublisher(cfg.Events, log)
		log.Info("Outbound event publisher enabled", zap.String("sink_url", cfg.Events.SinkURL))
	} else {
		pub = publisher.NewNoopPublisher()
	}

	// 7. Task service with the routing policy engine
	router := routing.NewRouter(routing.FromAppConfig(cfg.Routing))
	taskSvc := taskservice.NewService(st, router, eventBus, pub, cfg.Events.Source, log)
	log.Info("Task service initialized")

	// 8. Worker registry and push fabric
	registry := worker.NewRegistry(st, log)
	workerHub := worker.NewHub(cfg.Stream, registry, taskSvc, eventBus, log)
	if err := workerHub.Start(ctx); err != nil {
		log.Fatal("Failed to start worker hub", zap.Error(err))
	}
	defer workerHub.Stop()
	log.Info("Worker push fabric started")

	// 9. Session-worker spawner
	var driver spawner.Driver
	if cfg.Spawner.Enabled {
		driver, err = spawner.NewDriver(cfg.Spawner, log)
		if err != nil {
			log.Fatal("Failed to initialize spawner driver", zap.Error(err))
		}
		log.Info("Spawner initialized", zap.String("driver", cfg.Spawner.Driver))
	} else {
		driver = spawner.NewDisabledDriver()
		log.Info("Spawner disabled")
	}

	// 10. Session service
	sessionSvc := session.NewService(st, taskSvc, driver, eventBus, pub, cfg.Events.Source, log)

	// 11. Cron scheduling
	firer := cron.NewFirer(st, taskSvc, eventBus, cfg.Events.Source, log)
	var reconciler cron.Reconciler
	var appScheduler *cron.AppScheduler
	switch cfg.Cron.Driver {
	case "app":
		appScheduler = cron.NewAppScheduler(firer, log)
		appScheduler.Start()
		if _, err := appScheduler.ReconcileAll(ctx); err != nil {
			log.Error("Initial cron reconcile failed", zap.Error(err))
		}
		reconciler = appScheduler
		log.Info("In-process cron scheduler started")
	case "knative":
		knativeReconciler, err := cron.NewKnativeReconciler(cfg.Cron, st, log)
		if err != nil {
			log.Fatal("Failed to initialize cron reconciler", zap.Error(err))
		}
		if _, err := knativeReconciler.ReconcileAll(ctx); err != nil {
			log.Error("Initial cron reconcile failed", zap.Error(err))
		}
		reconciler = knativeReconciler
		log.Info("Knative cron reconciler initialized")
	default:
		reconciler = cron.NewDisabledReconciler()
		log.Info("Cron scheduling disabled")
	}

	// 12. Client websocket gateway
	gatewayHub := gatewayws.NewHub(eventBus, log)
	if err := gatewayHub.Start(); err != nil {
		log.Fatal("Failed to start websocket gateway", zap.Error(err))
	}
	defer gatewayHub.Stop()

	// 13. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "controlplane"))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "taskplane-controlplane",
		})
	})

	api := engine.Group("/api/v1")

	// Internal callbacks authenticate with the shared token, not a tenant.
	cronHandlers := cron.NewCronHandlers(cfg.Cron, st, reconciler, firer, log)
	cronHandlers.RegisterInternalRoutes(api)

	tenanted := api.Group("", httpmw.TenantScope())
	taskhandlers.NewTaskHandlers(taskSvc, log).RegisterRoutes(tenanted)
	worker.NewWorkerHandlers(cfg.Stream, registry, workerHub, taskSvc, log).RegisterRoutes(tenanted)
	session.NewSessionHandlers(sessionSvc, log).RegisterRoutes(tenanted)
	codebase.NewCodebaseHandlers(st, log).RegisterRoutes(tenanted)
	cronHandlers.RegisterRoutes(tenanted)
	gatewayws.NewHandler(gatewayHub, log).RegisterRoutes(tenanted)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("worker_stream", "/api/v1/workers/stream"),
		zap.String("websocket", "/api/v1/ws"),
		zap.String("health", "/health"),
	)

	// 14. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down taskplane control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if appScheduler != nil {
		appScheduler.Stop()
	}

	log.Info("Control plane stopped")
}

// openStore builds the persistence layer from configuration. The returned
// cleanup closes the underlying pools.
func openStore(cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	if cfg.Database.UsePostgres() {
		database, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		shared := sqlx.NewDb(database, dialect.PGX)
		pool := db.NewPool(shared, shared)
		sqlStore, err := store.NewSQLStore(pool, log)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("PostgreSQL store initialized",
			zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
		return sqlStore, func() { sqlStore.Close() }, nil
	}

	writer, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		writer.Close()
		return nil, nil, err
	}
	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	sqlStore, err := store.NewSQLStore(pool, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info("SQLite store initialized", zap.String("path", cfg.Database.Path))
	return sqlStore, func() { sqlStore.Close() }, nil
}
