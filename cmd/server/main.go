package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/backapp/backapp/internal/api"
	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/config"
	"github.com/backapp/backapp/internal/crypto"
	"github.com/backapp/backapp/internal/database"
	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/metrics"
	"github.com/backapp/backapp/internal/notification"
	"github.com/backapp/backapp/internal/ssh"
	"github.com/backapp/backapp/internal/store"
	"github.com/backapp/backapp/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := setupLogging(cfg); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logging.Close()

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(cfg, len(os.Args) > 2 && os.Args[2] == "down")
		return
	}

	db, err := database.NewDBWithLimits(cfg.Database.Path, cfg.Database.MaxConnections)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed successfully")

	enc, err := crypto.NewEncryptionManager()
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}
	st := store.New(db, enc)

	// Runs left pending or running by a previous process can never finish.
	if n, err := st.FailInterruptedRuns("interrupted by server restart"); err != nil {
		log.Fatalf("Failed to recover interrupted runs: %v", err)
	} else if n > 0 {
		log.Printf("[Backup] Marked %d interrupted run(s) as failed", n)
	}

	activityLogger, err := logging.NewActivityLogger(db.DB, filepath.Join(cfg.Storage.DataDir, "logs", "activity"))
	if err != nil {
		log.Fatalf("Failed to initialize activity logger: %v", err)
	}
	defer activityLogger.Close()

	log.Println("Initializing SSH connection pool...")
	sshPool := ssh.NewConnectionPool(time.Minute)
	defer sshPool.Stop()
	executors := executor.NewDefaultFactory(sshPool, cfg.Security.SSH.KnownHostsPath, cfg.Security.SSH.TrustOnFirstUse, cfg.Security.SSH.ConnectTimeout.Duration)
	destinations := &backup.DefaultDestinationFactory{
		Options: backup.DestinationOptions{
			KnownHostsPath:  cfg.Security.SSH.KnownHostsPath,
			TrustOnFirstUse: cfg.Security.SSH.TrustOnFirstUse,
			Timeout:         cfg.Security.SSH.ConnectTimeout.Duration,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub()
	go hub.Run(ctx)

	orch := backup.NewOrchestrator(st, executors, destinations, hub, backup.OrchestratorConfig{
		RunTimeout:     cfg.Backup.RunTimeout.Duration,
		CommandTimeout: cfg.Backup.CommandTimeout.Duration,
		WorkerPoolSize: cfg.Backup.WorkerPoolSize,
		TempDir:        cfg.Storage.TempDir,
		SevenZipBinary: cfg.Backup.SevenZipBinary,
	})

	usage := backup.NewUsageService(st, destinations)
	retention := backup.NewRetentionManager(st, orch)
	orch.AddListener(retention)

	notifications := notification.NewService(st, cfg.Notifications)
	if err := notifications.Initialize(); err != nil {
		log.Printf("[Notifications] Initialization failed, push delivery disabled: %v", err)
	}
	evaluator := notification.NewEvaluator(st, notifications, usage)
	orch.AddListener(evaluator)
	evaluator.StartSweep(ctx, cfg.Backup.StorageSweepInterval.Duration)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(usage, cfg.Backup.StorageSweepInterval.Duration)
		orch.AddListener(collector)
		collector.WatchSSHPool(sshPool)
		collector.Start()
		defer collector.Stop()
	}

	scheduler := backup.NewScheduler(st, orch, cfg.Location())
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	activityLogger.StartPruning(ctx, cfg.Logging.ActivityRetention.Duration)

	go func() {
		if err := retention.EnforceAllRetentions(ctx); err != nil {
			log.Printf("[Retention] Startup enforcement failed: %v", err)
		}
	}()

	router := api.SetupRouter(api.Deps{
		Config:        cfg,
		Store:         st,
		Orchestrator:  orch,
		Scheduler:     scheduler,
		Mover:         backup.NewMover(st, destinations),
		Usage:         usage,
		Reconciler:    backup.NewReconciler(st, destinations),
		Tester:        executors,
		Notifications: notifications,
		Hub:           hub,
		Metrics:       collector,
		Activity:      activityLogger,
	})

	log.Println("All components initialized successfully")

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streaming endpoints keep connections open; only idle ones are reaped.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s", server.Addr)

		var err error
		if cfg.Server.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	scheduler.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Canceling active backup runs...")
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Backup] Shutdown incomplete: %v", err)
	}
	notifications.Wait()
	cancel()

	log.Println("Server exited")
}

func setupLogging(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Logging.File) == "" {
		dataDir := cfg.Storage.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		cfg.Logging.File = filepath.Join(dataDir, "logs", "server.log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
		return err
	}
	_, err := logging.Init(cfg.Logging)
	return err
}

// runMigrations applies pending migrations, or with down reverts the latest
// one ("server migrate down").
func runMigrations(cfg *config.Config, down bool) {
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if down {
		log.Println("Reverting latest database migration...")
		if err := db.Rollback(); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rollback completed successfully")
		return
	}

	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("Migrations completed successfully")
}
