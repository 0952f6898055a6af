package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/app/migrate"
	"github.com/ZackBotkin/SimQLe/internal/git"
	"github.com/ZackBotkin/SimQLe/internal/httpx"
	"github.com/ZackBotkin/SimQLe/internal/provision"
	"github.com/ZackBotkin/SimQLe/internal/queue"
	"github.com/ZackBotkin/SimQLe/internal/repository/postgres"
	"github.com/ZackBotkin/SimQLe/internal/runner"
	"github.com/ZackBotkin/SimQLe/internal/service/runs"
	"github.com/ZackBotkin/SimQLe/internal/shell"
	"github.com/ZackBotkin/SimQLe/internal/upload"
	"github.com/ZackBotkin/SimQLe/internal/workspace"
	"github.com/ZackBotkin/SimQLe/internal/ws"
	"github.com/ZackBotkin/SimQLe/pkg/config"
	"github.com/ZackBotkin/SimQLe/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	workers := flag.Int("workers", 2, "number of concurrent run executors")
	flag.Parse()

	cfg := config.LoadDaemonConfig()
	runnerCfg := config.LoadRunnerConfig()
	log := logger.New("simqled", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrator, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()
	if err := migrator.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	var runQueue queue.Queue
	if addr := strings.TrimSpace(cfg.QueueRedisAddr); addr != "" {
		rq, err := queue.NewRedisQueue(ctx, addr, cfg.QueueRedisPass, cfg.QueueRedisDB, cfg.QueueKey, cfg.QueuePopWait)
		if err != nil {
			log.Error("failed to connect to redis queue", "addr", addr, "error", err)
			os.Exit(1)
		}
		runQueue = rq
	} else {
		log.Warn("no redis address configured, using in-memory queue")
		runQueue = queue.NewMemoryQueue(cfg.LogBuffer)
	}
	defer runQueue.Close()

	queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "simqle_daemon_queue_depth",
		Help: "Number of runs waiting in the queue.",
	}, func() float64 {
		n, err := runQueue.Len(context.Background())
		if err != nil {
			return -1
		}
		return float64(n)
	})
	if err := prometheus.Register(queueDepth); err != nil {
		log.Warn("failed to register queue depth gauge", "error", err)
	}

	runsSvc := runs.New(repo, repo, repo, repo, repo, runQueue, hub, log)
	router := httpx.NewRouter(log, runsSvc, cfg.WriterToken, cfg.WebhookSecret, pool.Ping)

	provisioner, closeProvisioner, err := provision.New(runnerCfg, log)
	if err != nil {
		log.Error("failed to configure provisioner", "error", err)
		os.Exit(1)
	}
	defer closeProvisioner()

	workDirs, err := workspace.New(runnerCfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	store := runner.Store{Runs: repo, Jobs: repo, Steps: repo, Logs: repo, Coverage: repo}
	exec := shell.New(log)
	uploader := upload.New(runnerCfg.UploadTimeout, log)
	run := runner.New(store, exec, provisioner, workDirs, git.Clone, uploader, hub, runnerCfg, log)
	worker := runner.NewWorker(runQueue, run, *workers, log)
	go worker.Start(ctx)
	go runner.NewReaper(repo, log, cfg.ReapInterval, cfg.RunTTL).Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("daemon starting", "addr", cfg.Addr, "workers", *workers, "provision_mode", runnerCfg.ProvisionMode)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("daemon stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
