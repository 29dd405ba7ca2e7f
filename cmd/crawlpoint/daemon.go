package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlpoint/crawlpoint/internal/api"
	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/blob"
	"github.com/crawlpoint/crawlpoint/internal/config"
	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/domain"
	"github.com/crawlpoint/crawlpoint/internal/logging"
	"github.com/crawlpoint/crawlpoint/internal/logs"
	"github.com/crawlpoint/crawlpoint/internal/metrics"
	"github.com/crawlpoint/crawlpoint/internal/observability"
	"github.com/crawlpoint/crawlpoint/internal/orchestrator"
	"github.com/crawlpoint/crawlpoint/internal/runtime"
	"github.com/crawlpoint/crawlpoint/internal/service"
	"github.com/crawlpoint/crawlpoint/internal/store"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		pgDSN    string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Crawlpoint API server and orchestrator workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8787", "HTTP listen address")
	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

// runDaemon wires every dependency at the root: stores, coordination,
// blobs, runtime, services, orchestrator, HTTP. Any unreachable backend is
// a fatal init error (exit code 1 through main).
func runDaemon(cfg *config.Config) error {
	logging.Init(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

	ctx := context.Background()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(ctx)

	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace)
	}

	pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()

	coordStore, err := coord.NewStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer coordStore.Close()

	blobs, err := blob.NewS3Store(ctx, blob.S3Config{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("connect blob store: %w", err)
	}

	dockerRT, err := runtime.NewDockerRuntime(ctx, runtime.DockerConfig{
		Host:    cfg.Docker.Host,
		Network: cfg.Docker.Network,
	})
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}

	notifier := coord.NewRedisNotifier(coordStore.Client())
	defer notifier.Close()
	ring := logs.NewRedisRing(coordStore.Client())

	verifier := auth.NewVerifier(pgStore, coordStore)
	for _, key := range cfg.Auth.StaticKeys {
		principal := &domain.Principal{ID: key.PrincipalID, Name: key.PrincipalName}
		if err := pgStore.EnsurePrincipal(ctx, principal); err != nil {
			return fmt.Errorf("seed principal %s: %w", key.PrincipalID, err)
		}
		verifier.AddStaticKey(key.Token, principal)
	}

	handlers := &api.Handlers{
		Actors:   service.NewActorService(pgStore),
		Runs:     service.NewRunService(pgStore, blobs, notifier),
		Datasets: service.NewDatasetService(pgStore, blobs),
		KeyValue: service.NewKeyValueService(pgStore, blobs),
		Queues:   service.NewQueueService(pgStore, coordStore),
		Ring:     ring,
		Verifier: verifier,
	}

	orch := orchestrator.New(pgStore, dockerRT, ring, notifier, coordStore, orchestrator.Config{
		Workers:           cfg.Orchestrator.Workers,
		MaxConcurrentRuns: cfg.Orchestrator.MaxConcurrentRuns,
		PollInterval:      cfg.Orchestrator.PollInterval,
		JanitorInterval:   cfg.Orchestrator.JanitorInterval,
		OrphanGrace:       cfg.Orchestrator.OrphanGrace,
		StopGrace:         cfg.Docker.StopTimeout,
		BaseURL:           cfg.Daemon.PublicBaseURL,
		StorageDir:        cfg.Docker.StorageDir,
	})
	orch.Start()
	defer orch.Stop()

	server := &http.Server{
		Addr:    cfg.Daemon.HTTPAddr,
		Handler: api.Router(handlers),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("http server listening", "addr", cfg.Daemon.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logging.Op().Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("http shutdown incomplete", "error", err)
	}
	return nil
}
