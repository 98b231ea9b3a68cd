// Cloud IDE orchestrator server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Nu11ified/code-spectre-sub000/internal/api"
	"github.com/Nu11ified/code-spectre-sub000/internal/config"
	"github.com/Nu11ified/code-spectre-sub000/internal/container"
	"github.com/Nu11ified/code-spectre-sub000/internal/monitoring"
	"github.com/Nu11ified/code-spectre-sub000/internal/proxy"
	"github.com/Nu11ified/code-spectre-sub000/internal/recovery"
	"github.com/Nu11ified/code-spectre-sub000/internal/security"
	"github.com/Nu11ified/code-spectre-sub000/internal/session"
	"github.com/Nu11ified/code-spectre-sub000/internal/store"
	"github.com/Nu11ified/code-spectre-sub000/internal/vcs"
)

// Exit codes: 0 normal shutdown, 1 configuration error, 2 runtime
// initialization failure, 3 critical unhandled error.
const (
	exitConfigError  = 1
	exitRuntimeError = 2
	exitCritical     = 3
)

const sessionCleanupInterval = 5 * time.Minute

// runtimeSampler feeds the monitoring collector from the container manager.
type runtimeSampler struct {
	mgr *container.Manager
}

func (s *runtimeSampler) SampleContainers(ctx context.Context) (monitoring.ContainerCounts, error) {
	managed, err := s.mgr.Sessions(ctx)
	if err != nil {
		return monitoring.ContainerCounts{}, err
	}
	counts := monitoring.ContainerCounts{Total: len(managed)}
	for _, c := range managed {
		switch c.State {
		case "running":
			counts.Running++
		case "exited", "created":
			counts.Stopped++
		default:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *runtimeSampler) SampleSessions(ctx context.Context) (monitoring.SessionCounts, error) {
	managed, err := s.mgr.Sessions(ctx)
	if err != nil {
		return monitoring.SessionCounts{}, err
	}
	counts := monitoring.SessionCounts{Total: len(managed)}
	var totalAge time.Duration
	now := time.Now()
	for _, c := range managed {
		if c.State == "running" {
			counts.Active++
		}
		if !c.CreatedAt.IsZero() {
			totalAge += now.Sub(c.CreatedAt)
		}
	}
	if len(managed) > 0 {
		counts.AvgDuration = totalAge / time.Duration(len(managed))
	}
	return counts, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitConfigError)
	}
	slog.Info("Starting orchestrator", "port", cfg.Port, "domain", cfg.Domain)

	dbPath := cfg.DatabaseURL
	if dbPath == "" {
		dbPath = "./data/orchestrator.db"
	}
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(exitRuntimeError)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(exitRuntimeError)
	}
	slog.Info("Database connected", "path", dbPath)

	engine := security.NewEngine(security.EngineConfig{
		Limits: security.Limits{
			MemoryLimit: cfg.DefaultMemoryLimit,
			CPULimit:    cfg.DefaultCPULimit,
			DiskQuota:   cfg.MaxDiskPerContainer,
		},
		OnEscalation: func(userID int64, count int) {
			slog.Warn("User crossed the violation threshold",
				"user_id", userID, "violations", count)
		},
	})

	provider := vcs.NewProvider(cfg.GitBaseDir)

	registrar := proxy.NewRegistrar(proxy.Config{
		Domain:          cfg.Domain,
		EnableTLS:       cfg.EnableTLS,
		EnableDashboard: cfg.TraefikDashboard,
		IsolatedNetwork: "cloud-ide-isolated",
	})

	mgr, err := container.NewManager(cfg.DockerSocketPath, container.Settings{
		Image:           cfg.CodeServerImage,
		NetworkName:     cfg.DockerNetworkName,
		IsolatedNetwork: "cloud-ide-isolated",
		MaxContainers:   cfg.MaxContainers,
		MemoryLimit:     cfg.DefaultMemoryLimit,
		CPULimit:        cfg.DefaultCPULimit,
		SessionTimeout:  cfg.SessionTimeout,
	}, engine, registrar, repo)
	if err != nil {
		slog.Error("Failed to initialize container manager", "error", err)
		os.Exit(exitRuntimeError)
	}
	if err := mgr.EnsureNetworks(context.Background()); err != nil {
		slog.Error("Failed to ensure container networks", "error", err)
		os.Exit(exitRuntimeError)
	}
	slog.Info("Container networks ready",
		"main", cfg.DockerNetworkName, "isolated", "cloud-ide-isolated")

	registry := prometheus.NewRegistry()
	collector := monitoring.NewCollector(&runtimeSampler{mgr: mgr}, registry)

	hub := session.NewHub()
	sessions := session.NewManager(mgr, provider, repo, collector, registrar, hub, session.Config{
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		ExtensionsPath:     cfg.ExtensionsPath,
	})

	recoverer := recovery.NewService(mgr, sessions, provider)
	collector.OnFailure(recoverer.HandleFailure)

	router := api.NewRouter(api.Deps{
		Sessions:     api.NewSessionHandler(sessions, repo),
		Repositories: api.NewRepositoryHandler(repo, provider, repo),
		Validate:     api.NewValidateHandler(engine, repo),
		Admin:        api.NewAdminHandler(sessions, recoverer, collector),
		Health:       api.NewHealthHandler(repo, collector),
		Events:       api.NewEventsHandler(hub),
		Recorder:     collector,
		Registry:     registry,
		CORSOrigin:   []string{"*"},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket event stream needs long-lived writes
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go collector.Run(ctx)
	go mgr.RunCleanupLoop(ctx)
	go recoverer.Run(ctx)
	go func() {
		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := sessions.CleanupInactiveSessions(ctx); err != nil {
					slog.Error("Inactive session cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("Inactive sessions cleaned up", "count", n)
				}
			}
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		slog.Error("Server failed", "error", err)
		os.Exit(exitCritical)
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	sessions.Shutdown(shutdownCtx)

	slog.Info("Server stopped successfully")
}
