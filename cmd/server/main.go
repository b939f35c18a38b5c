// Aura - companion server for the Aura tutoring service
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/aura-client/internal/api"
	"github.com/ashureev/aura-client/internal/config"
	"github.com/ashureev/aura-client/internal/conversation"
	"github.com/ashureev/aura-client/internal/federated"
	"github.com/ashureev/aura-client/internal/gateway"
	"github.com/ashureev/aura-client/internal/guard"
	"github.com/ashureev/aura-client/internal/identity"
	"github.com/ashureev/aura-client/internal/middleware"
	"github.com/ashureev/aura-client/internal/session"
	"github.com/ashureev/aura-client/internal/store"
	"github.com/ashureev/aura-client/internal/timeline"
	"github.com/ashureev/aura-client/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		slog.Warn("Unknown LOG_LEVEL, using info", "log_level", cfg.LogLevel)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "storage", cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()
	slog.Info("Storage connected", "backend", cfg.Storage.Backend)

	var opts []gateway.Option
	if cfg.AgentAddr != "" {
		probe, err := gateway.NewAgentProbe(gateway.AgentProbeConfig{
			Address: cfg.AgentAddr,
			Service: cfg.AgentService,
		}, logger)
		if err != nil {
			slog.Warn("Failed to create agent probe, agent status will be unknown", "error", err)
		} else {
			defer probe.Close()
			readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := probe.WaitForReady(readyCtx); err != nil {
				slog.Warn("Agent service not ready yet", "address", cfg.AgentAddr, "error", err)
			}
			cancel()
			opts = append(opts, gateway.WithAgentProbe(probe))
		}
	}

	gw, err := gateway.New(gateway.Config{
		BaseURL:           cfg.APIBaseURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
		Engine:            cfg.Engine,
	}, logger, opts...)
	if err != nil {
		slog.Error("Failed to initialize gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	if !gw.HealthCheck(ctx) {
		slog.Warn("Tutoring service is not reachable yet", "base_url", cfg.APIBaseURL)
	}

	limiter := guard.NewLimiter()
	limiter.StartEviction(ctx, cfg.Rate.MessageWindow)
	g := guard.New(limiter, guard.Policy{Max: cfg.Rate.MessageMax, Window: cfg.Rate.MessageWindow})

	rec := timeline.New(gw, logger)
	sess := session.New(ctx, gw, kv, g, logger)
	rec.SetIdentity(sess.IdentityID())
	sess.OnChange(func(c session.Change) {
		rec.SetIdentity(c.IdentityID)
	})

	conv := conversation.New(g, rec, gw, sess, logger)
	defer conv.Close()

	var provider *federated.Provider
	if cfg.FederatedEnabled() {
		provider, err = federated.New(federated.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize federated sign-in", "error", err)
			os.Exit(1)
		}
		slog.Info("Federated sign-in enabled")
	}

	handler := api.NewHandler(api.Deps{
		Session:      sess,
		Timeline:     rec,
		Conversation: conv,
		Status:       gw,
		Federated:    provider,
		HistoryLimit: cfg.HistoryLimit,
		FrontendURL:  cfg.FrontendURL,
		Logger:       logger,
	})

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(sess))

	handler.RegisterRoutes(r)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// No WriteTimeout: /ws/timeline connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openStore(ctx context.Context, cfg *config.Config) (store.KV, error) {
	var (
		kv  store.KV
		err error
	)
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		kv, err = store.NewRedis(cfg.Storage.RedisURL)
	case config.StorageMemory:
		kv = store.NewMemory()
	default:
		kv, err = store.NewSQLite(cfg.Storage.DBPath)
	}
	if err != nil {
		return nil, err
	}

	if err := kv.Ping(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("storage health check: %w", err)
	}
	return kv, nil
}
