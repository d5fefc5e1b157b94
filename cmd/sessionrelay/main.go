package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/sessionrelay/internal/arbiter"
	"github.com/agentworkforce/sessionrelay/internal/identity"
	"github.com/agentworkforce/sessionrelay/internal/registry"
	"github.com/agentworkforce/sessionrelay/internal/relay"
	"github.com/agentworkforce/sessionrelay/internal/store"
	"github.com/agentworkforce/sessionrelay/internal/syncengine"
)

func main() {
	logger := buildLogger()
	slog.SetDefault(logger)

	addr := os.Getenv("SESSIONRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	projectsDir := strings.TrimSpace(os.Getenv("SESSIONRELAY_PROJECTS_DIR"))
	if projectsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Error("cannot determine home directory, set SESSIONRELAY_PROJECTS_DIR", "error", err)
			os.Exit(1)
		}
		projectsDir = filepath.Join(home, ".claude", "projects")
	}

	reg := registry.NewClient(registry.ClientOptions{
		BaseURL:       os.Getenv("SESSIONRELAY_REGISTRY_URL"),
		ServiceName:   envOr("SESSIONRELAY_SERVICE_NAME", "sessionrelay"),
		Address:       envOr("SESSIONRELAY_ADVERTISE_ADDR", addr),
		StaticAddress: envOr("SESSIONRELAY_STORE_ADDR", os.Getenv("SESSIONRELAY_POSTGRES_DSN")),
		TTL:           durationEnv("SESSIONRELAY_REGISTRY_TTL", 30*time.Second),
		Logger:        logger,
	})

	st, err := buildStoreFromEnv(reg)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var hub *relay.Hub
	engine, err := syncengine.New(st, identity.NewResolver(), syncengine.Options{
		Root:        projectsDir,
		StateFile:   os.Getenv("SESSIONRELAY_STATE_FILE"),
		ParkedFile:  os.Getenv("SESSIONRELAY_PARKED_FILE"),
		BatchSize:   intEnv("SESSIONRELAY_BATCH_SIZE", 0),
		MaxWorkers:  int64(intEnv("SESSIONRELAY_MAX_WORKERS", 0)),
		MaxAttempts: intEnv("SESSIONRELAY_MAX_ATTEMPTS", 0),
		BaseDelay:   durationEnv("SESSIONRELAY_RETRY_DELAY", 0),
		MaxDelay:    durationEnv("SESSIONRELAY_MAX_RETRY_DELAY", 0),
		OnMessage: func(sessionID string, msg store.Message) {
			if hub != nil {
				hub.PublishMessage(sessionID, msg)
			}
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialize sync engine", "error", err)
		os.Exit(1)
	}
	hub = relay.NewHub(relay.HubOptions{
		Buffer: intEnv("SESSIONRELAY_VIEWER_BUFFER", 0),
		Live:   engine,
		Stale:  engine,
	})
	arb := arbiter.New(hub.PublishModeChange)
	server, err := relay.NewServer(hub, arb, relay.ServerConfig{
		WriteTimeout:   durationEnv("SESSIONRELAY_WS_WRITE_TIMEOUT", 0),
		AllowedOrigins: splitList(os.Getenv("SESSIONRELAY_ALLOWED_ORIGINS")),
		OnSend: func(ctx context.Context, sessionID, viewerID, text string) error {
			logger.Info("remote input accepted", "session", sessionID, "viewer", viewerID, "bytes", len(text))
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialize relay server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start sync engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	reg.Register(ctx)
	go reg.RenewLoop(ctx)
	defer func() {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Unregister(unregCtx)
	}()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("sessionrelay listening", "addr", addr, "projects", projectsDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SESSIONRELAY_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if strings.EqualFold(os.Getenv("SESSIONRELAY_LOG_FORMAT"), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildStoreFromEnv picks the persistence backend. With a registry
// configured the store's address is resolved through it on every
// operation, so a relocated store service is picked up without a restart;
// the registry client falls back to the static address (or the DSN) when
// no registry entry exists.
func buildStoreFromEnv(endpoints store.EndpointSource) (store.Store, error) {
	if strings.TrimSpace(os.Getenv("SESSIONRELAY_REGISTRY_URL")) != "" {
		service := envOr("SESSIONRELAY_STORE_SERVICE", "sessionstore")
		return store.NewResolvedStore(endpoints, service, openStoreAddress)
	}
	dsn := strings.TrimSpace(os.Getenv("SESSIONRELAY_POSTGRES_DSN"))
	if dsn != "" {
		return store.NewPostgresStore(dsn)
	}
	return store.NewMemoryStore(), nil
}

// openStoreAddress treats a resolved address as a Postgres DSN. The
// sentinel "memory" keeps the in-process store for development setups.
func openStoreAddress(address string) (store.Store, error) {
	if address == "" || address == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(address)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env var, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
