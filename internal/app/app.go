// Package app wires the process: configuration from the environment,
// the persistence and relay backends, the hub, the reaper, and the
// HTTP server with graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	server "relicrace/server"
	"relicrace/server/internal/auth"
	"relicrace/server/internal/gamedata"
	servernet "relicrace/server/internal/net"
	"relicrace/server/internal/relay"
	"relicrace/server/internal/seed"
	"relicrace/server/internal/store"
	"relicrace/server/internal/telemetry"
	"relicrace/server/logging"
	loggingSinks "relicrace/server/logging/sinks"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	RedisAddr      string
	GameDataPath   string
	LogSinks       []string
	LogFilePath    string
	AuthTimeout    time.Duration
	ReaperInterval time.Duration
	Inactivity     time.Duration
}

// ConfigFromEnv loads .env (if present) and reads the environment.
func ConfigFromEnv(logger telemetry.Logger) Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf("skipping .env: %v", err)
	}

	cfg := Config{
		Addr:         envOr("ADDR", ":8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		GameDataPath: os.Getenv("GAMEDATA_PATH"),
		LogFilePath:  os.Getenv("LOG_FILE"),
	}
	if raw := os.Getenv("LOG_SINKS"); raw != "" {
		cfg.LogSinks = splitCSV(raw)
	}
	cfg.AuthTimeout = envDuration(logger, "AUTH_TIMEOUT_SECONDS", 0)
	cfg.ReaperInterval = envDuration(logger, "REAPER_INTERVAL_SECONDS", 0)
	cfg.Inactivity = envDuration(logger, "INACTIVITY_TIMEOUT_SECONDS", 0)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(logger telemetry.Logger, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		logger.Printf("invalid %s=%q, using default", key, raw)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func splitCSV(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if part := raw[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

// Run starts the server and blocks until the context is cancelled or a
// termination signal arrives.
func Run(ctx context.Context) error {
	telemetryLogger := telemetry.WrapLogger(log.Default())
	cfg := ConfigFromEnv(telemetryLogger)

	logConfig := logging.DefaultConfig()
	if len(cfg.LogSinks) > 0 {
		logConfig.EnabledSinks = cfg.LogSinks
	}
	sinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	if logConfig.HasSink("json") && cfg.LogFilePath != "" {
		logFile, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		sinks = append(sinks, logging.NamedSink{
			Name: "json",
			Sink: loggingSinks.NewJSON(logFile, logConfig.JSON.FlushInterval),
		})
	}
	router, err := logging.NewRouter(logConfig, logging.SystemClock{}, sinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	// Static zone tables are a hard requirement; without them the zone
	// resolver cannot answer anything.
	var index *gamedata.Index
	if cfg.GameDataPath != "" {
		index, err = gamedata.Load(cfg.GameDataPath)
	} else {
		index, err = gamedata.Load(gamedata.DefaultPaths()...)
	}
	if err != nil {
		return fmt.Errorf("load gamedata tables: %w", err)
	}
	telemetryLogger.Printf("gamedata loaded: %d graces, %d maps", index.GraceCount(), index.MapCount())

	var (
		raceStore store.Store
		seedStore seed.Store
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		pg := store.NewPG(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure race schema: %w", err)
		}
		seedPG := seed.NewPGStore(pool)
		if err := seedPG.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure seed schema: %w", err)
		}
		raceStore = pg
		seedStore = seed.NewCachedStore(seedPG)
	} else {
		telemetryLogger.Printf("DATABASE_URL not set, using in-memory store")
		raceStore = store.NewMemory()
		seedStore = seed.NewMemoryStore()
	}

	var mirror relay.Mirror
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		mirror = relay.NewRedisMirror(client, "", telemetryLogger)
		telemetryLogger.Printf("broadcast relay enabled via %s", cfg.RedisAddr)
	}

	hubCfg := server.DefaultHubConfig()
	hubCfg.Logger = telemetryLogger
	if cfg.AuthTimeout > 0 {
		hubCfg.AuthTimeout = cfg.AuthTimeout
	}
	if cfg.ReaperInterval > 0 {
		hubCfg.ReaperInterval = cfg.ReaperInterval
	}
	if cfg.Inactivity > 0 {
		hubCfg.InactivityTimeout = cfg.Inactivity
	}

	hub := server.NewHub(hubCfg, server.HubDeps{
		Store:     raceStore,
		Seeds:     seedStore,
		GameData:  index,
		Publisher: router,
		Mirror:    mirror,
	})
	hub.Start()

	reaper := server.NewReaper(hub)
	reaper.Start()
	defer reaper.Stop()

	authenticator := auth.NewTokenAuthenticator(raceStore)
	handler := servernet.NewHTTPHandler(hub, authenticator, servernet.HandlerConfig{
		Logger:    telemetryLogger,
		Publisher: router,
	})

	srv := &nethttp.Server{Addr: cfg.Addr, Handler: handler}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		telemetryLogger.Printf("server listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-signalCtx.Done():
	}

	telemetryLogger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("http shutdown: %v", err)
	}
	if err := hub.Stop(shutdownCtx); err != nil {
		telemetryLogger.Printf("hub shutdown: %v", err)
	}
	return nil
}
