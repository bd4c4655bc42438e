package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/config"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/db"
	"github.com/studysync/syncengine/internal/httpapi"
	"github.com/studysync/syncengine/internal/service/syncservice"
	"github.com/studysync/syncengine/internal/store"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (YAML)")
	devMode    = flag.Bool("dev", false, "Enable development mode (uses X-Debug-Sub header)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("sync server failed")
	}
	log.Info().Msg("server stopped")
}

// loadConfig loads file and environment configuration, then applies flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *devMode {
		cfg.Env = "dev"
		cfg.Auth.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setupLogging configures the global logger
func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	// Pretty logging for local dev
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "syncengine").Logger()
}

// openStore returns Postgres when a database is configured, otherwise the
// in-memory store. The returned func releases the connection pool.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Auth.DevMode {
		log.Warn().Msg("Dev mode is enabled - X-Debug-Sub header is accepted as identity")
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rules := conflict.DefaultRules()
	if cfg.RulesFile != "" {
		if rules, err = conflict.LoadRulesFile(cfg.RulesFile); err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
	}
	log.Info().Int("rulesVersion", rules.Version()).Msg("content-aware rules loaded")

	if cfg.WatchRules && cfg.RulesFile != "" {
		if _, err := conflict.WatchRulesFile(ctx, cfg.RulesFile, rules); err != nil {
			return fmt.Errorf("watch rules: %w", err)
		}
		log.Info().Str("path", cfg.RulesFile).Msg("watching rules file for changes")
	}

	svc := syncservice.New(st, conflict.NewEngine(rules))
	svc.PageLimit = cfg.ChangesPageLimit

	buckets := httpapi.NewMemoryBucketStore()
	go buckets.Run(ctx, time.Minute)

	srv := &httpapi.Server{
		Sync: svc,
		RateLimitConfig: httpapi.RateLimitInfo{
			WindowSeconds: cfg.RateLimit.WindowSeconds,
			MaxRequests:   cfg.RateLimit.MaxRequests,
			Burst:         cfg.RateLimit.Burst,
		},
		Buckets: buckets,
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret:       cfg.Auth.JWTSecret,
		Issuer:            cfg.Auth.Issuer,
		AcceptedAudiences: cfg.Auth.Audiences,
		DevMode:           cfg.Auth.DevMode,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	return nil
}
