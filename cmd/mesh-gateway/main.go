package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meshsight/mesh-gateway/internal/codec"
	"github.com/meshsight/mesh-gateway/internal/config"
	"github.com/meshsight/mesh-gateway/internal/db"
	"github.com/meshsight/mesh-gateway/internal/geo"
	gwhttp "github.com/meshsight/mesh-gateway/internal/http"
	"github.com/meshsight/mesh-gateway/internal/ingest"
	"github.com/meshsight/mesh-gateway/internal/maintenance"
	"github.com/meshsight/mesh-gateway/internal/mapview"
	"github.com/meshsight/mesh-gateway/internal/metrics"
	"github.com/meshsight/mesh-gateway/internal/mqtt"
	"github.com/meshsight/mesh-gateway/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mesh-gateway <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the gateway (MQTT ingest, API, scheduler)")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run the rollup and retention jobs once")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Log.Level = logLevelOverride
	}

	logger := initLogger(cfg.Log.Level)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func storeParams(cfg *config.Config) store.Params {
	return store.Params{
		MaxPrecisionBits:       cfg.Meshtastic.Position.MaxPrecisionBits,
		PositionMaxQueryPeriod: time.Duration(cfg.Meshtastic.Position.MaxQueryPeriod) * time.Hour,
		NeighborMaxQueryPeriod: time.Duration(cfg.Meshtastic.NeighborInfo.MaxQueryPeriod) * time.Hour,
	}
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting mesh-gateway",
		zap.String("http_listen", cfg.HTTP.Listen),
		zap.String("timezone", cfg.Timezone),
		zap.Int("mqtt_clients", len(cfg.MQTT.Client)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Refuse to run against a stale schema.
	pending, err := db.PendingMigrations(ctx, pool, migrationsDir(), logger.Named("db"))
	if err != nil {
		logger.Fatal("failed to check migrations", zap.Error(err))
	}
	if pending > 0 {
		logger.Fatal("database schema is behind, run `mesh-gateway migrate` first",
			zap.Int("pending", pending))
	}

	loc := cfg.Location()
	repo := store.NewRepo(pool, storeParams(cfg), logger.Named("store"))

	// --- Ingest pipeline ---
	dec := codec.NewDecoder(cfg.ChannelKeys(), logger.Named("codec"))
	pipeline := ingest.NewPipeline(dec, repo, logger.Named("ingest"))

	supervisor := mqtt.NewSupervisor(cfg.MQTT.Client, pipeline, logger.Named("mqtt"))
	supervisor.Start(ctx)

	logger.Info("mqtt ingest started", zap.Int("clients", len(cfg.MQTT.Client)))

	// --- Map derivation ---
	cache, err := mapview.NewCache(cfg.Map.CacheEntries, logger.Named("map"))
	if err != nil {
		logger.Fatal("failed to build map cache", zap.Error(err))
	}
	builder := mapview.NewBuilder(repo, cache, cfg.Meshtastic.NeighborInfo.MaxDistance, loc, logger.Named("map"))

	// --- Maintenance scheduler ---
	scheduler := maintenance.NewScheduler(repo, cache, logger.Named("maintenance"))
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// --- HTTP server ---
	resolver := geo.NewNominatim("", logger.Named("geo"))
	api := gwhttp.NewAPI(repo, builder, resolver, gwhttp.Settings{
		PositionMaxQueryPeriod:     cfg.Meshtastic.Position.MaxQueryPeriod,
		NeighborInfoMaxQueryPeriod: cfg.Meshtastic.NeighborInfo.MaxQueryPeriod,
	}, loc, logger.Named("http"))

	httpServer := gwhttp.NewServer(cfg.HTTP.Listen, pool, supervisor, api, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("gateway started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first, then drain the upstream side.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	supervisor.Close()
	scheduler.Stop()
	cancel()

	logger.Info("mesh-gateway stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running maintenance jobs",
		zap.Int("position_max_query_period_hours", cfg.Meshtastic.Position.MaxQueryPeriod),
		zap.Int("neighborinfo_max_query_period_hours", cfg.Meshtastic.NeighborInfo.MaxQueryPeriod),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	repo := store.NewRepo(pool, storeParams(cfg), logger.Named("store"))
	scheduler := maintenance.NewScheduler(repo, nil, logger)
	if err := scheduler.RunOnce(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value form: blank out the password pair
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
