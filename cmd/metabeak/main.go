// Package main is the Pardalotus Metabeak operator CLI: it loads handlers
// and events, drives the Handler Execution Engine, and can boot the
// engine's health/readiness surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pardalotus/metabeak/internal/api"
	"github.com/pardalotus/metabeak/internal/config"
	"github.com/pardalotus/metabeak/internal/engine"
	"github.com/pardalotus/metabeak/internal/handler"
	"github.com/pardalotus/metabeak/internal/jsengine"
	"github.com/pardalotus/metabeak/internal/loader"
	"github.com/pardalotus/metabeak/internal/storage"
)

const (
	appName    = "metabeak"
	appVersion = "0.1.0-dev"

	exitOK             = 0
	exitStartupFailure = 1
	exitRuntimeFailure = 2

	defaultLoaderOwnerID = 0
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type cliFlags struct {
	version       bool
	configPath    string
	loadHandlers  string
	loadEvents    string
	fetchCrossref bool
	extract       bool
	execute       bool
	executeOne    bool
	api           bool
	resetHandler  int64
	ownerID       int64
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	f := &cliFlags{}
	fs.BoolVar(&f.version, "version", false, "show version information")
	fs.StringVar(&f.configPath, "config", "", "path to an optional operator YAML config file")
	fs.StringVar(&f.loadHandlers, "load-handlers", "", "load every *.js file under this directory as a handler")
	fs.StringVar(&f.loadEvents, "load-events", "", "load every *.json file under this directory as events")
	fs.BoolVar(&f.fetchCrossref, "fetch-crossref", false, "delegated to the external Crossref source adapter")
	fs.BoolVar(&f.extract, "extract", false, "delegated to the external Event Analyzer")
	fs.BoolVar(&f.execute, "execute", false, "run the engine until shutdown")
	fs.BoolVar(&f.executeOne, "execute-one", false, "process at most one batch then exit")
	fs.BoolVar(&f.api, "api", false, "run the health/readiness server (mutually exclusive with -execute)")
	fs.Int64Var(&f.resetHandler, "reset-handler", 0, "admin: reset a Broken handler id back to Enabled")
	fs.Int64Var(&f.ownerID, "owner-id", defaultLoaderOwnerID, "owner id recorded on handlers inserted via -load-handlers")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if f.execute && f.api {
		return nil, errors.New("-execute and -api are mutually exclusive")
	}

	return f, nil
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitStartupFailure
	}

	if flags.version {
		fmt.Printf("%s v%s\n", appName, appVersion)

		return exitOK
	}

	opCfg, err := config.LoadOperatorConfig(flags.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitStartupFailure
	}

	logger := newLogger(opCfg)
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))

	conn, err := openStorage(opCfg, logger)
	if err != nil {
		logger.Error("startup failed: cannot reach database", slog.String("error", err.Error()))

		return exitStartupFailure
	}
	defer conn.Close()

	return dispatch(flags, opCfg, conn, logger)
}

func newLogger(opCfg *config.OperatorConfig) *slog.Logger {
	level := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	switch opCfg.LogLevelOrDefault("") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func openStorage(opCfg *config.OperatorConfig, logger *slog.Logger) (*storage.Connection, error) {
	storageCfg := storage.LoadConfig()

	if opCfg.DatabaseURL != "" {
		storageCfg = storageCfg.WithDatabaseURL(opCfg.DatabaseURL)
	}

	if err := storageCfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}

	logger.Info("connecting to database", slog.String("database_url", storageCfg.MaskDatabaseURL()))

	conn, err := storage.NewConnection(storageCfg)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func dispatch(flags *cliFlags, opCfg *config.OperatorConfig, conn *storage.Connection, logger *slog.Logger) int {
	handlers := storage.NewHandlerStore(conn, logger)

	if flags.fetchCrossref {
		logger.Info("fetch-crossref is handled by an external source adapter process; nothing to do here")
	}

	if flags.extract {
		logger.Info("extract is handled by the external Event Analyzer process; nothing to do here")
	}

	if flags.resetHandler != 0 {
		if err := handlers.ResetBroken(context.Background(), flags.resetHandler); err != nil {
			logger.Error("reset-handler failed", slog.Int64("handler_id", flags.resetHandler), slog.String("error", err.Error()))

			return exitRuntimeFailure
		}

		logger.Info("handler reset to Enabled", slog.Int64("handler_id", flags.resetHandler))
	}

	if flags.loadHandlers != "" {
		if code := runLoadHandlers(flags, handlers, logger); code != exitOK {
			return code
		}
	}

	if flags.loadEvents != "" {
		if code := runLoadEvents(flags, conn, logger); code != exitOK {
			return code
		}
	}

	switch {
	case flags.execute:
		return runExecute(opCfg, conn, logger, false)
	case flags.executeOne:
		return runExecute(opCfg, conn, logger, true)
	case flags.api:
		return runAPI(opCfg, conn, logger)
	}

	return exitOK
}

func runLoadHandlers(flags *cliFlags, handlers handler.Store, logger *slog.Logger) int {
	adapter, err := jsengine.NewAdapter(jsengine.Config{})
	if err != nil {
		logger.Error("load-handlers: cannot create compile-check isolate", slog.String("error", err.Error()))

		return exitStartupFailure
	}
	defer adapter.Close()

	result, err := loader.LoadHandlers(context.Background(), flags.loadHandlers, int32(flags.ownerID), handlers, adapter, logger)
	if err != nil {
		logger.Error("load-handlers failed", slog.String("error", err.Error()))

		return exitRuntimeFailure
	}

	logger.Info("load-handlers complete",
		slog.Int("inserted", result.Inserted),
		slog.Int("reused", result.Reused),
		slog.Int("rejected", result.Rejected),
	)

	return exitOK
}

func runLoadEvents(flags *cliFlags, conn *storage.Connection, logger *slog.Logger) int {
	events := storage.NewEventStore(conn, logger)

	result, err := loader.LoadEvents(context.Background(), flags.loadEvents, events, logger)
	if err != nil {
		logger.Error("load-events failed", slog.String("error", err.Error()))

		return exitRuntimeFailure
	}

	logger.Info("load-events complete",
		slog.Int("inserted", result.Inserted),
		slog.Int("rejected", result.Rejected),
	)

	return exitOK
}

func runExecute(opCfg *config.OperatorConfig, conn *storage.Connection, logger *slog.Logger, once bool) int {
	queue := storage.NewQueueStore(conn, logger)
	results := storage.NewResultStore(conn, logger)
	handlers := storage.NewHandlerStore(conn, logger)

	orch, err := engine.New(queue, results, handlers, engineConfig(opCfg), logger)
	if err != nil {
		logger.Error("startup failed: cannot build orchestrator", slog.String("error", err.Error()))

		return exitStartupFailure
	}
	defer orch.Close()

	if once {
		if err := orch.RunOnce(context.Background()); err != nil {
			logger.Error("execute-one failed", slog.String("error", err.Error()))

			return exitRuntimeFailure
		}

		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(orch.RunForGroup(groupCtx))

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped with error", slog.String("error", err.Error()))

		return exitRuntimeFailure
	}

	return exitOK
}

func runAPI(opCfg *config.OperatorConfig, conn *storage.Connection, logger *slog.Logger) int {
	serverCfg := api.LoadServerConfig()

	if opCfg.APIHost != "" {
		serverCfg.Host = opCfg.APIHost
	}

	if opCfg.APIPort != 0 {
		serverCfg.Port = opCfg.APIPort
	}

	server := api.NewServer(&serverCfg, conn, logger)

	if err := server.Start(); err != nil {
		logger.Error("api server failed", slog.String("error", err.Error()))

		return exitRuntimeFailure
	}

	return exitOK
}

func engineConfig(opCfg *config.OperatorConfig) engine.Config {
	cfg := engine.Config{
		WorkerCount:      config.GetEnvInt("METABEAK_WORKERS", 0),
		BatchSize:        config.GetEnvInt("METABEAK_BATCH_SIZE", 0),
		PollInterval:     config.GetEnvDuration("METABEAK_POLL_INTERVAL", 0),
		ShutdownTimeout:  config.GetEnvDuration("METABEAK_SHUTDOWN_TIMEOUT", 0),
		CachePerWorker:   config.GetEnvInt("METABEAK_CACHE_PER_WORKER", 0),
		FailureThreshold: config.GetEnvInt("METABEAK_FAILURE_THRESHOLD", 0),
		JSEngine: jsengine.Config{
			MaxSourceBytes:    config.GetEnvInt("METABEAK_MAX_SOURCE_BYTES", 0),
			InvocationTimeout: config.GetEnvDuration("METABEAK_INVOCATION_TIMEOUT", 0),
			HeapLimitBytes:    uint64(config.GetEnvInt64("METABEAK_HEAP_LIMIT_BYTES", 0)),
		},
	}

	if opCfg == nil {
		return cfg
	}

	if opCfg.Workers != 0 {
		cfg.WorkerCount = opCfg.Workers
	}

	if opCfg.BatchSize != 0 {
		cfg.BatchSize = opCfg.BatchSize
	}

	if opCfg.PollInterval != 0 {
		cfg.PollInterval = opCfg.PollInterval
	}

	if opCfg.ShutdownTimeout != 0 {
		cfg.ShutdownTimeout = opCfg.ShutdownTimeout
	}

	if opCfg.CachePerWorker != 0 {
		cfg.CachePerWorker = opCfg.CachePerWorker
	}

	if opCfg.FailureThreshold != 0 {
		cfg.FailureThreshold = opCfg.FailureThreshold
	}

	if opCfg.InvocationTimeout != 0 {
		cfg.JSEngine.InvocationTimeout = opCfg.InvocationTimeout
	}

	if opCfg.HeapLimitBytes != 0 {
		cfg.JSEngine.HeapLimitBytes = opCfg.HeapLimitBytes
	}

	if opCfg.MaxSourceBytes != 0 {
		cfg.JSEngine.MaxSourceBytes = opCfg.MaxSourceBytes
	}

	return cfg
}
