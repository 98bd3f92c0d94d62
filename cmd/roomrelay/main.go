package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/roomrelay/internal/config"
	"github.com/basket/roomrelay/internal/gateway"
	otelPkg "github.com/basket/roomrelay/internal/otel"
	"github.com/basket/roomrelay/internal/registry"
	"github.com/basket/roomrelay/internal/retention"
	"github.com/basket/roomrelay/internal/room"
	"github.com/basket/roomrelay/internal/store"
	"github.com/basket/roomrelay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                      Run the relay server
  %s status               Check server health (/healthz)
  %s version              Print version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ROOMRELAY_HOME              Data directory (default: ~/.roomrelay)
  ROOMRELAY_BIND_ADDR         Listen address (overrides config.yaml)
  ROOMRELAY_STORAGE_PATH      SQLite path, or ":memory:"
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Mirror logs to stdout only when attached to a terminal; under a
	// supervisor the jsonl file is the source of truth.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("ROOMRELAY_LOG_STDOUT") == ""

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := store.Open(cfg.StoragePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "storage", cfg.StoragePath)

	reg := registry.New(cfg.RoomCacheSize,
		func(openCtx context.Context, pairID string) (*room.Room, error) {
			return room.Open(openCtx, pairID, st, cfg.EventBufferSize, logger)
		},
		logger,
		registry.WithEvictHook(func(string) {
			metrics.RoomEvictions.Add(context.Background(), 1)
		}),
	)

	gw := gateway.New(gateway.Config{
		Registry: reg,
		Store:    st,
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
		CardName: cfg.CardName,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config changed; restart to apply", "path", ev.Path)
		}
	}()

	if cfg.Retention.Days > 0 {
		sweeper, err := retention.NewSweeper(retention.Config{
			Store:    st,
			Logger:   logger,
			Schedule: cfg.Retention.Schedule,
			Days:     cfg.Retention.Days,
		})
		if err != nil {
			fatalStartup(logger, "E_RETENTION_INIT", err)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; in-flight requests and SSE streams get the drain
	// window to finish, then the store closes via defer.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"relay","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
