// Command fsmd runs a standalone machine registry fronted by the HTTP
// gateway and, optionally, a NATS ingress.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pialmmh/statemachine-sub005/pkg/config"
	"github.com/pialmmh/statemachine-sub005/pkg/core"
	"github.com/pialmmh/statemachine-sub005/pkg/fsm"
	"github.com/pialmmh/statemachine-sub005/pkg/gateway"
	"github.com/pialmmh/statemachine-sub005/pkg/observability/prometheus"
	"github.com/pialmmh/statemachine-sub005/pkg/observability/tracing"
)

func main() {
	configPath := flag.String("config", "fsmd.yaml", "path to the registry config file")
	debugLog := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := core.LevelInfo
	if *debugLog {
		level = core.LevelDebug
	}
	logger := core.NewLeveledLogger(level)

	if err := run(*configPath, logger); err != nil {
		logger.Errorf("fsmd: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, logger core.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tp, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warnf("tracing shutdown: %v", err)
		}
	}()

	store, closeStore, err := buildStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	recorder, closeRecorder, err := buildRecorder(cfg.Recorder, logger)
	if err != nil {
		return err
	}
	defer closeRecorder()

	metrics := prometheus.GetMetrics()

	opts := []fsm.Option{
		fsm.WithStore(store),
		fsm.WithRecorder(recorder),
		fsm.WithLogger(logger),
		fsm.WithObserver(metrics),
		fsm.WithDefaultFactory(orderFactory()),
	}
	if cfg.InboxCapacity > 0 {
		opts = append(opts, fsm.WithInboxCapacity(cfg.InboxCapacity))
	}
	if cfg.ShutdownTimeout > 0 {
		opts = append(opts, fsm.WithShutdownTimeout(cfg.ShutdownTimeout))
	}
	registry := fsm.NewRegistry(opts...)

	if cfg.SnapshotDebug {
		registry.EnableSnapshotDebug()
	}
	if cfg.LiveDebug.Enabled {
		if err := registry.EnableLiveDebug(cfg.LiveDebug.Port); err != nil {
			return err
		}
	}

	if cfg.Recorder.NATSURL != "" {
		ingress, err := fsm.NewNATSIngress(registry, cfg.Recorder.NATSURL, cfg.Recorder.NATSSubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := ingress.Close(); err != nil {
				logger.Warnf("nats ingress close: %v", err)
			}
		}()
		logger.Infof("nats ingress subscribed at %s", cfg.Recorder.NATSURL)
	}

	errCh := make(chan error, 1)
	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.New(registry, gateway.Config{
			Addr:           cfg.Gateway.Addr,
			JWTSecret:      cfg.Gateway.JWTSecret,
			MetricsHandler: prometheus.Handler(),
		}, logger)
		go func() {
			errCh <- gw.ListenAndServe()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Errorf("gateway: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if gw != nil {
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("gateway shutdown: %v", err)
		}
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("registry shutdown: %v", err)
	}
	return nil
}

// buildStore selects the persistence backend from config.
func buildStore(cfg config.StoreConfig, logger core.Logger) (fsm.Store, func(), error) {
	noop := func() {}
	switch cfg.Kind {
	case "", "memory":
		return fsm.NewMemoryStore(), noop, nil
	case "file":
		store, err := fsm.NewFileStore(cfg.Directory)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case "sql":
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
		}
		var opts []fsm.SQLStoreOption
		if cfg.Driver == "postgres" {
			opts = append(opts, fsm.WithPostgresPlaceholders())
		}
		store := fsm.NewSQLStore(db, opts...)
		if err := store.EnsureSchema(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case "postgres":
		store, err := fsm.NewPostgresStore(context.Background(), cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "redis":
		store, err := fsm.NewRedisStore(context.Background(), fsm.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

// buildRecorder chains the ring buffer, the log sink and optionally NATS,
// wrapped in redaction when fields are configured.
func buildRecorder(cfg config.RecorderConfig, logger core.Logger) (fsm.Recorder, func(), error) {
	noop := func() {}
	sinks := []fsm.Recorder{
		fsm.NewRingRecorder(cfg.RingSize),
		fsm.NewLoggingRecorder(logger),
	}
	closeFn := noop
	if cfg.NATSURL != "" {
		nr, err := fsm.NewNATSRecorder(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, nr)
		closeFn = func() {
			if err := nr.Close(); err != nil {
				logger.Warnf("nats recorder close: %v", err)
			}
		}
	}
	var recorder fsm.Recorder = fsm.NewMultiRecorder(sinks...)
	if len(cfg.RedactFields) > 0 {
		recorder = fsm.NewRedactingRecorder(recorder, fsm.NewRedactor(cfg.RedactFields...))
	}
	return recorder, closeFn, nil
}

// orderFactory builds the built-in order lifecycle shipped with the daemon
// so a fresh install has something to drive.
func orderFactory() fsm.Factory {
	graph := fsm.NewGraphBuilder("order").
		Initial("PENDING").
		State("PENDING").
		On("submit", "AWAITING_PAYMENT").
		On("cancel", "CANCELLED").
		Done().
		State("AWAITING_PAYMENT").
		On("paid", "PROCESSING").
		On("cancel", "CANCELLED").
		Timeout(24*time.Hour, "CANCELLED").
		Done().
		State("PROCESSING").
		Offline().
		On("shipped", "SHIPPED").
		Done().
		State("SHIPPED").Final().Done().
		State("CANCELLED").Final().Done().
		MustBuild()

	return func(id string) (*fsm.Machine, error) {
		return fsm.NewMachine(id, graph)
	}
}
