// Command yangstored is the thin wiring entry point: it loads
// storeconfig, connects to the shared transport, builds every core
// collaborator, installs the configured modules, and serves metrics
// and health until told to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/yangstore/commit"
	"github.com/c360/yangstore/diffengine"
	"github.com/c360/yangstore/dsplugin/mem"
	"github.com/c360/yangstore/health"
	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/locktable"
	"github.com/c360/yangstore/metric"
	"github.com/c360/yangstore/replay"
	"github.com/c360/yangstore/rpc"
	"github.com/c360/yangstore/schema/static"
	"github.com/c360/yangstore/session"
	"github.com/c360/yangstore/shm"
	"github.com/c360/yangstore/storeconfig"
	"github.com/c360/yangstore/subscription"
	"github.com/c360/yangstore/subshm"
	"github.com/c360/yangstore/types"
)

const version = "0.1.0"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("yangstored failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("yangstored version %s\n", version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel)
	slog.SetDefault(logger)

	cfg, err := storeconfig.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	deps, err := wire(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wire collaborators: %w", err)
	}
	defer deps.conn.Close(context.Background())

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, deps.metrics)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsServer.Stop(context.Background())
		slog.Info("metrics server listening", "address", metricsServer.Address())
	}

	var stopHealth func()
	if cfg.Health.Enabled {
		stopHealth = runHealthLoop(ctx, deps, cfg.Health.Interval)
		defer stopHealth()

		if cfg.Health.Addr != "" {
			healthServer := health.NewServer(cfg.Health.Addr, cfg.Health.Path, "yangstore", deps.health)
			if err := healthServer.Start(); err != nil {
				return fmt.Errorf("start health server: %w", err)
			}
			defer healthServer.Stop(context.Background())
			slog.Info("health server listening", "address", healthServer.Address())
		}
	}

	slog.Info("yangstored started", "version", version, "modules", len(cfg.Modules))
	return waitForShutdown(cliCfg.ShutdownTimeout)
}

type deps struct {
	conn       *ipc.Conn
	region     *shm.Region
	locks      *locktable.Table
	subs       *subscription.Registry
	plugin     *mem.Plugin
	rings      *subshm.Manager
	replayLog  *replay.Log
	orch       *commit.Orchestrator
	dispatcher *rpc.Dispatcher
	sctx       *static.Context
	connHandle *session.Connection
	metrics    *metric.Registry
	health     *health.Monitor
	modules    []string
}

func wire(ctx context.Context, cfg *storeconfig.Config, logger *slog.Logger) (*deps, error) {
	conn := ipc.New(cfg.NATS.URL, ipc.WithLogger(logger), ipc.WithCircuitThreshold(cfg.NATS.CircuitThreshold))
	connectCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
	defer cancel()
	if err := conn.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	region, err := shm.Open(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("open shared metadata region: %w", err)
	}

	metrics := metric.NewRegistry()

	locks, err := locktable.Open(ctx, conn, cfg.Lock.LeaseTTL, metrics.Metrics)
	if err != nil {
		return nil, fmt.Errorf("open lock table: %w", err)
	}

	subs := subscription.New(region)
	plugin := mem.New()
	rings := subshm.NewManager(conn, 256, metrics.Metrics)
	replayLog := replay.New(conn, metrics.Metrics)
	sctx := static.New()
	validator := diffengine.NewValidator()

	for _, m := range cfg.Modules {
		if err := plugin.Init(ctx, m.Name); err != nil {
			return nil, fmt.Errorf("init module %s: %w", m.Name, err)
		}
		region.Install(types.Module{
			Name: m.Name, Revision: m.Revision, Owner: m.Owner, Group: m.Group,
			ReplayEnabled: m.ReplayEnabled, Implemented: m.Implemented,
		})
		sctx.DeclareModule(m.Name)
		if m.ReplayEnabled {
			if err := replayLog.EnsureStream(ctx, m.Name); err != nil {
				return nil, fmt.Errorf("ensure replay stream for %s: %w", m.Name, err)
			}
		}
		if m.SchemaFile != "" {
			schemaJSON, err := os.ReadFile(m.SchemaFile)
			if err != nil {
				return nil, fmt.Errorf("read schema for module %s: %w", m.Name, err)
			}
			if err := validator.RegisterSchema(m.Name, schemaJSON); err != nil {
				return nil, fmt.Errorf("register schema for module %s: %w", m.Name, err)
			}
		} else {
			logger.Warn("module has no schema_file configured, mandatory/type constraints won't be checked", "module", m.Name)
		}
	}
	if len(cfg.Modules) > 0 {
		gen, err := region.MaterializeGeneration(ctx)
		if err != nil {
			return nil, fmt.Errorf("materialize generation: %w", err)
		}
		sctx2 := sctx.WithGeneration(gen)
		sctx = sctx2
	}

	orch := commit.New(locks, subs, plugin, rings, cfg.Commit.AckTimeout, validator, sctx, metrics.Metrics)
	dispatcher := rpc.New(subs, validator, sctx)
	connHandle := session.NewConnection(types.ConnectionID(1), region, locks, subs, plugin, rings, replayLog, orch, dispatcher, sctx)

	healthMon := health.NewMonitor()
	moduleNames := make([]string, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		moduleNames = append(moduleNames, m.Name)
	}

	return &deps{
		conn: conn, region: region, locks: locks, subs: subs, plugin: plugin,
		rings: rings, replayLog: replayLog, orch: orch, dispatcher: dispatcher,
		sctx: sctx, connHandle: connHandle, metrics: metrics, health: healthMon,
		modules: moduleNames,
	}, nil
}

func runHealthLoop(ctx context.Context, d *deps, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				health.CheckConnection(d.health, d.conn)
				health.CheckGeneration(ctx, d.health, d.region)
				for _, m := range d.modules {
					health.CheckLockTable(d.health, d.locks, m)
				}
				if gen, err := d.region.Generation(ctx); err == nil {
					d.metrics.Metrics.SetGeneration(gen)
				}
				d.metrics.Metrics.SetPendingOps(d.region.PendingCount())
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func waitForShutdown(timeout time.Duration) error {
	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()
	slog.Info("shutdown signal received", "timeout", timeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	<-shutdownCtx.Done()
	if shutdownCtx.Err() == context.DeadlineExceeded {
		slog.Warn("shutdown timeout elapsed")
	}
	return nil
}
