// Package main is the entry point for the control plane service: task
// scheduling, TaskRuntime lifecycle management, run dispatch, runtime event
// ingestion and the read-only admin HTTP surface, wired into a single
// process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/adminhttp"
	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/db"
	"github.com/taskctl/controlplane/internal/dispatcher"
	"github.com/taskctl/controlplane/internal/health"
	"github.com/taskctl/controlplane/internal/lease"
	"github.com/taskctl/controlplane/internal/lifecycle"
	"github.com/taskctl/controlplane/internal/lifecycle/docker"
	"github.com/taskctl/controlplane/internal/listener"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/publisher/bus"
	"github.com/taskctl/controlplane/internal/recovery"
	"github.com/taskctl/controlplane/internal/retention"
	"github.com/taskctl/controlplane/internal/runtimerpc"
	"github.com/taskctl/controlplane/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting control plane")

	// 3. Create context with cancellation, tied to process signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Open the database and build the connection pool
	writer, reader, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	pool := db.NewPool(writer, reader)
	defer pool.Close()

	st, err := store.New(pool, cfg.Database.Driver)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	// 5. Connect the event bus: NATS when configured, in-memory otherwise
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}

	// 6. Wire the publisher and the WebSocket fan-out hub
	runHub := publisher.NewRunHub(log)
	go runHub.Run(ctx)
	pub := publisher.New(eventBus, runHub, "controlplane", log)

	// 7. Build the TaskRuntime lifecycle manager on top of the Docker runtime
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize docker client", zap.Error(err))
	}
	gate := lifecycle.NewGate(cfg.Runtime.MaxParallelRunsDefault)
	dockerRuntime := lifecycle.NewDockerRuntime(dockerClient, gate, log)
	manager := lifecycle.NewManager(st, dockerRuntime, cfg.Runtime, log)

	// 8. Recover TaskRuntime state before the dispatcher or listener touch
	// anything: re-associate containers left running by a prior process.
	recovered, err := manager.RecoverRuntimes(ctx)
	if err != nil {
		log.Error("runtime recovery failed", zap.Error(err))
	} else {
		log.Info("recovered task runtimes", zap.Int("count", recovered))
	}

	// 9. Build the gRPC client pool shared by the dispatcher and listener
	rpcPool := runtimerpc.NewPool(func(endpoint string) (runtimerpc.Client, error) {
		return runtimerpc.NewClient(endpoint)
	})
	defer rpcPool.CloseAll()

	// 10. Dispatcher and queue drainer
	disp := dispatcher.New(st, manager, rpcPool, pub, cfg.Runtime, log)
	drainer := dispatcher.NewDrainer(st, disp, cfg.Dispatcher, log)
	go drainer.Run(ctx)

	// 11. Runtime event listener
	lst := listener.New(st, rpcPool, pub, disp, cfg.Listener, nil, log)
	go lst.Run(ctx)

	// 12. Health supervisor
	sup := health.New(manager, rpcPool, pub, cfg.Health, log)
	go sup.Run(ctx)

	// 13. Recovery service, sweeping stale/zombie/orphaned runs and
	// containers on its own interval
	if cfg.Recovery.Enabled {
		recoverySvc := recovery.New(st, manager, rpcPool, pub, cfg.Recovery, log)
		go recoverySvc.Run(ctx)
	}

	// 14. Retention cleanup, guarded by a lease so only one process in a
	// multi-instance deployment runs it at a time
	leaseOwner := fmt.Sprintf("controlplane-%d", os.Getpid())
	sweepInterval := time.Duration(cfg.Retention.SweepIntervalSeconds) * time.Second
	leases := lease.New(st, leaseOwner, 2*sweepInterval, sweepInterval/4, log)
	retentionSvc := retention.New(st, leases, cfg.Retention, log)
	go retentionSvc.Run(ctx)

	// 15. Idle TaskRuntime scale-down, ticking on its own interval; small
	// enough that it doesn't warrant a dedicated package.
	go runIdleScaleDown(ctx, manager, cfg.Runtime, log)

	// 16. Read-only admin HTTP surface
	adminServer := adminhttp.New(cfg.Server, st, sup, pub, log)
	go adminServer.Run(ctx)

	log.Info("control plane ready")

	// 17. Block until a shutdown signal arrives, then let every background
	// goroutine observe ctx.Done() and wind down.
	<-ctx.Done()
	log.Info("shutting down control plane")

	// Give the admin HTTP server, drainer, listener and supervisors a brief
	// window to observe ctx.Done() and stop cleanly before the process exits.
	time.Sleep(500 * time.Millisecond)
	log.Info("control plane stopped")
}

// openDatabase opens the writer and reader connections for the configured
// driver. SQLite gets a single-connection writer and a multi-connection
// read-only pool so WAL readers never block on the writer; PostgreSQL uses
// the same pooled connection for both, since pgx manages pooling itself.
func openDatabase(cfg config.DatabaseConfig) (writer, reader *sqlx.DB, err error) {
	switch cfg.Driver {
	case "postgres", "postgresql", "pgx":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
		sqlDB, err := db.OpenPostgres(dsn, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		pooled := sqlx.NewDb(sqlDB, "pgx")
		return pooled, pooled, nil
	default:
		writerDB, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		readerDB, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writerDB.Close()
			return nil, nil, err
		}
		return sqlx.NewDb(writerDB, "sqlite3"), sqlx.NewDb(readerDB, "sqlite3"), nil
	}
}

// newEventBus connects to NATS when a URL is configured, otherwise falls
// back to an in-process bus for single-node deployments and tests.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("no NATS URL configured, using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, err
	}
	log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	return eventBus, nil
}

// runIdleScaleDown periodically stops TaskRuntime containers that have sat
// idle past cfg.IdleScaleDownSeconds, keeping at least cfg.MinWarmRuntimes
// warm. It is a single ticking method call, not worth its own package.
func runIdleScaleDown(ctx context.Context, manager *lifecycle.Manager, cfg config.RuntimeConfig, log *logger.Logger) {
	if cfg.IdleScaleDownSeconds <= 0 {
		return
	}
	interval := time.Duration(cfg.IdleScaleDownSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idleTimeout := time.Duration(cfg.IdleScaleDownSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.ScaleDownIdleTaskRuntimes(ctx, idleTimeout, cfg.MinWarmRuntimes); err != nil {
				log.Error("idle scale-down failed", zap.Error(err))
			}
		}
	}
}
