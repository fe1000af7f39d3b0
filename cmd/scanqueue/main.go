// Package main runs the offline scan queue service: the durable queue, the
// sync engine and the local API the scanner UI talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/scanqueue/internal/api"
	"github.com/kimhsiao/scanqueue/internal/config"
	"github.com/kimhsiao/scanqueue/internal/db"
	"github.com/kimhsiao/scanqueue/internal/logging"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/kimhsiao/scanqueue/internal/network"
	"github.com/kimhsiao/scanqueue/internal/queue"
	"github.com/kimhsiao/scanqueue/internal/state"
	syncpkg "github.com/kimhsiao/scanqueue/internal/sync"
	"github.com/kimhsiao/scanqueue/internal/sync/recorder"
	"github.com/kimhsiao/scanqueue/internal/sync/scheduler"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.toml (default ~/.config/scanqueue/config.toml)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scanqueue v%s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("scanqueue stopped with error", err, nil)
		os.Exit(1)
	}
	logging.Info("scanqueue stopped", nil)
}

func run(ctx context.Context, cfg config.Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	return serve(ctx, cfg, ln)
}

// serve runs the service on ln until ctx ends. An unreachable remote ledger
// does not stop it; scans stay queued and each sync attempt records the
// failure.
func serve(ctx context.Context, cfg config.Config, ln net.Listener) error {
	defer ln.Close()
	logging.Info("scanqueue starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
		"recorder": cfg.Recorder.Kind,
	})

	conn := db.NewConnector(cfg.DataDir)
	defer conn.Close()

	store := queue.NewStore(conn, queue.Options{})
	facade := state.New(store, state.Options{DuplicateWindow: cfg.Queue.DuplicateWindow})
	defer facade.Close()
	if !facade.CheckDBAvailability(ctx) {
		logging.Warn("Starting in degraded mode; scans cannot be queued", map[string]interface{}{"path": conn.Path()})
	}

	monitor := network.New(network.Options{InitialOnline: cfg.Network.InitialOnline})
	defer monitor.Close()
	stopWatch := monitor.OnNetworkChange(
		func() { logging.Info("Network is online", nil) },
		func() { logging.Info("Network is offline, scans will be queued", nil) },
		cfg.Network.Debounce,
	)
	defer stopWatch()

	rec, closeRecorder, err := buildRecorder(cfg.Recorder)
	if err != nil {
		return err
	}
	defer closeRecorder()
	checkRecorder(ctx, rec, cfg.Recorder.Kind)

	engine := syncpkg.NewOrchestrator(store, withTimeout(rec, cfg.Sync.RecordTimeout), syncpkg.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		Online:     monitor.IsOnline,
		Hooks:      facade.SyncHooks(),
	})

	sched := scheduler.NewScheduler(engine, store, monitor, schedulerConfig(cfg))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	hub := api.NewHub()
	defer facade.Subscribe(hub.Publish)()

	srv := &http.Server{
		Handler:           api.NewRouter(api.NewHandler(store, facade, engine, monitor, sched), hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logging.Info("API listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildRecorder creates the configured remote ledger client without dialing
// it. The returned func releases its connections.
func buildRecorder(cfg config.RecorderConfig) (syncpkg.Recorder, func() error, error) {
	switch cfg.Kind {
	case config.RecorderPostgres:
		pg, err := recorder.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return recorder.NewPostgresRecorder(pg, nil), pg.Close, nil
	case config.RecorderRedis:
		client := recorder.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return recorder.NewRedisRecorder(client, cfg.RedisList, nil), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown recorder kind %q", cfg.Kind)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

const recorderPingTimeout = 3 * time.Second

// checkRecorder logs whether the remote ledger answers at startup.
func checkRecorder(ctx context.Context, rec syncpkg.Recorder, kind string) bool {
	p, ok := rec.(pinger)
	if !ok {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, recorderPingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		logging.Warn("Remote ledger unreachable; scans will stay queued", map[string]interface{}{
			"recorder": kind,
			"error":    err.Error(),
		})
		return false
	}
	return true
}

// withTimeout bounds every remote call so one hung scan cannot stall a pass.
func withTimeout(rec syncpkg.Recorder, timeout time.Duration) syncpkg.Recorder {
	if timeout <= 0 {
		return rec
	}
	return syncpkg.RecorderFunc(func(ctx context.Context, payload string, meta *models.ScanMetadata) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return rec.Record(ctx, payload, meta)
	})
}

func schedulerConfig(cfg config.Config) *scheduler.SchedulerConfig {
	sc := scheduler.DefaultSchedulerConfig()
	sc.AutoSync = cfg.Sync.AutoSync
	sc.ReconnectDebounce = cfg.Network.ReconnectDebounce
	sc.CleanupSchedule = cfg.Queue.CleanupSchedule
	sc.ExceedingRetries = cfg.Queue.MaxRetries
	sc.Cleanup = queue.CleanupOptions{
		MaxAge:                 cfg.Queue.CleanupMaxAge,
		MaxRetries:             cfg.Queue.CleanupMaxRetries,
		StalePendingMultiplier: cfg.Queue.StalePendingMultiplier,
		KeepStalePending:       !cfg.Queue.PurgeStalePending,
	}
	return sc
}
