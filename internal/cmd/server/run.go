// Package serverrun assembles and runs the corvee server process.
package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	cfgpkg "github.com/corveehq/corvee/internal/config"
	"github.com/corveehq/corvee/internal/distributor"
	"github.com/corveehq/corvee/internal/lease"
	"github.com/corveehq/corvee/internal/runtime"
	"github.com/corveehq/corvee/internal/scanner"
	sinkpkg "github.com/corveehq/corvee/internal/sink"
	httpserver "github.com/corveehq/corvee/internal/server/http"
	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
	"github.com/corveehq/corvee/internal/suggest"
	logpkg "github.com/corveehq/corvee/pkg/log"
)

// Options configures one server run.
type Options struct {
	Config cfgpkg.Config
	Fsync  pebblestore.FsyncMode
}

// Run starts the server and blocks until ctx is cancelled or the HTTP
// listener fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logpkg.ApplyConfig(&logpkg.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		logger = logpkg.NewLogger(logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(runtime.Options{
		DataDir: filepath.Join(cfg.DataDir, "store"),
		Fsync:   opts.Fsync,
		Config:  cfg,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	var sink sinkpkg.Sink
	switch cfg.Sink.Driver {
	case "postgres":
		sink, err = sinkpkg.NewPostgresSink(sctx, cfg.Sink.PostgresURL)
		if err != nil {
			return err
		}
	default:
		sink = sinkpkg.NewCSVSink(cfg.WorkDir)
	}
	defer sink.Close()

	suggester, err := suggest.Open(filepath.Join(cfg.DataDir, "suggest.bleve"), logger)
	if err != nil {
		return err
	}
	defer suggester.Close()
	if err := suggester.Warm(rt.Tasks()); err != nil {
		logger.Warn("suggestion warmup failed", logpkg.Err(err))
	}

	dist := &distributor.Service{}
	leases := lease.NewRegistry(lease.Options{
		GraceMs:   cfg.Heartbeat.GraceWindowMs,
		OnReclaim: dist.ReleaseExpired,
		Logger:    logger,
	})
	*dist = *distributor.NewService(distributor.Options{
		Store:        rt.Tasks(),
		Leases:       leases,
		Sink:         sink,
		Users:        rt.Users(),
		Suggester:    suggester,
		StaleAfterMs: cfg.Heartbeat.GraceWindowMs,
		Logger:       logger,
	})

	sc := scanner.New(scanner.Options{
		WorkDir: cfg.WorkDir,
		Store:   rt.Tasks(),
		Logger:  logger,
	})
	if _, err := sc.Scan(); err != nil {
		logger.Warn("initial scan failed", logpkg.Err(err))
	}

	leases.Start(cfg.Heartbeat.ReaperInterval())
	defer leases.Stop()

	srv := httpserver.New(httpserver.Options{
		Distributor:    dist,
		Store:          rt.Tasks(),
		Users:          rt.Users(),
		Suggester:      suggester,
		Scanner:        sc,
		WorkDir:        cfg.WorkDir,
		HeartbeatGrace: cfg.Heartbeat.GraceWindow(),
		HeartbeatPing:  cfg.Heartbeat.PingInterval(),
		Logger:         logger,
	})
	defer srv.Close()

	logger.Info("starting corvee server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("work_dir", cfg.WorkDir),
		logpkg.Str("sink", cfg.Sink.Driver),
		logpkg.Int64("grace_window_ms", cfg.Heartbeat.GraceWindowMs))

	return srv.ListenAndServe(sctx, cfg.HTTPAddr)
}
