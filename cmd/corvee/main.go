package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	clientcmd "github.com/corveehq/corvee/internal/cmd/client"
	serverrun "github.com/corveehq/corvee/internal/cmd/server"
	cfgpkg "github.com/corveehq/corvee/internal/config"
	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
	logpkg "github.com/corveehq/corvee/pkg/log"
)

func main() {
	level := os.Getenv("CORVEE_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "corvee",
		Short: "Corvee annotation work distribution server",
		Long:  "Corvee distributes page-level annotation work to concurrent workers. This CLI manages the server and basic operations.",
	}

	rootCmd.AddCommand(newServerCommand())

	baseURL := func() string {
		if v := os.Getenv("CORVEE_API"); v != "" {
			return v
		}
		return "http://127.0.0.1:8080"
	}
	rootCmd.AddCommand(clientcmd.NewRoot(baseURL)...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFsync(s string) (pebblestore.FsyncMode, error) {
	switch s {
	case "", "interval":
		return pebblestore.FsyncModeInterval, nil
	case "always":
		return pebblestore.FsyncModeAlways, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	}
	return 0, fmt.Errorf("unknown fsync mode %q (always|interval|never)", s)
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}

	var (
		configPath string
		dataDir    string
		workDir    string
		httpAddr   string
		fsync      string
		graceMs    int64
		pingMs     int64
		reaperMs   int64
		sinkDriver string
		postgres   string
		logLevel   string
		logFormat  string
	)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the corvee server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)

			// Flags override file and environment when set.
			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("work-dir") {
				cfg.WorkDir = workDir
			}
			if flags.Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if flags.Changed("grace-window-ms") {
				cfg.Heartbeat.GraceWindowMs = graceMs
			}
			if flags.Changed("ping-interval-ms") {
				cfg.Heartbeat.PingIntervalMs = pingMs
			}
			if flags.Changed("reaper-interval-ms") {
				cfg.Heartbeat.ReaperIntervalMs = reaperMs
			}
			if flags.Changed("sink") {
				cfg.Sink.Driver = sinkDriver
			}
			if flags.Changed("postgres-url") {
				cfg.Sink.PostgresURL = postgres
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}

			mode, err := parseFsync(fsync)
			if err != nil {
				return err
			}
			return serverrun.Run(context.Background(), serverrun.Options{Config: cfg, Fsync: mode})
		},
	}

	startCmd.Flags().StringVar(&configPath, "config", "", "config file (json or toml)")
	startCmd.Flags().StringVar(&dataDir, "data-dir", "", "database directory")
	startCmd.Flags().StringVar(&workDir, "work-dir", "", "work directory with per-project documents")
	startCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	startCmd.Flags().StringVar(&fsync, "fsync", "interval", "fsync mode: always|interval|never")
	startCmd.Flags().Int64Var(&graceMs, "grace-window-ms", 0, "heartbeat grace window in ms")
	startCmd.Flags().Int64Var(&pingMs, "ping-interval-ms", 0, "heartbeat ping interval in ms")
	startCmd.Flags().Int64Var(&reaperMs, "reaper-interval-ms", 0, "lease reaper sweep interval in ms")
	startCmd.Flags().StringVar(&sinkDriver, "sink", "", "submission sink: csv|postgres")
	startCmd.Flags().StringVar(&postgres, "postgres-url", "", "postgres connection string for the postgres sink")
	startCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error")
	startCmd.Flags().StringVar(&logFormat, "log-format", "", "log format: text|json")

	serverCmd.AddCommand(startCmd)
	return serverCmd
}
