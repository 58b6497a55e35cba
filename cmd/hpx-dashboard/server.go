package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/egparedes/hpx-dashboard/internal/backup"
	"github.com/egparedes/hpx-dashboard/internal/duckdb"
	"github.com/egparedes/hpx-dashboard/internal/httpserver"
	"github.com/egparedes/hpx-dashboard/internal/ingest"
	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/queue"
	"github.com/egparedes/hpx-dashboard/internal/registry"
	"github.com/egparedes/hpx-dashboard/internal/session"
	"github.com/egparedes/hpx-dashboard/internal/socketrpc"
	"github.com/egparedes/hpx-dashboard/internal/source"
)

// runServer wires the ingestion pipeline and serves until interrupted.
func runServer(cfg appConfig) error {
	logger, cleanupLogger := configureRuntimeLogger(cfg)
	defer cleanupLogger()

	pm := metrics.New()
	q := queue.New(cfg.QueueSize)
	pm.RegisterQueueDepth(q.Len)

	store := session.NewStore(session.Config{
		AutoSave: cfg.AutoSave,
		SavePath: cfg.SavePath,
		Logger:   logger,
		Metrics:  pm,
	})
	if err := openSession(store, cfg, logger); err != nil {
		return err
	}

	reg := registry.New(store, registry.Config{Logger: logger, Metrics: pm})
	defer reg.Close()

	// Optional DuckDB mirror of every appended sample.
	var (
		mirror *duckdb.Store
		sink   ingest.SampleSink
	)
	if cfg.DBEnabled {
		var err error
		mirror, err = duckdb.NewStore(cfg.DBPath, duckdb.StoreConfig{
			QueryTimeout: cfg.QueryTimeout,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		defer mirror.Close()

		insertBuffer := duckdb.NewInsertBuffer(mirror, duckdb.InsertBufferConfig{
			BatchSize:     cfg.InsertBatchSize,
			FlushInterval: cfg.InsertFlushInterval,
			Logger:        logger,
		})
		defer insertBuffer.Stop()
		sink = insertBuffer

		retentionCleaner := duckdb.NewRetentionCleaner(mirror, duckdb.RetentionConfig{
			RetentionDays: cfg.DBRetention,
			Logger:        logger,
		})
		if retentionCleaner != nil {
			defer retentionCleaner.Stop()
		}

		backupManager, err := backup.NewManager(mirror, backup.Config{
			Enabled:  cfg.BackupEnabled,
			Interval: cfg.BackupInterval,
			LocalDir: cfg.BackupDir,
			KeepLast: cfg.BackupKeepLast,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize backups: %w", err)
		}
		defer backupManager.Stop()
	}

	worker := ingest.NewWorker(q, store, reg, ingest.Config{
		AutoSave:       cfg.AutoSave,
		FlushInterval:  cfg.FlushInterval,
		FlushThreshold: cfg.FlushThreshold,
		Sink:           sink,
		Logger:         logger,
		Metrics:        pm,
	})

	if cfg.APIEnabled {
		deps := httpserver.Deps{
			Sessions:  store,
			Observers: reg,
			Worker:    worker,
			Queue:     q,
			Metrics:   pm,
		}
		if mirror != nil {
			deps.Mirror = mirror
		}
		apiServer := httpserver.NewServer(cfg.APIAddr, deps, httpserver.Config{Logger: logger})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	svc := &socketrpc.Service{Sessions: store, Observers: reg, Worker: worker}
	if mirror != nil {
		svc.Mirror = mirror
	}
	sockServer := socketrpc.NewServer(cfg.SocketPath, svc, socketrpc.Config{Logger: logger})
	if err := sockServer.Start(); err != nil {
		logger.Warn("failed to start socket server", zap.Error(err))
	} else {
		defer sockServer.Stop()
	}

	// The worker outlives the sources: it stops once the queue is closed and drained.
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.Run(context.Background())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// The shutdown deadline starts at the signal.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	plugins := buildInputPlugins(InputPluginConfig{
		ListenAddr:          cfg.ListenAddr,
		MaxLineSize:         cfg.MaxLineSize,
		Sink:                q,
		StdinEnabled:        cfg.StdinEnabled,
		OTLPEnabled:         cfg.OTLPEnabled,
		OTLPAddr:            cfg.OTLPAddr,
		SelfMonitorInterval: cfg.SelfMonitorInterval,
		Logger:              logger,
		Metrics:             pm,
	})

	sources := make([]source.Source, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			if plugin.Name() == "tcp" {
				cancel()
				q.Close()
				<-workerDone
				return fmt.Errorf("input %q: %w", plugin.Name(), err)
			}
			logger.Error("failed to initialize input plugin", zap.String("plugin", plugin.Name()), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}

	printStartupBanner(cfg, sources, store.SessionDir())

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			if err := src.Run(gctx, q); err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			logger.Info("source finished", zap.String("source", src.Name()))
			return nil
		})
	}

	// Sources such as stdin may end on their own; keep serving until interrupted.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("ingestion stopped", zap.Error(err))
	}

	cancel()
	q.Close()
	if err := <-workerDone; err != nil {
		logger.Error("worker exited with error", zap.Error(err))
	}
	c := worker.Counters()
	logger.Info("ingestion stopped",
		zap.Int64("processed", c.Processed),
		zap.Int64("decode_errors", c.DecodeErrors),
		zap.Int64("append_errors", c.AppendErrors),
		zap.Int64("flush_errors", c.FlushErrors))

	signal.Stop(sigCh)
	return nil
}

// openSession imports the configured session or starts a fresh one. A failed
// import leaves a fresh session behind, which is logged and kept.
func openSession(store *session.Store, cfg appConfig, logger *zap.Logger) error {
	if cfg.ImportPath == "" {
		if err := store.StartSession(cfg.AutoSave, cfg.SavePath); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		return nil
	}
	err := store.ImportSession(cfg.ImportPath)
	if err == nil {
		return nil
	}
	if store.CurrentCollection() == nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if errors.Is(err, session.ErrImport) {
		logger.Warn("session import failed, started a fresh session", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Warning: could not import %s, started a fresh session\n", cfg.ImportPath)
		return nil
	}
	return err
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// configureRuntimeLogger builds the process logger. It writes JSON to the log
// file and falls back to stderr when the file cannot be opened.
func configureRuntimeLogger(cfg appConfig) (*zap.Logger, func()) {
	zc := zap.NewProductionConfig()
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zc.Level = level
	}
	zc.Sampling = nil
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	if cfg.LogFile != "" && cfg.LogFile != "-" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err == nil {
			zc.OutputPaths = []string{cfg.LogFile}
		}
	}

	logger, err := zc.Build()
	if err != nil {
		zc.OutputPaths = []string{"stderr"}
		if logger, err = zc.Build(); err != nil {
			return zap.NewNop(), func() {}
		}
	}
	logger = logger.With(zap.String("version", version))
	return logger, func() { _ = logger.Sync() }
}

func printStartupBanner(cfg appConfig, sources []source.Source, sessionDir string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦ ╦╔═╗═╗ ╦  ╔╦╗╔═╗╔═╗╦ ╦
    ╠═╣╠═╝╔╩╦╝   ║║╠═╣╚═╗╠═╣
    ╩ ╩╩  ╩ ╚═  ═╩╝╩ ╩╚═╝╩ ╩`)

	ver := dim.Render("v" + version)

	active := make(map[string]bool, len(sources))
	for _, src := range sources {
		active[src.Name()] = true
	}
	status := func(name, label, value string) string {
		if active[name] {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Inputs"))
	lines = append(lines, "")
	lines = append(lines, status("tcp", "Agents", cfg.ListenAddr))
	lines = append(lines, status("stdin", "Stdin", "piped"))
	lines = append(lines, status("otlp", "OTLP", cfg.OTLPAddr))
	lines = append(lines, status("self", "Self Monitor", cfg.SelfMonitorInterval.String()))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	if sessionDir != "" {
		lines = append(lines, fmt.Sprintf("    %s  Session        %s", check, dim.Render(shortenPath(sessionDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Session        %s", dot, dim.Render("in memory")))
	}
	if cfg.DBEnabled {
		lines = append(lines, fmt.Sprintf("    %s  DuckDB Mirror  %s", check, dim.Render(shortenPath(cfg.DBPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  DuckDB Mirror  %s", dot, dim.Render("disabled")))
	}
	if cfg.BackupEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(shortenPath(cfg.BackupDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Log File       %s", check, dim.Render(shortenPath(cfg.LogFile))))

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
