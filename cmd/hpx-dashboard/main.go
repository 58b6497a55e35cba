package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/egparedes/hpx-dashboard/internal/socketrpc"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	fs := newFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if v, _ := fs.GetBool("version"); v {
		fmt.Printf("hpx-dashboard - HPX performance counter server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet declares the command line. Flag names match config keys so that
// viper can bind them directly.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("hpx-dashboard", pflag.ContinueOnError)
	fs.String("config", "", "config file (default is $HOME/.config/hpx-dashboard/config.yml)")
	fs.Bool("version", false, "print version information")

	fs.String("listen-host", defaultListenHost, "host the agent and OTLP listeners bind")
	fs.IntP("listen-port", "p", defaultListenPort, "agent listener port")
	fs.Int("queue-size", defaultQueueSize, "ingestion queue capacity")
	fs.Bool("auto-save", true, "persist collections to disk")
	fs.String("save-path", "", "directory that holds saved sessions")
	fs.StringP("import-path", "i", "", "session directory to import at startup")
	fs.Bool("stdin-enabled", true, "read counter records from stdin when it is piped")
	fs.Bool("otlp-enabled", false, "accept OTLP metric exports")
	fs.Bool("api-enabled", true, "serve the HTTP API")
	fs.String("api-host", defaultAPIHost, "host the HTTP API binds")
	fs.Int("api-port", defaultAPIPort, "HTTP API port")
	fs.Bool("db-enabled", false, "mirror samples into DuckDB")
	fs.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("log-file", "", "log file, or - for stderr")
	return fs
}

func loadConfig(fs *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultSavePath := filepath.Join(home, ".local", "share", "hpx-dashboard", "sessions")
	defaultDBPath := filepath.Join(home, ".local", "share", "hpx-dashboard", "samples.duckdb")
	defaultLogFile := filepath.Join(home, ".local", "state", "hpx-dashboard", "hpx-dashboard.log")
	defaultBackupDir := filepath.Join(home, ".local", "share", "hpx-dashboard", "snapshots")

	v := viper.New()
	v.SetEnvPrefix("HPXDASH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("listen-host", defaultListenHost)
	v.SetDefault("listen-port", defaultListenPort)
	v.SetDefault("queue-size", defaultQueueSize)
	v.SetDefault("max-line-size", defaultMaxLineSize)
	v.SetDefault("auto-save", true)
	v.SetDefault("save-path", defaultSavePath)
	v.SetDefault("import-path", "")
	v.SetDefault("flush-interval", defaultFlushInterval)
	v.SetDefault("flush-threshold", defaultFlushThreshold)
	v.SetDefault("stdin-enabled", true)
	v.SetDefault("otlp-enabled", false)
	v.SetDefault("otlp-port", defaultOTLPPort)
	v.SetDefault("self-monitor-interval", time.Duration(0))
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-host", defaultAPIHost)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("db-enabled", false)
	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("db-retention", defaultDBRetention)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-dir", defaultBackupDir)
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-file", defaultLogFile)

	// Only flags given on the command line override file and env values.
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return cfg, bindErr
	}

	configPath, _ := fs.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "hpx-dashboard", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	for _, p := range []struct {
		key  string
		port int
	}{
		{"listen-port", cfg.ListenPort},
		{"api-port", cfg.APIPort},
		{"otlp-port", cfg.OTLPPort},
	} {
		if p.port <= 0 || p.port > 65535 {
			return cfg, fmt.Errorf("invalid %s: %d", p.key, p.port)
		}
	}
	if cfg.QueueSize <= 0 {
		return cfg, fmt.Errorf("invalid queue-size: %d", cfg.QueueSize)
	}
	if cfg.BackupEnabled {
		if !cfg.DBEnabled {
			return cfg, fmt.Errorf("backup-enabled requires db-enabled")
		}
		if cfg.BackupInterval <= 0 {
			return cfg, fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast < 0 {
			return cfg, fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
	}
	if cfg.SelfMonitorInterval < 0 {
		return cfg, fmt.Errorf("invalid self-monitor-interval: %s", cfg.SelfMonitorInterval)
	}

	cfg.SavePath = expandHome(home, cfg.SavePath)
	cfg.ImportPath = expandHome(home, cfg.ImportPath)
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.LogFile = expandHome(home, cfg.LogFile)
	cfg.BackupDir = expandHome(home, cfg.BackupDir)
	cfg.SocketPath = expandHome(home, cfg.SocketPath)

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
	}
	if cfg.OTLPAddr == "" {
		cfg.OTLPAddr = net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.OTLPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.APIHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
