package main

import (
	"time"

	"github.com/egparedes/hpx-dashboard/internal/duckdb"
	"github.com/egparedes/hpx-dashboard/internal/httpserver"
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/tcpserver"
)

const (
	defaultListenHost          = "0.0.0.0" // agents run on remote nodes
	defaultAPIHost             = "127.0.0.1"
	defaultListenPort          = model.DefaultListenPort
	defaultQueueSize           = model.DefaultQueueSize
	defaultMaxLineSize         = tcpserver.DefaultMaxLineSize
	defaultFlushInterval       = model.DefaultFlushInterval
	defaultFlushThreshold      = model.DefaultFlushThreshold
	defaultOTLPPort            = 4317
	defaultAPIPort             = httpserver.DefaultPort
	defaultQueryTimeout        = duckdb.DefaultQueryTimeout
	defaultInsertBatchSize     = 2000
	defaultInsertFlushInterval = 100 * time.Millisecond
	defaultDBRetention         = 30 // days, 0 = disabled
	defaultBackupInterval      = 6 * time.Hour
	defaultBackupKeepLast      = 24
	defaultLogLevel            = "info"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	ListenHost  string `mapstructure:"listen-host"`
	ListenPort  int    `mapstructure:"listen-port"`
	ListenAddr  string `mapstructure:"listen-addr"`
	QueueSize   int    `mapstructure:"queue-size"`
	MaxLineSize int    `mapstructure:"max-line-size"`

	AutoSave       bool          `mapstructure:"auto-save"`
	SavePath       string        `mapstructure:"save-path"`
	ImportPath     string        `mapstructure:"import-path"`
	FlushInterval  time.Duration `mapstructure:"flush-interval"`
	FlushThreshold int           `mapstructure:"flush-threshold"`

	StdinEnabled        bool          `mapstructure:"stdin-enabled"`
	OTLPEnabled         bool          `mapstructure:"otlp-enabled"`
	OTLPPort            int           `mapstructure:"otlp-port"`
	OTLPAddr            string        `mapstructure:"otlp-addr"`
	SelfMonitorInterval time.Duration `mapstructure:"self-monitor-interval"`

	APIEnabled bool   `mapstructure:"api-enabled"`
	APIHost    string `mapstructure:"api-host"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`
	SocketPath string `mapstructure:"socket-path"`

	DBEnabled           bool          `mapstructure:"db-enabled"`
	DBPath              string        `mapstructure:"db-path"`
	DBRetention         int           `mapstructure:"db-retention"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`

	BackupEnabled  bool          `mapstructure:"backup-enabled"`
	BackupInterval time.Duration `mapstructure:"backup-interval"`
	BackupDir      string        `mapstructure:"backup-dir"`
	BackupKeepLast int           `mapstructure:"backup-keep-last"`

	LogLevel string `mapstructure:"log-level"`
	LogFile  string `mapstructure:"log-file"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
