package backup

import (
	"time"

	"go.uber.org/zap"
)

// Config controls periodic snapshots of the analytic mirror.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	KeepLast int
	Logger   *zap.Logger
	// Now names snapshot files; defaults to time.Now.
	Now func() time.Time
}

// Snapshotter is the minimal DB snapshot contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) (int64, error)
}
