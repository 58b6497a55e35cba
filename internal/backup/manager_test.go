package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/egparedes/hpx-dashboard/internal/duckdb"
)

type fakeSnapshotter struct {
	dbPath string
	data   []byte
	calls  atomic.Int32
}

func (f *fakeSnapshotter) DBPath() string { return f.dbPath }

func (f *fakeSnapshotter) SnapshotTo(dstPath string) (int64, error) {
	f.calls.Add(1)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, err
	}
	return int64(len(f.data)), os.WriteFile(dstPath, f.data, 0o644)
}

// stepClock advances one second per call.
func stepClock() func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/samples.duckdb", data: []byte("x")}, Config{})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
	m.Stop()
}

func TestNewManager_EnabledRequiresDBPath(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{dbPath: "", data: []byte("x")}, Config{
		Enabled:  true,
		LocalDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for empty db path")
	}
}

func TestNewManager_StartupSnapshot(t *testing.T) {
	t.Parallel()

	store := &fakeSnapshotter{dbPath: "/tmp/samples.duckdb", data: []byte("snapshot")}
	m, err := NewManager(store, Config{
		Enabled:  true,
		Interval: time.Hour,
		LocalDir: t.TempDir(),
		Logger:   zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Stop()
	m.Stop()

	if got := store.calls.Load(); got != 1 {
		t.Fatalf("snapshots = %d, want 1", got)
	}
}

func TestRunOnce_CreatesAndPrunesLocalBackups(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	store := &fakeSnapshotter{
		dbPath: "/tmp/samples.duckdb",
		data:   []byte("snapshot"),
	}
	m := newManager(store, Config{
		Enabled:  true,
		LocalDir: localDir,
		KeepLast: 2,
		Now:      stepClock(),
	})

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := m.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
		paths = append(paths, p)
	}

	files, err := filepath.Glob(filepath.Join(localDir, "samples-*.duckdb"))
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("backup files = %d, want 2", len(files))
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest snapshot %s still present (err = %v)", paths[0], err)
	}
}

func TestRunOnce_AfterStop(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSnapshotter{dbPath: "/tmp/samples.duckdb"}, Config{LocalDir: t.TempDir()})
	m.Stop()
	if _, err := m.RunOnce(m.ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce after Stop = %v, want context.Canceled", err)
	}
}

func TestRunOnce_RealMirror(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := duckdb.NewStore(filepath.Join(dir, "samples.duckdb"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	m := newManager(store, Config{LocalDir: filepath.Join(dir, "snapshots"), KeepLast: 1})
	path, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("snapshot is empty")
	}
}
