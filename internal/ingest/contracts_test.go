package ingest

import (
	"testing"

	"github.com/egparedes/hpx-dashboard/internal/duckdb"
	"github.com/egparedes/hpx-dashboard/internal/queue"
	"github.com/egparedes/hpx-dashboard/internal/registry"
	"github.com/egparedes/hpx-dashboard/internal/session"
)

var (
	_ Store      = (*session.Store)(nil)
	_ Notifier   = (*registry.Registry)(nil)
	_ Queue      = (*queue.Queue)(nil)
	_ SampleSink = (*duckdb.InsertBuffer)(nil)
)

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateIdle:       "idle",
		StateWaiting:    "waiting",
		StateProcessing: "processing",
		StateStopped:    "stopped",
		State(42):       "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}
