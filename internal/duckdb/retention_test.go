package duckdb

import (
	"testing"
	"time"
)

func TestRetentionCleaner_DeletesExpiredOnStart(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	old := record("0001", "/threads/idle-rate", "0", 1, 1)
	old.Received = time.Now().Add(-72 * time.Hour)
	insertTestRecords(t, store, []*SampleRecord{old, record("0001", "/threads/idle-rate", "0", 2, 1)})

	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 1})
	if cleaner == nil {
		t.Fatal("expected non-nil retention cleaner")
	}
	cleaner.Stop()
	cleaner.Stop()

	if count, _ := store.TotalSampleCount(); count != 1 {
		t.Fatalf("TotalSampleCount after cleanup = %d, want 1", count)
	}
}

func TestRetentionCleaner_Disabled(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 0})
	if cleaner != nil {
		t.Fatal("expected nil cleaner when retention is disabled")
	}
	cleaner.Stop()
}
