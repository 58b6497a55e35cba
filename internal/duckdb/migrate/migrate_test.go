package migrate

import (
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
)

func migratedDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := NewRunner(db).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return db
}

func TestLoadMigrations_OrderedByVersion(t *testing.T) {
	t.Parallel()

	migs, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	want := []string{"001_samples.sql", "002_samples_indexes.sql"}
	if len(migs) != len(want) {
		t.Fatalf("migrations = %d, want %d", len(migs), len(want))
	}
	for i, m := range migs {
		if m.name != want[i] || m.version != i+1 {
			t.Fatalf("migration %d = %s (v%d), want %s (v%d)", i, m.name, m.version, want[i], i+1)
		}
	}
}

func TestRun_SamplesColumns(t *testing.T) {
	t.Parallel()
	db := migratedDB(t)

	rows, err := db.Query(`SELECT column_name, data_type, is_nullable
		FROM information_schema.columns WHERE table_name = 'samples' ORDER BY ordinal_position`)
	if err != nil {
		t.Fatalf("query columns: %v", err)
	}
	defer rows.Close()

	type column struct{ name, typ, nullable string }
	var got []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.name, &c.typ, &c.nullable); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, c)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}

	want := []column{
		{"collection_id", "VARCHAR", "NO"},
		{"counter", "VARCHAR", "NO"},
		{"instance", "VARCHAR", "NO"},
		{"locality", "VARCHAR", "YES"},
		{"pool", "VARCHAR", "YES"},
		{"thread", "VARCHAR", "YES"},
		{"sequence", "BIGINT", "NO"},
		{"ts", "DOUBLE", "NO"},
		{"value", "DOUBLE", "NO"},
		{"unit", "VARCHAR", "NO"},
		{"received", "TIMESTAMP", "NO"},
	}
	if len(got) != len(want) {
		t.Fatalf("samples columns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("column %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRun_SamplesDefaults(t *testing.T) {
	t.Parallel()
	db := migratedDB(t)

	if _, err := db.Exec(`INSERT INTO samples (collection_id, counter, ts, value) VALUES ('0001', '/threads/idle-rate', 1.5, 42)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var (
		instance, unit string
		sequence       int64
		received       sql.NullTime
	)
	if err := db.QueryRow(`SELECT instance, unit, sequence, received FROM samples`).Scan(&instance, &unit, &sequence, &received); err != nil {
		t.Fatalf("select: %v", err)
	}
	if instance != "" || unit != "" || sequence != 0 || !received.Valid {
		t.Fatalf("defaults = instance %q unit %q sequence %d received %v", instance, unit, sequence, received)
	}

	if _, err := db.Exec(`INSERT INTO samples (collection_id, counter, ts) VALUES ('0001', '/x', 1)`); err == nil {
		t.Fatal("insert without value succeeded, want NOT NULL violation")
	}
}

func TestRun_SamplesIndexes(t *testing.T) {
	t.Parallel()
	db := migratedDB(t)

	for _, name := range []string{"idx_samples_line", "idx_samples_received"} {
		var table string
		err := db.QueryRow(`SELECT table_name FROM duckdb_indexes() WHERE index_name = ?`, name).Scan(&table)
		if err != nil {
			t.Fatalf("index %s: %v", name, err)
		}
		if table != "samples" {
			t.Fatalf("index %s is on %q, want samples", name, table)
		}
	}
}

func TestRun_IdempotentAndStatus(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	defer db.Close()
	r := NewRunner(db)

	if cur, pending, err := r.Status(); err != nil || cur != 0 || pending != 2 {
		t.Fatalf("Status before Run = %d/%d/%v, want 0/2/nil", cur, pending, err)
	}
	for i := 0; i < 2; i++ {
		if err := r.Run(); err != nil {
			t.Fatalf("Run #%d: %v", i+1, err)
		}
	}
	if cur, pending, err := r.Status(); err != nil || cur != 2 || pending != 0 {
		t.Fatalf("Status after Run = %d/%d/%v, want 2/0/nil", cur, pending, err)
	}

	var applied int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if applied != 2 {
		t.Fatalf("schema_migrations rows = %d, want 2", applied)
	}
}
