// Package duckdb mirrors appended counter samples into a DuckDB table for
// ad-hoc analytic queries. The session store stays the source of truth; the
// mirror is optional and may lag behind it.
package duckdb

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/duckdb/migrate"
)

// DefaultQueryTimeout bounds every query the store runs.
const DefaultQueryTimeout = 30 * time.Second

// StoreConfig holds optional store settings.
type StoreConfig struct {
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// Store manages the DuckDB database connection and provides query methods.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	log          *zap.Logger
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and applies pending migrations.
// If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, conf ...StoreConfig) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	if err := migrate.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		dbPath:       dbPath,
		log:          zap.NewNop(),
		QueryTimeout: DefaultQueryTimeout,
	}
	if len(conf) > 0 {
		if conf[0].QueryTimeout > 0 {
			s.QueryTimeout = conf[0].QueryTimeout
		}
		if conf[0].Logger != nil {
			s.log = conf[0].Logger
		}
	}
	s.log = s.log.Named("duckdb")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}
