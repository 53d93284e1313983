// Package store implements the persistence writer: it drains consolidated
// events off the broker in batches, upserts them idempotently by event_id,
// answers range/recent read queries for the gateway, and runs a periodic
// retention scan. Schema setup and migration wiring are grounded on
// internal/db/db.go and internal/db/migrate.go's golang-migrate-over-iofs
// idiom; PRAGMAs and the admin mux are carried over near-verbatim.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// timeLayout formats timestamps with a fixed-width nanosecond fraction so
// the TEXT columns they're stored in sort lexicographically the same way
// they sort chronologically. time.RFC3339Nano trims trailing zeros, which
// would otherwise make "...05Z" sort after "...05.100000000Z" in SQLite's
// plain text BETWEEN/ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite connection used by the persistence writer and the
// gateway's read queries.
type DB struct {
	*sql.DB
}

// Open creates or opens the sqlite database at path, applies the
// performance PRAGMAs the teacher's schema.sql depends on, and brings the
// schema to the latest migration.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	db := &DB{sqlDB}
	if err := db.migrateToLatest(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
	}
	return nil
}

func (db *DB) migrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsFS, "migrations")
}

// migrateToLatest runs every pending migration. A fresh database with no
// schema_migrations table is initialized from schema.sql (same
// "bootstrap, then verify migrations agree" shape as the teacher's NewDB,
// minus the schema-drift detector: this schema has one table and no legacy
// deployments to reconcile against).
func (db *DB) migrateToLatest() error {
	var exists bool
	err := db.QueryRow(`SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if !exists {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("store: initialize schema: %w", err)
		}
	}

	mfs, err := db.migrationsFS()
	if err != nil {
		return fmt.Errorf("store: migrations filesystem: %w", err)
	}
	sourceDriver, err := iofs.New(mfs, ".")
	if err != nil {
		return fmt.Errorf("store: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: new migrate instance: %w", err)
	}
	// m.Close() is skipped deliberately: the sqlite driver's Close() would
	// close the underlying *sql.DB connection, which this DB owns and
	// manages through its own lifetime, not migrate's.
	if !exists {
		version, err := latestMigrationVersion(mfs)
		if err == nil && version > 0 {
			_ = m.Force(int(version))
		}
		return nil
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func latestMigrationVersion(mfs fs.FS) (uint, error) {
	entries, err := fs.ReadDir(mfs, ".")
	if err != nil {
		return 0, err
	}
	var latest uint
	for _, e := range entries {
		var v uint
		if _, err := fmt.Sscanf(e.Name(), "%d_", &v); err == nil && v > latest {
			latest = v
		}
	}
	return latest, nil
}

// AttachAdminRoutes mounts debug/introspection endpoints the same way the
// teacher's DB.AttachAdminRoutes does: a tailsql live-query console for ad
// hoc field debugging, plus a small JSON stats route.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
	if err != nil {
		log.Printf("store: tailsql server unavailable, skipping SQL console: %v", err)
	} else {
		tsql.SetDB("sqlite://traffic_events", db.DB, &tailsql.DBOptions{Label: "Fusion DB"})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("store-stats", "traffic_events row count and db size (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.Stats()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to get store stats: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.Printf("store: write stats response: %v", err)
		}
	}))
}

// Stats reports row count and database size, used by the admin route above.
type Stats struct {
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// Stats returns current row count and on-disk size.
func (db *DB) Stats() (Stats, error) {
	var rowCount int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM traffic_events`).Scan(&rowCount); err != nil {
		return Stats{}, fmt.Errorf("store: count rows: %w", err)
	}
	var pages, pageSize int64
	if err := db.QueryRow(`SELECT page_count, page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&pages, &pageSize); err != nil {
		return Stats{RowCount: rowCount}, nil
	}
	return Stats{RowCount: rowCount, SizeMB: float64(pages*pageSize) / (1024 * 1024)}, nil
}
