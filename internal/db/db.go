// Package db persists runs, passages and the rolling transition log to
// SQLite (modernc.org/sqlite, pure Go). The constructor applies the
// baseline schema; schema evolution beyond the baseline runs through
// golang-migrate with file-based migrations.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/gatescan/route.timer/internal/monitoring"
)

type DB struct {
	*sql.DB

	path string
}

// NewDB opens (creating if needed) the SQLite store at path and applies
// the baseline schema.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// WAL keeps the engine's writes from blocking API reads; the busy
	// timeout covers the retention worker contending with the result sink.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := sqlDB.Exec(baselineSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply baseline schema: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

const baselineSchema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id         TEXT PRIMARY KEY,
		route          TEXT NOT NULL,
		state          TEXT NOT NULL DEFAULT 'active',
		started_at_ns  BIGINT NOT NULL,
		finished_at_ns BIGINT,
		total_ms       BIGINT,
		created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS passages (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id    TEXT NOT NULL REFERENCES runs(run_id),
		gate_idx  INTEGER NOT NULL,
		gate_name TEXT NOT NULL,
		role      TEXT NOT NULL,
		ts_ns     BIGINT NOT NULL,
		rssi_dbm  DOUBLE
	);
	CREATE TABLE IF NOT EXISTS transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id   TEXT NOT NULL,
		gate_idx    INTEGER NOT NULL DEFAULT -1,
		kind        TEXT NOT NULL,
		ts_ns       BIGINT NOT NULL,
		rssi_dbm    DOUBLE,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_passages_run ON passages(run_id, gate_idx);
	CREATE INDEX IF NOT EXISTS idx_transitions_ts ON transitions(ts_ns);
	CREATE INDEX IF NOT EXISTS idx_runs_route_state ON runs(route, state);
`

// AttachAdminRoutes mounts the tsweb debugger with a live tailsql console
// over the store and a vacuum-backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Route Timer DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("db: failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Logf("db: failed to stream backup: %v", err)
		}
	}))

	return nil
}
