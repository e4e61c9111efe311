// Package database persists the capture catalog: one row per capture run,
// recording when it started, when it stopped, and whether the target process
// was ever matched. The per-analysis trace artifacts stay on disk; the
// catalog is the durable operational index over them.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Catalog handles capture bookkeeping in sqlite.
type Catalog struct {
	db *sql.DB
}

// CaptureRecord is one capture run as stored in the catalog.
type CaptureRecord struct {
	ID          int64
	AnalysisID  string
	OutputDir   string
	TargetExe   string
	StartedAt   time.Time
	StoppedAt   sql.NullTime
	TargetFound bool
	RowsWritten int64
}

// NewCatalog creates/opens the catalog database under dataDir.
func NewCatalog(dataDir string) (*Catalog, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "captures.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS captures (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		analysis_id  TEXT NOT NULL,
		output_dir   TEXT NOT NULL,
		target_exe   TEXT NOT NULL,
		started_at   DATETIME NOT NULL,
		stopped_at   DATETIME,
		target_found INTEGER NOT NULL DEFAULT 0,
		rows_written INTEGER NOT NULL DEFAULT 0
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_analysis ON captures(analysis_id);",
		"CREATE INDEX IF NOT EXISTS idx_started ON captures(started_at);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// RecordStart inserts a catalog row for a newly started capture.
func (c *Catalog) RecordStart(analysisID, outputDir, targetExe string) error {
	_, err := c.db.Exec(`
		INSERT INTO captures (analysis_id, output_dir, target_exe, started_at)
		VALUES (?, ?, ?, ?)`,
		analysisID, outputDir, targetExe, time.Now().UTC())
	return err
}

// RecordStop closes the open catalog row for an analysis id.
func (c *Catalog) RecordStop(analysisID string, targetFound bool, rowsWritten int64) error {
	_, err := c.db.Exec(`
		UPDATE captures
		SET stopped_at = ?, target_found = ?, rows_written = ?
		WHERE analysis_id = ? AND stopped_at IS NULL`,
		time.Now().UTC(), targetFound, rowsWritten, analysisID)
	return err
}

// Recent returns the most recently started capture runs, newest first.
func (c *Catalog) Recent(limit int) ([]CaptureRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, analysis_id, output_dir, target_exe, started_at, stopped_at,
		       target_found, rows_written
		FROM captures
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaptureRecord
	for rows.Next() {
		var r CaptureRecord
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.OutputDir, &r.TargetExe,
			&r.StartedAt, &r.StoppedAt, &r.TargetFound, &r.RowsWritten); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}
