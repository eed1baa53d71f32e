// Package manifest keeps an SQLite index of processed scans so a training
// loader can find image/mask pairs without walking the output tree.
package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for unknown series uids
var ErrNotFound = errors.New("manifest: scan not found")

// Record is one processed scan
type Record struct {
	RunID       string
	SeriesUID   string
	Subset      string
	Depth       int
	Height      int
	Width       int
	SpacingZ    float64
	SpacingY    float64
	SpacingX    float64
	Nodules     int
	MaskVoxels  int
	MeanHU      float64
	StdDevHU    float64
	ImagePath   string
	MaskPath    string
	ProcessedAt time.Time
}

// Store wraps the SQLite connection
type Store struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open creates or opens the manifest database at path
func Open(ctx context.Context, path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate manifest: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		series_uid TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		subset TEXT NOT NULL DEFAULT '',
		depth INTEGER NOT NULL,
		height INTEGER NOT NULL,
		width INTEGER NOT NULL,
		spacing_z REAL NOT NULL,
		spacing_y REAL NOT NULL,
		spacing_x REAL NOT NULL,
		nodules INTEGER NOT NULL DEFAULT 0,
		mask_voxels INTEGER NOT NULL DEFAULT 0,
		mean_hu REAL NOT NULL DEFAULT 0,
		stddev_hu REAL NOT NULL DEFAULT 0,
		image_path TEXT NOT NULL,
		mask_path TEXT NOT NULL,
		processed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scans_run_id ON scans(run_id);
	CREATE INDEX IF NOT EXISTS idx_scans_subset ON scans(subset);
	`
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.conn.Close()
}

// Insert stores rec, replacing any earlier record of the same scan
func (s *Store) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO scans (
			series_uid, run_id, subset, depth, height, width,
			spacing_z, spacing_y, spacing_x, nodules, mask_voxels,
			mean_hu, stddev_hu, image_path, mask_path, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SeriesUID, rec.RunID, rec.Subset, rec.Depth, rec.Height, rec.Width,
		rec.SpacingZ, rec.SpacingY, rec.SpacingX, rec.Nodules, rec.MaskVoxels,
		rec.MeanHU, rec.StdDevHU, rec.ImagePath, rec.MaskPath, rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scan %s: %w", rec.SeriesUID, err)
	}
	return nil
}

const selectColumns = `
	SELECT series_uid, run_id, subset, depth, height, width,
		spacing_z, spacing_y, spacing_x, nodules, mask_voxels,
		mean_hu, stddev_hu, image_path, mask_path, processed_at
	FROM scans`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.SeriesUID, &rec.RunID, &rec.Subset, &rec.Depth, &rec.Height, &rec.Width,
		&rec.SpacingZ, &rec.SpacingY, &rec.SpacingX, &rec.Nodules, &rec.MaskVoxels,
		&rec.MeanHU, &rec.StdDevHU, &rec.ImagePath, &rec.MaskPath, &rec.ProcessedAt)
	return rec, err
}

// Get returns the record of one scan
func (s *Store) Get(ctx context.Context, seriesUID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := scanRecord(s.conn.QueryRowContext(ctx, selectColumns+` WHERE series_uid = ?`, seriesUID))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, seriesUID)
	}
	if err != nil {
		return rec, fmt.Errorf("failed to get scan: %w", err)
	}
	return rec, nil
}

// List returns all records ordered by subset and series uid
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(ctx, selectColumns+` ORDER BY subset, series_uid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
