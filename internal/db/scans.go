package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/confocal.scan/internal/calibrate"
	"github.com/banshee-data/confocal.scan/internal/scan"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

// Scan statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Scan is one raster run.
type Scan struct {
	ID         string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Region     scan.Region
	Mode       tttr.Mode
	Binning    tttr.Binning

	// Filled in by FinishScan.
	Velocity       float64
	Runway         float64
	RunwayMode     string
	RowsDone       int
	Attempts       int
	BadAttempts    int
	BadRowFraction float64
	Error          string
}

// CreateScan inserts s as running. StartedAt defaults to now.
func (db *DB) CreateScan(ctx context.Context, s *Scan) error {
	if s.ID == "" {
		return errors.New("scan id is required")
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	if s.Mode == 0 {
		s.Mode = tttr.T3
	}
	s.Status = StatusRunning
	_, err := db.ExecContext(ctx, `
		INSERT INTO scans (
			scan_id, status, started_unix, x_start, y_start, x_end, y_end, step,
			requested_velocity, runway_mode, tttr_mode, binning
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Status, unixSeconds(s.StartedAt),
		s.Region.XStart, s.Region.YStart, s.Region.XEnd, s.Region.YEnd, s.Region.Step,
		s.Region.Velocity, s.Region.RunwayMode.String(), s.Mode.String(), s.Binning.String(),
	)
	if err != nil {
		return fmt.Errorf("insert scan %s: %w", s.ID, err)
	}
	return nil
}

// FinishScan stores the outcome of a run. m may be a partial map or nil.
func (db *DB) FinishScan(ctx context.Context, id string, m *scan.RasterMap, runErr error) error {
	status := StatusDone
	var errText sql.NullString
	if runErr != nil {
		status = StatusFailed
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	var stats scan.Stats
	if m != nil {
		stats = m.Stats
	}
	res, err := db.ExecContext(ctx, `
		UPDATE scans SET
			status = ?, finished_unix = ?, velocity = ?, runway = ?, used_runway_mode = ?,
			rows_done = ?, attempts = ?, bad_attempts = ?, bad_row_fraction = ?, error = ?
		WHERE scan_id = ?`,
		status, unixSeconds(time.Now()), stats.Velocity, stats.Runway, stats.RunwayMode,
		stats.Rows, stats.Attempts, stats.BadAttempts, stats.BadRowFraction, errText,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish scan %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	return nil
}

const scanColumns = `
	scan_id, status, started_unix, finished_unix, x_start, y_start, x_end, y_end, step,
	requested_velocity, runway_mode, tttr_mode, binning,
	velocity, runway, used_runway_mode, rows_done, attempts, bad_attempts,
	bad_row_fraction, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(row rowScanner) (*Scan, error) {
	var (
		s                                   Scan
		started                             float64
		finished, velocity, runway, badFrac sql.NullFloat64
		runwayMode, mode, binning           string
		usedMode, errText                   sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.Status, &started, &finished,
		&s.Region.XStart, &s.Region.YStart, &s.Region.XEnd, &s.Region.YEnd, &s.Region.Step,
		&s.Region.Velocity, &runwayMode, &mode, &binning,
		&velocity, &runway, &usedMode, &s.RowsDone, &s.Attempts, &s.BadAttempts,
		&badFrac, &errText,
	)
	if err != nil {
		return nil, err
	}
	s.StartedAt = fromUnixSeconds(started)
	if finished.Valid {
		s.FinishedAt = fromUnixSeconds(finished.Float64)
	}
	if s.Region.RunwayMode, err = calibrate.ParseMode(runwayMode); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.ID, err)
	}
	if s.Mode, err = tttr.ParseMode(mode); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.ID, err)
	}
	if s.Binning, err = tttr.ParseBinning(binning); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.ID, err)
	}
	s.Velocity = velocity.Float64
	s.Runway = runway.Float64
	s.RunwayMode = usedMode.String
	s.BadRowFraction = badFrac.Float64
	s.Error = errText.String
	return &s, nil
}

// GetScan returns the scan with id or ErrNotFound.
func (db *DB) GetScan(ctx context.Context, id string) (*Scan, error) {
	row := db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE scan_id = ?`, id)
	s, err := scanScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	return s, err
}

// ListScans returns the most recent scans first.
func (db *DB) ListScans(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+scanColumns+` FROM scans ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
