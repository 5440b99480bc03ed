package db

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/confocal.scan/internal/scan"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

// LineStore records every line attempt of one scan. It implements
// scan.LineRecorder.
type LineStore struct {
	db     *DB
	scanID string
}

// LineStore returns a recorder for scanID. The scan must already exist.
func (db *DB) LineStore(scanID string) *LineStore {
	return &LineStore{db: db, scanID: scanID}
}

func (s *LineStore) RecordLine(ctx context.Context, a scan.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_lines (
			scan_id, row_index, attempt, direction, y, pixels, accepted, raw, recorded_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.scanID, a.Row, a.Number, a.Direction.String(), a.Y, a.Pixels, a.Accepted, a.Raw,
		unixSeconds(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record row %d attempt %d of scan %s: %w", a.Row, a.Number, s.scanID, err)
	}
	return nil
}

// StoredLine is one persisted attempt.
type StoredLine struct {
	Row       int
	Attempt   int
	Direction scan.Direction
	Y         float64
	Pixels    int
	Accepted  bool
	Raw       []byte
}

// Lines returns the attempts of scanID ordered by row then attempt.
func (db *DB) Lines(ctx context.Context, scanID string, acceptedOnly bool) ([]StoredLine, error) {
	query := `SELECT row_index, attempt, direction, y, pixels, accepted, raw
		FROM scan_lines WHERE scan_id = ?`
	if acceptedOnly {
		query += ` AND accepted = 1`
	}
	query += ` ORDER BY row_index, attempt`

	rows, err := db.QueryContext(ctx, query, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredLine
	for rows.Next() {
		var (
			l   StoredLine
			dir string
		)
		if err := rows.Scan(&l.Row, &l.Attempt, &dir, &l.Y, &l.Pixels, &l.Accepted, &l.Raw); err != nil {
			return nil, err
		}
		if dir == scan.Left.String() {
			l.Direction = scan.Left
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Reprocess rebuilds the map of scanID from its stored accepted lines,
// decoding them with mode and binning. A zero mode or a nil binning uses
// the scan's own.
func (db *DB) Reprocess(ctx context.Context, scanID string, mode tttr.Mode, binning *tttr.Binning) (*scan.RasterMap, error) {
	s, err := db.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if mode == 0 {
		mode = s.Mode
	}
	bin := s.Binning
	if binning != nil {
		bin = *binning
	}
	all, err := db.Lines(ctx, scanID, false)
	if err != nil {
		return nil, err
	}

	m := &scan.RasterMap{
		ScanID: scanID,
		XStart: s.Region.XStart,
		YStart: s.Region.YStart,
		Step:   s.Region.Step,
		Stats: scan.Stats{
			Velocity:   s.Velocity,
			Runway:     s.Runway,
			RunwayMode: s.RunwayMode,
		},
	}
	for _, l := range all {
		m.Stats.Attempts++
		if !l.Accepted {
			m.Stats.BadAttempts++
			continue
		}
		pixels := tttr.Pixels(mode, bin, l.Raw)
		if l.Direction == scan.Left {
			slices.Reverse(pixels)
		}
		m.Rows = append(m.Rows, pixels)
	}
	m.Rows, m.Stats.Resampled = scan.Resample(m.Rows)
	m.Summarise()
	return m, nil
}
