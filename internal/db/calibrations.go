package db

import (
	"context"
	"fmt"
	"time"
)

// Calibration is one runway measurement or interpolation.
type Calibration struct {
	ID         int64
	Velocity   float64
	Runway     float64
	Mode       string
	MeasuredAt time.Time
}

// SaveCalibration implements calibrate.Store.
func (db *DB) SaveCalibration(ctx context.Context, velocity, runway float64, mode string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO calibrations (velocity, runway, mode, measured_unix) VALUES (?, ?, ?, ?)`,
		velocity, runway, mode, unixSeconds(time.Now()))
	if err != nil {
		return fmt.Errorf("save calibration at %g mm/s: %w", velocity, err)
	}
	return nil
}

// Calibrations returns every stored calibration, newest first.
func (db *DB) Calibrations(ctx context.Context) ([]Calibration, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT calibration_id, velocity, runway, mode, measured_unix
		FROM calibrations ORDER BY measured_unix DESC, calibration_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Calibration
	for rows.Next() {
		var (
			c        Calibration
			measured float64
		)
		if err := rows.Scan(&c.ID, &c.Velocity, &c.Runway, &c.Mode, &measured); err != nil {
			return nil, err
		}
		c.MeasuredAt = fromUnixSeconds(measured)
		out = append(out, c)
	}
	return out, rows.Err()
}
