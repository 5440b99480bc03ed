package db

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/confocal.scan/internal/localize"
)

// Emitter is a stored candidate of a localisation pass.
type Emitter struct {
	ScanID string
	Pass   int
	Rank   int
	localize.Candidate
}

// SaveEmitters stores the candidates of one pass in rank order.
func (db *DB) SaveEmitters(ctx context.Context, scanID string, pass int, candidates []localize.Candidate) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO emitters (scan_id, pass, rank, row_index, col_index, x, y, value, found_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := unixSeconds(time.Now())
	for rank, c := range candidates {
		if _, err := stmt.ExecContext(ctx, scanID, pass, rank, c.Row, c.Col, c.X, c.Y, c.Value, now); err != nil {
			return fmt.Errorf("save emitter %d of scan %s: %w", rank, scanID, err)
		}
	}
	return tx.Commit()
}

// Emitters returns the stored candidates of scanID ordered by pass and rank.
func (db *DB) Emitters(ctx context.Context, scanID string) ([]Emitter, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT pass, rank, row_index, col_index, x, y, value
		FROM emitters WHERE scan_id = ? ORDER BY pass, rank`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Emitter
	for rows.Next() {
		e := Emitter{ScanID: scanID}
		if err := rows.Scan(&e.Pass, &e.Rank, &e.Row, &e.Col, &e.X, &e.Y, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
