package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/banshee-data/confocal.scan/internal/fsutil"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

// RawDumper writes every attempt's record stream to Dir so lines can be
// reprocessed offline.
type RawDumper struct {
	FS  fsutil.FileSystem
	Dir string
}

// DumpName is the file name of one attempt. Rejected attempts carry a
// ".rejected" tag before the extension.
func DumpName(row, attempt int, accepted bool) string {
	if !accepted {
		return fmt.Sprintf("row%04d_attempt%02d.rejected.tttr", row, attempt)
	}
	return fmt.Sprintf("row%04d_attempt%02d.tttr", row, attempt)
}

// ErrNoDumps is returned by ReadDump when dir holds no accepted attempt
// files.
var ErrNoDumps = errors.New("no raw line dumps found")

// ReadDump rebuilds a map from the attempt files RawDumper wrote to dir.
// Each row uses its highest numbered accepted attempt; a row with none,
// such as one that ran out of retries, is left out. Odd rows are reversed,
// as they were swept leftwards. Geometry is not stored in the dumps, so
// XStart, YStart and Step are left zero.
func ReadDump(fsys fsutil.FileSystem, dir string, mode tttr.Mode, binning tttr.Binning) (*RasterMap, error) {
	if !fsys.Exists(dir) {
		return nil, fmt.Errorf("raw dump directory %s: %w", dir, fs.ErrNotExist)
	}
	names, err := fsys.Glob(filepath.Join(dir, "row*_attempt*.tttr"))
	if err != nil {
		return nil, err
	}
	type pick struct {
		attempt int
		name    string
	}
	best := map[int]pick{}
	m := &RasterMap{}
	for _, name := range names {
		f, ok := parseDumpName(filepath.Base(name))
		if !ok {
			continue
		}
		m.Stats.Attempts++
		if !f.accepted {
			m.Stats.BadAttempts++
			continue
		}
		if p, seen := best[f.row]; !seen || f.attempt > p.attempt {
			best[f.row] = pick{attempt: f.attempt, name: name}
		}
	}
	if len(best) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoDumps)
	}
	rows := slices.Sorted(maps.Keys(best))

	for _, row := range rows {
		raw, err := fsys.ReadFile(best[row].name)
		if err != nil {
			return nil, err
		}
		pixels := tttr.Pixels(mode, binning, raw)
		if row%2 == 1 {
			slices.Reverse(pixels)
		}
		m.Rows = append(m.Rows, pixels)
	}
	m.Rows, m.Stats.Resampled = Resample(m.Rows)
	m.Summarise()
	return m, nil
}

type dumpFile struct {
	row      int
	attempt  int
	accepted bool
}

// parseDumpName reverses DumpName.
func parseDumpName(name string) (dumpFile, bool) {
	rest, ok := strings.CutPrefix(name, "row")
	if !ok {
		return dumpFile{}, false
	}
	rowDigits, rest, ok := strings.Cut(rest, "_attempt")
	if !ok {
		return dumpFile{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".tttr")
	if !ok {
		return dumpFile{}, false
	}
	attemptDigits, rejected := strings.CutSuffix(rest, ".rejected")
	row, err := strconv.Atoi(rowDigits)
	if err != nil || row < 0 {
		return dumpFile{}, false
	}
	attempt, err := strconv.Atoi(attemptDigits)
	if err != nil || attempt < 1 {
		return dumpFile{}, false
	}
	return dumpFile{row: row, attempt: attempt, accepted: !rejected}, true
}

func (d RawDumper) RecordLine(_ context.Context, a Attempt) error {
	if err := d.FS.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	return d.FS.WriteFile(filepath.Join(d.Dir, DumpName(a.Row, a.Number, a.Accepted)), a.Raw, 0o644)
}

// Recorders fans attempts out to several recorders.
type Recorders []LineRecorder

func (rs Recorders) RecordLine(ctx context.Context, a Attempt) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordLine(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
