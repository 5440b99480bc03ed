// Package api serves the scan database over HTTP: run history, stored
// calibrations, localised emitters, and maps rebuilt from raw lines.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/banshee-data/confocal.scan/internal/db"
	"github.com/banshee-data/confocal.scan/internal/httputil"
	"github.com/banshee-data/confocal.scan/internal/monitoring"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

type Server struct {
	db     *db.DB
	logger *slog.Logger
}

func NewServer(database *db.DB, logger *slog.Logger) *Server {
	return &Server{
		db:     database,
		logger: monitoring.Or(logger).With("component", "api"),
	}
}

// ServeMux returns the API routes, to be mounted under /api/.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /scans", s.listScans)
	mux.HandleFunc("GET /scans/{id}", s.showScan)
	mux.HandleFunc("GET /scans/{id}/map", s.showMap)
	mux.HandleFunc("GET /scans/{id}/emitters", s.listEmitters)
	mux.HandleFunc("GET /calibrations", s.listCalibrations)
	return mux
}

// ScanAPI is the JSON form of db.Scan.
type ScanAPI struct {
	ID             string   `json:"scan_id"`
	Status         string   `json:"status"`
	StartedAt      string   `json:"started_at"`
	FinishedAt     *string  `json:"finished_at,omitempty"`
	XStart         float64  `json:"x_start"`
	YStart         float64  `json:"y_start"`
	XEnd           float64  `json:"x_end"`
	YEnd           float64  `json:"y_end"`
	Step           float64  `json:"step"`
	Mode           string   `json:"tttr_mode"`
	Binning        string   `json:"binning"`
	Velocity       float64  `json:"velocity"`
	Runway         float64  `json:"runway"`
	RunwayMode     string   `json:"runway_mode"`
	RowsDone       int      `json:"rows_done"`
	Attempts       int      `json:"attempts"`
	BadAttempts    int      `json:"bad_attempts"`
	BadRowFraction float64  `json:"bad_row_fraction"`
	Error          string   `json:"error,omitempty"`
}

func toScanAPI(sc *db.Scan) ScanAPI {
	out := ScanAPI{
		ID:             sc.ID,
		Status:         sc.Status,
		StartedAt:      sc.StartedAt.UTC().Format(time.RFC3339Nano),
		XStart:         sc.Region.XStart,
		YStart:         sc.Region.YStart,
		XEnd:           sc.Region.XEnd,
		YEnd:           sc.Region.YEnd,
		Step:           sc.Region.Step,
		Mode:           sc.Mode.String(),
		Binning:        sc.Binning.String(),
		Velocity:       sc.Velocity,
		Runway:         sc.Runway,
		RunwayMode:     sc.RunwayMode,
		RowsDone:       sc.RowsDone,
		Attempts:       sc.Attempts,
		BadAttempts:    sc.BadAttempts,
		BadRowFraction: sc.BadRowFraction,
		Error:          sc.Error,
	}
	if !sc.FinishedAt.IsZero() {
		f := sc.FinishedAt.UTC().Format(time.RFC3339Nano)
		out.FinishedAt = &f
	}
	return out
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 100)
	if err != nil || limit < 0 {
		httputil.BadRequest(w, "limit must be a non-negative integer")
		return
	}
	scans, err := s.db.ListScans(r.Context(), limit)
	if err != nil {
		s.fail(w, "list scans", err)
		return
	}
	out := make([]ScanAPI, 0, len(scans))
	for i := range scans {
		out = append(out, toScanAPI(&scans[i]))
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showScan(w http.ResponseWriter, r *http.Request) {
	sc, err := s.db.GetScan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "get scan", err)
		return
	}
	httputil.WriteJSONOK(w, toScanAPI(sc))
}

// showMap rebuilds the map from stored lines and writes it in the text grid
// format. The mode and binning query parameters override the scan's own.
func (s *Server) showMap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var mode tttr.Mode
	if v := q.Get("mode"); v != "" {
		var err error
		if mode, err = tttr.ParseMode(v); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	var binning *tttr.Binning
	if v := q.Get("binning"); v != "" {
		b, err := tttr.ParseBinning(v)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		binning = &b
	}

	m, err := s.db.Reprocess(r.Context(), r.PathValue("id"), mode, binning)
	if err != nil {
		s.fail(w, "reprocess scan", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Bad-Row-Fraction", fmt.Sprint(m.Stats.BadRowFraction))
	if _, err := m.WriteTo(w); err != nil {
		s.logger.Warn("write map", "scan_id", m.ScanID, "error", err)
	}
}

// EmitterAPI is the JSON form of db.Emitter.
type EmitterAPI struct {
	Pass  int     `json:"pass"`
	Rank  int     `json:"rank"`
	Row   int     `json:"row"`
	Col   int     `json:"col"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Value float64 `json:"value"`
}

func (s *Server) listEmitters(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.db.GetScan(r.Context(), id); err != nil {
		s.fail(w, "get scan", err)
		return
	}
	emitters, err := s.db.Emitters(r.Context(), id)
	if err != nil {
		s.fail(w, "list emitters", err)
		return
	}
	out := make([]EmitterAPI, 0, len(emitters))
	for _, e := range emitters {
		out = append(out, EmitterAPI{Pass: e.Pass, Rank: e.Rank, Row: e.Row, Col: e.Col, X: e.X, Y: e.Y, Value: e.Value})
	}
	httputil.WriteJSONOK(w, out)
}

// CalibrationAPI is the JSON form of db.Calibration.
type CalibrationAPI struct {
	Velocity   float64 `json:"velocity"`
	Runway     float64 `json:"runway"`
	Mode       string  `json:"mode"`
	MeasuredAt string  `json:"measured_at"`
}

func (s *Server) listCalibrations(w http.ResponseWriter, r *http.Request) {
	cals, err := s.db.Calibrations(r.Context())
	if err != nil {
		s.fail(w, "list calibrations", err)
		return
	}
	out := make([]CalibrationAPI, 0, len(cals))
	for _, c := range cals {
		out = append(out, CalibrationAPI{
			Velocity:   c.Velocity,
			Runway:     c.Runway,
			Mode:       c.Mode,
			MeasuredAt: c.MeasuredAt.UTC().Format(time.RFC3339Nano),
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	s.logger.Error(op, "error", err)
	httputil.InternalServerError(w, fmt.Sprintf("%s: %v", op, err))
}
