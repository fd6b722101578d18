// Package api exposes the recorded telemetry history over a small
// read-only JSON API, plus a battery health chart.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/httputil"
	"github.com/packtrail-data/packtrail/internal/monitoring"
	"github.com/packtrail-data/packtrail/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db *db.DB
}

func NewServer(database *db.DB) *Server {
	return &Server{db: database}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/accounts", s.listAccounts)
	mux.HandleFunc("/api/vehicles", s.listVehicles)
	mux.HandleFunc("/api/state", s.showLatestState)
	mux.HandleFunc("/api/drives", s.listDrives)
	mux.HandleFunc("/api/drive_positions", s.listDrivePositions)
	mux.HandleFunc("/api/charges", s.listCharges)
	mux.HandleFunc("/api/battery_health", s.listBatteryHealth)
	mux.HandleFunc("/charts/battery_health", s.showBatteryHealthChart)
	return mux
}

// vehicleIDParam parses the required vehicle_id query parameter.
func vehicleIDParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("vehicle_id")
	if raw == "" {
		return 0, fmt.Errorf("missing 'vehicle_id' parameter")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid 'vehicle_id' parameter")
	}
	return id, nil
}

// limitParam parses the optional limit query parameter.
func limitParam(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return limit, nil
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	accounts, err := s.db.ActiveAccounts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve accounts: %v", err))
		return
	}
	httputil.WriteJSONOK(w, accounts)
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	raw := r.URL.Query().Get("account_id")
	accountID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || accountID < 1 {
		httputil.BadRequest(w, "invalid 'account_id' parameter")
		return
	}
	vehicles, err := s.db.ActiveVehicles(accountID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve vehicles: %v", err))
		return
	}
	httputil.WriteJSONOK(w, vehicles)
}

func (s *Server) showLatestState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	vehicleID, err := vehicleIDParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	state, err := s.db.LatestVehicleState(vehicleID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve state: %v", err))
		return
	}
	if state == nil {
		httputil.NotFound(w, "no state recorded for vehicle")
		return
	}
	httputil.WriteJSONOK(w, state)
}

func (s *Server) listDrives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	vehicleID, err := vehicleIDParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	limit, err := limitParam(r, 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	drives, err := s.db.ListDrives(vehicleID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve drives: %v", err))
		return
	}
	httputil.WriteJSONOK(w, drives)
}

func (s *Server) listDrivePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	driveID := r.URL.Query().Get("drive_id")
	if driveID == "" {
		httputil.BadRequest(w, "missing 'drive_id' parameter")
		return
	}
	positions, err := s.db.Positions(driveID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve positions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, positions)
}

func (s *Server) listCharges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	vehicleID, err := vehicleIDParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	limit, err := limitParam(r, 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.db.ListChargingSessions(vehicleID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve charging sessions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listBatteryHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	vehicleID, err := vehicleIDParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	limit, err := limitParam(r, 100)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	snapshots, err := s.db.ListBatteryHealth(vehicleID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve battery health: %v", err))
		return
	}
	httputil.WriteJSONOK(w, snapshots)
}
