// Package api serves the scan engine over HTTP: start, stop and watch a
// scan, and browse the stored results.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/thz.scan/internal/config"
	"github.com/banshee-data/thz.scan/internal/db"
	"github.com/banshee-data/thz.scan/internal/httputil"
	"github.com/banshee-data/thz.scan/internal/monitoring"
	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/version"
)

var logf = monitoring.Component("api")

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Preparer points the engine at the instruments a scan file asks for
// (detector backend, auxiliaries). It runs before every scan the API starts.
type Preparer func(ctx context.Context, engine *scan.Engine, file *config.ScanFile) error

type Server struct {
	engine   *scan.Engine
	hub      *scan.Hub
	store    *db.DB
	defaults *config.ScanFile

	// Prepare, if set, runs before every scan.
	Prepare Preparer

	mu   sync.Mutex
	busy bool
	wg   sync.WaitGroup
}

// NewServer creates a server. store may be nil, in which case finished
// scans are only written to files.
func NewServer(engine *scan.Engine, store *db.DB, defaults *config.ScanFile) *Server {
	if defaults == nil {
		defaults = &config.ScanFile{}
	}
	return &Server{
		engine:   engine,
		hub:      scan.NewHub(),
		store:    store,
		defaults: defaults,
	}
}

// Wait blocks until background scans have finished and been stored.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Shutdown asks a running scan to stop and waits for it to be stored.
func (s *Server) Shutdown() {
	s.engine.Stop()
	s.Wait()
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
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scans", s.handleScans)
	mux.HandleFunc("/api/scans/stop", s.stopScan)
	mux.HandleFunc("/api/scans/state", s.showState)
	mux.HandleFunc("/api/scans/live", s.streamLive)
	mux.HandleFunc("/api/scans/{id}", s.showScan)
	mux.HandleFunc("/api/scans/{id}/chart", s.showChart)
	mux.HandleFunc("/api/scans/{id}/png", s.showPNG)
	mux.HandleFunc("/api/scans/{id}/export", s.exportScan)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.defaults)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
