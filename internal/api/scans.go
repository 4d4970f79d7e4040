package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/thz.scan/internal/config"
	"github.com/banshee-data/thz.scan/internal/db"
	"github.com/banshee-data/thz.scan/internal/export"
	"github.com/banshee-data/thz.scan/internal/httputil"
	"github.com/banshee-data/thz.scan/internal/report"
	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/security"
)

// maxScanBody caps POST /api/scans bodies, matching the scan file limit.
const maxScanBody = 1 << 20

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listScans(w, r)
	case http.MethodPost:
		s.startScan(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// startScan merges the posted scan file over the defaults and starts it in
// the background. An empty body runs the defaults.
func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBody+1))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Failed to read body: %v", err))
		return
	}
	file := s.defaults
	if len(bytes.TrimSpace(body)) > 0 {
		posted, err := config.ParseScanFile(body)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if posted.OutputDir != nil {
			dir, err := s.outputDir(*posted.OutputDir)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			posted.OutputDir = &dir
		}
		file, err = s.defaults.Merge(posted)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	cfg := file.ToConfiguration()
	if err := cfg.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		httputil.Conflict(w, scan.ErrScanInProgress.Error())
		return
	}
	s.busy = true
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}

	if s.Prepare != nil {
		if err := s.Prepare(r.Context(), s.engine, file); err != nil {
			release()
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, fmt.Sprintf("Instrument setup failed: %v", err))
			return
		}
	}

	// the scan outlives the request
	id, done, err := s.engine.Start(context.Background(), cfg, s.hub)
	if err != nil {
		release()
		status := http.StatusBadRequest
		if errors.Is(err, scan.ErrScanInProgress) {
			status = http.StatusConflict
		}
		httputil.WriteJSONError(w, status, err.Error())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.finish(<-done, file)
	}()

	logf("started %s scan %s", cfg.Mode, id)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":    id,
		"state": "/api/scans/state",
		"live":  "/api/scans/live",
	})
}

// outputDir confines a requested output directory to the configured one.
// Relative paths are taken from the configured directory.
func (s *Server) outputDir(requested string) (string, error) {
	root := s.defaults.GetOutputDir()
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(root, requested)
	}
	if err := security.WithinDirectory(requested, root); err != nil {
		return "", err
	}
	return requested, nil
}

// finish stores a result and writes its files when auto naming is on.
func (s *Server) finish(res scan.Result, file *config.ScanFile) {
	ctx := context.Background()
	if s.store != nil {
		if err := s.store.SaveScan(ctx, res); err != nil {
			logf("failed to store scan %s: %v", res.ID, err)
		}
	}
	base := security.SanitizeBaseName(file.GetAutoName())
	if base == "" || !export.ShouldSave(res) {
		return
	}
	var secondary *float64
	if d, ok := file.SecondaryDelay(); ok {
		secondary = &d
	}
	path, err := export.WriteOutputs(file.GetOutputDir(), base, secondary, res)
	if err != nil {
		logf("failed to write files for scan %s: %v", res.ID, err)
		return
	}
	if s.store != nil {
		if err := s.store.SetOutputPath(ctx, res.ID, path); err != nil {
			logf("failed to record output path of %s: %v", res.ID, err)
		}
	}
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.engine.Running() {
		httputil.Conflict(w, "No scan is running")
		return
	}
	s.engine.Stop()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.NotFound(w, "No scan store configured")
		return
	}
	limit := 50 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	scans, err := s.store.ListScans(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list scans: %v", err))
		return
	}
	if scans == nil {
		scans = []db.ScanSummary{}
	}
	httputil.WriteJSON(w, http.StatusOK, scans)
}

// loadScan fetches the {id} in the path, writing the error response itself
// when it returns false.
func (s *Server) loadScan(w http.ResponseWriter, r *http.Request) (scan.Result, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return scan.Result{}, false
	}
	if s.store == nil {
		httputil.NotFound(w, "No scan store configured")
		return scan.Result{}, false
	}
	id := r.PathValue("id")
	res, err := s.store.LoadScan(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("Scan %q not found", id))
		return scan.Result{}, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load scan: %v", err))
		return scan.Result{}, false
	}
	return res, true
}

func (s *Server) showScan(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.deleteScan(w, r)
		return
	}
	res, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) deleteScan(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.NotFound(w, "No scan store configured")
		return
	}
	err := s.store.DeleteScan(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, "Scan not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to delete scan: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.RenderHTML(&buf, res); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showPNG(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WritePNG(&buf, res); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) exportScan(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := export.WriteTSV(&buf, res); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("export error: %v", err))
		return
	}
	httputil.WriteAttachment(w, "text/tab-separated-values; charset=utf-8", res.ID+export.DataExt, buf.Bytes())
}
