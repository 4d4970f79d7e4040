package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/thz.scan/internal/api"
	"github.com/banshee-data/thz.scan/internal/config"
	"github.com/banshee-data/thz.scan/internal/db"
	"github.com/banshee-data/thz.scan/internal/rig"
	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/timeutil"
)

func TestNewHandler(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "scans.db"))
	require.NoError(t, err)
	defer store.Close()

	bench := rig.New(rig.Options{Dev: true})
	defer bench.Close()
	apiServer := api.NewServer(scan.NewEngine(timeutil.RealClock{}), store, &config.ScanFile{})
	apiServer.Prepare = bench.Prepare
	defer apiServer.Shutdown()

	h, err := newHandler(apiServer, store, bench)
	require.NoError(t, err)

	body := `{"mode":"goto_delay","stage":"Group1.Pos","goto_delay":2}`
	req := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	apiServer.Wait()

	req = httptest.NewRequest(http.MethodGet, "/api/scans", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"goto_delay"`)

	req = httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tailsql")
}

func TestLoadDefaults(t *testing.T) {
	file, err := loadDefaults(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, file.GetPasses())

	file, err = loadDefaults(filepath.Join("..", "..", config.DefaultConfigPath))
	require.NoError(t, err)
	assert.Equal(t, "THz_long.PP", file.GetStage())
}
