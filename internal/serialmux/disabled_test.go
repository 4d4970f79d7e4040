package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisabledSerialMux(t *testing.T) {
	var _ SerialMuxInterface = NewDisabledSerialMux()
	var _ SerialMuxInterface = NewSerialMux(NewTestableSerialPort(nil))

	d := NewDisabledSerialMux()
	if err := d.SendCommand("anything"); err != nil {
		t.Errorf("SendCommand: %v", err)
	}
	if _, err := d.Query(context.Background(), "X"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Query error = %v, want ErrDisabled", err)
	}

	_, ch := d.Subscribe()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber should be closed on Close")
	}
	if _, late := d.Subscribe(); late == nil {
		t.Error("Subscribe after close should return a closed channel")
	} else if _, ok := <-late; ok {
		t.Error("late subscriber should already be closed")
	}
	// second close is a no-op
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Monitor(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor = %v", err)
	}

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/serial-disabled", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status %d", rec.Code)
	}
}
