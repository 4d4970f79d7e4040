package serialmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// lockinResponder answers a couple of lock-in style queries.
func lockinResponder(command string) string {
	switch command {
	case "OUTP? 1":
		return "1234"
	case "OUTP? 2":
		return "-56"
	case "*IDN?":
		return "Stanford_Research_Systems,SR830,s/n00001,ver1.07"
	}
	return ""
}

// startMonitor runs Monitor until the test ends.
func startMonitor(t *testing.T, mux *SerialMux[*TestableSerialPort]) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		<-done
	})
}

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort(nil)
	mux := NewSerialMux(port)

	if mux == nil {
		t.Fatal("NewSerialMux returned nil")
	}
	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil {
		t.Error("SerialMux subscribers map not initialized")
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort(nil))

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()

	if id1 == "" || id2 == "" {
		t.Fatal("Subscribe returned empty ID")
	}
	if id1 == id2 {
		t.Error("Subscription IDs should be unique")
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if len(mux.subscribers) != 1 {
		t.Errorf("expected 1 subscriber, got %d", len(mux.subscribers))
	}

	// unknown IDs are ignored
	mux.Unsubscribe("missing")
}

func TestSerialMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"adds newline", "OUTX 0", "OUTX 0\n"},
		{"keeps existing newline", "SENS 22\n", "SENS 22\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort(nil)
			mux := NewSerialMux(port)
			if err := mux.SendCommand(tt.command); err != nil {
				t.Fatalf("SendCommand: %v", err)
			}
			if got := port.WrittenData(); got != tt.want {
				t.Errorf("written %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSerialMux_SendCommandWriteError(t *testing.T) {
	port := NewTestableSerialPort(nil)
	port.WriteError = errors.New("boom")
	mux := NewSerialMux(port)

	if err := mux.SendCommand("X"); err == nil {
		t.Error("expected write error")
	}
}

func TestSerialMux_MonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort(nil)
	mux := NewSerialMux(port)

	// buffered so neither subscriber misses the line while the other is read
	_, ch1 := mux.subscribe(1)
	_, ch2 := mux.subscribe(1)
	startMonitor(t, mux)

	port.AddReadData([]byte("hello\n"))

	for i, ch := range []chan string{ch1, ch2} {
		select {
		case line := <-ch:
			if line != "hello" {
				t.Errorf("subscriber %d got %q", i, line)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestSerialMux_Query(t *testing.T) {
	mux := NewMockSerialMux(lockinResponder)
	startMonitor(t, mux)

	for cmd, want := range map[string]string{
		"OUTP? 1": "1234",
		"OUTP? 2": "-56",
	} {
		got, err := mux.Query(context.Background(), cmd)
		if err != nil {
			t.Fatalf("Query(%q): %v", cmd, err)
		}
		if got != want {
			t.Errorf("Query(%q) = %q, want %q", cmd, got, want)
		}
	}
}

func TestSerialMux_QueryTimeout(t *testing.T) {
	mux := NewMockSerialMux(lockinResponder)
	mux.QueryTimeout = 20 * time.Millisecond
	startMonitor(t, mux)

	_, err := mux.Query(context.Background(), "SILENT")
	if !errors.Is(err, ErrNoReply) {
		t.Errorf("expected ErrNoReply, got %v", err)
	}
}

func TestSerialMux_QueryContextCancelled(t *testing.T) {
	mux := NewMockSerialMux(lockinResponder)
	startMonitor(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mux.Query(ctx, "SILENT")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSerialMux_QueryAfterClose(t *testing.T) {
	mux := NewMockSerialMux(lockinResponder)
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := mux.Query(context.Background(), "*IDN?"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSerialMux_CloseClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort(nil)
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	if !port.Closed() {
		t.Error("port should be closed")
	}
}

func TestTestableSerialPort_RespondsPerLine(t *testing.T) {
	var seen []string
	port := NewTestableSerialPort(func(cmd string) string {
		seen = append(seen, cmd)
		return strings.ToLower(cmd)
	})

	port.Write([]byte("A\nB"))
	port.Write([]byte("C\n"))

	if len(seen) != 2 || seen[0] != "A" || seen[1] != "BC" {
		t.Errorf("responder saw %q, want [A BC]", seen)
	}

	buf := make([]byte, 16)
	n, err := port.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "a\nbc\n" {
		t.Errorf("read %q", got)
	}
}
