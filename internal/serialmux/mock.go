package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// Responder produces the reply line for a command written to a
// TestableSerialPort. An empty reply means the device stays silent.
type Responder func(command string) string

// TestableSerialPort implements SerialPorter with configurable behaviour for
// tests and the simulated instrument link.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuffer  bytes.Buffer
	writeBuffer bytes.Buffer
	pending     string

	// Respond, if set, is called for every complete command line written and
	// its reply is queued for reading.
	Respond Responder

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	closed bool
}

// NewTestableSerialPort creates a port whose reads block until data is
// available or the port is closed.
func NewTestableSerialPort(respond Responder) *TestableSerialPort {
	tsp := &TestableSerialPort{Respond: respond}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until queued data is available.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for !t.closed && t.readBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.closed {
		return 0, ErrPortClosed
	}
	return t.readBuffer.Read(p)
}

// Write records the data and answers every complete line via Respond.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	t.writeBuffer.Write(p)
	t.pending += string(p)
	for {
		idx := strings.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		command := strings.TrimSpace(t.pending[:idx])
		t.pending = t.pending[idx+1:]
		if t.Respond == nil {
			continue
		}
		if reply := t.Respond(command); reply != "" {
			t.readBuffer.WriteString(reply + "\n")
			t.readCond.Broadcast()
		}
	}
	return len(p), nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues unsolicited data for subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readBuffer.Write(data)
	t.readCond.Broadcast()
}

// WrittenData returns everything written to the port.
func (t *TestableSerialPort) WrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBuffer.String()
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// NewMockSerialMux creates a SerialMux backed by a TestableSerialPort that
// answers commands with respond.
func NewMockSerialMux(respond Responder) *SerialMux[*TestableSerialPort] {
	return NewSerialMux(NewTestableSerialPort(respond))
}
